package ai

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache is the thread-safe embedding cache from spec.md §5: keyed by
// hash(text)+model_version, with LRU eviction (default 10k entries).
// The in-process LRU (hashicorp/golang-lru/v2) is the mandatory tier;
// an optional Redis tier (redis/go-redis/v9) shares cache hits across
// multiple worketl processes when configured.
type Cache struct {
	local *lru.Cache[string, []float32]
	rdb   *redis.Client
}

// NewCache builds the mandatory LRU tier sized to maxEntries, plus an
// optional Redis tier when redisAddr is non-empty.
func NewCache(maxEntries int, redisAddr string) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	local, err := lru.New[string, []float32](maxEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{local: local}
	if redisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return c, nil
}

// Get checks the local LRU first, then the optional Redis tier,
// promoting Redis hits into the local LRU.
func (c *Cache) Get(key string) ([]float32, bool) {
	if v, ok := c.local.Get(key); ok {
		return v, true
	}
	if c.rdb == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	raw, err := c.rdb.Get(ctx, "worketl:embed:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	vec := decodeVector(raw)
	c.local.Add(key, vec)
	return vec, true
}

// Put writes through to both tiers.
func (c *Cache) Put(key string, vec []float32) {
	c.local.Add(key, vec)
	if c.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = c.rdb.Set(ctx, "worketl:embed:"+key, encodeVector(vec), 24*time.Hour).Err()
}

// Len reports the local tier's current entry count.
func (c *Cache) Len() int { return c.local.Len() }

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return out
}
