package ai

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/medsync/worketl/internal/breaker"
	"github.com/medsync/worketl/internal/config"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	extractCalls atomic.Int32
	embedCalls   atomic.Int32
	vector       []float32
	failNextN    int
}

func (f *fakeProvider) Extract(ctx context.Context, text string) (Extraction, error) {
	f.extractCalls.Add(1)
	return Extraction{Summary: "ok", PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	f.embedCalls.Add(1)
	if f.failNextN > 0 {
		f.failNextN--
		return nil, 0, werrors.NewTransientError("timeout", "", "", nil)
	}
	return f.vector, 4, nil
}

func (f *fakeProvider) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	out := make([]Extraction, len(texts))
	for i := range texts {
		f.extractCalls.Add(1)
		out[i] = Extraction{Summary: "ok", PromptTokens: 10, CompletionTokens: 5}
	}
	return out, nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []int, error) {
	vecs := make([][]float32, len(texts))
	tokens := make([]int, len(texts))
	for i := range texts {
		f.embedCalls.Add(1)
		if f.failNextN > 0 {
			f.failNextN--
			return nil, nil, werrors.NewTransientError("timeout", "", "", nil)
		}
		vecs[i] = f.vector
		tokens[i] = 4
	}
	return vecs, tokens, nil
}

func (f *fakeProvider) ModelVersion() string { return "test-v1" }

func newTestClient(t *testing.T, p Provider) *Client {
	t.Helper()
	cache, err := NewCache(100, "")
	require.NoError(t, err)
	br := breaker.New("test-ai", breaker.DefaultConfig(), slog.Default())
	cfg := config.AIConfig{RateLimitRPS: 1000, CostAlertUSD: 1000, BudgetPolicy: config.BudgetHardGate}
	return NewClient(p, cfg, cache, br, slog.Default())
}

func TestEmbedCachesResults(t *testing.T) {
	p := &fakeProvider{vector: []float32{1, 2, 3}}
	c := newTestClient(t, p)

	v1, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v1)

	v2, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), p.embedCalls.Load(), "second call must be a cache hit")
}

func TestBudgetHardGateRejectsOverBudgetCalls(t *testing.T) {
	p := &fakeProvider{}
	cache, err := NewCache(100, "")
	require.NoError(t, err)
	br := breaker.New("test-ai-budget", breaker.DefaultConfig(), slog.Default())
	cfg := config.AIConfig{RateLimitRPS: 1000, CostAlertUSD: 0.0000001, BudgetPolicy: config.BudgetHardGate}
	c := NewClient(p, cfg, cache, br, slog.Default())

	_, err = c.Extract(context.Background(), "first call establishes nonzero usage")
	require.NoError(t, err)

	_, err = c.Extract(context.Background(), "second call should be gated")
	require.Error(t, err)
	assert.Equal(t, werrors.KindBudget, werrors.Classify(err))
}

func TestEmbedBatchUsesCacheAndSingleCallForMisses(t *testing.T) {
	p := &fakeProvider{vector: []float32{1, 2, 3}}
	c := newTestClient(t, p)

	_, err := c.Embed(context.Background(), "already cached")
	require.NoError(t, err)
	require.Equal(t, int32(1), p.embedCalls.Load())

	vecs, err := c.EmbedBatch(context.Background(), []string{"already cached", "fresh one", "fresh two"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Equal(t, []float32{1, 2, 3}, v)
	}
	// embedCalls counts texts sent to the provider: one from the earlier
	// Embed, one per missed text in the batch; the cache hit adds none.
	assert.Equal(t, int32(3), p.embedCalls.Load())
}

func TestExtractBatchChunksByMaxTokens(t *testing.T) {
	p := &fakeProvider{}
	cache, err := NewCache(100, "")
	require.NoError(t, err)
	br := breaker.New("test-ai-batch", breaker.DefaultConfig(), slog.Default())
	// each text below is ~4 tokens; a budget of 5 forces one text per chunk.
	cfg := config.AIConfig{RateLimitRPS: 1000, CostAlertUSD: 1000, BudgetPolicy: config.BudgetHardGate, MaxTokensPerRequest: 5}
	c := NewClient(p, cfg, cache, br, slog.Default())

	out, err := c.ExtractBatch(context.Background(), []string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, int32(2), p.extractCalls.Load())
}

func TestCacheKeyDependsOnModelVersion(t *testing.T) {
	k1 := CacheKey("text", "v1")
	k2 := CacheKey("text", "v2")
	assert.NotEqual(t, k1, k2)
}
