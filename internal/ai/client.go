// Package ai implements the AI enrichment client (C7): structured
// extraction, embedding generation, rate limiting, caching, cost
// accounting, and budget gating (spec.md §4.7). Provider is an
// abstract capability interface so the extraction and embedding
// backends can be swapped (anthropic-sdk-go for extraction,
// tmc/langchaingo for embeddings).
package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/medsync/worketl/internal/breaker"
	"github.com/medsync/worketl/internal/config"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/retry"
	"golang.org/x/time/rate"
)

// Extraction is the fixed-shape structured-output contract from
// spec.md §4.7.
type Extraction struct {
	Keywords       []string
	PrimarySymptom string
	RootCause      string
	Summary        string
	Solution       string
	SolutionType   string
	Components     []string
	Processes      []string
	MainComponent  string
	MainProcess    string
	Confidence     float64
	ModelVersion   string
	PromptTokens   int
	CompletionTokens int
}

// Provider is the abstract backend capability: a concrete provider
// (Anthropic, LangChainGo/OpenAI, ...) implements this without the
// caller needing to know which.
type Provider interface {
	Extract(ctx context.Context, text string) (Extraction, error)
	Embed(ctx context.Context, text string) ([]float32, int, error) // vector, token count
	// ExtractBatch and EmbedBatch process several texts in one provider
	// call where the backend supports it, reducing round-trips (spec.md
	// §4.7). A provider without native batch support for one operation
	// returns an error from it; HybridProvider never calls the half a
	// concrete provider doesn't implement.
	ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, []int, error) // vectors, token counts
	ModelVersion() string
}

// estimateTokens approximates a text's token count from its length,
// the same heuristic LangChainProvider.Embed uses for its single-call
// usage accounting.
func estimateTokens(text string) int {
	return len(text) / 4
}

// chunkByTokens groups texts into chunks whose estimated token sum
// does not exceed maxTokens, per spec.md §4.7's "chunks by max tokens
// per request" policy. A single text that alone exceeds maxTokens
// still gets its own chunk rather than being dropped.
func chunkByTokens(texts []string, maxTokens int) [][]string {
	if maxTokens <= 0 {
		return [][]string{texts}
	}
	var chunks [][]string
	var current []string
	tokens := 0
	for _, t := range texts {
		est := estimateTokens(t)
		if len(current) > 0 && tokens+est > maxTokens {
			chunks = append(chunks, current)
			current = nil
			tokens = 0
		}
		current = append(current, t)
		tokens += est
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Usage accumulates cost/token counters for C10 reporting (spec.md §4.7).
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	EstimatedUSD     float64
}

// Client wires a Provider with the rate limiter, cache, circuit
// breaker, retry policy, and budget gate spec.md §4.7 requires.
type Client struct {
	provider Provider
	limiter  *rate.Limiter
	cache    *Cache
	breaker  *breaker.Breaker
	retry    retry.Policy
	log      *slog.Logger

	costAlertUSD float64
	policy       config.BudgetPolicy
	promptCostPerToken     float64
	completionCostPerToken float64
	maxTokensPerRequest    int

	mu          sync.Mutex
	usage       Usage
	budgetAlerted bool
	onBudgetAlert func(Usage)
}

// NewClient wires the C7 client. rateLimitRPS and the bounded wait are
// process-wide per dependency (spec.md §5).
func NewClient(provider Provider, cfg config.AIConfig, cache *Cache, br *breaker.Breaker, log *slog.Logger) *Client {
	return &Client{
		provider:     provider,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(cfg.RateLimitRPS))),
		cache:        cache,
		breaker:      br,
		retry:        retry.DefaultPolicy(),
		log:          log,
		costAlertUSD: cfg.CostAlertUSD,
		policy:       cfg.BudgetPolicy,
		// representative per-token rates; operators can override via config in a future revision.
		promptCostPerToken:     0.000003,
		completionCostPerToken: 0.000015,
		maxTokensPerRequest:    cfg.MaxTokensPerRequest,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// OnBudgetAlert registers a callback invoked once when the cost
// threshold is first crossed, wired by C10 to deliver the alert.
func (c *Client) OnBudgetAlert(fn func(Usage)) { c.onBudgetAlert = fn }

// ModelVersion reports the underlying provider's model/deployment
// name, used to key the embedding store's composite primary key.
func (c *Client) ModelVersion() string { return c.provider.ModelVersion() }

// Extract runs the structured-extraction contract, applying the rate
// limiter, circuit breaker, and retry policy. No call path estimates
// token cost before calling the provider: gateBudget only checks usage
// already recorded from earlier responses, and the batch paths use
// estimateTokens solely to size chunks.
func (c *Client) Extract(ctx context.Context, text string) (Extraction, error) {
	if err := c.gateBudget(); err != nil {
		return Extraction{}, err
	}
	if err := c.acquireRateLimit(ctx); err != nil {
		return Extraction{}, err
	}

	var result Extraction
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			r, err := c.provider.Extract(ctx, text)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return Extraction{}, err
	}
	c.recordUsage(result.PromptTokens, result.CompletionTokens)
	return result, nil
}

// Embed returns the embedding vector for text, using the cache keyed
// by hash(text)+model_version (spec.md §4.7, §5). Cache hits bypass
// both the network call and the rate limiter.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text, c.provider.ModelVersion())
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	if err := c.gateBudget(); err != nil {
		return nil, err
	}
	if err := c.acquireRateLimit(ctx); err != nil {
		return nil, err
	}

	var vec []float32
	var tokens int
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			v, t, err := c.provider.Embed(ctx, text)
			if err != nil {
				return err
			}
			vec, tokens = v, t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.recordUsage(tokens, 0)
	c.cache.Put(key, vec)
	return vec, nil
}

// ExtractBatch runs structured extraction over texts, chunked by
// max_tokens_per_request so a large work-order backlog is processed in
// fewer provider calls than one-per-row (spec.md §4.7). Each chunk
// still passes through the rate limiter, circuit breaker, and retry
// policy individually.
func (c *Client) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([]Extraction, 0, len(texts))
	for _, chunk := range chunkByTokens(texts, c.maxTokensPerRequest) {
		if err := c.gateBudget(); err != nil {
			return nil, err
		}
		if err := c.acquireRateLimit(ctx); err != nil {
			return nil, err
		}

		var out []Extraction
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, c.retry, func(ctx context.Context) error {
				r, err := c.provider.ExtractBatch(ctx, chunk)
				if err != nil {
					return err
				}
				out = r
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		for _, r := range out {
			c.recordUsage(r.PromptTokens, r.CompletionTokens)
		}
		results = append(results, out...)
	}
	return results, nil
}

// EmbedBatch returns embedding vectors for texts in the same order,
// serving cache hits without a provider call and chunking the misses
// by max_tokens_per_request (spec.md §4.7).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		key := CacheKey(text, c.provider.ModelVersion())
		if v, ok := c.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	pos := 0
	for _, chunk := range chunkByTokens(missTexts, c.maxTokensPerRequest) {
		if err := c.gateBudget(); err != nil {
			return nil, err
		}
		if err := c.acquireRateLimit(ctx); err != nil {
			return nil, err
		}

		var vecs [][]float32
		var tokens []int
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, c.retry, func(ctx context.Context) error {
				v, t, err := c.provider.EmbedBatch(ctx, chunk)
				if err != nil {
					return err
				}
				vecs, tokens = v, t
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(chunk) {
			return nil, werrors.NewDataError("Embedding batch response size mismatch", "provider returned a different vector count than texts submitted", "", nil)
		}

		for j, vec := range vecs {
			i := missIdx[pos+j]
			out[i] = vec
			c.recordUsage(tokens[j], 0)
			c.cache.Put(CacheKey(texts[i], c.provider.ModelVersion()), vec)
		}
		pos += len(chunk)
	}
	return out, nil
}

func (c *Client) acquireRateLimit(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		return werrors.NewTransientError("Rate limited", "AI request exceeded the bounded wait", "retry later or raise rate_limit_rps", err)
	}
	return nil
}

func (c *Client) recordUsage(promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += int64(promptTokens)
	c.usage.CompletionTokens += int64(completionTokens)
	c.usage.EstimatedUSD += float64(promptTokens)*c.promptCostPerToken + float64(completionTokens)*c.completionCostPerToken

	if c.usage.EstimatedUSD > c.costAlertUSD && !c.budgetAlerted {
		c.budgetAlerted = true
		if c.onBudgetAlert != nil {
			c.onBudgetAlert(c.usage)
		}
	}
}

// gateBudget enforces the policy once the cost threshold has been
// crossed: hard_gate rejects further calls with a Budget error,
// soft_degrade lets them through unchanged. The orchestrator treats a
// Budget error like an open circuit and skips enrichment for the batch;
// under soft_degrade no enrichment is skipped.
func (c *Client) gateBudget() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usage.EstimatedUSD > c.costAlertUSD && c.policy == config.BudgetHardGate {
		return werrors.NewBudgetError("AI budget exceeded", "cost_alert_usd threshold exceeded under hard_gate policy", "raise cost_alert_usd or switch to soft_degrade", nil)
	}
	return nil
}

// Usage returns a snapshot of the accumulated counters.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// CacheKey hashes the post-scrub text plus model version, per spec.md §4.7/§5.
func CacheKey(text, modelVersion string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(modelVersion))
	return hex.EncodeToString(h.Sum(nil))
}
