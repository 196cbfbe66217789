package ai

import (
	"context"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainProvider implements the Embed half of Provider via
// tmc/langchaingo's embeddings.Embedder abstraction. It deliberately
// does not implement Extract: structured extraction is Anthropic's job
// in this deployment (see anthropic_provider.go); NewHybridProvider
// composes the two.
type LangChainProvider struct {
	embedder     embeddings.Embedder
	modelVersion string
	dimension    int
}

// NewLangChainProvider builds an embedder against an OpenAI-compatible
// endpoint (langchaingo's abstraction supports others; OpenAI is the
// default wiring here since it is what the corpus's AI endpoints speak).
func NewLangChainProvider(apiKey, baseURL, modelVersion string, dimension int) (*LangChainProvider, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithEmbeddingModel(modelVersion),
	)
	if err != nil {
		return nil, werrors.NewPersistentError("Cannot initialize embedding provider", "", "", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, werrors.NewPersistentError("Cannot initialize embedder", "", "", err)
	}
	return &LangChainProvider{embedder: embedder, modelVersion: modelVersion, dimension: dimension}, nil
}

// Embed returns a vector of fixed dimension D (spec.md §4.7). Token
// counting is approximated from input length since langchaingo's
// embedder does not surface usage.
func (p *LangChainProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	vectors, tokens, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, 0, err
	}
	return vectors[0], tokens[0], nil
}

// EmbedBatch submits every text to EmbedDocuments in a single call:
// langchaingo's embedder natively accepts a document slice, so this is
// the genuine "one provider call for many rows" path spec.md §4.7 asks
// for, rather than a client-side loop over Embed.
func (p *LangChainProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []int, error) {
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, nil, werrors.NewTransientError("Embedding call failed", "", "", err)
	}
	if len(vectors) != len(texts) {
		return nil, nil, werrors.NewDataError("Embedding response size mismatch", "", "", nil)
	}
	if p.dimension > 0 {
		for _, v := range vectors {
			if len(v) != p.dimension {
				return nil, nil, werrors.NewDataError("Embedding dimension mismatch", "provider returned a vector whose length differs from the configured dimension", "", nil)
			}
		}
	}
	tokens := make([]int, len(texts))
	for i, text := range texts {
		tokens[i] = len(text) / 4
	}
	return vectors, tokens, nil
}

func (p *LangChainProvider) ModelVersion() string { return p.modelVersion }

// Extract is unimplemented on LangChainProvider; see anthropic_provider.go.
func (p *LangChainProvider) Extract(ctx context.Context, text string) (Extraction, error) {
	return Extraction{}, werrors.NewInternalError("LangChain provider has no extraction endpoint", "", "use the hybrid provider", nil)
}

// ExtractBatch is unimplemented on LangChainProvider; see anthropic_provider.go.
func (p *LangChainProvider) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	return nil, werrors.NewInternalError("LangChain provider has no extraction endpoint", "", "use the hybrid provider", nil)
}

// HybridProvider composes an extraction backend and an embedding
// backend behind the single Provider interface C7's Client depends on,
// since no single SDK in the corpus covers both structured extraction
// and embeddings for this deployment.
type HybridProvider struct {
	extractor Provider
	embedder  Provider
}

// NewHybridProvider wires AnthropicProvider (extraction) with
// LangChainProvider (embeddings).
func NewHybridProvider(extractor, embedder Provider) *HybridProvider {
	return &HybridProvider{extractor: extractor, embedder: embedder}
}

func (h *HybridProvider) Extract(ctx context.Context, text string) (Extraction, error) {
	return h.extractor.Extract(ctx, text)
}

func (h *HybridProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	return h.embedder.Embed(ctx, text)
}

func (h *HybridProvider) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	return h.extractor.ExtractBatch(ctx, texts)
}

func (h *HybridProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []int, error) {
	return h.embedder.EmbedBatch(ctx, texts)
}

func (h *HybridProvider) ModelVersion() string { return h.extractor.ModelVersion() }
