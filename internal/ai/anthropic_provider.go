package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	werrors "github.com/medsync/worketl/internal/errors"
)

// AnthropicProvider implements the Extract half of Provider (structured
// JSON extraction) via anthropic-sdk-go. Embed is not
// implemented here: Anthropic's API does not expose an embeddings
// endpoint, so embeddings are produced by LangChainProvider instead
// (see langchain_provider.go); the two are composed by NewHybridProvider.
type AnthropicProvider struct {
	client       anthropic.Client
	modelVersion string
}

// NewAnthropicProvider builds a client against the given API key and
// model (deployment) name.
func NewAnthropicProvider(apiKey, modelVersion string) *AnthropicProvider {
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelVersion: modelVersion,
	}
}

const extractionPrompt = `Extract structured information from the following scrubbed work-order narrative. Respond with a single JSON object with keys: keywords (array of strings), primary_symptom, root_cause, summary, solution, solution_type, components (array of strings), processes (array of strings), main_component, main_process, confidence (0 to 1 float). Respond with JSON only, no prose.

Text:
%s`

type extractionJSON struct {
	Keywords       []string `json:"keywords"`
	PrimarySymptom string   `json:"primary_symptom"`
	RootCause      string   `json:"root_cause"`
	Summary        string   `json:"summary"`
	Solution       string   `json:"solution"`
	SolutionType   string   `json:"solution_type"`
	Components     []string `json:"components"`
	Processes      []string `json:"processes"`
	MainComponent  string   `json:"main_component"`
	MainProcess    string   `json:"main_process"`
	Confidence     float64  `json:"confidence"`
}

// Extract calls the model with a structured-output instruction and
// validates the JSON shape. Per spec.md §4.7, responses that fail
// validation are retried up to 2 times with an instruction-stiffened
// prompt before being quarantined.
func (p *AnthropicProvider) Extract(ctx context.Context, text string) (Extraction, error) {
	prompt := fmt.Sprintf(extractionPrompt, text)

	var parsed extractionJSON
	var promptTokens, completionTokens int
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			prompt = prompt + "\n\nYour previous response was not valid JSON matching the required shape. Respond with ONLY the JSON object, nothing else."
		}
		msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.modelVersion),
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return Extraction{}, werrors.NewTransientError("AI extraction call failed", "", "", err)
		}

		promptTokens = int(msg.Usage.InputTokens)
		completionTokens = int(msg.Usage.OutputTokens)

		raw := concatText(msg)
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return Extraction{
				Keywords:         parsed.Keywords,
				PrimarySymptom:   parsed.PrimarySymptom,
				RootCause:        parsed.RootCause,
				Summary:          parsed.Summary,
				Solution:         parsed.Solution,
				SolutionType:     parsed.SolutionType,
				Components:       parsed.Components,
				Processes:        parsed.Processes,
				MainComponent:    parsed.MainComponent,
				MainProcess:      parsed.MainProcess,
				Confidence:       parsed.Confidence,
				ModelVersion:     p.modelVersion,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			}, nil
		} else {
			lastErr = err
		}
	}

	return Extraction{}, werrors.NewDataError("Extraction response not valid JSON", "response failed structured-output validation after retries", "record sent to quarantine", lastErr)
}

const extractionBatchPrompt = `Extract structured information from each of the following %d scrubbed work-order narratives, in order. Respond with a single JSON array of exactly %d objects, each with keys: keywords (array of strings), primary_symptom, root_cause, summary, solution, solution_type, components (array of strings), processes (array of strings), main_component, main_process, confidence (0 to 1 float). The array order must match the input order. Respond with JSON only, no prose.

Texts:
%s`

// ExtractBatch packs every text into one prompt and parses a JSON
// array response, so N narratives cost one model call instead of N
// (spec.md §4.7's "chunks by max tokens per request" contract; the
// caller, internal/ai.Client, is responsible for keeping each call's
// input under max_tokens_per_request).
func (p *AnthropicProvider) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var numbered strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&numbered, "%d) %s\n", i+1, t)
	}
	prompt := fmt.Sprintf(extractionBatchPrompt, len(texts), len(texts), numbered.String())

	var parsed []extractionJSON
	var promptTokens, completionTokens int
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			prompt = prompt + "\n\nYour previous response was not a valid JSON array of the required length. Respond with ONLY the JSON array, nothing else."
		}
		msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.modelVersion),
			MaxTokens: int64(1024 * len(texts)),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, werrors.NewTransientError("AI batch extraction call failed", "", "", err)
		}

		promptTokens = int(msg.Usage.InputTokens)
		completionTokens = int(msg.Usage.OutputTokens)

		raw := concatText(msg)
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && len(parsed) == len(texts) {
			out := make([]Extraction, len(texts))
			for i, item := range parsed {
				// token usage is reported for the whole call; split
				// proportionally by input length since the API does not
				// itemize usage per array element.
				share := float64(len(texts[i])) / float64(totalLen(texts))
				out[i] = Extraction{
					Keywords:         item.Keywords,
					PrimarySymptom:   item.PrimarySymptom,
					RootCause:        item.RootCause,
					Summary:          item.Summary,
					Solution:         item.Solution,
					SolutionType:     item.SolutionType,
					Components:       item.Components,
					Processes:        item.Processes,
					MainComponent:    item.MainComponent,
					MainProcess:      item.MainProcess,
					Confidence:       item.Confidence,
					ModelVersion:     p.modelVersion,
					PromptTokens:     int(float64(promptTokens) * share),
					CompletionTokens: int(float64(completionTokens) * share),
				}
			}
			return out, nil
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("expected %d JSON objects, got %d", len(texts), len(parsed))
		}
	}

	return nil, werrors.NewDataError("Batch extraction response not valid JSON", "response failed structured-output validation after retries", "record sent to quarantine", lastErr)
}

func totalLen(texts []string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	if n == 0 {
		return 1
	}
	return n
}

func concatText(msg *anthropic.Message) string {
	out := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ModelVersion reports the configured deployment/model name.
func (p *AnthropicProvider) ModelVersion() string { return p.modelVersion }

// Embed is unimplemented on AnthropicProvider; see NewHybridProvider.
func (p *AnthropicProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	return nil, 0, werrors.NewInternalError("Anthropic provider has no embeddings endpoint", "", "use the hybrid provider", nil)
}

// EmbedBatch is unimplemented on AnthropicProvider; see NewHybridProvider.
func (p *AnthropicProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []int, error) {
	return nil, nil, werrors.NewInternalError("Anthropic provider has no embeddings endpoint", "", "use the hybrid provider", nil)
}
