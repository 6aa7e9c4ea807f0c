package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider selects the hosted model family behind the LLM reviewer.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// LLMOptions configures an LLM-backed reviewer. The API key comes from
// configuration and is never logged.
type LLMOptions struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	Model    string
}

// NewModel constructs the langchaingo model for the given options.
func NewModel(ctx context.Context, opts LLMOptions) (llms.Model, error) {
	switch opts.Provider {
	case ProviderOpenAI:
		o := []openai.Option{openai.WithToken(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, openai.WithModel(opts.Model))
		}
		if opts.BaseURL != "" {
			o = append(o, openai.WithBaseURL(opts.BaseURL))
		}
		return openai.New(o...)
	case ProviderGemini:
		o := []googleai.Option{googleai.WithAPIKey(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, googleai.WithDefaultModel(opts.Model))
		}
		return googleai.New(ctx, o...)
	case ProviderClaude:
		o := []anthropic.Option{anthropic.WithToken(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, anthropic.WithModel(opts.Model))
		}
		return anthropic.New(o...)
	case ProviderOllama:
		o := []ollama.Option{}
		if opts.BaseURL != "" {
			o = append(o, ollama.WithServerURL(opts.BaseURL))
		}
		if opts.Model != "" {
			o = append(o, ollama.WithModel(opts.Model))
		}
		return ollama.New(o...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", opts.Provider)
	}
}

// LLMReviewer reviews via a hosted model. One prompt, one completion, no
// internal retries.
type LLMReviewer struct {
	Model  llms.Model
	Logger zerolog.Logger
}

// structuredFormat asks the model for JSON so mangled completions can be
// repaired instead of discarded.
const structuredFormat = "\n\nRespond with a single JSON object of the form " +
	`{"review": "<the review in Markdown>"} and nothing else.`

func (r *LLMReviewer) Review(ctx context.Context, req Request) (*Result, error) {
	prompt := buildFullPrompt(req) + structuredFormat

	r.Logger.Debug().Int("prompt_bytes", len(prompt)).Msg("calling llm reviewer")
	resp, err := llms.GenerateFromSinglePrompt(ctx, r.Model, prompt)
	if ctx.Err() != nil {
		return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
	}
	if err != nil {
		return nil, &Error{Kind: KindUnusable, Err: err}
	}

	text := strings.TrimSpace(resp)
	if text == "" {
		return nil, &Error{Kind: KindUnusable, Err: fmt.Errorf("model returned empty completion")}
	}

	var out struct {
		Review string `json:"review"`
	}
	if err := DecodeStructured(text, &out); err != nil || strings.TrimSpace(out.Review) == "" {
		// Models occasionally ignore the format; the raw completion is
		// still a usable review.
		r.Logger.Debug().Msg("completion not structured, using raw text")
		return &Result{ReviewText: text}, nil
	}
	return &Result{ReviewText: strings.TrimSpace(out.Review)}, nil
}

// DecodeStructured unmarshals a model completion that was asked to produce
// JSON, repairing markdown fences and truncation the way models commonly
// mangle it.
func DecodeStructured(completion string, v any) error {
	raw := strings.TrimSpace(completion)
	if i := strings.Index(raw, "```"); i >= 0 {
		raw = raw[i:]
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
		raw = strings.TrimSpace(raw)
	}

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair completion json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode completion json: %w", err)
	}
	return nil
}
