package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fabfab/juris-guard/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Client turns a prompt into answer text.
type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Sampling is forwarded to the provider as-is. Zero values leave the
// provider default in place.
type Sampling struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

type Options struct {
	Provider string
	Model    string
	Sampling Sampling
	Timeout  time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider: cfg.Models.LLM.Provider,
		Model:    cfg.Models.LLM.Model,
		Sampling: Sampling{
			Temperature: cfg.Models.LLM.Temperature,
			TopP:        cfg.Models.LLM.TopP,
			MaxTokens:   cfg.Models.LLM.MaxTokens,
		},
		Timeout:       cfg.Models.LLM.Timeout,
		OllamaHost:    cfg.Models.OllamaHost,
		OpenAIAPIKey:  cfg.Models.OpenAIAPIKey,
		OpenAIBaseURL: cfg.Models.OpenAIBaseURL,
	}
}

func NewClient(cfg config.Config) (Client, error) {
	opts := OptionsFromConfig(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
