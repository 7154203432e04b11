package embeddings

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fabfab/juris-guard/config"
)

// Embedder maps texts to fixed-length vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int
	Timeout   time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ModelDir      string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.Models.Embeddings.Provider,
		Model:         cfg.Models.Embeddings.Model,
		Dimension:     cfg.Models.Embeddings.Dimension,
		Timeout:       cfg.Models.Embeddings.Timeout,
		OllamaHost:    cfg.Models.OllamaHost,
		OpenAIAPIKey:  cfg.Models.OpenAIAPIKey,
		OpenAIBaseURL: cfg.Models.OpenAIBaseURL,
		ModelDir:      cfg.Models.HugotModelDir,
	}
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := OptionsFromConfig(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	case config.ProviderHugot:
		return NewHugotEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
