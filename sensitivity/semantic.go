package sensitivity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fabfab/juris-guard/embeddings"
)

// SemanticLayer scores text by cosine similarity between its embedding and
// the embedding of each label description. Label embeddings are computed on
// first use and reused afterwards.
type SemanticLayer struct {
	embedder     embeddings.Embedder
	labels       []string
	descriptions []string

	mu      sync.Mutex
	vectors [][]float32
}

func NewSemanticLayer(embedder embeddings.Embedder, labels map[string]string) *SemanticLayer {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptions := make([]string, len(names))
	for i, name := range names {
		descriptions[i] = labels[name]
	}

	return &SemanticLayer{embedder: embedder, labels: names, descriptions: descriptions}
}

func (s *SemanticLayer) Categories() []string {
	return append([]string(nil), s.labels...)
}

func (s *SemanticLayer) Score(ctx context.Context, text string) (map[string]float64, error) {
	labelVectors, err := s.labelVectors(ctx)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text for semantic layer: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}

	out := make(map[string]float64, len(s.labels))
	for i, label := range s.labels {
		out[label] = embeddings.CosineSimilarity(vectors[0], labelVectors[i])
	}
	return out, nil
}

func (s *SemanticLayer) labelVectors(ctx context.Context) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectors != nil {
		return s.vectors, nil
	}

	vectors, err := s.embedder.Embed(ctx, s.descriptions)
	if err != nil {
		return nil, fmt.Errorf("embed label descriptions: %w", err)
	}
	if len(vectors) != len(s.descriptions) {
		return nil, fmt.Errorf("label embedding count mismatch: have %d labels, %d embeddings", len(s.descriptions), len(vectors))
	}
	s.vectors = vectors
	return vectors, nil
}
