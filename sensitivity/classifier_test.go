package sensitivity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/embeddings"
)

type stubEmbedder struct {
	calls int
	err   error
}

// Embed maps a text onto two axes: "secret" vocabulary and everything else.
func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(strings.ToLower(text), "strategy") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

var _ embeddings.Embedder = (*stubEmbedder)(nil)

func newDefaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	classifier, err := New(config.Default().Security, nil, nil)
	require.NoError(t, err)
	return classifier
}

func TestClassifierHardPatterns(t *testing.T) {
	classifier := newDefaultClassifier(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		text     string
		category string
	}{
		{"Trade secret label", "Trade Secret: customer list includes Acme Corp.", "trade_secret"},
		{"Confidential word", "This memo is CONFIDENTIAL.", "confidential"},
		{"Internal use only", "For internal   use only", "internal"},
		{"Project codename", "status of project chimera", "project_chimera"},
		{"Social security number", "SSN 123-45-6789 on file", "ssn"},
		{"Card number", "card 4111 1111 1111 1111 expires", "credit_card"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, err := classifier.Score(ctx, tc.text)
			require.NoError(t, err)
			assert.Equal(t, 1.0, score[tc.category])
		})
	}
}

func TestClassifierPublicTextScoresZero(t *testing.T) {
	classifier := newDefaultClassifier(t)

	score, err := classifier.Score(context.Background(), "The notice period is 10 days, ending September 11.")
	require.NoError(t, err)

	for category, value := range score {
		assert.Equal(t, 0.0, value, "category %s", category)
	}
	assert.ElementsMatch(t, classifier.Categories(), score.Categories(), "every category is always reported")
}

func TestClassifierIsDeterministic(t *testing.T) {
	classifier := newDefaultClassifier(t)
	ctx := context.Background()
	text := "Proprietary merger plan. Trade secret. Published policy."

	first, err := classifier.Score(ctx, text)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := classifier.Score(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestKeywordHeuristic(t *testing.T) {
	heuristic := NewKeywordHeuristic([]string{"proprietary", "merger"}, []string{"public", "policy"})
	ctx := context.Background()

	t.Run("Sensitive vocabulary outweighs public", func(t *testing.T) {
		score, err := heuristic.Score(ctx, "Proprietary merger terms")
		require.NoError(t, err)
		assert.Equal(t, 1.0, score[CategorySensitive])
	})

	t.Run("Tie is treated as public", func(t *testing.T) {
		score, err := heuristic.Score(ctx, "Proprietary public notice")
		require.NoError(t, err)
		assert.Equal(t, 0.0, score[CategorySensitive])
	})
}

func TestHardFilterRejectsInvalidPattern(t *testing.T) {
	_, err := NewHardFilter([]config.HardPattern{{Name: "broken", Pattern: "(unclosed"}})
	assert.Error(t, err)
}

func TestHardFilterMatches(t *testing.T) {
	filter, err := NewHardFilter(config.Default().Security.HardPatterns)
	require.NoError(t, err)
	assert.Equal(t, []string{"ssn", "confidential"}, filter.Matches("Confidential: 123-45-6789"))
}

func TestSemanticLayer(t *testing.T) {
	embedder := &stubEmbedder{}
	layer := NewSemanticLayer(embedder, map[string]string{
		"strategic": "business strategy and forecasts",
		"general":   "ordinary contract language",
	})
	classifier := NewClassifier(nil, layer)
	ctx := context.Background()

	score, err := classifier.Score(ctx, "Our pricing strategy for next year")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score["strategic"], 1e-9)
	assert.InDelta(t, 0.0, score["general"], 1e-9)

	_, err = classifier.Score(ctx, "plain clause")
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.calls, "label descriptions are embedded once")
}

func TestSemanticLayerPropagatesErrors(t *testing.T) {
	layer := NewSemanticLayer(&stubEmbedder{err: errors.New("model offline")}, map[string]string{"x": "y"})
	classifier := NewClassifier(nil, layer)

	_, err := classifier.Score(context.Background(), "anything")
	assert.ErrorContains(t, err, "model offline")
}
