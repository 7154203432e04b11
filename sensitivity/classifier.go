// Package sensitivity scores text on named confidentiality categories.
//
// A Classifier combines up to three layers. Hard patterns pin a category to
// 1.0 when a regular expression matches. The keyword heuristic raises the
// "sensitive" category when sensitive vocabulary outweighs public vocabulary.
// The optional semantic layer compares the text embedding with a description
// of each label. The final score of a category is its maximum across layers,
// and every known category is always present in the result.
package sensitivity

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/embeddings"
)

// CategorySensitive is produced by the keyword heuristic.
const CategorySensitive = "sensitive"

// Scorer is what the ingestion service and query engine depend on.
type Scorer interface {
	Score(ctx context.Context, text string) (domain.SensitivityScore, error)
}

type Layer interface {
	Categories() []string
	Score(ctx context.Context, text string) (map[string]float64, error)
}

type Classifier struct {
	layers     []Layer
	categories []string
	logger     *slog.Logger
}

// New builds the hard pattern and keyword layers from cfg. When embedder is
// non-nil and cfg.SemanticLabels is not empty a semantic layer is added.
func New(cfg config.SecurityConfig, embedder embeddings.Embedder, logger *slog.Logger) (*Classifier, error) {
	hard, err := NewHardFilter(cfg.HardPatterns)
	if err != nil {
		return nil, err
	}

	layers := []Layer{hard, NewKeywordHeuristic(cfg.SensitiveKeywords, cfg.PublicKeywords)}
	if embedder != nil && len(cfg.SemanticLabels) > 0 {
		layers = append(layers, NewSemanticLayer(embedder, cfg.SemanticLabels))
	}

	return NewClassifier(logger, layers...), nil
}

func NewClassifier(logger *slog.Logger, layers ...Layer) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]struct{})
	var categories []string
	for _, layer := range layers {
		for _, category := range layer.Categories() {
			if _, ok := seen[category]; ok {
				continue
			}
			seen[category] = struct{}{}
			categories = append(categories, category)
		}
	}

	return &Classifier{layers: layers, categories: categories, logger: logger}
}

// Categories lists every category the classifier can emit.
func (c *Classifier) Categories() []string {
	return append([]string(nil), c.categories...)
}

func (c *Classifier) Score(ctx context.Context, text string) (domain.SensitivityScore, error) {
	score := make(domain.SensitivityScore, len(c.categories))
	for _, category := range c.categories {
		score[category] = 0
	}

	for _, layer := range c.layers {
		partial, err := layer.Score(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("score sensitivity: %w", err)
		}
		for category, value := range partial {
			value = clamp(value)
			if value > score[category] {
				score[category] = value
			}
		}
	}

	if category, value := score.Max(); value > 0 {
		c.logger.Debug("sensitivity scored", "top_category", category, "top_score", value)
	}
	return score, nil
}

var _ Scorer = (*Classifier)(nil)

// HardFilter matches configured regular expressions.
type HardFilter struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	name string
	tag  string
	re   *regexp.Regexp
}

func NewHardFilter(patterns []config.HardPattern) (*HardFilter, error) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		expr := p.Pattern
		if strings.EqualFold(strings.TrimSpace(p.Flags), "IGNORECASE") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, domain.Configurationf("compile hard pattern", "pattern %q: %v", p.Name, err)
		}
		tag := p.Tag
		if tag == "" {
			tag = p.Name
		}
		compiled = append(compiled, compiledPattern{name: p.Name, tag: tag, re: re})
	}
	return &HardFilter{patterns: compiled}, nil
}

func (h *HardFilter) Categories() []string {
	out := make([]string, 0, len(h.patterns))
	for _, p := range h.patterns {
		out = append(out, p.tag)
	}
	return out
}

func (h *HardFilter) Score(_ context.Context, text string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, p := range h.patterns {
		if p.re.MatchString(text) {
			out[p.tag] = 1
		}
	}
	return out, nil
}

// Matches returns the names of the patterns found in text.
func (h *HardFilter) Matches(text string) []string {
	var names []string
	for _, p := range h.patterns {
		if p.re.MatchString(text) {
			names = append(names, p.name)
		}
	}
	return names
}

// KeywordHeuristic counts sensitive and public phrases.
type KeywordHeuristic struct {
	sensitive []string
	public    []string
}

func NewKeywordHeuristic(sensitive, public []string) *KeywordHeuristic {
	return &KeywordHeuristic{sensitive: lowerAll(sensitive), public: lowerAll(public)}
}

func (k *KeywordHeuristic) Categories() []string {
	return []string{CategorySensitive}
}

func (k *KeywordHeuristic) Score(_ context.Context, text string) (map[string]float64, error) {
	low := strings.ToLower(text)
	sensHits := countHits(low, k.sensitive)
	pubHits := countHits(low, k.public)
	if sensHits > pubHits {
		return map[string]float64{CategorySensitive: 1}, nil
	}
	return map[string]float64{CategorySensitive: 0}, nil
}

func countHits(text string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			hits++
		}
	}
	return hits
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
