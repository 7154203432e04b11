// Package security decides which retrieved chunks a caller may see.
package security

import (
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/index"
)

// Rule names the branch of the policy that produced a decision.
type Rule string

const (
	RuleAdminBypass       Rule = "admin_bypass"
	RuleBelowThreshold    Rule = "below_sentinel_threshold"
	RuleThresholdExceeded Rule = "sentinel_threshold_exceeded"
)

// Decision is one entry of the filtering log.
type Decision struct {
	ChunkID     string                  `json:"chunk_id"`
	Index       int                     `json:"chunk_index"`
	Source      string                  `json:"source"`
	Similarity  float64                 `json:"similarity"`
	Admitted    bool                    `json:"admitted"`
	Rule        Rule                    `json:"rule"`
	Threshold   float64                 `json:"sentinel_threshold"`
	Scores      domain.SensitivityScore `json:"scores"`
	MaxCategory string                  `json:"max_category,omitempty"`
	MaxScore    float64                 `json:"max_score"`
	Triggered   []string                `json:"triggered,omitempty"`
}

// Log collects the decisions made for a single query, in call order. It is
// owned by one request and is not safe for concurrent use.
type Log []Decision

func (l Log) Admitted() int {
	n := 0
	for _, d := range l {
		if d.Admitted {
			n++
		}
	}
	return n
}

func (l Log) Denied() int {
	return len(l) - l.Admitted()
}

// Evaluate is the admission predicate. Admin always passes. Any other role
// is denied as soon as one category reaches threshold.
func Evaluate(role domain.Role, score domain.SensitivityScore, threshold float64) (bool, Rule) {
	if role == domain.RoleAdmin {
		return true, RuleAdminBypass
	}
	if len(score.AtOrAbove(threshold)) > 0 {
		return false, RuleThresholdExceeded
	}
	return true, RuleBelowThreshold
}

type Filter struct {
	threshold float64
}

func NewFilter(sentinelThreshold float64) *Filter {
	return &Filter{threshold: sentinelThreshold}
}

func (f *Filter) Threshold() float64 {
	return f.threshold
}

// Admit decides on one candidate and appends the decision to log. The
// candidate is never modified.
func (f *Filter) Admit(role domain.Role, candidate index.Hit, log *Log) bool {
	score := candidate.Chunk.Sensitivity
	admitted, rule := Evaluate(role, score, f.threshold)

	if log != nil {
		maxCategory, maxScore := score.Max()
		*log = append(*log, Decision{
			ChunkID:     candidate.Chunk.ID,
			Index:       candidate.Chunk.Index,
			Source:      candidate.Chunk.Source,
			Similarity:  candidate.Similarity,
			Admitted:    admitted,
			Rule:        rule,
			Threshold:   f.threshold,
			Scores:      score.Clone(),
			MaxCategory: maxCategory,
			MaxScore:    maxScore,
			Triggered:   score.AtOrAbove(f.threshold),
		})
	}
	return admitted
}

// Apply runs Admit over hits in order and returns the admitted subset with
// order preserved.
func (f *Filter) Apply(role domain.Role, hits []index.Hit, log *Log) []index.Hit {
	admitted := make([]index.Hit, 0, len(hits))
	for _, hit := range hits {
		if f.Admit(role, hit, log) {
			admitted = append(admitted, hit)
		}
	}
	return admitted
}
