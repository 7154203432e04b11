package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/index"
)

func hit(id string, similarity float64, score domain.SensitivityScore) index.Hit {
	return index.Hit{
		Chunk:      domain.Chunk{ID: id, Source: "contract.txt", Sensitivity: score},
		Similarity: similarity,
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name     string
		role     domain.Role
		score    domain.SensitivityScore
		admitted bool
		rule     Rule
	}{
		{"Admin sees restricted text", domain.RoleAdmin, domain.SensitivityScore{"trade_secret": 1}, true, RuleAdminBypass},
		{"Guest sees public text", domain.RoleGuest, domain.SensitivityScore{"trade_secret": 0.2, "confidential": 0.84}, true, RuleBelowThreshold},
		{"Guest denied at threshold", domain.RoleGuest, domain.SensitivityScore{"confidential": 0.85}, false, RuleThresholdExceeded},
		{"Guest denied above threshold", domain.RoleGuest, domain.SensitivityScore{"ssn": 1}, false, RuleThresholdExceeded},
		{"Guest with empty score", domain.RoleGuest, nil, true, RuleBelowThreshold},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			admitted, rule := Evaluate(tc.role, tc.score, 0.85)
			assert.Equal(t, tc.admitted, admitted)
			assert.Equal(t, tc.rule, rule)
		})
	}
}

func TestFilterLogsEveryDecision(t *testing.T) {
	filter := NewFilter(0.85)
	hits := []index.Hit{
		hit("a", 0.9, domain.SensitivityScore{"confidential": 0, "trade_secret": 1}),
		hit("b", 0.8, domain.SensitivityScore{"confidential": 0.1}),
		hit("c", 0.7, domain.SensitivityScore{"internal": 0.9}),
		hit("d", 0.6, domain.SensitivityScore{"internal": 0}),
	}

	var log Log
	admitted := filter.Apply(domain.RoleGuest, hits, &log)

	require.Len(t, admitted, 2)
	assert.Equal(t, "b", admitted[0].Chunk.ID)
	assert.Equal(t, "d", admitted[1].Chunk.ID)

	require.Len(t, log, 4)
	assert.Equal(t, 2, log.Admitted())
	assert.Equal(t, 2, log.Denied())

	first := log[0]
	assert.Equal(t, "a", first.ChunkID)
	assert.False(t, first.Admitted)
	assert.Equal(t, RuleThresholdExceeded, first.Rule)
	assert.Equal(t, "trade_secret", first.MaxCategory)
	assert.Equal(t, 1.0, first.MaxScore)
	assert.Equal(t, []string{"trade_secret"}, first.Triggered)
	assert.Equal(t, 0.9, first.Similarity)
}

func TestFilterAdminAdmitsEverything(t *testing.T) {
	filter := NewFilter(0.5)
	hits := []index.Hit{
		hit("a", 0.9, domain.SensitivityScore{"ssn": 1}),
		hit("b", 0.8, domain.SensitivityScore{"ssn": 0}),
	}

	var log Log
	admitted := filter.Apply(domain.RoleAdmin, hits, &log)
	assert.Equal(t, hits, admitted)
	require.Len(t, log, 2)
	for _, d := range log {
		assert.Equal(t, RuleAdminBypass, d.Rule)
	}
}

func TestFilterDoesNotMutateCandidates(t *testing.T) {
	filter := NewFilter(0.5)
	candidate := hit("a", 0.9, domain.SensitivityScore{"ssn": 1})

	var log Log
	filter.Admit(domain.RoleGuest, candidate, &log)
	log[0].Scores["ssn"] = 0

	assert.Equal(t, 1.0, candidate.Chunk.Sensitivity["ssn"])
}

func TestFilterWithoutLog(t *testing.T) {
	filter := NewFilter(0.5)
	assert.True(t, filter.Admit(domain.RoleGuest, hit("a", 0.9, nil), nil))
}
