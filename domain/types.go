// Package domain holds the types shared by the ingestion, retrieval and query packages.
package domain

import (
	"sort"
	"strings"
	"time"
)

// Role is the capability level of a caller.
type Role string

const (
	RoleGuest Role = "guest"
	RoleAdmin Role = "admin"
)

// ParseRole normalises a caller supplied role. Unknown roles are a
// configuration error and are rejected before any work starts.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleGuest:
		return RoleGuest, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", Configurationf("parse role", "unrecognized role %q", value)
	}
}

// Document is a stored source text. It is never mutated after ingestion.
type Document struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Title      string    `json:"title"`
	SHA256     string    `json:"sha256"`
	Text       string    `json:"-"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Chunk is a passage cut from exactly one Document.
type Chunk struct {
	ID          string           `json:"id"`
	DocumentID  string           `json:"document_id"`
	Source      string           `json:"source"`
	Index       int              `json:"index"`
	StartOffset int              `json:"start_offset"`
	Text        string           `json:"text"`
	Sensitivity SensitivityScore `json:"sensitivity"`
}

// SensitivityScore maps a category name to a score in [0,1].
type SensitivityScore map[string]float64

// Max returns the highest scoring category. Ties resolve to the
// alphabetically first category so the result is stable.
func (s SensitivityScore) Max() (string, float64) {
	var (
		best      string
		bestScore float64
		found     bool
	)
	for _, category := range s.Categories() {
		score := s[category]
		if !found || score > bestScore {
			best, bestScore, found = category, score, true
		}
	}
	return best, bestScore
}

// Categories returns the category names in sorted order.
func (s SensitivityScore) Categories() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AtOrAbove lists the categories whose score meets threshold.
func (s SensitivityScore) AtOrAbove(threshold float64) []string {
	var hits []string
	for _, category := range s.Categories() {
		if s[category] >= threshold {
			hits = append(hits, category)
		}
	}
	return hits
}

func (s SensitivityScore) Clone() SensitivityScore {
	if s == nil {
		return nil
	}
	out := make(SensitivityScore, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Label is the coarse classification shown on debug listings.
func (s SensitivityScore) Label(threshold float64) string {
	if len(s.AtOrAbove(threshold)) > 0 {
		return "restricted"
	}
	return "public"
}

// Snippet truncates text to at most limit runes.
func Snippet(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
