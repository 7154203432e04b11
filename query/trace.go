package query

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/security"
)

// Outcome tells callers what kind of answer they got without inspecting
// the answer text.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailed   Outcome = "failed"
)

// Status is the coarse label shown on the debug endpoints.
func (o Outcome) Status() string {
	switch o {
	case OutcomeAnswered:
		return "success"
	case OutcomeDenied:
		return "blocked"
	default:
		return "failed"
	}
}

type State string

const (
	StateReceived  State = "received"
	StateEmbedded  State = "embedded"
	StateRetrieved State = "retrieved"
	StateFiltered  State = "filtered"
	StateAnswered  State = "answered"
	StateTraced    State = "traced"
	StateFailed    State = "failed"
)

const snippetLength = 100

// RetrievedChunk is the trace view of one chunk that made it past the filter.
type RetrievedChunk struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	Source     string  `json:"source"`
	Similarity float64 `json:"similarity"`
	Label      string  `json:"label"`
	Snippet    string  `json:"snippet"`
}

// Trace is the full record of one query.
type Trace struct {
	ID               string                  `json:"id"`
	Query            string                  `json:"query"`
	Role             string                  `json:"role"`
	QuerySensitivity domain.SensitivityScore `json:"query_sensitivity"`
	RetrievedChunks  []RetrievedChunk        `json:"retrieved_chunks"`
	FilteringLog     security.Log            `json:"filtering_log"`
	Answer           string                  `json:"answer"`
	Outcome          Outcome                 `json:"outcome"`
	Status           string                  `json:"status"`
	States           []State                 `json:"states"`
	Error            string                  `json:"error,omitempty"`
	ElapsedSeconds   float64                 `json:"elapsed_seconds"`
	Timestamp        time.Time               `json:"timestamp"`
}

// newTrace starts a trace whose collections encode as empty rather than
// null when the query stops before filling them.
func newTrace(req Request) Trace {
	return Trace{
		ID:               uuid.NewString(),
		Query:            strings.TrimSpace(req.Query),
		Role:             req.Role,
		QuerySensitivity: domain.SensitivityScore{},
		RetrievedChunks:  []RetrievedChunk{},
		FilteringLog:     security.Log{},
		States:           []State{},
	}
}

func (t *Trace) enter(state State) {
	t.States = append(t.States, state)
}

// Terminal returns the last state the query reached.
func (t Trace) Terminal() State {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

func toRetrieved(hits []index.Hit, sentinel float64) []RetrievedChunk {
	out := make([]RetrievedChunk, 0, len(hits))
	for _, hit := range hits {
		out = append(out, RetrievedChunk{
			Index:      hit.Chunk.Index,
			ChunkID:    hit.Chunk.ID,
			Source:     hit.Chunk.Source,
			Similarity: hit.Similarity,
			Label:      hit.Chunk.Sensitivity.Label(sentinel),
			Snippet:    domain.Snippet(hit.Chunk.Text, snippetLength),
		})
	}
	return out
}
