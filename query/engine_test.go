package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/llm"
	"github.com/fabfab/juris-guard/recorder"
	"github.com/fabfab/juris-guard/security"
	"github.com/fabfab/juris-guard/sensitivity"
)

const (
	noticeText   = "The notice period is 10 days, ending September 11."
	customerText = "Trade Secret: customer list includes Acme Corp and Globex."
)

// topicEmbedder places texts on three axes: notice, customer, anything else.
type topicEmbedder struct {
	err error
}

func (s topicEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "notice"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(lower, "customer"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

// echoLLM answers with the context it was given.
type echoLLM struct {
	mu       sync.Mutex
	calls    int
	prompts  []string
	err      error
	blocking bool
}

func (l *echoLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	l.mu.Lock()
	l.calls++
	l.prompts = append(l.prompts, messages[len(messages)-1].Content)
	l.mu.Unlock()

	if l.blocking {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if l.err != nil {
		return "", l.err
	}
	return "  " + messages[len(messages)-1].Content + "  ", nil
}

func (l *echoLLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, []float32, int, float64) ([]index.Hit, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	engine   *Engine
	llm      *echoLLM
	recorder *recorder.Recorder[Trace]
	index    *index.MemoryIndex
}

func newFixture(t *testing.T, mutate func(*Dependencies, *Options)) fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()

	classifier, err := sensitivity.New(cfg.Security, nil, nil)
	require.NoError(t, err)

	embedder := topicEmbedder{}
	idx := index.NewMemoryIndex()
	for i, text := range []string{noticeText, customerText} {
		score, err := classifier.Score(ctx, text)
		require.NoError(t, err)
		vectors, err := embedder.Embed(ctx, []string{text})
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, domain.Chunk{
			ID:          []string{"notice", "customer"}[i],
			Source:      "contract.txt",
			Index:       i,
			Text:        text,
			Sensitivity: score,
		}, vectors[0]))
	}

	client := &echoLLM{}
	rec := recorder.New[Trace]()
	deps := Dependencies{
		Index:    idx,
		Scorer:   classifier,
		Embedder: embedder,
		LLM:      client,
		Filter:   security.NewFilter(cfg.Security.SentinelThreshold),
		Sink:     rec,
	}
	opts := OptionsFromConfig(cfg)
	if mutate != nil {
		mutate(&deps, &opts)
	}

	engine, err := NewEngine(deps, opts, nil)
	require.NoError(t, err)
	return fixture{engine: engine, llm: client, recorder: rec, index: idx}
}

func TestQueryGuestPublicAnswer(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), Request{Query: "What is the notice period?", Role: "guest"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Contains(t, result.Answer, "10 days")
	assert.Equal(t, result.Answer, strings.TrimSpace(result.Answer))
	assert.Equal(t, 1, f.llm.Calls())

	trace := result.Trace
	assert.Equal(t, []State{StateReceived, StateEmbedded, StateRetrieved, StateFiltered, StateAnswered, StateTraced}, trace.States)
	assert.Equal(t, "success", trace.Status)
	assert.Equal(t, "guest", trace.Role)
	require.Len(t, trace.RetrievedChunks, 1)
	assert.Equal(t, "notice", trace.RetrievedChunks[0].ChunkID)
	assert.Equal(t, "public", trace.RetrievedChunks[0].Label)
	assert.NotEmpty(t, trace.ID)
	assert.False(t, trace.Timestamp.IsZero())
	assert.GreaterOrEqual(t, trace.ElapsedSeconds, 0.0)
	assert.NotNil(t, trace.QuerySensitivity)

	last, ok := f.recorder.Last()
	require.True(t, ok)
	assert.Equal(t, trace.ID, last.ID)
}

func TestQueryGuestDeniedRestrictedEvidence(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), Request{Query: "List the customer list details", Role: "guest"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Equal(t, config.DefaultDenialAnswer, result.Answer)
	assert.Equal(t, 0, f.llm.Calls(), "the model is never asked without evidence")

	trace := result.Trace
	assert.Equal(t, "blocked", trace.Status)
	assert.Empty(t, trace.RetrievedChunks)
	require.Len(t, trace.FilteringLog, 1)
	assert.False(t, trace.FilteringLog[0].Admitted)
	assert.Equal(t, security.RuleThresholdExceeded, trace.FilteringLog[0].Rule)
	assert.Equal(t, StateTraced, trace.Terminal())
}

func TestQueryAdminSeesRestrictedEvidence(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), Request{Query: "List the customer list details", Role: "ADMIN"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Contains(t, result.Answer, "Acme Corp")
	assert.Equal(t, "admin", result.Trace.Role)
	require.Len(t, result.Trace.FilteringLog, 1)
	assert.Equal(t, security.RuleAdminBypass, result.Trace.FilteringLog[0].Rule)
	assert.Equal(t, "restricted", result.Trace.RetrievedChunks[0].Label)
}

func TestQueryNothingRetrievedIsDenied(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), Request{Query: "Who won the match?", Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Empty(t, result.Trace.FilteringLog)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestQueryGuestNeverSeesSensitiveChunks(t *testing.T) {
	f := newFixture(t, func(_ *Dependencies, opts *Options) {
		opts.SimilarityThreshold = -1
		opts.TopK = 10
	})

	for _, q := range []string{"notice", "customer", "anything"} {
		result, err := f.engine.Query(context.Background(), Request{Query: q, Role: "guest"})
		require.NoError(t, err)

		chunks, err := f.index.Chunks(context.Background())
		require.NoError(t, err)
		byID := map[string]domain.Chunk{}
		for _, c := range chunks {
			byID[c.ID] = c
		}
		for _, rc := range result.Trace.RetrievedChunks {
			for category, score := range byID[rc.ChunkID].Sensitivity {
				assert.Less(t, score, 0.85, "chunk %s category %s", rc.ChunkID, category)
			}
		}
	}
}

func TestQueryAdminAdmitsFullRetrievedSet(t *testing.T) {
	f := newFixture(t, func(_ *Dependencies, opts *Options) {
		opts.SimilarityThreshold = -1
		opts.TopK = 10
	})

	result, err := f.engine.Query(context.Background(), Request{Query: "anything", Role: "admin"})
	require.NoError(t, err)
	assert.Len(t, result.Trace.FilteringLog, 2)
	assert.Len(t, result.Trace.RetrievedChunks, 2)
}

func TestQueryFailures(t *testing.T) {
	t.Run("Unknown role is a configuration error", func(t *testing.T) {
		f := newFixture(t, nil)
		result, err := f.engine.Query(context.Background(), Request{Query: "notice", Role: "root"})

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Equal(t, []State{StateReceived, StateFailed}, result.Trace.States)
		assert.Equal(t, 0, f.llm.Calls())

		last, ok := f.recorder.Last()
		require.True(t, ok, "failed queries are still recorded")
		assert.Equal(t, "failed", last.Status)
		assert.NotEmpty(t, last.Error)
	})

	t.Run("Embedding failure is an external model error", func(t *testing.T) {
		f := newFixture(t, func(deps *Dependencies, _ *Options) {
			deps.Embedder = topicEmbedder{err: errors.New("ollama unreachable")}
		})
		result, err := f.engine.Query(context.Background(), Request{Query: "notice", Role: "guest"})

		assert.ErrorIs(t, err, domain.ErrExternalModel)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Contains(t, result.Answer, "ollama unreachable")
		assert.Contains(t, result.Trace.Answer, "ollama unreachable")
		assert.Equal(t, StateFailed, result.Trace.Terminal())
	})

	t.Run("Index failure is a retrieval error", func(t *testing.T) {
		f := newFixture(t, func(deps *Dependencies, _ *Options) {
			deps.Index = failingSearcher{}
		})
		result, err := f.engine.Query(context.Background(), Request{Query: "notice", Role: "guest"})

		assert.ErrorIs(t, err, domain.ErrRetrieval)
		assert.Empty(t, result.Trace.RetrievedChunks)
		assert.Equal(t, []State{StateReceived, StateEmbedded, StateFailed}, result.Trace.States)
	})

	t.Run("Generation failure is an external model error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.llm.err = errors.New("model crashed")
		result, err := f.engine.Query(context.Background(), Request{Query: "notice", Role: "guest"})

		assert.ErrorIs(t, err, domain.ErrExternalModel)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Contains(t, result.Trace.Error, "model crashed")
	})

	t.Run("Generation is bounded by the timeout", func(t *testing.T) {
		f := newFixture(t, func(_ *Dependencies, opts *Options) {
			opts.GenerateTimeout = 20 * time.Millisecond
		})
		f.llm.blocking = true

		start := time.Now()
		_, err := f.engine.Query(context.Background(), Request{Query: "notice", Role: "guest"})
		assert.ErrorIs(t, err, domain.ErrExternalModel)
		assert.ErrorContains(t, err, "timed out")
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("Empty query is rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Query(context.Background(), Request{Query: "   ", Role: "guest"})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestTraceEncodesEmptyCollections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Dependencies, *Options)
		req    Request
	}{
		{"Unknown role", nil, Request{Query: "notice", Role: "root"}},
		{"Index failure", func(deps *Dependencies, _ *Options) { deps.Index = failingSearcher{} }, Request{Query: "notice", Role: "guest"}},
		{"Nothing retrieved", nil, Request{Query: "Who won the match?", Role: "guest"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			_, _ = f.engine.Query(context.Background(), tc.req)

			last, ok := f.recorder.Last()
			require.True(t, ok)
			raw, err := json.Marshal(last)
			require.NoError(t, err)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(raw, &decoded))
			for _, key := range []string{"retrieved_chunks", "filtering_log", "states"} {
				assert.IsType(t, []any{}, decoded[key], "%s must encode as an array", key)
			}
			assert.IsType(t, map[string]any{}, decoded["query_sensitivity"])
		})
	}
}

func TestPreviewDoesNotRecordOrGenerate(t *testing.T) {
	f := newFixture(t, nil)

	preview, err := f.engine.Preview(context.Background(), Request{Query: "customer list", Role: "guest"})
	require.NoError(t, err)

	assert.Len(t, preview.Retrieved, 1)
	assert.Empty(t, preview.Admitted)
	assert.True(t, preview.WouldDeny)
	assert.Len(t, preview.FilteringLog, 1)
	assert.Equal(t, 0, f.llm.Calls())

	_, ok := f.recorder.Last()
	assert.False(t, ok)
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(Dependencies{}, Options{}, nil)
	assert.Error(t, err)
}
