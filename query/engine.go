// Package query runs a question through retrieval, role filtering and
// generation, and produces a trace of every step.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/embeddings"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/llm"
	"github.com/fabfab/juris-guard/security"
	"github.com/fabfab/juris-guard/sensitivity"
)

// Sink receives every finished trace.
type Sink interface {
	Record(trace Trace)
}

type Request struct {
	Query string `json:"query"`
	Role  string `json:"role"`
}

// Result always carries the trace, including on failure.
type Result struct {
	Answer  string  `json:"answer"`
	Outcome Outcome `json:"outcome"`
	Trace   Trace   `json:"trace"`
}

type Options struct {
	TopK                int
	SimilarityThreshold float64
	DenialAnswer        string
	EmbedTimeout        time.Duration
	GenerateTimeout     time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TopK:                cfg.Query.TopK,
		SimilarityThreshold: cfg.Security.SimilarityThreshold,
		DenialAnswer:        cfg.Query.DenialAnswer,
		EmbedTimeout:        cfg.Models.Embeddings.Timeout,
		GenerateTimeout:     cfg.Models.LLM.Timeout,
	}
}

type Dependencies struct {
	Index    index.Searcher
	Scorer   sensitivity.Scorer
	Embedder embeddings.Embedder
	LLM      llm.Client
	Filter   *security.Filter
	// Sink is optional.
	Sink Sink
}

type Engine struct {
	index    index.Searcher
	scorer   sensitivity.Scorer
	embedder embeddings.Embedder
	llm      llm.Client
	filter   *security.Filter
	sink     Sink
	opts     Options
	logger   *slog.Logger
}

func NewEngine(deps Dependencies, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Index == nil:
		return nil, fmt.Errorf("index is not configured")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("sensitivity scorer is not configured")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is not configured")
	case deps.LLM == nil:
		return nil, fmt.Errorf("llm client is not configured")
	case deps.Filter == nil:
		return nil, fmt.Errorf("security filter is not configured")
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.DenialAnswer == "" {
		opts.DenialAnswer = config.DefaultDenialAnswer
	}

	return &Engine{
		index:    deps.Index,
		scorer:   deps.Scorer,
		embedder: deps.Embedder,
		llm:      deps.LLM,
		filter:   deps.Filter,
		sink:     deps.Sink,
		opts:     opts,
		logger:   logger.With("component", "query"),
	}, nil
}

// DenialAnswer is the fixed text returned when no evidence is admitted.
func (e *Engine) DenialAnswer() string {
	return e.opts.DenialAnswer
}

// Query answers req. The returned Result is complete even when err is
// non-nil; its trace has already been handed to the sink.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	trace := newTrace(req)
	trace.enter(StateReceived)

	answer, outcome, err := e.run(ctx, &trace)
	if err != nil {
		outcome = OutcomeFailed
		answer = "Error: " + err.Error()
		trace.Error = err.Error()
		trace.enter(StateFailed)
	} else {
		trace.enter(StateTraced)
	}

	trace.Answer = answer
	trace.Outcome = outcome
	trace.Status = outcome.Status()
	trace.ElapsedSeconds = time.Since(start).Seconds()
	trace.Timestamp = time.Now().UTC()

	if e.sink != nil {
		e.sink.Record(trace)
	}

	logArgs := []any{
		"trace_id", trace.ID,
		"role", trace.Role,
		"outcome", outcome,
		"retrieved", len(trace.FilteringLog),
		"admitted", trace.FilteringLog.Admitted(),
		"elapsed_seconds", trace.ElapsedSeconds,
	}
	if err != nil {
		e.logger.Error("query failed", append(logArgs, "error", err)...)
	} else {
		e.logger.Info("query finished", logArgs...)
	}

	return Result{Answer: answer, Outcome: outcome, Trace: trace}, err
}

func (e *Engine) run(ctx context.Context, trace *Trace) (string, Outcome, error) {
	role, err := domain.ParseRole(trace.Role)
	if err != nil {
		return "", OutcomeFailed, err
	}
	trace.Role = string(role)
	if trace.Query == "" {
		return "", OutcomeFailed, domain.Configurationf("validate query", "query cannot be empty")
	}

	vector, score, err := e.embedAndScore(ctx, trace.Query)
	if err != nil {
		return "", OutcomeFailed, err
	}
	trace.QuerySensitivity = score
	trace.enter(StateEmbedded)

	hits, err := e.search(ctx, vector)
	if err != nil {
		return "", OutcomeFailed, err
	}
	trace.enter(StateRetrieved)

	admitted := e.filter.Apply(role, hits, &trace.FilteringLog)
	trace.RetrievedChunks = toRetrieved(admitted, e.filter.Threshold())
	trace.enter(StateFiltered)

	if len(admitted) == 0 {
		e.logger.Debug("no admitted evidence, returning denial",
			"trace_id", trace.ID,
			"retrieved", len(hits),
		)
		trace.enter(StateAnswered)
		return e.opts.DenialAnswer, OutcomeDenied, nil
	}

	answer, err := e.generate(ctx, trace.Query, admitted)
	if err != nil {
		return "", OutcomeFailed, err
	}
	trace.enter(StateAnswered)
	return answer, OutcomeAnswered, nil
}

// embedAndScore has no ordering between its two halves, so they run together.
func (e *Engine) embedAndScore(ctx context.Context, text string) ([]float32, domain.SensitivityScore, error) {
	var (
		vector []float32
		score  domain.SensitivityScore
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embedCtx, cancel := withTimeout(gctx, e.opts.EmbedTimeout)
		defer cancel()

		vectors, err := e.embedder.Embed(embedCtx, []string{text})
		if err != nil {
			return domain.ExternalModelError("embed query", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return domain.ExternalModelError("embed query", errors.New("embedder returned no vectors"))
		}
		vector = vectors[0]
		return nil
	})
	g.Go(func() error {
		scoreCtx, cancel := withTimeout(gctx, e.opts.EmbedTimeout)
		defer cancel()

		s, err := e.scorer.Score(scoreCtx, text)
		if err != nil {
			return domain.ExternalModelError("score query", err)
		}
		score = s
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vector, score, nil
}

func (e *Engine) search(ctx context.Context, vector []float32) ([]index.Hit, error) {
	hits, err := e.index.Search(ctx, vector, e.opts.TopK, e.opts.SimilarityThreshold)
	if err != nil {
		return nil, domain.RetrievalError("vector search", err)
	}
	return hits, nil
}

func (e *Engine) generate(ctx context.Context, question string, admitted []index.Hit) (string, error) {
	genCtx, cancel := withTimeout(ctx, e.opts.GenerateTimeout)
	defer cancel()

	answer, err := e.llm.Generate(genCtx, buildMessages(question, admitted))
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("generation timed out after %s: %w", e.opts.GenerateTimeout, err)
		}
		return "", domain.ExternalModelError("generate answer", err)
	}
	return strings.TrimSpace(answer), nil
}

// Preview is a dry run of retrieval and filtering. Nothing is generated and
// nothing is recorded.
type Preview struct {
	Query            string                  `json:"query"`
	Role             string                  `json:"role"`
	QuerySensitivity domain.SensitivityScore `json:"query_sensitivity"`
	Retrieved        []RetrievedChunk        `json:"retrieved"`
	Admitted         []RetrievedChunk        `json:"admitted"`
	FilteringLog     security.Log            `json:"filtering_log"`
	WouldDeny        bool                    `json:"would_deny"`
}

func (e *Engine) Preview(ctx context.Context, req Request) (Preview, error) {
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		return Preview{}, err
	}
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return Preview{}, domain.Configurationf("validate query", "query cannot be empty")
	}

	vector, score, err := e.embedAndScore(ctx, text)
	if err != nil {
		return Preview{}, err
	}
	hits, err := e.search(ctx, vector)
	if err != nil {
		return Preview{}, err
	}

	preview := Preview{
		Query:            text,
		Role:             string(role),
		QuerySensitivity: score,
		Retrieved:        toRetrieved(hits, e.filter.Threshold()),
		FilteringLog:     security.Log{},
	}
	admitted := e.filter.Apply(role, hits, &preview.FilteringLog)
	preview.Admitted = toRetrieved(admitted, e.filter.Threshold())
	preview.WouldDeny = len(admitted) == 0
	return preview, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
