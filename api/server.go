package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/embeddings"
	"github.com/fabfab/juris-guard/evaluation"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/ingestion"
	"github.com/fabfab/juris-guard/knowledge"
	"github.com/fabfab/juris-guard/query"
	"github.com/fabfab/juris-guard/recorder"
)

const (
	defaultSemanticTopK   = 5
	defaultMaxUploadBytes = 32 << 20
	snippetLength         = 100
	noTraceMessage        = "no trace yet"
	noEvaluationMessage   = "no evaluation yet"
)

//go:embed openapi.yaml
var openAPISpecYAML []byte

// Server exposes the query pipeline over HTTP.
type Server struct {
	engine      *query.Engine
	index       index.Index
	embedder    embeddings.Embedder
	ingestion   *ingestion.Service
	harness     *evaluation.Harness
	traces      *recorder.Recorder[query.Trace]
	evaluations *recorder.Recorder[evaluation.Summary]
	graph       neo4j.DriverWithContext
	opts        Options
	logger      *slog.Logger
	handler     http.Handler
}

type Dependencies struct {
	Engine    *query.Engine
	Index     index.Index
	Embedder  embeddings.Embedder
	Ingestion *ingestion.Service
	Harness   *evaluation.Harness
	// Traces must be the same recorder the engine writes to.
	Traces      *recorder.Recorder[query.Trace]
	Evaluations *recorder.Recorder[evaluation.Summary]
	// Graph is optional.
	Graph neo4j.DriverWithContext
}

type Options struct {
	Origins             []string
	MaxUploadBytes      int64
	CasesFile           string
	SimilarityThreshold float64
	SentinelThreshold   float64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Origins:             cfg.API.Origins,
		MaxUploadBytes:      cfg.API.MaxUploadBytes,
		CasesFile:           cfg.Evaluation.CasesFile,
		SimilarityThreshold: cfg.Security.SimilarityThreshold,
		SentinelThreshold:   cfg.Security.SentinelThreshold,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

type queryResponse struct {
	Answer  string        `json:"answer"`
	Outcome query.Outcome `json:"outcome"`
	TraceID string        `json:"trace_id"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type chunkMetadata struct {
	ID          string                  `json:"id"`
	DocumentID  string                  `json:"document_id"`
	Source      string                  `json:"source"`
	Index       int                     `json:"index"`
	Label       string                  `json:"label"`
	MaxCategory string                  `json:"max_category"`
	MaxScore    float64                 `json:"max_score"`
	Sensitivity domain.SensitivityScore `json:"sensitivity"`
	Snippet     string                  `json:"snippet"`
}

type metadataResponse struct {
	TotalChunks       int                       `json:"total_chunks"`
	Restricted        int                       `json:"restricted_chunks"`
	Chunks            []chunkMetadata           `json:"chunks"`
	FlaggedCategories []knowledge.CategoryCount `json:"flagged_categories,omitempty"`
}

type semanticHit struct {
	ChunkID    string  `json:"chunk_id"`
	Source     string  `json:"source"`
	Index      int     `json:"index"`
	Similarity float64 `json:"similarity"`
	Label      string  `json:"label"`
	Snippet    string  `json:"snippet"`
}

type semanticResponse struct {
	Query     string        `json:"query"`
	Threshold float64       `json:"threshold"`
	TopK      int           `json:"top_k"`
	Results   []semanticHit `json:"results"`
}

// New constructs a Server. Engine, Index and both recorders are required.
func New(deps Dependencies, opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Engine == nil:
		return nil, fmt.Errorf("query engine is not configured")
	case deps.Index == nil:
		return nil, fmt.Errorf("index is not configured")
	case deps.Traces == nil || deps.Evaluations == nil:
		return nil, fmt.Errorf("recorders are not configured")
	}

	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		engine:      deps.Engine,
		index:       deps.Index,
		embedder:    deps.Embedder,
		ingestion:   deps.Ingestion,
		harness:     deps.Harness,
		traces:      deps.Traces,
		evaluations: deps.Evaluations,
		graph:       deps.Graph,
		opts:        opts,
		logger:      logger.With("component", "api"),
	}
	s.handler = s.withCORS(s.withLogging(s.routes()))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	mux.HandleFunc("/clear", s.handleClear)
	mux.HandleFunc("/debug/last", s.handleLastTrace)
	mux.HandleFunc("/debug/evaluation", s.handleLastEvaluation)
	mux.HandleFunc("/debug/metadata", s.handleMetadata)
	mux.HandleFunc("/debug/semantic", s.handleSemantic)
	mux.HandleFunc("/debug/preview", s.handlePreview)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req query.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := s.engine.Query(r.Context(), req)
	if err != nil {
		s.logger.Warn("query failed", "trace_id", result.Trace.ID, "error", err)
		s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), TraceID: result.Trace.ID})
		return
	}

	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:  result.Answer,
		Outcome: result.Outcome,
		TraceID: result.Trace.ID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.ingestion == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, status, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	report, err := s.ingestion.IngestFile(r.Context(), header.Filename, data)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.harness == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("evaluation is not configured"))
		return
	}

	cases, err := evaluation.LoadCases(s.opts.CasesFile)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	summary := s.harness.Run(r.Context(), cases)
	s.evaluations.Record(summary)
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	ctx := r.Context()
	if err := s.index.Clear(ctx); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear index: %w", err))
		return
	}
	if s.graph != nil {
		if err := knowledge.Purge(ctx, s.graph); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear neo4j: %w", err))
			return
		}
	}
	s.traces.Reset()
	s.evaluations.Reset()

	s.logger.Info("index data removed")
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "index cleared"})
}

func (s *Server) handleLastTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	trace, ok := s.traces.Last()
	if !ok {
		s.writeJSON(w, http.StatusOK, messageResponse{Message: noTraceMessage})
		return
	}
	s.writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleLastEvaluation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	summary, ok := s.evaluations.Last()
	if !ok {
		s.writeJSON(w, http.StatusOK, messageResponse{Message: noEvaluationMessage})
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx := r.Context()
	chunks, err := s.index.Chunks(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, domain.RetrievalError("list chunks", err))
		return
	}

	resp := metadataResponse{
		TotalChunks: len(chunks),
		Chunks:      make([]chunkMetadata, 0, len(chunks)),
	}
	for _, c := range chunks {
		category, score := c.Sensitivity.Max()
		label := c.Sensitivity.Label(s.opts.SentinelThreshold)
		if label == "restricted" {
			resp.Restricted++
		}
		resp.Chunks = append(resp.Chunks, chunkMetadata{
			ID:          c.ID,
			DocumentID:  c.DocumentID,
			Source:      c.Source,
			Index:       c.Index,
			Label:       label,
			MaxCategory: category,
			MaxScore:    score,
			Sensitivity: c.Sensitivity,
			Snippet:     domain.Snippet(c.Text, snippetLength),
		})
	}

	if s.graph != nil {
		counts, err := knowledge.FlaggedCategories(ctx, s.graph)
		if err != nil {
			s.logger.Warn("read flagged categories", "error", err)
		} else {
			resp.FlaggedCategories = counts
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSemantic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.embedder == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("embedder is not configured"))
		return
	}

	params := r.URL.Query()
	text := strings.TrimSpace(params.Get("query"))
	if text == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}
	threshold, err := floatParam(params.Get("threshold"), s.opts.SimilarityThreshold)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("threshold: %w", err))
		return
	}
	topK, err := intParam(params.Get("top_k"), defaultSemanticTopK)
	if err != nil || topK <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("top_k must be a positive integer"))
		return
	}

	ctx := r.Context()
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) != 1 {
		if err == nil {
			err = fmt.Errorf("expected 1 embedding, got %d", len(vectors))
		}
		s.writeError(w, http.StatusBadGateway, domain.ExternalModelError("embed query", err))
		return
	}
	hits, err := s.index.Search(ctx, vectors[0], topK, threshold)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, domain.RetrievalError("search index", err))
		return
	}

	resp := semanticResponse{Query: text, Threshold: threshold, TopK: topK, Results: make([]semanticHit, 0, len(hits))}
	for _, hit := range hits {
		resp.Results = append(resp.Results, semanticHit{
			ChunkID:    hit.Chunk.ID,
			Source:     hit.Chunk.Source,
			Index:      hit.Chunk.Index,
			Similarity: hit.Similarity,
			Label:      hit.Chunk.Sensitivity.Label(s.opts.SentinelThreshold),
			Snippet:    domain.Snippet(hit.Chunk.Text, snippetLength),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	params := r.URL.Query()
	role := params.Get("role")
	if role == "" {
		role = string(domain.RoleGuest)
	}
	preview, err := s.engine.Preview(r.Context(), query.Request{Query: params.Get("query"), Role: role})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

// withCORS answers preflight requests and tags responses for allowed
// origins. An origin list containing "*" allows every origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.opts.Origins) == 0 {
		return next
	}
	wildcard := slices.Contains(s.opts.Origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(s.opts.Origins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", time.Since(start),
		)
	})
}

// statusFor maps an error kind to the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRetrieval):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrExternalModel):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("api error", "status", status, "error", err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func floatParam(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
