package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/embeddings"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/knowledge"
	"github.com/fabfab/juris-guard/sensitivity"
)

const (
	defaultEmbedBatch  = 32
	defaultScoreLimit  = 4
	skipReasonDupe     = "duplicate content"
	skipReasonNoChunks = "no text to index"
)

// Report describes the outcome of one ingested file.
type Report struct {
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source"`
	Title      string `json:"title,omitempty"`
	SHA256     string `json:"sha256"`
	Chunks     int    `json:"chunks"`
	Restricted int    `json:"restricted_chunks"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

type Dependencies struct {
	Index    index.Index
	Scorer   sensitivity.Scorer
	Embedder embeddings.Embedder
	Chunker  *Chunker
	// Graph is optional.
	Graph neo4j.DriverWithContext
}

type Options struct {
	SentinelThreshold float64
	EmbedBatch        int
}

type Service struct {
	index     index.Index
	scorer    sensitivity.Scorer
	embedder  embeddings.Embedder
	chunker   *Chunker
	graph     neo4j.DriverWithContext
	threshold float64
	batch     int
	logger    *slog.Logger

	// writes serialises ingestion so concurrent uploads of one file race
	// on the index only once.
	writes sync.Mutex
}

func NewService(deps Dependencies, opts Options, logger *slog.Logger) (*Service, error) {
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
	case deps.Chunker == nil:
		return nil, fmt.Errorf("chunker is not configured")
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = defaultEmbedBatch
	}

	return &Service{
		index:     deps.Index,
		scorer:    deps.Scorer,
		embedder:  deps.Embedder,
		chunker:   deps.Chunker,
		graph:     deps.Graph,
		threshold: opts.SentinelThreshold,
		batch:     opts.EmbedBatch,
		logger:    logger.With("component", "ingestion"),
	}, nil
}

// IngestFile parses data according to the extension of name, then chunks,
// scores, embeds and indexes it. Content already in the index is skipped.
func (s *Service) IngestFile(ctx context.Context, name string, data []byte) (Report, error) {
	source := filepath.Base(name)
	hash := sha256.Sum256(data)
	report := Report{Source: source, SHA256: hex.EncodeToString(hash[:])}

	parser, err := parserFor(DetectFormat(name))
	if err != nil {
		return report, domain.Configurationf("ingest file", "%s: %v", source, err)
	}
	parsed, err := parser.Parse(ctx, name, data)
	if err != nil {
		return report, fmt.Errorf("parse %s: %w", source, err)
	}
	report.Title = parsed.Title

	doc := domain.Document{
		ID:         uuid.NewString(),
		Source:     source,
		Title:      parsed.Title,
		SHA256:     report.SHA256,
		Text:       parsed.Text,
		IngestedAt: time.Now().UTC(),
	}

	chunks := s.chunker.Split(doc)
	if len(chunks) == 0 {
		report.Skipped = true
		report.Reason = skipReasonNoChunks
		s.logger.Info("skip empty document", "source", source)
		return report, nil
	}

	if err := s.score(ctx, chunks); err != nil {
		return report, err
	}
	vectors, err := s.embed(ctx, chunks)
	if err != nil {
		return report, err
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	added, err := s.index.AddDocumentChunks(ctx, doc, chunks, vectors)
	if err != nil {
		return report, domain.RetrievalError("add document", err)
	}
	if !added {
		report.Skipped = true
		report.Reason = skipReasonDupe
		s.logger.Info("no updates required", "source", source, "sha256", report.SHA256)
		return report, nil
	}

	for i := range chunks {
		if len(chunks[i].Sensitivity.AtOrAbove(s.threshold)) > 0 {
			report.Restricted++
		}
	}
	report.DocumentID = doc.ID
	report.Chunks = len(chunks)

	if s.graph != nil {
		graphDoc := knowledge.Document{
			ID:     doc.ID,
			Source: doc.Source,
			Title:  doc.Title,
			SHA:    doc.SHA256,
			Chunks: chunks,
		}
		if err := knowledge.SyncDocument(ctx, s.graph, graphDoc, s.threshold); err != nil {
			s.logger.Warn("sync knowledge graph failed", "source", source, "error", err)
		}
	}

	s.logger.Info("ingested document",
		"source", source,
		"chunks", report.Chunks,
		"restricted", report.Restricted,
	)
	return report, nil
}

// score classifies every chunk in place.
func (s *Service) score(ctx context.Context, chunks []domain.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultScoreLimit)
	for i := range chunks {
		g.Go(func() error {
			score, err := s.scorer.Score(gctx, chunks[i].Text)
			if err != nil {
				return domain.ExternalModelError("score chunk", fmt.Errorf("chunk %d: %w", i, err))
			}
			chunks[i].Sensitivity = score
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) embed(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.batch {
		end := min(start+s.batch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Text)
		}

		batch, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, domain.ExternalModelError("embed chunks", err)
		}
		if len(batch) != len(texts) {
			return nil, domain.ExternalModelError("embed chunks",
				fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(batch)))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// IngestDirectory ingests every supported file under dir. A failing file is
// logged and reported in the joined error; the rest still run.
func (s *Service) IngestDirectory(ctx context.Context, dir string) ([]Report, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}

	paths := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if Supported(path) {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("walk data directory: %w", err)
	}

	if len(paths) == 0 {
		s.logger.Info("no supported documents found", "dir", dir)
		return nil, nil
	}

	reports := make([]Report, 0, len(paths))
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		report, err := s.IngestFile(ctx, path, data)
		if err != nil {
			s.logger.Error("ingest failed", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}

	return reports, errors.Join(errs...)
}
