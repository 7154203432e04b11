package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/sensitivity"
)

const contractText = `# Employment Agreement

The notice period is 10 days, ending September 11.

Trade Secret: customer list includes Acme Corp.`

type lengthEmbedder struct {
	mu      sync.Mutex
	batches []int
	err     error
	// extra pads every vector with that many trailing zeros.
	extra int
}

func (e *lengthEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, len(texts))
	extra := e.extra
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = append([]float32{float32(len(text)), 1}, make([]float32, extra)...)
	}
	return out, nil
}

func (e *lengthEmbedder) setExtra(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extra = n
}

func newTestService(t *testing.T, embedder *lengthEmbedder, batch int) (*Service, *index.MemoryIndex) {
	t.Helper()
	cfg := config.Default()

	classifier, err := sensitivity.New(cfg.Security, nil, nil)
	require.NoError(t, err)
	chunker, err := NewChunker(60, 10)
	require.NoError(t, err)

	idx := index.NewMemoryIndex()
	service, err := NewService(Dependencies{
		Index:    idx,
		Scorer:   classifier,
		Embedder: embedder,
		Chunker:  chunker,
	}, Options{SentinelThreshold: cfg.Security.SentinelThreshold, EmbedBatch: batch}, nil)
	require.NoError(t, err)
	return service, idx
}

func TestIngestFile(t *testing.T) {
	embedder := &lengthEmbedder{}
	service, idx := newTestService(t, embedder, 2)
	ctx := context.Background()

	report, err := service.IngestFile(ctx, "uploads/contract.md", []byte(contractText))
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, "contract.md", report.Source)
	assert.Equal(t, "Employment Agreement", report.Title)
	assert.Len(t, report.SHA256, 64)
	assert.NotEmpty(t, report.DocumentID)
	assert.Equal(t, idx.Len(), report.Chunks)
	assert.Greater(t, report.Chunks, 1)
	assert.GreaterOrEqual(t, report.Restricted, 1)

	for _, size := range embedder.batches {
		assert.LessOrEqual(t, size, 2)
	}

	chunks, err := idx.Chunks(ctx)
	require.NoError(t, err)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "contract.md", c.Source)
		assert.Equal(t, report.DocumentID, c.DocumentID)
		assert.NotEmpty(t, c.Sensitivity)
		texts[i] = c.Text
	}
	rebuilt, err := Reassemble(texts, 10)
	require.NoError(t, err)
	assert.Equal(t, contractText, rebuilt)

	flagged := 0
	for _, c := range chunks {
		if strings.Contains(c.Text, "Trade Secret") {
			flagged++
			assert.Equal(t, 1.0, c.Sensitivity["trade_secret"])
			assert.Equal(t, "restricted", c.Sensitivity.Label(0.85))
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestIngestFileSkipsDuplicates(t *testing.T) {
	service, idx := newTestService(t, &lengthEmbedder{}, 0)
	ctx := context.Background()

	_, err := service.IngestFile(ctx, "contract.txt", []byte(contractText))
	require.NoError(t, err)
	before := idx.Len()

	report, err := service.IngestFile(ctx, "renamed.txt", []byte(contractText))
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, skipReasonDupe, report.Reason)
	assert.Equal(t, before, idx.Len())
}

func TestIngestFileErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Unsupported extension", func(t *testing.T) {
		service, _ := newTestService(t, &lengthEmbedder{}, 0)
		_, err := service.IngestFile(ctx, "archive.zip", []byte("PK"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("Invalid text encoding", func(t *testing.T) {
		service, _ := newTestService(t, &lengthEmbedder{}, 0)
		_, err := service.IngestFile(ctx, "notes.txt", []byte{0xff, 0xfe, 0xfd})
		assert.ErrorContains(t, err, "utf-8")
	})

	t.Run("Empty document is skipped", func(t *testing.T) {
		service, idx := newTestService(t, &lengthEmbedder{}, 0)
		report, err := service.IngestFile(ctx, "blank.md", []byte("  \n\n "))
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Equal(t, 0, idx.Len())
	})

	t.Run("Embedding failure leaves the index untouched", func(t *testing.T) {
		service, idx := newTestService(t, &lengthEmbedder{err: errors.New("ollama down")}, 0)
		_, err := service.IngestFile(ctx, "contract.txt", []byte(contractText))
		assert.ErrorIs(t, err, domain.ErrExternalModel)
		assert.Equal(t, 0, idx.Len())

		added, err := idx.AddDocument(ctx, domain.Document{SHA256: "fresh"})
		require.NoError(t, err)
		assert.True(t, added)
	})
}

func TestIngestFileRetryAfterIndexFailure(t *testing.T) {
	embedder := &lengthEmbedder{}
	service, idx := newTestService(t, embedder, 0)
	ctx := context.Background()

	_, err := service.IngestFile(ctx, "a.txt", []byte("The governing law is Missouri."))
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())

	embedder.setExtra(1)
	_, err = service.IngestFile(ctx, "b.txt", []byte(contractText))
	require.ErrorIs(t, err, domain.ErrRetrieval)
	assert.ErrorContains(t, err, "dimension mismatch")
	assert.Equal(t, 1, idx.Len(), "no chunk of the failed document is kept")

	embedder.setExtra(0)
	report, err := service.IngestFile(ctx, "b.txt", []byte(contractText))
	require.NoError(t, err)
	assert.False(t, report.Skipped, "the content hash was released by the failed attempt")
	assert.Greater(t, report.Chunks, 1)
	assert.Equal(t, 1+report.Chunks, idx.Len())
}

func TestIngestDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("The governing law is Missouri."), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.md"), []byte("# Benefits\nHealth insurance after 12 weeks."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.txt"), []byte{0xff}, 0o644))

	service, idx := newTestService(t, &lengthEmbedder{}, 0)
	reports, err := service.IngestDirectory(context.Background(), dir)

	require.Error(t, err, "the broken file is reported")
	assert.Contains(t, err.Error(), "broken.txt")
	require.Len(t, reports, 2)
	sources := []string{reports[0].Source, reports[1].Source}
	assert.ElementsMatch(t, []string{"a.txt", "b.md"}, sources)
	assert.Equal(t, 2, idx.Len())

	_, err = service.IngestDirectory(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{}, Options{}, nil)
	assert.Error(t, err)
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	service, idx := newTestService(t, &lengthEmbedder{}, 0)

	watcher, err := NewWatcher(service, nil)
	require.NoError(t, err)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx, dir) }()

	// Give the watcher a moment to register the directory.
	require.Eventually(t, func() bool {
		return len(watcher.watcher.WatchList()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("binary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte(strings.Repeat("clause ", 5)), 0o644))

	assert.Eventually(t, func() bool { return idx.Len() > 0 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherWaitsForWritesToSettle(t *testing.T) {
	dir := t.TempDir()
	service, idx := newTestService(t, &lengthEmbedder{}, 0)

	watcher, err := NewWatcher(service, nil)
	require.NoError(t, err)
	defer watcher.Close()
	watcher.debounce = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx, dir) }()

	require.Eventually(t, func() bool {
		return len(watcher.watcher.WatchList()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f, err := os.Create(filepath.Join(dir, "terms.txt"))
	require.NoError(t, err)
	_, err = f.WriteString("The governing law is Missouri. ")
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	time.Sleep(50 * time.Millisecond)
	_, err = f.WriteString("Benefits start after 12 weeks.")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return idx.Len() > 0 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)

	chunks, err := idx.Chunks(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, chunks[0].DocumentID, c.DocumentID, "only the complete file is indexed")
	}
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1].Text, "12 weeks."))
}
