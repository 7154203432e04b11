package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/embeddings"
)

// MemoryIndex keeps everything in process. Reads run concurrently; writes
// are serialised by the lock.
type MemoryIndex struct {
	mu        sync.RWMutex
	entries   []memoryEntry
	documents map[string]domain.Document // sha256 -> document
	dimension int
}

type memoryEntry struct {
	chunk     domain.Chunk
	embedding []float32
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{documents: make(map[string]domain.Document)}
}

func (m *MemoryIndex) AddDocument(_ context.Context, doc domain.Document) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[doc.SHA256]; ok {
		return false, nil
	}
	m.documents[doc.SHA256] = doc
	return true, nil
}

func (m *MemoryIndex) Add(_ context.Context, chunk domain.Chunk, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dimension, err := m.checkEmbeddings([]domain.Chunk{chunk}, [][]float32{embedding})
	if err != nil {
		return err
	}
	m.dimension = dimension
	m.store(chunk, embedding)
	return nil
}

func (m *MemoryIndex) AddDocumentChunks(_ context.Context, doc domain.Document, chunks []domain.Chunk, vectors [][]float32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[doc.SHA256]; ok {
		return false, nil
	}
	dimension, err := m.checkEmbeddings(chunks, vectors)
	if err != nil {
		return false, err
	}

	m.documents[doc.SHA256] = doc
	m.dimension = dimension
	for i := range chunks {
		m.store(chunks[i], vectors[i])
	}
	return true, nil
}

// checkEmbeddings validates a batch against the index without mutating it
// and returns the dimension the index holds once the batch is stored.
// Callers hold the write lock.
func (m *MemoryIndex) checkEmbeddings(chunks []domain.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(chunks), len(vectors))
	}
	dimension := m.dimension
	for i, embedding := range vectors {
		if len(embedding) == 0 {
			return 0, fmt.Errorf("embedding for chunk %s is empty", chunks[i].ID)
		}
		if dimension == 0 {
			dimension = len(embedding)
		} else if len(embedding) != dimension {
			return 0, fmt.Errorf("embedding dimension mismatch: index holds %d, got %d", dimension, len(embedding))
		}
	}
	return dimension, nil
}

func (m *MemoryIndex) store(chunk domain.Chunk, embedding []float32) {
	chunk.Sensitivity = chunk.Sensitivity.Clone()
	m.entries = append(m.entries, memoryEntry{
		chunk:     chunk,
		embedding: append([]float32(nil), embedding...),
	})
}

func (m *MemoryIndex) Search(_ context.Context, embedding []float32, k int, threshold float64) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension != 0 && len(embedding) != m.dimension {
		return nil, fmt.Errorf("query dimension mismatch: index holds %d, got %d", m.dimension, len(embedding))
	}

	hits := make([]Hit, 0, len(m.entries))
	for seq, entry := range m.entries {
		similarity := embeddings.CosineSimilarity(embedding, entry.embedding)
		if similarity < threshold {
			continue
		}
		chunk := entry.chunk
		chunk.Sensitivity = chunk.Sensitivity.Clone()
		hits = append(hits, Hit{Chunk: chunk, Similarity: similarity, Seq: int64(seq)})
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Chunks(_ context.Context) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Chunk, len(m.entries))
	for i, entry := range m.entries {
		out[i] = entry.chunk
		out[i].Sensitivity = entry.chunk.Sensitivity.Clone()
	}
	return out, nil
}

func (m *MemoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.documents = make(map[string]domain.Document)
	m.dimension = 0
	return nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
}

var _ Index = (*MemoryIndex)(nil)
