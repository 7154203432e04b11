// Package index stores chunk embeddings and answers nearest-neighbour queries.
package index

import (
	"context"

	"github.com/fabfab/juris-guard/domain"
)

// Hit is one retrieved chunk with its cosine similarity to the query.
type Hit struct {
	Chunk      domain.Chunk
	Similarity float64
	// Seq is the global ingestion order used to break similarity ties.
	Seq int64
}

// Searcher is the read side used by the query engine.
type Searcher interface {
	// Search returns at most k hits whose similarity is at or above
	// threshold, ordered by similarity descending and then by ingestion
	// order ascending.
	Search(ctx context.Context, embedding []float32, k int, threshold float64) ([]Hit, error)
}

// Index is append-only from the pipeline's point of view. Clear is a
// maintenance operation and is never called while serving queries.
type Index interface {
	Searcher
	// AddDocument records doc. It reports false when a document with the
	// same content hash is already stored.
	AddDocument(ctx context.Context, doc domain.Document) (bool, error)
	Add(ctx context.Context, chunk domain.Chunk, embedding []float32) error
	// AddDocumentChunks stores doc together with its chunks as one unit.
	// On error nothing is stored, so the content hash stays free for a
	// retry. It reports false, storing nothing, when the hash is known.
	AddDocumentChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk, vectors [][]float32) (bool, error)
	Chunks(ctx context.Context) ([]domain.Chunk, error)
	Clear(ctx context.Context) error
}
