package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/juris-guard/domain"
)

const (
	// searchSlack extra nearest rows are fetched beyond k so ties at the
	// cut-off are ordered by ingestion sequence before truncating.
	searchSlack = 16
	// Bounds accepted by pgvector for hnsw.ef_search.
	minEfSearch = 40
	maxEfSearch = 1000
)

// PostgresIndex stores chunks in pgvector. Similarity is 1 minus the
// cosine distance, so it ranks the same way as MemoryIndex.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

func (s *PostgresIndex) AddDocument(ctx context.Context, doc domain.Document) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	return insertDocument(ctx, s.pool, doc)
}

func (s *PostgresIndex) Add(ctx context.Context, chunk domain.Chunk, embedding []float32) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	return insertChunk(ctx, s.pool, chunk, embedding)
}

// AddDocumentChunks writes the document row and its chunks in one
// transaction. Any failure rolls back the document row with the chunks.
func (s *PostgresIndex) AddDocumentChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk, vectors [][]float32) (added bool, err error) {
	if s.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if len(chunks) != len(vectors) {
		return false, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(chunks), len(vectors))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	added, err = insertDocument(ctx, tx, doc)
	if err != nil {
		return false, err
	}
	if !added {
		err = tx.Rollback(ctx)
		return false, err
	}

	for i := range chunks {
		if err = insertChunk(ctx, tx, chunks[i], vectors[i]); err != nil {
			return false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func insertDocument(ctx context.Context, db execer, doc domain.Document) (bool, error) {
	tag, err := db.Exec(ctx, `
        INSERT INTO guard_documents (id, source, title, sha256, ingested_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (sha256) DO NOTHING
    `, doc.ID, doc.Source, doc.Title, doc.SHA256, doc.IngestedAt)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertChunk(ctx context.Context, db execer, chunk domain.Chunk, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding for chunk %s is empty", chunk.ID)
	}

	sensitivity, err := json.Marshal(chunk.Sensitivity)
	if err != nil {
		return fmt.Errorf("encode sensitivity: %w", err)
	}

	_, err = db.Exec(ctx, `
        INSERT INTO guard_chunks (id, document_id, chunk_index, start_offset, source, content, sensitivity, embedding)
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
    `, chunk.ID, chunk.DocumentID, chunk.Index, chunk.StartOffset, chunk.Source, chunk.Text, string(sensitivity), pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
	}
	return nil
}

// Search ranks by the HNSW index, so it is approximate: a qualifying row the
// graph walk never reaches is not returned. The walk is widened to at least
// k+searchSlack candidates, and the threshold and tie order are applied in
// Go over that candidate set rather than in the WHERE clause, where pgvector
// would filter after the capped scan.
func (s *PostgresIndex) Search(ctx context.Context, embedding []float32, k int, threshold float64) ([]Hit, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	candidates := k + searchSlack
	efSearch := min(max(candidates, minEfSearch), maxEfSearch)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT set_config('hnsw.ef_search', $1, true)", strconv.Itoa(efSearch)); err != nil {
		return nil, fmt.Errorf("set hnsw.ef_search: %w", err)
	}

	rows, err := tx.Query(ctx, `
        SELECT
            id::text,
            document_id::text,
            chunk_index,
            start_offset,
            source,
            content,
            sensitivity::text,
            seq,
            1 - (embedding <=> $1::vector) AS similarity
        FROM guard_chunks
        ORDER BY embedding <=> $1::vector, seq
        LIMIT $2
    `, pgvector.NewVector(embedding), candidates)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, candidates)
	for rows.Next() {
		var (
			hit         Hit
			sensitivity string
		)
		if scanErr := rows.Scan(
			&hit.Chunk.ID,
			&hit.Chunk.DocumentID,
			&hit.Chunk.Index,
			&hit.Chunk.StartOffset,
			&hit.Chunk.Source,
			&hit.Chunk.Text,
			&sensitivity,
			&hit.Seq,
			&hit.Similarity,
		); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		if hit.Similarity < threshold {
			continue
		}
		if err := json.Unmarshal([]byte(sensitivity), &hit.Chunk.Sensitivity); err != nil {
			return nil, fmt.Errorf("decode sensitivity for chunk %s: %w", hit.Chunk.ID, err)
		}
		hits = append(hits, hit)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	// Distances computed in float4 can tie where float8 would not; re-sort
	// so equal similarities always fall back to ingestion order.
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *PostgresIndex) Chunks(ctx context.Context) ([]domain.Chunk, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := s.pool.Query(ctx, `
        SELECT id::text, document_id::text, chunk_index, start_offset, source, content, sensitivity::text
        FROM guard_chunks
        ORDER BY seq
    `)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]domain.Chunk, 0)
	for rows.Next() {
		var (
			chunk       domain.Chunk
			sensitivity string
		)
		if scanErr := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Index, &chunk.StartOffset, &chunk.Source, &chunk.Text, &sensitivity); scanErr != nil {
			return nil, fmt.Errorf("scan chunk: %w", scanErr)
		}
		if err := json.Unmarshal([]byte(sensitivity), &chunk.Sensitivity); err != nil {
			return nil, fmt.Errorf("decode sensitivity for chunk %s: %w", chunk.ID, err)
		}
		chunks = append(chunks, chunk)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return chunks, nil
}

func (s *PostgresIndex) Clear(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE guard_chunks, guard_documents"); err != nil {
		return fmt.Errorf("truncate index tables: %w", err)
	}
	return nil
}

var _ Index = (*PostgresIndex)(nil)
