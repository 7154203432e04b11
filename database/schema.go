package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Table names shared with the postgres index.
const (
	DocumentsTable = "guard_documents"
	ChunksTable    = "guard_chunks"
)

// SchemaStatements returns the DDL for an index of the given embedding size.
func SchemaStatements(dimension int) ([]string, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}

	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS guard_documents (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT,
			sha256 TEXT UNIQUE NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guard_chunks (
			id UUID PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			document_id UUID NOT NULL REFERENCES guard_documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			start_offset INT NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			sensitivity JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_guard_chunks_document ON guard_chunks(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_guard_chunks_seq ON guard_chunks(seq)",
		"CREATE INDEX IF NOT EXISTS idx_guard_chunks_embedding ON guard_chunks USING hnsw (embedding vector_cosine_ops)",
	}, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	stmts, err := SchemaStatements(dimension)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
