// Package knowledge mirrors ingested documents and their flagged categories
// into Neo4j so restricted material can be explored as a graph.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/juris-guard/domain"
)

type Document struct {
	ID     string
	Source string
	Title  string
	SHA    string
	Chunks []domain.Chunk
}

// Flags lists the categories of chunk that reach threshold.
func Flags(chunk domain.Chunk, threshold float64) map[string]float64 {
	flags := map[string]float64{}
	for _, category := range chunk.Sensitivity.AtOrAbove(threshold) {
		flags[category] = chunk.Sensitivity[category]
	}
	return flags
}

// SyncDocument replaces the graph view of doc. Chunks are linked to a
// Category node for every category at or above threshold.
func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document, threshold float64) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.source = $source,
			    d.title = $title,
			    d.sha256 = $sha,
			    d.updated_at = datetime()
		`, map[string]any{
			"id":     doc.ID,
			"source": doc.Source,
			"title":  doc.Title,
			"sha":    doc.SHA,
		}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, chunk := range doc.Chunks {
			maxCategory, maxScore := chunk.Sensitivity.Max()
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index,
				    c.text = $chunk_text,
				    c.max_category = $max_category,
				    c.max_score = $max_score,
				    c.label = $label
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"doc_id":       doc.ID,
				"chunk_id":     chunk.ID,
				"chunk_index":  chunk.Index,
				"chunk_text":   chunk.Text,
				"max_category": maxCategory,
				"max_score":    maxScore,
				"label":        chunk.Sensitivity.Label(threshold),
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}

			for category, score := range Flags(chunk, threshold) {
				if _, err := tx.Run(ctx, `
					MATCH (c:Chunk {id: $chunk_id})
					MERGE (k:Category {name: $category})
					MERGE (c)-[f:FLAGGED]->(k)
					SET f.score = $score
				`, map[string]any{
					"chunk_id": chunk.ID,
					"category": category,
					"score":    score,
				}); err != nil {
					return nil, fmt.Errorf("flag chunk %d as %s: %w", chunk.Index, category, err)
				}
			}
		}

		return nil, nil
	})

	return err
}

// CategoryCount is the number of chunks flagged with one category.
type CategoryCount struct {
	Category string `json:"category"`
	Chunks   int64  `json:"chunks"`
}

func FlaggedCategories(ctx context.Context, driver neo4j.DriverWithContext) ([]CategoryCount, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)-[:FLAGGED]->(k:Category)
		RETURN k.name AS category, count(DISTINCT c) AS chunks
		ORDER BY chunks DESC, category
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("run flagged categories query: %w", err)
	}

	counts := make([]CategoryCount, 0)
	for result.Next(ctx) {
		record := result.Record()
		category, _ := record.Get("category")
		chunks, _ := record.Get("chunks")
		name, _ := category.(string)
		n, _ := chunks.(int64)
		counts = append(counts, CategoryCount{Category: name, Chunks: n})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read flagged categories: %w", err)
	}
	return counts, nil
}

// Purge removes every node written by SyncDocument.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, `
		MATCH (n)
		WHERE n:Document OR n:Chunk OR n:Category
		DETACH DELETE n
	`, nil); err != nil {
		return fmt.Errorf("purge graph: %w", err)
	}
	return nil
}
