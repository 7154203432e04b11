package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/domain"
)

func TestNilDriver(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, SyncDocument(ctx, nil, Document{}, 0.85))
	_, err := FlaggedCategories(ctx, nil)
	assert.Error(t, err)
	assert.Error(t, Purge(ctx, nil))
}

func TestFlags(t *testing.T) {
	chunk := domain.Chunk{Sensitivity: domain.SensitivityScore{
		"trade_secret": 1,
		"confidential": 0.85,
		"internal":     0.2,
	}}
	assert.Equal(t, map[string]float64{"trade_secret": 1, "confidential": 0.85}, Flags(chunk, 0.85))
	assert.Empty(t, Flags(domain.Chunk{}, 0.85))
}

func TestSyncDocumentAgainstNeo4j(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run neo4j checks")
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	ctx := context.Background()

	driver, err := neo4j.NewDriverWithContext(cfg.Storage.Neo4j.URI, neo4j.BasicAuth(cfg.Storage.Neo4j.Username, cfg.Storage.Neo4j.Password, ""))
	require.NoError(t, err)
	defer driver.Close(ctx)

	doc := Document{
		ID:     uuid.NewString(),
		Source: "integration/contract.txt",
		Title:  "Contract",
		SHA:    "sha-integration",
		Chunks: []domain.Chunk{
			{ID: uuid.NewString(), Index: 0, Text: "public", Sensitivity: domain.SensitivityScore{"trade_secret": 0}},
			{ID: uuid.NewString(), Index: 1, Text: "Trade Secret", Sensitivity: domain.SensitivityScore{"trade_secret": 1}},
		},
	}
	t.Cleanup(func() {
		session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)
		_, _ = session.Run(ctx, "MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c) DETACH DELETE c, d", map[string]any{"id": doc.ID})
	})

	require.NoError(t, SyncDocument(ctx, driver, doc, 0.85))

	counts, err := FlaggedCategories(ctx, driver)
	require.NoError(t, err)

	found := false
	for _, c := range counts {
		if c.Category == "trade_secret" {
			found = true
			assert.GreaterOrEqual(t, c.Chunks, int64(1))
		}
	}
	assert.True(t, found)
}
