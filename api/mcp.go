package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fabfab/juris-guard/domain"
	"github.com/fabfab/juris-guard/query"
)

const mcpServerVersion = "0.1.0"

type queryRunner interface {
	Query(ctx context.Context, req query.Request) (query.Result, error)
}

type mcpAnswer struct {
	Answer   string        `json:"answer"`
	Outcome  query.Outcome `json:"outcome"`
	TraceID  string        `json:"trace_id"`
	Admitted int           `json:"admitted_chunks"`
	Denied   int           `json:"denied_chunks"`
}

// NewMCPServer exposes the query engine as a single MCP tool. Every call is
// traced exactly like an HTTP query.
func NewMCPServer(runner queryRunner, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	tool := mcp.NewTool("query",
		mcp.WithDescription("Answer a question from the indexed documents. Guests never receive restricted passages."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language question"),
		),
		mcp.WithString("role",
			mcp.Description("Caller role"),
			mcp.Enum(string(domain.RoleGuest), string(domain.RoleAdmin)),
			mcp.DefaultString(string(domain.RoleGuest)),
		),
	)

	srv := server.NewMCPServer("juris-guard", mcpServerVersion, server.WithToolCapabilities(false))
	srv.AddTool(tool, queryTool(runner, logger))
	return srv
}

func queryTool(runner queryRunner, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		role := request.GetString("role", string(domain.RoleGuest))

		result, err := runner.Query(ctx, query.Request{Query: q, Role: role})
		if err != nil {
			logger.Warn("mcp query failed", "trace_id", result.Trace.ID, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		raw, err := json.Marshal(mcpAnswer{
			Answer:   result.Answer,
			Outcome:  result.Outcome,
			TraceID:  result.Trace.ID,
			Admitted: result.Trace.FilteringLog.Admitted(),
			Denied:   result.Trace.FilteringLog.Denied(),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}
