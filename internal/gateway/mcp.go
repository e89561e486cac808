package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/toolmesh/internal/version"
)

// NewMCPHandler re-exposes the merged catalog of ready servers as one MCP
// Streamable HTTP endpoint. Each new client session sees the catalog as it
// was when the session started.
func NewMCPHandler(servers Servers) http.Handler {
	return sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server {
		return NewAggregateServer(servers)
	}, nil)
}

// NewAggregateServer builds an MCP server whose tools forward to the
// owning backends through Invoke.
func NewAggregateServer(servers Servers) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "toolmesh", Version: version.Version}, nil)
	for _, entry := range servers.Catalog(nil) {
		name := entry.Name
		server.AddTool(&sdk.Tool{
			Name:        name,
			Description: entry.Description,
			InputSchema: objectSchema(entry.InputSchema),
		}, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
			args := "{}"
			if req.Params != nil && len(req.Params.Arguments) > 0 {
				args = string(req.Params.Arguments)
			}
			res, err := servers.Invoke(ctx, name, args, nil)
			if err != nil {
				slog.Warn("aggregated tool call failed", "tool", name, "server_id", res.ServerID, "error", err)
				return &sdk.CallToolResult{
					IsError: true,
					Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
				}, nil
			}
			return &sdk.CallToolResult{
				Content: []sdk.Content{&sdk.TextContent{Text: res.Output}},
			}, nil
		})
	}
	return server
}

// objectSchema decodes a backend schema, replacing anything that is not an
// object schema so AddTool accepts it.
func objectSchema(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	if schema == nil || schema["type"] != "object" {
		schema = map[string]any{"type": "object"}
	}
	return schema
}
