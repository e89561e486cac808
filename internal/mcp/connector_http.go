package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/version"
)

type httpConnector struct {
	transport http.RoundTripper
}

func newHTTPConnector() Connector {
	return httpConnector{transport: http.DefaultTransport}
}

// Connect opens a streamable HTTP session and falls back to the legacy
// SSE transport when the endpoint does not speak it.
func (c httpConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	if err := validateURL(cfg.URL, config.ConnectionHTTP, "http", "https"); err != nil {
		return nil, invalidConfig(cfg.ID, "%v", err)
	}
	endpoint := strings.TrimSpace(cfg.URL)
	httpClient := &http.Client{
		Transport: &headerRoundTripper{base: c.transport, headers: cloneHeaders(cfg.Headers)},
	}

	client := sdk.NewClient(&sdk.Implementation{Name: "toolmesh", Version: version.Version}, nil)
	session, err := client.Connect(ctx, detachedTransport{&sdk.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: httpClient,
		MaxRetries: -1,
	}}, nil)
	if err == nil {
		return &sdkClient{session: session}, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	slog.Debug("streamable http handshake failed, trying sse", "server", cfg.ID, "error", err)
	session, sseErr := client.Connect(ctx, detachedTransport{&sdk.SSEClientTransport{
		Endpoint:   endpoint,
		HTTPClient: httpClient,
	}}, nil)
	if sseErr != nil {
		return nil, fmt.Errorf("streamable http: %w; sse fallback: %v", err, sseErr)
	}
	return &sdkClient{session: session}, nil
}

// detachedTransport keeps the connection alive past the dial context; the
// session is torn down by Close instead.
type detachedTransport struct {
	sdk.Transport
}

func (t detachedTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return t.Transport.Connect(context.WithoutCancel(ctx))
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		applyHeaders(req.Header, t.headers)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// sdkClient adapts a go-sdk client session to Client.
type sdkClient struct {
	session *sdk.ClientSession
}

func (c *sdkClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var defs []ToolDefinition
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if tool == nil || strings.TrimSpace(tool.Name) == "" {
			continue
		}
		def := ToolDefinition{
			Name:        strings.TrimSpace(tool.Name),
			Description: strings.TrimSpace(tool.Description),
		}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				def.InputSchema = raw
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (c *sdkClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	args, err := parseToolArgs(compactJSONOrRaw(argsJSON))
	if err != nil {
		return nil, err
	}
	result, err := c.session.CallTool(ctx, &sdk.CallToolParams{
		Name:      strings.TrimSpace(toolName),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	text := sdkTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, toolReportedError{msg: text}
	}
	if text != "" {
		return text, nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return "", nil
}

func (c *sdkClient) Ping(ctx context.Context) error {
	return c.session.Ping(ctx, nil)
}

func (c *sdkClient) Close() error {
	return c.session.Close()
}

func sdkTextContent(items []sdk.Content) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		text, ok := item.(*sdk.TextContent)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(text.Text); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}
