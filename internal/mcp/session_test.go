package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

type listFailClient struct {
	fakeClient
}

func (c *listFailClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return nil, errors.New("method not found")
}

type listFailConnector struct {
	client *listFailClient
}

func (c listFailConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	return c.client, nil
}

func TestFactoryOpen_ClosesClientWhenToolListingFails(t *testing.T) {
	srv := &fakeServer{}
	client := &listFailClient{fakeClient{srv: srv}}
	factory := NewFactory(Connectors{Stdio: listFailConnector{client: client}}, time.Second)

	_, err := factory.Open(context.Background(), stdioServer("fs", 0))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.ServerID != "fs" || connErr.Kind != ConnRefused {
		t.Fatalf("unexpected classification %+v", connErr)
	}
	if _, closes := srv.counts(); closes != 1 {
		t.Fatalf("expected client closed, got %d closes", closes)
	}
}

func TestFactoryOpen_MissingConnector(t *testing.T) {
	factory := NewFactory(Connectors{}, time.Second)
	_, err := factory.Open(context.Background(), config.ServerConfig{
		ID:             "ws",
		ConnectionType: config.ConnectionWebSocket,
		URL:            "ws://localhost:1",
	})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Kind != ConnInvalidConfig {
		t.Fatalf("expected invalid_config, got %v", err)
	}
}

func TestFactoryOpenTimeout(t *testing.T) {
	factory := NewFactory(Connectors{}, 10*time.Second)
	if got := factory.openTimeout(config.ServerConfig{Timeout: 500}); got != 500*time.Millisecond {
		t.Fatalf("expected per-server timeout, got %s", got)
	}
	if got := factory.openTimeout(config.ServerConfig{Timeout: 60000}); got != 10*time.Second {
		t.Fatalf("expected startup timeout cap, got %s", got)
	}
	if got := factory.openTimeout(config.ServerConfig{}); got != 10*time.Second {
		t.Fatalf("expected startup timeout, got %s", got)
	}
}

func TestSession_CloseIsIdempotentAndRejectsCalls(t *testing.T) {
	srv := &fakeServer{}
	session := newSession("fs", &fakeClient{srv: srv}, tools("read_file"), 0)

	if !session.HasTool("read_file") || session.HasTool("write_file") {
		t.Fatal("unexpected HasTool result")
	}
	if _, err := session.CallTool(context.Background(), "read_file", `{}`); err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}

	_ = session.Close()
	_ = session.Close()
	if _, closes := srv.counts(); closes != 1 {
		t.Fatalf("expected one close, got %d", closes)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed, got %s", session.State())
	}
	session.setState(StateReady)
	if session.State() != StateClosed {
		t.Fatal("closed session must not be revived")
	}

	_, err := session.CallTool(context.Background(), "read_file", `{}`)
	var invErr *ToolInvocationError
	if !errors.As(err, &invErr) || !IsNotReady(invErr.Err) {
		t.Fatalf("expected not-ready invocation error, got %v", err)
	}
}

func TestToolInfo_UsesInputSchema(t *testing.T) {
	info := ToolInfo(CatalogEntry{
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"file path"}},"required":["path"]}`),
		Owners:      []ToolOwner{{ServerID: "fs", Priority: 10}},
	})
	if info.Name != "read_file" || info.Desc != "Read a file" {
		t.Fatalf("unexpected tool info %+v", info)
	}
	if info.ParamsOneOf == nil {
		t.Fatal("expected parameters from input schema")
	}
	js, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		t.Fatalf("ToJSONSchema() error: %v", err)
	}
	if _, ok := js.Properties.Get("path"); !ok {
		t.Fatalf("expected path property, got %+v", js)
	}
	servers, _ := info.Extra["servers"].([]string)
	if len(servers) != 1 || servers[0] != "fs" {
		t.Fatalf("expected owner list in extra, got %v", info.Extra)
	}
}

func TestToolInfo_WithoutSchema(t *testing.T) {
	info := ToolInfo(CatalogEntry{Name: "ping"})
	if info.ParamsOneOf != nil {
		t.Fatal("expected no parameters")
	}
	if info.Desc != "ping" {
		t.Fatalf("expected name as fallback description, got %q", info.Desc)
	}
}

func TestNormalizeToolResult(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "(no output)"},
		{"  ", "(no output)"},
		{" done ", "done"},
		{map[string]any{"n": 1}, `{"n":1}`},
	}
	for _, tc := range cases {
		if got := normalizeToolResult(tc.in); got != tc.want {
			t.Fatalf("normalizeToolResult(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
