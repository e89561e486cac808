package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/toolmesh/internal/agent"
	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
	"github.com/MEKXH/toolmesh/internal/version"
)

type mockServers struct {
	info     mcp.ServerInfo
	infoErr  error
	metrics  []mcp.ServerMetrics
	tested   int
	catalog  []mcp.CatalogEntry
	invoked  []string
	invokeFn func(tool, args string) (mcp.InvokeResult, error)
}

func (m *mockServers) GetServerInfo() (mcp.ServerInfo, error) { return m.info, m.infoErr }
func (m *mockServers) GetMetrics() []mcp.ServerMetrics        { return m.metrics }
func (m *mockServers) Catalog([]string) []mcp.CatalogEntry    { return m.catalog }

func (m *mockServers) TestConnections(ctx context.Context) (mcp.ConnectionTestResult, error) {
	m.tested++
	return mcp.ConnectionTestResult{Successful: []string{"fs"}}, nil
}

func (m *mockServers) Invoke(ctx context.Context, tool, args string, servers []string) (mcp.InvokeResult, error) {
	m.invoked = append(m.invoked, tool+" "+args)
	if m.invokeFn != nil {
		return m.invokeFn(tool, args)
	}
	return mcp.InvokeResult{ServerID: "fs", Output: "ok"}, nil
}

type mockRunner struct {
	gotQuery string
	gotOpts  agent.RunOptions
	result   agent.Result
	err      error
	events   []agent.Event
}

func (m *mockRunner) Run(ctx context.Context, query string, opts agent.RunOptions) (agent.Result, error) {
	m.gotQuery = query
	m.gotOpts = opts
	if m.err != nil {
		return agent.Result{}, m.err
	}
	return m.result, nil
}

func (m *mockRunner) RunStream(ctx context.Context, query string, opts agent.RunOptions) (<-chan agent.Event, error) {
	m.gotQuery = query
	m.gotOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan agent.Event, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}

func newTestHandler(token string, servers *mockServers, runner *mockRunner) http.Handler {
	deps := Deps{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("toolmesh_agent_queries_total 1\n"))
	})}
	if servers != nil {
		deps.Servers = servers
	}
	if runner != nil {
		deps.Agent = runner
	}
	return NewHandler(config.GatewayConfig{Token: token}, deps)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler("", &mockServers{}, &mockRunner{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["request_id"] == "" || rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected non-empty request_id")
	}
}

func TestVersionEndpoint_EchoesRequestID(t *testing.T) {
	h := newTestHandler("", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	body := decodeJSON(t, rr.Body)
	if body["version"] != version.Version || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if rr.Header().Get("X-Request-ID") != "rid-1" {
		t.Fatal("expected request id echoed in header")
	}
}

func TestServersEndpoints(t *testing.T) {
	servers := &mockServers{
		info: mcp.ServerInfo{TotalServers: 2, EnabledServers: 1},
		metrics: []mcp.ServerMetrics{
			{ServerID: "fs", Status: mcp.StatusReady, ToolCount: 3},
		},
	}
	h := newTestHandler("", servers, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/servers", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/servers status %d", rr.Code)
	}
	if body := decodeJSON(t, rr.Body); body["total_servers"] != float64(2) {
		t.Fatalf("unexpected server info %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/servers/metrics", nil))
	if !strings.Contains(rr.Body.String(), `"tool_count":3`) {
		t.Fatalf("unexpected metrics body %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/servers/test", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /servers/test, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/servers/test", nil))
	if rr.Code != http.StatusOK || servers.tested != 1 {
		t.Fatalf("expected connection test to run, status=%d tested=%d", rr.Code, servers.tested)
	}
}

func TestServersEndpoint_NotStarted(t *testing.T) {
	h := newTestHandler("", &mockServers{infoErr: mcp.ErrManagerNotStarted}, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/servers", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestQueryEndpoint_RequiresToken(t *testing.T) {
	runner := &mockRunner{result: agent.Result{Response: "hi"}}
	h := newTestHandler("secret", &mockServers{}, runner)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"hello"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestQueryEndpoint_PassesOptions(t *testing.T) {
	runner := &mockRunner{result: agent.Result{Response: "answer", Steps: 2}}
	h := newTestHandler("", &mockServers{}, runner)

	body := `{"query":"list files","max_steps":3,"timeout":5000,"servers":["fs"],"session_id":"s1"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if runner.gotQuery != "list files" || runner.gotOpts.MaxSteps != 3 || runner.gotOpts.Timeout != 5000 ||
		len(runner.gotOpts.Servers) != 1 || runner.gotOpts.SessionID != "s1" {
		t.Fatalf("unexpected forwarded options %+v", runner.gotOpts)
	}
	out := decodeJSON(t, rr.Body)
	result, _ := out["result"].(map[string]any)
	if result["response"] != "answer" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestQueryEndpoint_ReportsDurationsInMilliseconds(t *testing.T) {
	runner := &mockRunner{result: agent.Result{
		Response:      "answer",
		ExecutionTime: 1500 * time.Millisecond,
		ToolCalls:     []agent.ToolCall{{Tool: "read_file", ServerID: "fs", Duration: 250 * time.Millisecond}},
	}}
	h := newTestHandler("", &mockServers{}, runner)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"q"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decodeJSON(t, rr.Body)
	result, _ := out["result"].(map[string]any)
	if result["execution_time_ms"] != float64(1500) {
		t.Fatalf("expected execution_time_ms=1500, got %v", result["execution_time_ms"])
	}
	if _, ok := result["execution_time"]; ok {
		t.Fatalf("unexpected nanosecond field in %v", result)
	}
	calls, _ := result["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("expected one tool call, got %v", result["tool_calls"])
	}
	if call, _ := calls[0].(map[string]any); call["duration_ms"] != float64(250) || call["tool"] != "read_file" {
		t.Fatalf("unexpected tool call %v", calls[0])
	}
}

func TestQueryEndpoint_UsageErrorIsBadRequest(t *testing.T) {
	runner := &mockRunner{err: &agent.UsageError{Field: "timeout", Reason: "must be at least 1000ms"}}
	h := newTestHandler("", &mockServers{}, runner)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"q","timeout":5}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":""}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", rr.Code)
	}

	runner.err = errors.New("boom")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"q"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestQueryStreamEndpoint(t *testing.T) {
	runner := &mockRunner{events: []agent.Event{
		{Type: agent.EventText, Text: "Hel"},
		{Type: agent.EventTool, Tool: &agent.ToolCall{Tool: "read", ServerID: "fs"}},
		{Type: agent.EventDone, Result: &agent.Result{Response: "Hello", ExecutionTime: 20 * time.Millisecond}},
	}}
	h := newTestHandler("", &mockServers{}, runner)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/query/stream", strings.NewReader(`{"query":"hi"}`)))
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	raw := rr.Body.String()
	var kinds []string
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			kinds = append(kinds, name)
		}
	}
	if strings.Join(kinds, ",") != "text,tool,done" {
		t.Fatalf("unexpected event order %v", kinds)
	}
	if !strings.Contains(raw, `"execution_time_ms":20`) {
		t.Fatalf("expected done event in milliseconds, got %s", raw)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler("", nil, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "toolmesh_agent_queries_total") {
		t.Fatalf("unexpected metrics output %q", rr.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(config.GatewayConfig{CORSOrigins: []string{"https://app.example.com"}}, Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/query", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin, got %q", got)
	}
}

func TestAggregateServer_ForwardsToolCalls(t *testing.T) {
	servers := &mockServers{
		catalog: []mcp.CatalogEntry{
			{Name: "read", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
			{Name: "broken", InputSchema: json.RawMessage(`"not an object"`)},
		},
		invokeFn: func(tool, args string) (mcp.InvokeResult, error) {
			if tool == "broken" {
				return mcp.InvokeResult{}, &mcp.ToolUnavailableError{Tool: tool}
			}
			return mcp.InvokeResult{ServerID: "fs", Output: "contents of " + args}, nil
		},
	}

	ctx := context.Background()
	server := NewAggregateServer(servers)
	clientTransport, serverTransport := sdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer serverSession.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 2 {
		t.Fatalf("expected 2 aggregated tools, got %d", len(tools.Tools))
	}

	res, err := session.CallTool(ctx, &sdk.CallToolParams{Name: "read", Arguments: map[string]any{"path": "a.txt"}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || !strings.Contains(text.Text, `"path":"a.txt"`) || res.IsError {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = session.CallTool(ctx, &sdk.CallToolParams{Name: "broken"})
	if err != nil {
		t.Fatalf("CallTool(broken): %v", err)
	}
	if !res.IsError {
		t.Fatal("expected backend failure reported as tool error")
	}
}
