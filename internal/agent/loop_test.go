package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	err     error
	calls   int
	inputs  [][]*schema.Message
	bound   []*schema.ToolInfo
}

func (m *scriptedModel) next(input []*schema.Message) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	idx := m.calls
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return m.replies[idx], nil
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return m.next(input)
}

// Stream splits the scripted reply into word chunks. Tool calls ride on the
// last chunk.
func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.next(input)
	if err != nil {
		return nil, err
	}
	var chunks []*schema.Message
	for _, word := range strings.SplitAfter(msg.Content, " ") {
		if word != "" {
			chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: word})
		}
	}
	if len(msg.ToolCalls) > 0 || len(chunks) == 0 {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, ToolCalls: msg.ToolCalls})
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.bound = tools
	m.mu.Unlock()
	return m, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedModel) input(i int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[i]
}

type fakeRouter struct {
	mu      sync.Mutex
	started bool
	catalog []mcp.CatalogEntry
	invoke  func(ctx context.Context, tool, args string) (mcp.InvokeResult, error)
	calls   []string
	servers [][]string
}

func (r *fakeRouter) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *fakeRouter) Catalog(servers []string) []mcp.CatalogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, servers)
	return r.catalog
}

func (r *fakeRouter) Invoke(ctx context.Context, tool, args string, servers []string) (mcp.InvokeResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, tool)
	invoke := r.invoke
	r.mu.Unlock()
	if invoke == nil {
		return mcp.InvokeResult{ServerID: "fs", Output: tool + " done"}, nil
	}
	return invoke(ctx, tool, args)
}

func (r *fakeRouter) invokeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func searchCatalog() []mcp.CatalogEntry {
	return []mcp.CatalogEntry{{
		Name:        "search",
		Description: "Search the web",
		InputSchema: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		Owners:      []mcp.ToolOwner{{ServerID: "web", Priority: 5}},
	}}
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{MaxSteps: 5, Timeout: 10000, HistoryLimit: 10}
}

func TestRunOptions_Validate(t *testing.T) {
	cases := []struct {
		name  string
		opts  RunOptions
		field string
	}{
		{"negative steps", RunOptions{MaxSteps: -1, Timeout: 5000}, "max_steps"},
		{"short timeout", RunOptions{MaxSteps: 1, Timeout: 999}, "timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var usage *UsageError
			if err := tc.opts.Validate(); !errors.As(err, &usage) || usage.Field != tc.field {
				t.Fatalf("expected UsageError on %s, got %v", tc.field, err)
			}
		})
	}
	if err := (RunOptions{MaxSteps: 1, Timeout: 1000}).Validate(); err != nil {
		t.Fatalf("expected minimum values to be valid, got %v", err)
	}

	opts := RunOptions{Servers: []string{" fs ", ""}}.WithDefaults(config.AgentConfig{MaxSteps: 7, Timeout: 3000})
	if opts.MaxSteps != 7 || opts.Timeout != 3000 || len(opts.Servers) != 1 || opts.Servers[0] != "fs" {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}

func TestRun_InvalidOptionsFailFast(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage("hi", nil)}}
	router := &fakeRouter{started: true, catalog: searchCatalog()}
	loop := NewLoop(testAgentConfig(), router, m)

	var usage *UsageError
	if _, err := loop.Run(context.Background(), "hello", RunOptions{MaxSteps: -3}); !errors.As(err, &usage) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	if _, err := loop.Run(context.Background(), "hello", RunOptions{Timeout: 10}); !errors.As(err, &usage) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	if _, err := loop.Run(context.Background(), "   ", RunOptions{}); !errors.As(err, &usage) {
		t.Fatalf("expected UsageError for empty query, got %v", err)
	}
	if _, err := loop.RunStream(context.Background(), "hello", RunOptions{MaxSteps: -1}); !errors.As(err, &usage) {
		t.Fatalf("expected UsageError from RunStream, got %v", err)
	}
	if m.callCount() != 0 || router.invokeCount() != 0 {
		t.Fatal("invalid options must not reach the model or the servers")
	}
}

func TestRun_ToolThenFinalAnswer(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{toolCall("call-1", "search", `{"q":"go"}`)}),
		schema.AssistantMessage("Go is a programming language.", nil),
	}}
	router := &fakeRouter{
		started: true,
		catalog: searchCatalog(),
		invoke: func(ctx context.Context, tool, args string) (mcp.InvokeResult, error) {
			return mcp.InvokeResult{ServerID: "web", Output: "golang.org"}, nil
		},
	}
	loop := NewLoop(testAgentConfig(), router, m)

	var started, finished []string
	loop.OnToolStart = func(name, args string) { started = append(started, name) }
	loop.OnToolFinish = func(name, result string, err error) { finished = append(finished, result) }

	result, err := loop.Run(context.Background(), "what is go?", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Response != "Go is a programming language." {
		t.Fatalf("unexpected response %q", result.Response)
	}
	if result.Steps != 2 || len(result.Warnings) != 0 {
		t.Fatalf("unexpected steps/warnings: %+v", result)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "search" {
		t.Fatalf("unexpected tools used %v", result.ToolsUsed)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ServerID != "web" {
		t.Fatalf("unexpected tool calls %+v", result.ToolCalls)
	}
	if len(started) != 1 || len(finished) != 1 || finished[0] != "golang.org" {
		t.Fatalf("unexpected tool hooks: started=%v finished=%v", started, finished)
	}

	second := m.input(1)
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call-1" || last.Content != "golang.org" {
		t.Fatalf("expected tool observation as last message, got %+v", last)
	}
	if len(m.bound) != 1 || m.bound[0].Name != "search" {
		t.Fatalf("expected catalog bound to the model, got %+v", m.bound)
	}
}

func TestRun_ToolsUsedKeepsRepeatsAndSkipsUnavailable(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{toolCall("call-1", "search", `{"q":"go"}`)}),
		schema.AssistantMessage("", []schema.ToolCall{toolCall("call-2", "search", `{"q":"rust"}`)}),
		schema.AssistantMessage("", []schema.ToolCall{toolCall("call-3", "launch_rocket", `{}`)}),
		schema.AssistantMessage("Both languages are compiled.", nil),
	}}
	router := &fakeRouter{
		started: true,
		catalog: searchCatalog(),
		invoke: func(ctx context.Context, tool, args string) (mcp.InvokeResult, error) {
			if tool == "launch_rocket" {
				return mcp.InvokeResult{}, &mcp.ToolUnavailableError{Tool: tool}
			}
			return mcp.InvokeResult{ServerID: "web", Output: "results for " + args}, nil
		},
	}
	loop := NewLoop(testAgentConfig(), router, m)

	result, err := loop.Run(context.Background(), "compare go and rust", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.ToolsUsed) != 2 || result.ToolsUsed[0] != "search" || result.ToolsUsed[1] != "search" {
		t.Fatalf("expected [search search], got %v", result.ToolsUsed)
	}
	if len(result.ToolCalls) != 3 || result.ToolCalls[2].Error == "" {
		t.Fatalf("expected the unavailable call recorded as failed, got %+v", result.ToolCalls)
	}
}

func TestRun_SingleStepBudget(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("I need to search first.", []schema.ToolCall{toolCall("call-1", "search", `{}`)}),
		schema.AssistantMessage("unreachable", nil),
	}}
	router := &fakeRouter{started: true, catalog: searchCatalog()}
	loop := NewLoop(testAgentConfig(), router, m)

	result, err := loop.Run(context.Background(), "two lookups please", RunOptions{MaxSteps: 1})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if m.callCount() != 1 {
		t.Fatalf("expected exactly one reasoning round-trip, got %d", m.callCount())
	}
	if !result.HasWarning(StepBudgetExceeded) {
		t.Fatalf("expected step budget warning, got %v", result.Warnings)
	}
	if result.Response != "I need to search first." {
		t.Fatalf("expected partial text, got %q", result.Response)
	}
	if router.invokeCount() != 0 {
		t.Fatal("tool calls past the budget must not be dispatched")
	}
}

func TestRun_TimeoutDuringToolCallKeepsPartialAnswer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("Checking the weather service.", []schema.ToolCall{toolCall("call-1", "search", `{}`)}),
		schema.AssistantMessage("unreachable", nil),
	}}
	router := &fakeRouter{
		started: true,
		catalog: searchCatalog(),
		// Ignores ctx, so the loop has to stop waiting on its own.
		invoke: func(ctx context.Context, tool, args string) (mcp.InvokeResult, error) {
			<-release
			return mcp.InvokeResult{}, nil
		},
	}
	loop := NewLoop(testAgentConfig(), router, m)

	start := time.Now()
	result, err := loop.Run(context.Background(), "weather?", RunOptions{Timeout: 1000})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if !result.HasWarning(QueryTimeout) {
		t.Fatalf("expected timeout warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Response, "Checking the weather service.") {
		t.Fatalf("expected prior partial content, got %q", result.Response)
	}
	if m.callCount() != 1 {
		t.Fatalf("expected no further steps after timeout, got %d", m.callCount())
	}
}

func TestRun_ToolFailureBecomesObservation(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{toolCall("call-1", "search", `{}`)}),
		schema.AssistantMessage("Search is down, answering from memory.", nil),
	}}
	router := &fakeRouter{
		started: true,
		catalog: searchCatalog(),
		invoke: func(ctx context.Context, tool, args string) (mcp.InvokeResult, error) {
			return mcp.InvokeResult{ServerID: "web"}, &mcp.ToolInvocationError{ServerID: "web", Tool: tool, Err: errors.New("broken pipe")}
		},
	}
	loop := NewLoop(testAgentConfig(), router, m)

	result, err := loop.Run(context.Background(), "search something", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Response != "Search is down, answering from memory." {
		t.Fatalf("unexpected response %q", result.Response)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Error == "" {
		t.Fatalf("expected failed tool call recorded, got %+v", result.ToolCalls)
	}
	second := m.input(1)
	if obs := second[len(second)-1]; !strings.HasPrefix(obs.Content, "Error:") {
		t.Fatalf("expected error observation, got %q", obs.Content)
	}
}

func TestRun_EmptyCatalogStillAnswers(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage("Paris.", nil)}}
	router := &fakeRouter{started: true}
	loop := NewLoop(testAgentConfig(), router, m)

	result, err := loop.Run(context.Background(), "capital of France?", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Response != "Paris." || !result.HasWarning(NoToolsAvailable) {
		t.Fatalf("unexpected result %+v", result)
	}
	if m.bound != nil {
		t.Fatal("no tools should be bound for an empty catalog")
	}
}

func TestRun_ReasoningFailureReturnsResult(t *testing.T) {
	m := &scriptedModel{err: errors.New("rate limited")}
	loop := NewLoop(testAgentConfig(), &fakeRouter{started: true, catalog: searchCatalog()}, m)

	result, err := loop.Run(context.Background(), "hello", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !result.HasWarning(ReasoningFailed) || result.Response == "" {
		t.Fatalf("expected failure warning and a response, got %+v", result)
	}
}

func TestRun_ServerFilterIsForwarded(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "search", `{}`)}),
		schema.AssistantMessage("done", nil),
	}}
	router := &fakeRouter{started: true, catalog: searchCatalog()}
	loop := NewLoop(testAgentConfig(), router, m)

	if _, err := loop.Run(context.Background(), "q", RunOptions{Servers: []string{"web"}}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(router.servers) != 1 || len(router.servers[0]) != 1 || router.servers[0][0] != "web" {
		t.Fatalf("expected server filter passed to catalog, got %v", router.servers)
	}
}

func TestRun_NotStarted(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage("hi", nil)}}
	router := &fakeRouter{}
	loop := NewLoop(testAgentConfig(), router, m)

	if _, err := loop.Run(context.Background(), "hello", RunOptions{}); !errors.Is(err, mcp.ErrManagerNotStarted) {
		t.Fatalf("expected ErrManagerNotStarted, got %v", err)
	}

	loop = NewLoop(testAgentConfig(), router, m)
	initialized := 0
	loop.SetInitializer(func(ctx context.Context) error {
		initialized++
		router.mu.Lock()
		router.started = true
		router.mu.Unlock()
		return nil
	})
	if _, err := loop.Run(context.Background(), "hello", RunOptions{}); err != nil {
		t.Fatalf("Run() with initializer error: %v", err)
	}
	if _, err := loop.Run(context.Background(), "again", RunOptions{}); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if initialized != 1 {
		t.Fatalf("expected one initialization, got %d", initialized)
	}
}

func TestRun_HistoryCarriesPreviousTurns(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage("noted", nil)}}
	loop := NewLoop(testAgentConfig(), &fakeRouter{started: true, catalog: searchCatalog()}, m)

	if _, err := loop.Run(context.Background(), "my name is Sam", RunOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if _, err := loop.Run(context.Background(), "what is my name?", RunOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	second := m.input(1)
	// system, previous user, previous assistant, current user
	if len(second) != 4 || second[1].Content != "my name is Sam" || second[2].Content != "noted" {
		t.Fatalf("expected history in second input, got %d messages", len(second))
	}

	if _, err := loop.Run(context.Background(), "fresh", RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if third := m.input(2); len(third) != 2 {
		t.Fatalf("expected no history without session id, got %d messages", len(third))
	}
}

func TestRunStream_EmitsInOrder(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("Let me look. ", []schema.ToolCall{toolCall("call-1", "search", `{"q":"go"}`)}),
		schema.AssistantMessage("Go was released in 2009.", nil),
	}}
	router := &fakeRouter{started: true, catalog: searchCatalog()}
	loop := NewLoop(testAgentConfig(), router, m)

	events, err := loop.RunStream(context.Background(), "when was go released?", RunOptions{})
	if err != nil {
		t.Fatalf("RunStream() error: %v", err)
	}

	var kinds []EventType
	var text strings.Builder
	var done *Result
	for ev := range events {
		kinds = append(kinds, ev.Type)
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Text)
		case EventDone:
			done = ev.Result
		}
	}

	if done == nil {
		t.Fatal("expected a done event")
	}
	if kinds[len(kinds)-1] != EventDone {
		t.Fatalf("done must be last, got %v", kinds)
	}
	if got := text.String(); got != "Let me look. Go was released in 2009." {
		t.Fatalf("unexpected streamed text %q", got)
	}
	if done.Response != "Go was released in 2009." {
		t.Fatalf("unexpected final response %q", done.Response)
	}

	toolAt, lastTextAt := -1, -1
	for i, k := range kinds {
		if k == EventTool && toolAt < 0 {
			toolAt = i
		}
		if k == EventText {
			lastTextAt = i
		}
	}
	if toolAt < 0 || toolAt > lastTextAt {
		t.Fatalf("expected tool event between the two steps, got %v", kinds)
	}
}

func TestRunStream_StepBudgetWarning(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("Working on it.", []schema.ToolCall{toolCall("call-1", "search", `{}`)}),
	}}
	loop := NewLoop(testAgentConfig(), &fakeRouter{started: true, catalog: searchCatalog()}, m)

	events, err := loop.RunStream(context.Background(), "q", RunOptions{MaxSteps: 1})
	if err != nil {
		t.Fatalf("RunStream() error: %v", err)
	}
	sawWarning := false
	var done *Result
	for ev := range events {
		if ev.Type == EventWarning && strings.HasPrefix(ev.Text, StepBudgetExceeded) {
			sawWarning = true
		}
		if ev.Type == EventDone {
			done = ev.Result
		}
	}
	if !sawWarning || done == nil || !done.HasWarning(StepBudgetExceeded) {
		t.Fatalf("expected step budget warning event and result, got %+v", done)
	}
}
