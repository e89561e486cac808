package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
	"github.com/MEKXH/toolmesh/internal/metrics"
	"github.com/MEKXH/toolmesh/internal/requestid"
)

// Router lists and invokes the tools of ready servers. *mcp.Manager
// implements it.
type Router interface {
	Started() bool
	Catalog(servers []string) []mcp.CatalogEntry
	Invoke(ctx context.Context, tool, argsJSON string, servers []string) (mcp.InvokeResult, error)
}

// Loop runs queries against a reasoning engine and the tools behind a Router.
type Loop struct {
	cfg        config.AgentConfig
	model      model.ToolCallingChatModel
	router     Router
	context    *ContextBuilder
	history    *History
	recorder   *metrics.Recorder
	initialize func(ctx context.Context) error
	initMu     sync.Mutex
	now        func() time.Time

	OnToolStart  func(name, args string)
	OnToolFinish func(name, result string, err error)
}

// NewLoop creates a new agent loop
func NewLoop(cfg config.AgentConfig, router Router, chatModel model.ToolCallingChatModel) *Loop {
	return &Loop{
		cfg:     cfg,
		model:   chatModel,
		router:  router,
		context: NewContextBuilder(cfg.SystemPrompt),
		history: NewHistory(cfg.HistoryLimit),
		now:     time.Now,
	}
}

// SetRecorder attaches metrics collectors.
func (l *Loop) SetRecorder(rec *metrics.Recorder) {
	l.recorder = rec
}

// SetInitializer registers how to start the router on first need, when a
// query arrives before anything opened the servers.
func (l *Loop) SetInitializer(fn func(ctx context.Context) error) {
	l.initialize = fn
}

// History returns the conversation store.
func (l *Loop) History() *History {
	return l.history
}

// Run answers one query. Invalid options, a missing model and an unstarted
// router fail fast with an error; everything else yields a Result, possibly
// partial with warnings.
func (l *Loop) Run(ctx context.Context, query string, opts RunOptions) (Result, error) {
	opts, err := l.prepare(ctx, query, opts)
	if err != nil {
		return Result{}, err
	}
	return l.execute(ctx, query, opts, nil), nil
}

// RunStream is Run with incremental delivery. The channel yields text,
// tool and warning events in order and ends with one done event carrying
// the Result, then closes. Stop reading only after cancelling ctx.
func (l *Loop) RunStream(ctx context.Context, query string, opts RunOptions) (<-chan Event, error) {
	opts, err := l.prepare(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	events := make(chan Event, 16)
	sink := func(ctx context.Context, ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(events)
		l.execute(ctx, query, opts, sink)
	}()
	return events, nil
}

func (l *Loop) prepare(ctx context.Context, query string, opts RunOptions) (RunOptions, error) {
	opts = opts.WithDefaults(l.cfg)
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	if strings.TrimSpace(query) == "" {
		return opts, &UsageError{Field: "query", Reason: "must not be empty"}
	}
	if l.model == nil {
		return opts, errors.New("no reasoning engine configured")
	}
	if err := l.ensureStarted(ctx); err != nil {
		return opts, err
	}
	return opts, nil
}

func (l *Loop) ensureStarted(ctx context.Context) error {
	if l.router == nil {
		return mcp.ErrManagerNotStarted
	}
	if l.router.Started() {
		return nil
	}
	if l.initialize == nil {
		return mcp.ErrManagerNotStarted
	}

	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.router.Started() {
		return nil
	}
	slog.Info("initializing server manager on first query")
	if err := l.initialize(ctx); err != nil {
		return fmt.Errorf("initialize server manager: %w", err)
	}
	return nil
}

type run struct {
	loop   *Loop
	opts   RunOptions
	parent context.Context
	sink   func(context.Context, Event)
	result Result

	partial      []string
	observations []string
}

func (l *Loop) execute(parent context.Context, query string, opts RunOptions, sink func(context.Context, Event)) Result {
	start := l.now()
	runCtx, cancel := context.WithTimeout(parent, opts.timeout())
	defer cancel()

	r := &run{
		loop:   l,
		opts:   opts,
		parent: parent,
		sink:   sink,
		result: Result{ToolsUsed: []string{}, Warnings: []string{}},
	}
	requestID := requestid.FromContext(parent)

	catalog := l.router.Catalog(opts.Servers)
	if len(catalog) == 0 {
		r.warn(NoToolsAvailable + ": no ready server advertises a tool")
	}
	chat, err := l.bindModel(catalog)
	if err != nil {
		r.warn(fmt.Sprintf("%s: bind tools: %v", ReasoningFailed, err))
		chat = l.model
	}

	messages := l.context.BuildMessages(l.history.Get(opts.SessionID), catalog, query)

	var (
		final    string
		answered bool
		pending  []schema.ToolCall
		stopErr  error
	)
	for step := 1; step <= opts.MaxSteps; step++ {
		if err := runCtx.Err(); err != nil {
			stopErr = err
			break
		}
		r.result.Steps = step
		l.logStep(parent, "agent step started", "request_id", requestID, "step", step, "max_steps", opts.MaxSteps)

		msg, err := r.step(runCtx, chat, messages)
		if msg != nil {
			if text := strings.TrimSpace(msg.Content); text != "" {
				r.partial = append(r.partial, text)
			}
		}
		if err != nil {
			stopErr = err
			break
		}
		if len(msg.ToolCalls) == 0 {
			final = strings.TrimSpace(msg.Content)
			answered = true
			break
		}
		if step == opts.MaxSteps {
			pending = msg.ToolCalls
			break
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			observation := r.callTool(runCtx, tc)
			if runCtx.Err() != nil {
				stopErr = runCtx.Err()
				break
			}
			messages = append(messages, schema.ToolMessage(observation, tc.ID, schema.WithToolName(tc.Function.Name)))
		}
		if stopErr != nil {
			break
		}
	}

	var fallback string
	outcome := metrics.QueryOutcome{Steps: r.result.Steps}
	switch {
	case stopErr != nil && parent.Err() != nil:
		outcome.TimedOut = true
		r.warn(fmt.Sprintf("%s: %v", QueryCanceled, parent.Err()))
		fallback = "The query was canceled before an answer was produced."
	case stopErr != nil && runCtx.Err() != nil:
		outcome.TimedOut = true
		r.warn(fmt.Sprintf("%s: exceeded %s after %d steps", QueryTimeout, opts.timeout(), r.result.Steps))
		fallback = fmt.Sprintf("The query timed out after %s before an answer was produced.", opts.timeout())
	case stopErr != nil:
		outcome.Failed = true
		r.warn(fmt.Sprintf("%s: %v", ReasoningFailed, stopErr))
		fallback = "The reasoning engine failed before an answer was produced."
	case !answered:
		outcome.StepBudgetExceeded = true
		names := make([]string, 0, len(pending))
		for _, tc := range pending {
			names = append(names, tc.Function.Name)
		}
		r.warn(fmt.Sprintf("%s: reached %d steps without a final answer (pending tool calls: %s)",
			StepBudgetExceeded, opts.MaxSteps, strings.Join(names, ", ")))
		fallback = fmt.Sprintf("The step budget of %d was reached before a final answer.", opts.MaxSteps)
	}

	response := final
	if response == "" {
		response = r.partialText()
	}
	if response == "" {
		response = fallback
	}
	if response == "" {
		response = "(no response)"
	}

	r.result.Response = response
	r.result.ExecutionTime = l.now().Sub(start)
	l.history.Append(opts.SessionID, query, response)
	l.recorder.Query(outcome)

	slog.Info("query finished",
		"request_id", requestID,
		"steps", r.result.Steps,
		"tools_used", len(r.result.ToolsUsed),
		"warnings", len(r.result.Warnings),
		"duration_ms", r.result.ExecutionTime.Milliseconds(),
	)

	result := r.result
	r.emit(parent, Event{Type: EventDone, Result: &result})
	return result
}

func (l *Loop) bindModel(catalog []mcp.CatalogEntry) (model.BaseChatModel, error) {
	if len(catalog) == 0 {
		return l.model, nil
	}
	bound, err := l.model.WithTools(mcp.ToolInfos(catalog))
	if err != nil {
		return nil, err
	}
	return bound, nil
}

func (l *Loop) modelOptions() []model.Option {
	var opts []model.Option
	if l.cfg.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(l.cfg.MaxTokens))
	}
	if l.cfg.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(l.cfg.Temperature)))
	}
	return opts
}

func (l *Loop) logStep(ctx context.Context, msg string, args ...any) {
	level := slog.LevelDebug
	if l.cfg.Verbose {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, msg, args...)
}

func (r *run) emit(ctx context.Context, ev Event) {
	if r.sink != nil {
		r.sink(ctx, ev)
	}
}

func (r *run) warn(text string) {
	r.result.Warnings = append(r.result.Warnings, text)
	r.emit(r.parent, Event{Type: EventWarning, Text: text})
}

func (r *run) partialText() string {
	if len(r.partial) > 0 {
		return strings.Join(r.partial, "\n\n")
	}
	if len(r.observations) > 0 {
		return "Partial tool results:\n\n" + strings.Join(r.observations, "\n\n")
	}
	return ""
}

func (r *run) step(ctx context.Context, chat model.BaseChatModel, messages []*schema.Message) (*schema.Message, error) {
	opts := r.loop.modelOptions()
	if r.sink == nil {
		msg, err := awaitWithin(ctx, func(ctx context.Context) (*schema.Message, error) {
			return chat.Generate(ctx, messages, opts...)
		})
		if err == nil && msg == nil {
			msg = schema.AssistantMessage("", nil)
		}
		return msg, err
	}
	return r.streamStep(ctx, chat, messages, opts)
}

// callTool invokes one requested tool and returns the observation handed
// back to the reasoning engine. Failures become observations.
func (r *run) callTool(ctx context.Context, tc schema.ToolCall) string {
	l := r.loop
	name := strings.TrimSpace(tc.Function.Name)
	args := tc.Function.Arguments
	if l.OnToolStart != nil {
		l.OnToolStart(name, args)
	}

	start := l.now()
	res, err := awaitWithin(ctx, func(ctx context.Context) (mcp.InvokeResult, error) {
		return l.router.Invoke(ctx, name, args, r.opts.Servers)
	})
	record := ToolCall{
		Tool:     name,
		ServerID: res.ServerID,
		Retried:  res.Retried,
		Duration: l.now().Sub(start),
	}

	output := res.Output
	if err != nil {
		record.Error = err.Error()
		output = "Error: " + err.Error()
	} else {
		r.observations = append(r.observations, fmt.Sprintf("[%s] %s", name, output))
	}
	if !isUnavailable(err) {
		r.result.ToolsUsed = append(r.result.ToolsUsed, name)
	}
	r.result.ToolCalls = append(r.result.ToolCalls, record)

	l.logStep(ctx, "tool execution finished",
		"request_id", requestid.FromContext(ctx),
		"tool", name,
		"server_id", record.ServerID,
		"retried", record.Retried,
		"duration_ms", record.Duration.Milliseconds(),
		"success", err == nil,
	)
	if l.OnToolFinish != nil {
		l.OnToolFinish(name, output, err)
	}
	r.emit(ctx, Event{Type: EventTool, Tool: &record})
	return output
}

// isUnavailable reports a tool that no ready server offers, so nothing was
// dispatched.
func isUnavailable(err error) bool {
	var unavailable *mcp.ToolUnavailableError
	return errors.As(err, &unavailable)
}

// awaitWithin runs fn and stops waiting when ctx ends. fn receives ctx and
// is expected to stop on its own; a call that ignores ctx is abandoned.
func awaitWithin[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
