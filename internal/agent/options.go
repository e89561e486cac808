package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

const (
	minTimeoutMs = 1000

	// Warning prefixes attached to partial results.
	StepBudgetExceeded = "step budget exceeded"
	QueryTimeout       = "query timeout"
	QueryCanceled      = "query canceled"
	NoToolsAvailable   = "no tools available"
	ReasoningFailed    = "reasoning engine failed"
)

// UsageError rejects invalid run input before anything happens.
type UsageError struct {
	Field  string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RunOptions tune one query. Zero values take the agent defaults.
type RunOptions struct {
	MaxSteps  int      `json:"max_steps,omitempty"`
	Timeout   int      `json:"timeout,omitempty"` // milliseconds
	Servers   []string `json:"servers,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

func (o RunOptions) WithDefaults(cfg config.AgentConfig) RunOptions {
	if o.MaxSteps == 0 {
		o.MaxSteps = cfg.MaxSteps
	}
	if o.Timeout == 0 {
		o.Timeout = cfg.Timeout
	}
	o.SessionID = strings.TrimSpace(o.SessionID)
	servers := make([]string, 0, len(o.Servers))
	for _, id := range o.Servers {
		if id = strings.TrimSpace(id); id != "" {
			servers = append(servers, id)
		}
	}
	o.Servers = servers
	return o
}

// Validate checks ranges. It does not apply defaults.
func (o RunOptions) Validate() error {
	if o.MaxSteps < 1 {
		return &UsageError{Field: "max_steps", Reason: fmt.Sprintf("must be at least 1, got %d", o.MaxSteps)}
	}
	if o.Timeout < minTimeoutMs {
		return &UsageError{Field: "timeout", Reason: fmt.Sprintf("must be at least %dms, got %d", minTimeoutMs, o.Timeout)}
	}
	return nil
}

func (o RunOptions) timeout() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}

// ToolCall records one tool invocation made during a query.
type ToolCall struct {
	Tool     string        `json:"tool"`
	ServerID string        `json:"server_id,omitempty"`
	Retried  bool          `json:"retried,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// MarshalJSON reports the duration in milliseconds.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	type plain ToolCall
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"duration_ms"`
	}{plain(c), c.Duration.Milliseconds()})
}

// Result is the outcome of a query. It is returned even when the answer is
// partial; Warnings say why.
type Result struct {
	Response      string        `json:"response"`
	ExecutionTime time.Duration `json:"-"`
	Steps         int           `json:"steps"`
	ToolsUsed     []string      `json:"tools_used"`
	ToolCalls     []ToolCall    `json:"tool_calls,omitempty"`
	Warnings      []string      `json:"warnings"`
}

// MarshalJSON reports the execution time in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ExecutionTimeMs int64 `json:"execution_time_ms"`
	}{plain(r), r.ExecutionTime.Milliseconds()})
}

// HasWarning reports whether a warning with prefix was attached.
func (r Result) HasWarning(prefix string) bool {
	for _, w := range r.Warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}
