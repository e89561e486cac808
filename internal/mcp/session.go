package mcp

import (
	"context"
	"sync"
	"time"
)

// Session is a live, initialized connection to one server together with
// the tools it advertised at open time.
type Session struct {
	serverID string
	client   Client
	tools    []ToolDefinition
	openedAt time.Time
	// callTimeout bounds each tool call and probe when positive.
	callTimeout time.Duration

	mu        sync.RWMutex
	state     SessionState
	closeOnce sync.Once
}

func newSession(serverID string, client Client, tools []ToolDefinition, callTimeout time.Duration) *Session {
	return &Session{
		serverID:    serverID,
		client:      client,
		tools:       tools,
		openedAt:    time.Now(),
		callTimeout: callTimeout,
		state:       StateReady,
	}
}

func (s *Session) ServerID() string {
	return s.serverID
}

func (s *Session) OpenedAt() time.Time {
	return s.openedAt
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tools returns a copy of the advertised tool list.
func (s *Session) Tools() []ToolDefinition {
	out := make([]ToolDefinition, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Session) HasTool(name string) bool {
	for _, tool := range s.tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes a tool on this session. Failures are always returned as
// *ToolInvocationError.
func (s *Session) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	if state := s.State(); state == StateClosed {
		return nil, &ToolInvocationError{ServerID: s.serverID, Tool: toolName, Err: &NotReadyError{ServerID: s.serverID, Status: StatusClosed}}
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	result, err := s.client.CallTool(ctx, toolName, argsJSON)
	if err != nil {
		return nil, &ToolInvocationError{ServerID: s.serverID, Tool: toolName, Err: err}
	}
	return result, nil
}

// Ping performs a cheap liveness round-trip.
func (s *Session) Ping(ctx context.Context) error {
	if s.State() == StateClosed {
		return errClientClosed
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx)
}

func (s *Session) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		err = s.client.Close()
	})
	return err
}
