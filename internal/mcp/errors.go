package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
)

// ErrManagerNotStarted is returned by operations that need a started Manager.
var ErrManagerNotStarted = errors.New("server manager not started")

// ConfigError rejects an invalid server configuration at load time.
type ConfigError struct {
	ServerID string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.ServerID != "" && e.Field != "":
		return fmt.Sprintf("invalid server config %q: %s: %s", e.ServerID, e.Field, e.Reason)
	case e.ServerID != "":
		return fmt.Sprintf("invalid server config %q: %s", e.ServerID, e.Reason)
	default:
		return fmt.Sprintf("invalid server config: %s", e.Reason)
	}
}

// ConnectionErrorKind classifies connection failures.
type ConnectionErrorKind string

const (
	ConnTimeout       ConnectionErrorKind = "timeout"
	ConnInvalidConfig ConnectionErrorKind = "invalid_config"
	ConnRefused       ConnectionErrorKind = "refused"
)

// ConnectionError is the only error type the connection factory returns.
type ConnectionError struct {
	ServerID string
	Kind     ConnectionErrorKind
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.ServerID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned for unknown server ids.
type NotFoundError struct {
	ServerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("server not found: %s", e.ServerID)
}

// NotReadyError is returned when a server exists but has no ready session.
type NotReadyError struct {
	ServerID string
	Status   ServerStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("server %s is not ready (status=%s)", e.ServerID, e.Status)
}

// ToolUnavailableError is returned when no ready server advertises a tool.
type ToolUnavailableError struct {
	Tool string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("no ready server provides tool %s", e.Tool)
}

// ToolInvocationError wraps a failed tool call on one server.
type ToolInvocationError struct {
	ServerID string
	Tool     string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	if e.ServerID == "" {
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s on %s failed: %v", e.Tool, e.ServerID, e.Err)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// Remote reports whether the server itself flagged the call as failed,
// as opposed to a transport failure.
func (e *ToolInvocationError) Remote() bool {
	var reported toolReportedError
	return errors.As(e.Err, &reported)
}

// IsNotReady reports whether err means the server has no usable session.
func IsNotReady(err error) bool {
	var notReady *NotReadyError
	var notFound *NotFoundError
	return errors.As(err, &notReady) || errors.As(err, &notFound)
}

func invalidConfig(serverID, format string, args ...any) *ConnectionError {
	return &ConnectionError{
		ServerID: serverID,
		Kind:     ConnInvalidConfig,
		Err:      fmt.Errorf(format, args...),
	}
}

// classifyConnectError translates raw transport errors into the typed taxonomy.
func classifyConnectError(serverID string, err error) *ConnectionError {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		if connErr.ServerID == "" {
			connErr.ServerID = serverID
		}
		return connErr
	}
	return &ConnectionError{
		ServerID: serverID,
		Kind:     connectErrorKind(err),
		Err:      err,
	}
}

func connectErrorKind(err error) ConnectionErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ConnTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnTimeout
	}
	if errors.Is(err, exec.ErrNotFound) {
		return ConnInvalidConfig
	}
	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "timeout") || strings.Contains(lowered, "timed out") {
		return ConnTimeout
	}
	return ConnRefused
}
