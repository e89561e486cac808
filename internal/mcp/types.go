package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

// ToolDefinition describes a tool discovered from a server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client is the transport-level handle to one server.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, toolName, argsJSON string) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connector dials a server and returns a client implementation.
type Connector interface {
	Connect(ctx context.Context, cfg config.ServerConfig) (Client, error)
}

// Connectors groups supported transport connectors.
type Connectors struct {
	Stdio     Connector
	HTTP      Connector
	WebSocket Connector
	SSE       Connector
}

// DefaultConnectors returns production connectors for every connection kind.
func DefaultConnectors() Connectors {
	return Connectors{
		Stdio:     newStdioConnector(),
		HTTP:      newHTTPConnector(),
		WebSocket: newWebSocketConnector(),
		SSE:       newSSEConnector(),
	}
}

func (c Connectors) forKind(kind string) Connector {
	switch kind {
	case config.ConnectionStdio:
		return c.Stdio
	case config.ConnectionHTTP:
		return c.HTTP
	case config.ConnectionWebSocket:
		return c.WebSocket
	case config.ConnectionSSE:
		return c.SSE
	default:
		return nil
	}
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateReady      SessionState = "ready"
	StateDegraded   SessionState = "degraded"
	StateClosed     SessionState = "closed"
)

// ServerStatus is the externally reported status of a server. It mirrors
// SessionState and adds disabled and failed.
type ServerStatus string

const (
	StatusPending    ServerStatus = "pending"
	StatusConnecting ServerStatus = "connecting"
	StatusReady      ServerStatus = "ready"
	StatusDegraded   ServerStatus = "degraded"
	StatusClosed     ServerStatus = "closed"
	StatusDisabled   ServerStatus = "disabled"
	StatusFailed     ServerStatus = "failed"
)

// ServerMetrics is the per-server observable record.
type ServerMetrics struct {
	ServerID          string       `json:"server_id"`
	Status            ServerStatus `json:"status"`
	Health            string       `json:"health"`
	ConnectionCount   int          `json:"connection_count"`
	ToolCount         int          `json:"tool_count"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastError         string       `json:"last_error,omitempty"`
	LastHealthCheckAt time.Time    `json:"last_health_check_at"`
}

// ServerSummary is one row of ServerInfo.
type ServerSummary struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	ConnectionType string       `json:"connection_type"`
	Priority       int          `json:"priority"`
	Enabled        bool         `json:"enabled"`
	Status         ServerStatus `json:"status"`
}

// ServerInfo is a read of the registry plus live enabled overrides.
type ServerInfo struct {
	TotalServers   int             `json:"total_servers"`
	EnabledServers int             `json:"enabled_servers"`
	Servers        []ServerSummary `json:"servers"`
}

// FailedConnection reports one server that could not be reached.
type FailedConnection struct {
	ServerID string `json:"server_id"`
	Error    string `json:"error"`
}

// ConnectionTestResult is the outcome of TestConnections.
type ConnectionTestResult struct {
	Successful []string           `json:"successful"`
	Failed     []FailedConnection `json:"failed"`
}
