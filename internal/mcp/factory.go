package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

const defaultStartupTimeout = 30 * time.Second

// Factory opens sessions for server configs. Every failure it returns is a
// *ConnectionError.
type Factory struct {
	connectors     Connectors
	startupTimeout time.Duration
}

func NewFactory(connectors Connectors, startupTimeout time.Duration) *Factory {
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}
	return &Factory{connectors: connectors, startupTimeout: startupTimeout}
}

// openTimeout is the smaller of the startup timeout and the per-server timeout.
func (f *Factory) openTimeout(cfg config.ServerConfig) time.Duration {
	timeout := f.startupTimeout
	if per := time.Duration(cfg.Timeout) * time.Millisecond; per > 0 && per < timeout {
		timeout = per
	}
	return timeout
}

// Open connects to the server, performs the handshake and lists its tools.
// A partially opened client is closed before an error is returned.
func (f *Factory) Open(ctx context.Context, cfg config.ServerConfig) (*Session, error) {
	if _, err := validateTransportParams(cfg); err != nil {
		return nil, invalidConfig(cfg.ID, "%v", err)
	}
	connector := f.connectors.forKind(cfg.ConnectionType)
	if connector == nil {
		return nil, invalidConfig(cfg.ID, "no connector for connection_type %q", cfg.ConnectionType)
	}

	timeout := f.openTimeout(cfg)
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	client, err := connectWithin(openCtx, connector, cfg)
	if err != nil {
		return nil, f.classify(openCtx, cfg.ID, timeout, err)
	}

	tools, err := client.ListTools(openCtx)
	if err != nil {
		_ = client.Close()
		return nil, f.classify(openCtx, cfg.ID, timeout, fmt.Errorf("list tools: %w", err))
	}

	slog.Debug("server session opened",
		"server", cfg.ID,
		"connection_type", cfg.ConnectionType,
		"tools", len(tools),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return newSession(cfg.ID, client, tools, time.Duration(cfg.Timeout)*time.Millisecond), nil
}

// connectWithin enforces ctx even on connectors that ignore it. A client
// that arrives after the deadline is closed in the background.
func connectWithin(ctx context.Context, connector Connector, cfg config.ServerConfig) (Client, error) {
	type outcome struct {
		client Client
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		client, err := connector.Connect(ctx, cfg)
		done <- outcome{client: client, err: err}
	}()

	select {
	case res := <-done:
		return res.client, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (f *Factory) classify(ctx context.Context, serverID string, timeout time.Duration, err error) *ConnectionError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return &ConnectionError{
				ServerID: serverID,
				Kind:     ConnTimeout,
				Err:      fmt.Errorf("no response within %s: %w", timeout, err),
			}
		}
	}
	return classifyConnectError(serverID, err)
}
