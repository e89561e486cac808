package commands

import (
	"context"
	"log/slog"

	"github.com/MEKXH/toolmesh/internal/agent"
	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
	"github.com/MEKXH/toolmesh/internal/metrics"
	"github.com/MEKXH/toolmesh/internal/provider"
)

// app wires the manager, the agent and metrics for one process.
type app struct {
	cfg      *config.Config
	recorder *metrics.Recorder
	manager  *mcp.Manager
	loop     *agent.Loop
}

var newConnectors = mcp.DefaultConnectors

// newApp builds the components without opening any server. A missing
// provider leaves the agent without a reasoning engine; queries then fail.
func newApp(ctx context.Context, cfg *config.Config) *app {
	recorder := metrics.NewRecorder(metrics.NewRuntimeMetrics(config.StateDir()))

	manager := mcp.NewManager(cfg.Manager, newConnectors())
	manager.SetRecorder(recorder)

	chatModel, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		slog.Warn("no reasoning engine configured", "error", err)
	}
	a := &app{cfg: cfg, recorder: recorder, manager: manager}
	a.loop = agent.NewLoop(cfg.Agent, manager, chatModel)
	a.loop.SetRecorder(recorder)
	a.loop.SetInitializer(a.openServers)
	return a
}

func (a *app) openServers(ctx context.Context) error {
	return a.manager.Start(ctx, a.cfg.Servers)
}

// start opens the configured servers now when auto_initialize is set or
// force is true. Otherwise the agent opens them on the first query.
func (a *app) start(ctx context.Context, force bool) error {
	if !force && !a.cfg.Agent.AutoInitialize {
		slog.Info("servers open on first query", "servers", len(a.cfg.Servers))
		return nil
	}
	return a.openServers(ctx)
}

func (a *app) close() {
	if err := a.manager.Shutdown(); err != nil {
		slog.Warn("server manager shutdown failed", "error", err)
	}
}
