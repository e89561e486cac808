package commands

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/metrics"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ToolMesh configuration and runtime metrics",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	snapshot, err := metrics.ReadRuntimeSnapshot(config.StateDir())
	if err != nil {
		return fmt.Errorf("failed to read runtime metrics: %w", err)
	}
	printStatus(cmd.OutOrStdout(), cfg, snapshot)
	return nil
}

func printStatus(out io.Writer, cfg *config.Config, snapshot metrics.RuntimeSnapshot) {
	fmt.Fprintln(out, "=== ToolMesh Status ===")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Fprintln(out, "  Status: OK")
	} else {
		fmt.Fprintln(out, "  Status: Not found (run 'toolmesh init')")
	}

	fmt.Fprintf(out, "\nModel: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "  Max steps: %d, timeout: %dms, auto initialize: %v\n", cfg.Agent.MaxSteps, cfg.Agent.Timeout, cfg.Agent.AutoInitialize)

	fmt.Fprintln(out, "\nProviders:")
	providers := []struct {
		name string
		key  string
	}{
		{"OpenRouter", cfg.Providers.OpenRouter.APIKey},
		{"Claude", cfg.Providers.Claude.APIKey},
		{"OpenAI", cfg.Providers.OpenAI.APIKey},
		{"DeepSeek", cfg.Providers.DeepSeek.APIKey},
		{"Ollama", cfg.Providers.Ollama.BaseURL},
	}
	for _, p := range providers {
		status := "Not configured"
		if p.key != "" {
			status = "Configured"
		}
		fmt.Fprintf(out, "  %s: %s\n", p.name, status)
	}

	m := cfg.Manager
	fmt.Fprintln(out, "\nServer manager:")
	fmt.Fprintf(out, "  Enabled: %v, max concurrent: %d, startup timeout: %ds\n", m.Enabled, m.MaxConcurrentServers, m.ServerStartupTimeout)
	fmt.Fprintf(out, "  Health monitoring: %v (every %dms), auto reconnect: %v\n", m.HealthMonitoring, m.HealthCheckInterval, m.AutoReconnect)
	fmt.Fprintf(out, "  Load balancing: %s\n", m.LoadBalancing.Strategy)
	fmt.Fprintf(out, "  Servers: %d configured, %d enabled\n", len(cfg.Servers), len(cfg.EnabledServers()))

	fmt.Fprintln(out, "\nGateway:")
	fmt.Fprintf(out, "  Address: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token != "" {
		fmt.Fprintln(out, "  Auth:    token configured")
	} else {
		fmt.Fprintln(out, "  Auth:    no token (open)")
	}

	fmt.Fprintln(out, "\nRuntime metrics:")
	if !snapshot.HasData() {
		fmt.Fprintln(out, "  No data yet")
		return
	}
	t := snapshot.Tool
	fmt.Fprintf(out, "  Tool calls: %d (errors %.1f%%, timeouts %.1f%%)\n", t.Total, t.ErrorRatio()*100, t.TimeoutRatio()*100)
	fmt.Fprintf(out, "  Latency: avg %.0fms, p95~ %dms, max %dms\n", t.AvgLatencyMs(), t.P95ProxyLatencyMs, t.MaxLatencyMs)
	for _, id := range slices.Sorted(maps.Keys(snapshot.Servers)) {
		st := snapshot.Servers[id]
		fmt.Fprintf(out, "    %s: %d calls, %.1f%% errors, p95~ %dms\n", id, st.Total, st.ErrorRatio()*100, st.P95ProxyLatencyMs)
	}
	q := snapshot.Query
	fmt.Fprintf(out, "  Queries: %d (failed %d, avg steps %.1f)\n", q.Total, q.Failed, q.AvgSteps())
	fmt.Fprintf(out, "  Warnings: %d step budget, %d timeout\n", q.StepBudgetWarnings, q.TimeoutWarnings)
	if !snapshot.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "  Updated: %s\n", snapshot.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}
