package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect and manage tool servers",
	}
	cmd.AddCommand(
		newServersListCmd(),
		newServersTestCmd(),
		newServersMetricsCmd(),
		newServersToggleCmd("enable", true),
		newServersToggleCmd("disable", false),
	)
	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printServerList(cmd.OutOrStdout(), cfg.Servers)
			return nil
		},
	}
}

func newServersTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Connect to every enabled server and report failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(func(ctx context.Context, a *app) error {
				result, err := a.manager.TestConnections(ctx)
				if err != nil {
					return err
				}
				printTestResult(cmd.OutOrStdout(), result)
				if len(result.Failed) > 0 {
					return fmt.Errorf("%d of %d servers failed", len(result.Failed), len(result.Failed)+len(result.Successful))
				}
				return nil
			})
		},
	}
}

func newServersMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Open every enabled server, probe it once and print its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(func(ctx context.Context, a *app) error {
				if err := a.manager.RunHealthChecks(ctx); err != nil {
					return err
				}
				printServerMetrics(cmd.OutOrStdout(), a.manager.GetMetrics())
				return nil
			})
		},
	}
}

func newServersToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <server>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a server in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := setServerEnabled(id, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server %s %sd.\n", id, verb)
			return nil
		},
	}
}

func setServerEnabled(id string, enabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	idx := cfg.FindServer(id)
	if idx < 0 {
		return &mcp.NotFoundError{ServerID: id}
	}
	cfg.Servers[idx].Enabled = &enabled
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// withStartedApp opens all enabled servers, runs fn and shuts down.
func withStartedApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a := newApp(ctx, cfg)
	defer a.close()
	if err := a.start(ctx, true); err != nil {
		return fmt.Errorf("failed to start server manager: %w", err)
	}
	return fn(ctx, a)
}

func serverTarget(s config.ServerConfig) string {
	if s.ConnectionType == config.ConnectionStdio {
		return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
	}
	return s.URL
}

func printServerList(out io.Writer, servers []config.ServerConfig) {
	if len(servers) == 0 {
		fmt.Fprintln(out, "No servers configured.")
		return
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		enabled := "enabled"
		if !s.IsEnabled() {
			enabled = "disabled"
		}
		rows = append(rows, []string{s.ID, s.DisplayName(), s.ConnectionType, strconv.Itoa(s.Priority), enabled, serverTarget(s)})
	}
	table{
		title: "Tool Servers",
		columns: []column{
			{"ID", 16}, {"NAME", 20}, {"TYPE", 10}, {"PRIORITY", 8}, {"STATUS", 9}, {"TARGET", 36},
		},
		rows: rows,
		color: func(row, col int) lipgloss.Color {
			if col == 4 && !servers[row].IsEnabled() {
				return disabledGray
			}
			if col == 4 {
				return okColor
			}
			return ""
		},
	}.print(out)
}

func printTestResult(out io.Writer, result mcp.ConnectionTestResult) {
	rows := make([][]string, 0, len(result.Successful)+len(result.Failed))
	for _, id := range result.Successful {
		rows = append(rows, []string{id, "ok", ""})
	}
	for _, failed := range result.Failed {
		rows = append(rows, []string{failed.ServerID, "failed", failed.Error})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No enabled servers.")
		return
	}
	table{
		title:   "Connection Test",
		columns: []column{{"SERVER", 16}, {"RESULT", 8}, {"ERROR", 60}},
		rows:    rows,
		color: func(row, col int) lipgloss.Color {
			if col != 1 {
				return ""
			}
			if row < len(result.Successful) {
				return okColor
			}
			return failColor
		},
	}.print(out)
}

func printServerMetrics(out io.Writer, metrics []mcp.ServerMetrics) {
	if len(metrics) == 0 {
		fmt.Fprintln(out, "No servers configured.")
		return
	}
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		checked := "-"
		if !m.LastHealthCheckAt.IsZero() {
			checked = m.LastHealthCheckAt.Local().Format(time.TimeOnly)
		}
		rows = append(rows, []string{
			m.ServerID,
			string(m.Status),
			m.Health,
			strconv.Itoa(m.ToolCount),
			strconv.Itoa(m.ConnectionCount),
			strconv.Itoa(m.ReconnectAttempts),
			checked,
			m.LastError,
		})
	}
	table{
		title: "Server Metrics",
		columns: []column{
			{"SERVER", 16}, {"STATUS", 11}, {"HEALTH", 10}, {"TOOLS", 5}, {"CONNS", 5}, {"RECONN", 6}, {"CHECKED", 8}, {"LAST ERROR", 40},
		},
		rows: rows,
		color: func(row, col int) lipgloss.Color {
			switch col {
			case 1:
				return statusColor(metrics[row].Status)
			case 2:
				return healthColor(metrics[row].Health)
			}
			return ""
		},
	}.print(out)
}
