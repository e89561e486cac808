package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/alert"
	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/gateway"
	"github.com/MEKXH/toolmesh/internal/mcp"
)

func NewServeCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server manager and the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Override gateway host")
	cmd.Flags().IntVar(&port, "port", 0, "Override gateway port")
	return cmd
}

func runServe(cmd *cobra.Command, host string, port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if host != "" {
		cfg.Gateway.Host = host
	}
	if port > 0 {
		cfg.Gateway.Port = port
	}

	a := newApp(ctx, cfg)
	defer a.close()

	if cfg.Alerts.Telegram.Enabled {
		notifier, err := alert.NewTelegram(cfg.Alerts.Telegram)
		if err != nil {
			slog.Warn("telegram alerts disabled", "error", err)
		} else {
			a.manager.OnStatusChange(notifier.Handle)
			go notifier.Run(ctx)
		}
	}
	a.manager.OnStatusChange(func(change mcp.StatusChange) {
		slog.Info("server status changed", "server_id", change.ServerID, "from", change.From, "to", change.To, "error", change.Error)
	})

	if err := a.start(ctx, false); err != nil {
		return fmt.Errorf("failed to start server manager: %w", err)
	}

	errCh := make(chan error, 1)
	gatewayServer := gateway.New(cfg.Gateway, gateway.Deps{
		Servers: a.manager,
		Agent:   a.loop,
		Metrics: a.recorder.Handler(),
	})
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "ToolMesh running. Gateway: http://%s\nPress Ctrl+C to stop.\n", gatewayServer.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	return runErr
}
