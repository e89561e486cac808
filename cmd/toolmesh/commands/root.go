package commands

import (
	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "toolmesh",
		Short:        "ToolMesh - multi-server MCP orchestration",
		Long:         `ToolMesh connects to many MCP tool servers at once and answers queries with an agent that routes tool calls across them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "watch")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewAskCmd(),
		NewServeCmd(),
		NewServersCmd(),
		NewWatchCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}
