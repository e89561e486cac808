package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MEKXH/toolmesh/internal/config"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ToolMesh configuration",
		RunE:  runInit,
	}
}

// exampleServers are written disabled so a fresh config starts cleanly.
func exampleServers() []config.ServerConfig {
	disabled := false
	return []config.ServerConfig{
		{
			ID:             "filesystem",
			Name:           "Filesystem",
			Description:    "Local file access over stdio",
			ConnectionType: config.ConnectionStdio,
			Command:        "npx",
			Args:           []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
			Timeout:        30000,
			Priority:       10,
			Enabled:        &disabled,
		},
		{
			ID:             "remote",
			Name:           "Remote tools",
			ConnectionType: config.ConnectionHTTP,
			URL:            "http://127.0.0.1:8080/mcp",
			Timeout:        30000,
			Priority:       5,
			Enabled:        &disabled,
		},
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	for _, dir := range []string{config.ConfigDir(), config.StateDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Servers = exampleServers()
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("ToolMesh initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to add an API key and your tool servers\n", configPath)
	fmt.Printf("2. Run 'toolmesh servers test' to check connectivity\n")
	fmt.Printf("3. Run 'toolmesh ask \"...\"' to query\n")

	return nil
}
