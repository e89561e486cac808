package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Connection kinds accepted in ServerConfig.ConnectionType.
const (
	ConnectionStdio     = "stdio"
	ConnectionHTTP      = "http"
	ConnectionWebSocket = "websocket"
	ConnectionSSE       = "sse"
)

// Load balancing strategy names.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// Config root configuration
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent" json:"agent"`
	Manager   ManagerConfig   `mapstructure:"server_manager" json:"server_manager"`
	Servers   []ServerConfig  `mapstructure:"servers" json:"servers"`
	Providers ProvidersConfig `mapstructure:"providers" json:"providers"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Alerts    AlertsConfig    `mapstructure:"alerts" json:"alerts"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
}

// AgentConfig orchestrating agent settings
type AgentConfig struct {
	MaxSteps       int     `mapstructure:"max_steps" json:"max_steps"`
	Timeout        int     `mapstructure:"timeout" json:"timeout"` // milliseconds
	AutoInitialize bool    `mapstructure:"auto_initialize" json:"auto_initialize"`
	Verbose        bool    `mapstructure:"verbose" json:"verbose"`
	Model          string  `mapstructure:"model" json:"model"`
	MaxTokens      int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature" json:"temperature"`
	HistoryLimit   int     `mapstructure:"history_limit" json:"history_limit"`
	SystemPrompt   string  `mapstructure:"system_prompt" json:"system_prompt"`
}

// ManagerConfig server manager settings
type ManagerConfig struct {
	Enabled              bool                `mapstructure:"enabled" json:"enabled"`
	MaxConcurrentServers int                 `mapstructure:"max_concurrent_servers" json:"max_concurrent_servers"`
	ServerStartupTimeout int                 `mapstructure:"server_startup_timeout" json:"server_startup_timeout"` // seconds
	HealthMonitoring     bool                `mapstructure:"health_monitoring" json:"health_monitoring"`
	HealthCheckInterval  int                 `mapstructure:"health_check_interval" json:"health_check_interval"` // milliseconds
	HealthCheckTimeout   int                 `mapstructure:"health_check_timeout" json:"health_check_timeout"`   // milliseconds
	AutoReconnect        bool                `mapstructure:"auto_reconnect" json:"auto_reconnect"`
	LoadBalancing        LoadBalancingConfig `mapstructure:"load_balancing" json:"load_balancing"`
	Reconnect            ReconnectConfig     `mapstructure:"reconnect" json:"reconnect"`
}

// LoadBalancingConfig selects the owner choice policy.
type LoadBalancingConfig struct {
	Strategy string `mapstructure:"strategy" json:"strategy"`
}

// ReconnectConfig reconnect backoff tunables.
type ReconnectConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts" json:"max_attempts"`
	BaseDelay   int     `mapstructure:"base_delay" json:"base_delay"` // milliseconds
	MaxDelay    int     `mapstructure:"max_delay" json:"max_delay"`   // milliseconds
	Jitter      float64 `mapstructure:"jitter" json:"jitter"`
}

// ServerConfig describes one backend tool server.
type ServerConfig struct {
	ID             string            `mapstructure:"id" json:"id"`
	Name           string            `mapstructure:"name" json:"name"`
	Description    string            `mapstructure:"description" json:"description"`
	ConnectionType string            `mapstructure:"connection_type" json:"connection_type"`
	Command        string            `mapstructure:"command" json:"command"`
	Args           []string          `mapstructure:"args" json:"args"`
	Env            map[string]string `mapstructure:"env" json:"env"`
	URL            string            `mapstructure:"url" json:"url"`
	Headers        map[string]string `mapstructure:"headers" json:"headers"`
	Timeout        int               `mapstructure:"timeout" json:"timeout"` // milliseconds
	Priority       int               `mapstructure:"priority" json:"priority"`
	Enabled        *bool             `mapstructure:"enabled" json:"enabled,omitempty"`
}

// IsEnabled reports whether the server is enabled. Unset means enabled.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DisplayName falls back to the id when no name is configured.
func (s ServerConfig) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return s.ID
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter" json:"openrouter"`
	OpenAI     ProviderConfig `mapstructure:"openai" json:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek" json:"deepseek"`
	Claude     ProviderConfig `mapstructure:"claude" json:"claude"`
	Ollama     ProviderConfig `mapstructure:"ollama" json:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host        string   `mapstructure:"host" json:"host"`
	Port        int      `mapstructure:"port" json:"port"`
	Token       string   `mapstructure:"token" json:"token"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
}

// AlertsConfig health alert delivery
type AlertsConfig struct {
	Telegram TelegramAlertConfig `mapstructure:"telegram" json:"telegram"`
}

// TelegramAlertConfig telegram bot used for server health alerts
type TelegramAlertConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"token"`
	ChatID  string `mapstructure:"chat_id" json:"chat_id"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxSteps:       10,
			Timeout:        120000,
			AutoInitialize: true,
			Model:          "openai/gpt-4o-mini",
			MaxTokens:      4096,
			Temperature:    0.2,
			HistoryLimit:   20,
		},
		Manager: ManagerConfig{
			Enabled:              true,
			MaxConcurrentServers: 3,
			ServerStartupTimeout: 30,
			HealthMonitoring:     true,
			HealthCheckInterval:  30000,
			HealthCheckTimeout:   5000,
			AutoReconnect:        true,
			LoadBalancing: LoadBalancingConfig{
				Strategy: StrategyPriority,
			},
			Reconnect: ReconnectConfig{
				MaxAttempts: 5,
				BaseDelay:   1000,
				MaxDelay:    30000,
				Jitter:      0.2,
			},
		},
		Servers:   []ServerConfig{},
		Providers: ProvidersConfig{},
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        18800,
			CORSOrigins: []string{},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the toolmesh config directory
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("TOOLMESH_HOME")); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".toolmesh")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StateDir holds runtime state such as the metrics snapshot.
func StateDir() string {
	return filepath.Join(ConfigDir(), "state")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("TOOLMESH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	a := &c.Agent
	if a.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative, got %d", a.MaxSteps)
	}
	if a.MaxSteps == 0 {
		a.MaxSteps = 10
	}
	if a.Timeout == 0 {
		a.Timeout = 120000
	}
	if a.Timeout < 1000 {
		return fmt.Errorf("agent.timeout must be at least 1000 ms, got %d", a.Timeout)
	}
	if a.Temperature < 0 || a.Temperature > 2.0 {
		return fmt.Errorf("agent.temperature must be between 0 and 2.0, got %f", a.Temperature)
	}
	if a.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens must not be negative, got %d", a.MaxTokens)
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 4096
	}
	if a.HistoryLimit < 0 {
		return fmt.Errorf("agent.history_limit must not be negative, got %d", a.HistoryLimit)
	}

	m := &c.Manager
	if m.MaxConcurrentServers < 0 {
		return fmt.Errorf("server_manager.max_concurrent_servers must not be negative, got %d", m.MaxConcurrentServers)
	}
	if m.MaxConcurrentServers == 0 {
		m.MaxConcurrentServers = 3
	}
	if m.ServerStartupTimeout < 0 {
		return fmt.Errorf("server_manager.server_startup_timeout must not be negative, got %d", m.ServerStartupTimeout)
	}
	if m.ServerStartupTimeout == 0 {
		m.ServerStartupTimeout = 30
	}
	if m.HealthCheckInterval < 0 {
		return fmt.Errorf("server_manager.health_check_interval must not be negative, got %d", m.HealthCheckInterval)
	}
	if m.HealthCheckInterval == 0 {
		m.HealthCheckInterval = 30000
	}
	if m.HealthCheckInterval < 1000 {
		m.HealthCheckInterval = 1000
	}
	if m.HealthCheckTimeout <= 0 {
		m.HealthCheckTimeout = 5000
	}

	strategy := strings.ToLower(strings.TrimSpace(m.LoadBalancing.Strategy))
	switch strategy {
	case "":
		m.LoadBalancing.Strategy = StrategyPriority
	case StrategyPriority, StrategyRoundRobin, StrategyRandom:
		m.LoadBalancing.Strategy = strategy
	default:
		return fmt.Errorf("server_manager.load_balancing.strategy must be one of priority, round_robin, random; got %q", m.LoadBalancing.Strategy)
	}

	r := &m.Reconnect
	if r.MaxAttempts < 0 || r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("server_manager.reconnect values must not be negative")
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 1000
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30000
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("server_manager.reconnect.jitter must be between 0 and 1, got %f", r.Jitter)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	if c.Alerts.Telegram.Enabled {
		if strings.TrimSpace(c.Alerts.Telegram.Token) == "" || strings.TrimSpace(c.Alerts.Telegram.ChatID) == "" {
			return fmt.Errorf("alerts.telegram requires token and chat_id when enabled")
		}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	for i := range c.Servers {
		c.Servers[i].ConnectionType = strings.ToLower(strings.TrimSpace(c.Servers[i].ConnectionType))
	}

	return nil
}

// EnabledServers returns the servers whose enabled flag is unset or true.
func (c *Config) EnabledServers() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// FindServer returns the index of the server with the given id, or -1.
func (c *Config) FindServer(id string) int {
	id = strings.TrimSpace(id)
	for i, s := range c.Servers {
		if s.ID == id {
			return i
		}
	}
	return -1
}
