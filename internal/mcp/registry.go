package mcp

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/MEKXH/toolmesh/internal/config"
)

// Registry holds the declarative configuration of every known server.
// Configs are immutable once registered; only the enabled flag can be
// overridden at runtime.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	configs  map[string]config.ServerConfig
	override map[string]bool
}

// NewRegistry validates servers and builds a registry. Any invalid or
// duplicate entry rejects the whole list with a *ConfigError.
func NewRegistry(servers []config.ServerConfig) (*Registry, error) {
	r := &Registry{
		order:    make([]string, 0, len(servers)),
		configs:  make(map[string]config.ServerConfig, len(servers)),
		override: make(map[string]bool),
	}
	for _, cfg := range servers {
		cfg.ID = strings.TrimSpace(cfg.ID)
		cfg.ConnectionType = strings.ToLower(strings.TrimSpace(cfg.ConnectionType))
		if cfg.ID == "" {
			return nil, &ConfigError{Field: "id", Reason: "id is required"}
		}
		if _, exists := r.configs[cfg.ID]; exists {
			return nil, &ConfigError{ServerID: cfg.ID, Field: "id", Reason: "duplicate server id"}
		}
		if cfg.Priority < 0 {
			return nil, &ConfigError{ServerID: cfg.ID, Field: "priority", Reason: fmt.Sprintf("must not be negative, got %d", cfg.Priority)}
		}
		if cfg.Timeout < 0 {
			return nil, &ConfigError{ServerID: cfg.ID, Field: "timeout", Reason: fmt.Sprintf("must not be negative, got %d", cfg.Timeout)}
		}
		if field, err := validateTransportParams(cfg); err != nil {
			return nil, &ConfigError{ServerID: cfg.ID, Field: field, Reason: err.Error()}
		}
		r.order = append(r.order, cfg.ID)
		r.configs[cfg.ID] = cfg
	}
	return r, nil
}

// validateTransportParams checks the fields each connection kind requires.
// It returns the offending field name alongside the error.
func validateTransportParams(cfg config.ServerConfig) (string, error) {
	switch cfg.ConnectionType {
	case config.ConnectionStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return "command", fmt.Errorf("stdio connection requires a command")
		}
		return "", nil
	case config.ConnectionHTTP, config.ConnectionSSE:
		return "url", validateURL(cfg.URL, cfg.ConnectionType, "http", "https")
	case config.ConnectionWebSocket:
		return "url", validateURL(cfg.URL, cfg.ConnectionType, "ws", "wss", "http", "https")
	case "":
		return "connection_type", fmt.Errorf("connection_type is required")
	default:
		return "connection_type", fmt.Errorf("unsupported connection_type %q", cfg.ConnectionType)
	}
}

func validateURL(raw, kind string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s connection requires a url", kind)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s url %q: %w", kind, raw, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			if parsed.Host == "" {
				return fmt.Errorf("%s url %q has no host", kind, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported %s url scheme %q", kind, parsed.Scheme)
}

// Get returns the config registered under id.
func (r *Registry) Get(id string) (config.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// All returns every config in registration order.
func (r *Registry) All() []config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.ServerConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.configs[id])
	}
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IsEnabled applies the live override on top of the configured flag.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if enabled, ok := r.override[id]; ok {
		return enabled
	}
	cfg, ok := r.configs[id]
	return ok && cfg.IsEnabled()
}

// SetEnabled overrides the enabled flag for id.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[id]; !ok {
		return &NotFoundError{ServerID: id}
	}
	r.override[id] = enabled
	return nil
}

// ScheduleOrder returns enabled configs sorted by priority descending.
// Equal priorities keep registration order.
func (r *Registry) ScheduleOrder() []config.ServerConfig {
	all := r.All()
	out := make([]config.ServerConfig, 0, len(all))
	for _, cfg := range all {
		if r.IsEnabled(cfg.ID) {
			out = append(out, cfg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
