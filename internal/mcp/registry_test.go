package mcp

import (
	"errors"
	"testing"

	"github.com/MEKXH/toolmesh/internal/config"
)

func TestNewRegistry_RejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name  string
		cfg   config.ServerConfig
		field string
	}{
		{"missing id", config.ServerConfig{ConnectionType: "stdio", Command: "x"}, "id"},
		{"negative priority", config.ServerConfig{ID: "a", ConnectionType: "stdio", Command: "x", Priority: -1}, "priority"},
		{"negative timeout", config.ServerConfig{ID: "a", ConnectionType: "stdio", Command: "x", Timeout: -5}, "timeout"},
		{"stdio without command", config.ServerConfig{ID: "a", ConnectionType: "stdio"}, "command"},
		{"http without url", config.ServerConfig{ID: "a", ConnectionType: "http"}, "url"},
		{"websocket bad scheme", config.ServerConfig{ID: "a", ConnectionType: "websocket", URL: "ftp://host"}, "url"},
		{"unknown transport", config.ServerConfig{ID: "a", ConnectionType: "carrier-pigeon"}, "connection_type"},
		{"missing transport", config.ServerConfig{ID: "a"}, "connection_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry([]config.ServerConfig{tc.cfg})
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q (%v)", tc.field, cfgErr.Field, err)
			}
		})
	}
}

func TestNewRegistry_NormalizesAndKeepsOrder(t *testing.T) {
	r, err := NewRegistry([]config.ServerConfig{
		{ID: " web ", ConnectionType: "HTTP", URL: "https://example.com/mcp"},
		{ID: "fs", ConnectionType: "stdio", Command: "mcp-fs"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	all := r.All()
	if len(all) != 2 || all[0].ID != "web" || all[1].ID != "fs" {
		t.Fatalf("unexpected registry order: %+v", all)
	}
	if all[0].ConnectionType != config.ConnectionHTTP {
		t.Fatalf("expected lower-cased connection type, got %q", all[0].ConnectionType)
	}
	if _, ok := r.Get("web"); !ok {
		t.Fatal("expected trimmed id lookup to succeed")
	}
}

func TestRegistry_ScheduleOrderAndOverrides(t *testing.T) {
	off := false
	r, err := NewRegistry([]config.ServerConfig{
		{ID: "low", ConnectionType: "stdio", Command: "x", Priority: 1},
		{ID: "tie-a", ConnectionType: "stdio", Command: "x", Priority: 5},
		{ID: "high", ConnectionType: "stdio", Command: "x", Priority: 10},
		{ID: "tie-b", ConnectionType: "stdio", Command: "x", Priority: 5},
		{ID: "off", ConnectionType: "stdio", Command: "x", Priority: 99, Enabled: &off},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	assertOrder := func(want ...string) {
		t.Helper()
		got := r.ScheduleOrder()
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %d entries", want, len(got))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].ID)
			}
		}
	}
	assertOrder("high", "tie-a", "tie-b", "low")

	if err := r.SetEnabled("off", true); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	if err := r.SetEnabled("high", false); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	assertOrder("off", "tie-a", "tie-b", "low")

	var notFound *NotFoundError
	if err := r.SetEnabled("ghost", true); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
