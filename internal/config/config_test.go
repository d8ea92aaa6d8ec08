package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 8080 || c.ListenAddr() != ":8080" {
		t.Errorf("unexpected listen addr %s", c.ListenAddr())
	}
	if c.PingInterval != 30*time.Second || c.ReapInterval != time.Minute {
		t.Errorf("unexpected intervals %v %v", c.PingInterval, c.ReapInterval)
	}
	if c.MalformedPolicy != "ignore" || c.ReregisterPolicy != "update" {
		t.Errorf("unexpected policies %s %s", c.MalformedPolicy, c.ReregisterPolicy)
	}
	if c.HistoryTable != "bus_locations" || c.NatsSubjectPrefix != "bus" {
		t.Errorf("unexpected sink defaults %+v", c)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("BUSRELAY_MALFORMED_POLICY", "reply")
	t.Setenv("BUSRELAY_PING_INTERVAL", "5s")
	t.Setenv("BUSRELAY_CORS_ORIGINS", "https://a.example,https://b.example")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.ListenAddr() != "127.0.0.1:9090" {
		t.Errorf("unexpected listen addr %s", c.ListenAddr())
	}
	if c.MalformedPolicy != "reply" || c.PingInterval != 5*time.Second {
		t.Errorf("env not applied %+v", c)
	}
	if len(c.CorsOrigins) != 2 || c.CorsOrigins[1] != "https://b.example" {
		t.Errorf("unexpected cors origins %v", c.CorsOrigins)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busrelay.yaml")
	data := "port: 7000\nreregister_policy: once\nshutdown_grace: 2s\nshutdown_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 7000 || c.ReregisterPolicy != "once" || c.ShutdownGrace != 2*time.Second {
		t.Errorf("file not applied %+v", c)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		key, value, field string
	}{
		{"BUSRELAY_MALFORMED_POLICY", "explode", "MalformedPolicy"},
		{"BUSRELAY_REREGISTER_POLICY", "twice", "ReregisterPolicy"},
		{"BUSRELAY_SHUTDOWN_TIMEOUT", "100ms", "ShutdownTimeout"},
		{"BUSRELAY_TUNNEL_ADDR", "edge.example:5556", "TunnelToken"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
