// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
agent:
  index: 3
  bind_addr: "0.0.0.0:7000"
  pool_size: 8
  io_timeout: "15s"

link:
  addr: "10.0.0.5:7001"

workers:
  home: "/tmp/sim-workers"
  command: ["/opt/sim/sim-worker", "-debug"]
  startup_timeout: "2m"
  termination_grace: "20s"
  member_shutdown_delay: "5s"
  token_ttl: "1h"

protocol:
  request_timeout: "90s"
  queue_capacity: 50
  processors: 2

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.Index != 3 {
		t.Errorf("Agent.Index = %d, want 3", cfg.Agent.Index)
	}
	if cfg.Agent.BindAddr != "0.0.0.0:7000" {
		t.Errorf("Agent.BindAddr = %q, want %q", cfg.Agent.BindAddr, "0.0.0.0:7000")
	}
	if cfg.Agent.PoolSize != 8 {
		t.Errorf("Agent.PoolSize = %d, want 8", cfg.Agent.PoolSize)
	}
	if cfg.Agent.IOTimeout != 15*time.Second {
		t.Errorf("Agent.IOTimeout = %v, want 15s", cfg.Agent.IOTimeout)
	}
	if cfg.Link.Addr != "10.0.0.5:7001" {
		t.Errorf("Link.Addr = %q, want %q", cfg.Link.Addr, "10.0.0.5:7001")
	}
	if want := []string{"/opt/sim/sim-worker", "-debug"}; !reflect.DeepEqual(cfg.Workers.Command, want) {
		t.Errorf("Workers.Command = %v, want %v", cfg.Workers.Command, want)
	}
	if cfg.Workers.StartupTimeout != 2*time.Minute {
		t.Errorf("Workers.StartupTimeout = %v, want 2m", cfg.Workers.StartupTimeout)
	}
	if cfg.Workers.TerminationGrace != 20*time.Second {
		t.Errorf("Workers.TerminationGrace = %v, want 20s", cfg.Workers.TerminationGrace)
	}
	if cfg.Workers.MemberShutdownDelay != 5*time.Second {
		t.Errorf("Workers.MemberShutdownDelay = %v, want 5s", cfg.Workers.MemberShutdownDelay)
	}
	if cfg.Workers.TokenTTL != time.Hour {
		t.Errorf("Workers.TokenTTL = %v, want 1h", cfg.Workers.TokenTTL)
	}
	if cfg.Protocol.RequestTimeout != 90*time.Second {
		t.Errorf("Protocol.RequestTimeout = %v, want 90s", cfg.Protocol.RequestTimeout)
	}
	if cfg.Protocol.QueueCapacity != 50 || cfg.Protocol.Processors != 2 {
		t.Errorf("Protocol = %+v, want queue_capacity 50 and processors 2", cfg.Protocol)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agent:\n  index: 2\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.Agent.Index = 2
	if !reflect.DeepEqual(*cfg, want) {
		t.Errorf("Load() = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	secret := strings.Repeat("s", 32)
	t.Setenv("TEST_SIM_SECRET", secret)
	t.Setenv("TEST_SIM_HOME", "/srv/workers")

	cfg, err := Load(writeConfig(t, `
workers:
  home: "${TEST_SIM_HOME}"
  token_secret: "${TEST_SIM_SECRET}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers.Home != "/srv/workers" {
		t.Errorf("Workers.Home = %q, want %q", cfg.Workers.Home, "/srv/workers")
	}
	if cfg.Workers.TokenSecret != secret {
		t.Errorf("Workers.TokenSecret was not expanded")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"invalid yaml", "agent: [", "parsing config file"},
		{"bad duration", "workers:\n  startup_timeout: \"soon\"", "workers.startup_timeout"},
		{"negative duration", "protocol:\n  request_timeout: \"-1s\"", "must not be negative"},
		{"zero index", "agent:\n  index: 0", "agent.index"},
		{"empty bind addr", "agent:\n  bind_addr: \"\"", "agent.bind_addr"},
		{"empty link addr", "link:\n  addr: \"\"", "link.addr"},
		{"empty home", "workers:\n  home: \"\"", "workers.home"},
		{"empty command", "workers:\n  command: []", "workers.command"},
		{"weak secret", "workers:\n  token_secret: \"short\"", "token_secret"},
		{"zero processors", "protocol:\n  processors: 0", "protocol.processors"},
		{"bad format", "logging:\n  format: \"xml\"", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/sim/agent.yaml")
	if got := DefaultPath(); got != "/etc/sim/agent.yaml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got, want := DefaultPath(), filepath.Join("/xdg", "coven-sim", "agent.yaml"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
