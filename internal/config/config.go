// ABOUTME: Configuration loading and parsing for sim-agent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-sim/internal/auth"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SIM_AGENT_CONFIG"

// Config represents the complete sim-agent configuration
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Link     LinkConfig     `yaml:"link"`
	Workers  WorkersConfig  `yaml:"workers"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig holds the agent identity and the coordinator-facing listener
type AgentConfig struct {
	Index     int           `yaml:"index"`
	BindAddr  string        `yaml:"bind_addr"`
	PoolSize  int           `yaml:"pool_size"`
	IOTimeout time.Duration `yaml:"-"`

	IOTimeoutRaw string `yaml:"io_timeout"`
}

// LinkConfig holds the address workers attach to
type LinkConfig struct {
	Addr string `yaml:"addr"`
}

// WorkersConfig holds worker process settings
type WorkersConfig struct {
	Home        string   `yaml:"home"`
	Command     []string `yaml:"command"`
	TokenSecret string   `yaml:"token_secret"`

	StartupTimeout      time.Duration `yaml:"-"`
	TerminationGrace    time.Duration `yaml:"-"`
	MemberShutdownDelay time.Duration `yaml:"-"`
	TokenTTL            time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StartupTimeoutRaw      string `yaml:"startup_timeout"`
	TerminationGraceRaw    string `yaml:"termination_grace"`
	MemberShutdownDelayRaw string `yaml:"member_shutdown_delay"`
	TokenTTLRaw            string `yaml:"token_ttl"`
}

// ProtocolConfig holds request/response correlation settings
type ProtocolConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	Processors     int           `yaml:"processors"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Index:     1,
			BindAddr:  "0.0.0.0:9000",
			PoolSize:  20,
			IOTimeout: 30 * time.Second,
		},
		Link: LinkConfig{Addr: "127.0.0.1:9001"},
		Workers: WorkersConfig{
			Home:                "workers",
			Command:             []string{"sim-worker"},
			StartupTimeout:      60 * time.Second,
			TerminationGrace:    10 * time.Second,
			MemberShutdownDelay: 0,
			TokenTTL:            24 * time.Hour,
		},
		Protocol: ProtocolConfig{
			RequestTimeout: 60 * time.Second,
			QueueCapacity:  1000,
			Processors:     4,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config path from SIM_AGENT_CONFIG, falling back
// to $XDG_CONFIG_HOME/coven-sim/agent.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven-sim", "agent.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applying defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.Index <= 0 {
		return fmt.Errorf("agent.index must be positive, got %d", c.Agent.Index)
	}
	if c.Agent.BindAddr == "" {
		return errors.New("agent.bind_addr is required")
	}
	if c.Agent.PoolSize <= 0 {
		return fmt.Errorf("agent.pool_size must be positive, got %d", c.Agent.PoolSize)
	}
	if c.Link.Addr == "" {
		return errors.New("link.addr is required")
	}
	if c.Workers.Home == "" {
		return errors.New("workers.home is required")
	}
	if len(c.Workers.Command) == 0 {
		return errors.New("workers.command is required")
	}
	if c.Workers.TokenSecret != "" && len(c.Workers.TokenSecret) < auth.MinSecretLength {
		return fmt.Errorf("workers.token_secret must be at least %d bytes", auth.MinSecretLength)
	}
	if c.Protocol.QueueCapacity <= 0 {
		return fmt.Errorf("protocol.queue_capacity must be positive, got %d", c.Protocol.QueueCapacity)
	}
	if c.Protocol.Processors <= 0 {
		return fmt.Errorf("protocol.processors must be positive, got %d", c.Protocol.Processors)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.io_timeout", cfg.Agent.IOTimeoutRaw, &cfg.Agent.IOTimeout},
		{"workers.startup_timeout", cfg.Workers.StartupTimeoutRaw, &cfg.Workers.StartupTimeout},
		{"workers.termination_grace", cfg.Workers.TerminationGraceRaw, &cfg.Workers.TerminationGrace},
		{"workers.member_shutdown_delay", cfg.Workers.MemberShutdownDelayRaw, &cfg.Workers.MemberShutdownDelay},
		{"workers.token_ttl", cfg.Workers.TokenTTLRaw, &cfg.Workers.TokenTTL},
		{"protocol.request_timeout", cfg.Protocol.RequestTimeoutRaw, &cfg.Protocol.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
