// ABOUTME: Entry point for sim-agent, the per-machine agent of the test harness
// ABOUTME: Serves the coordinator transport and the worker link, and spawns workers

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-sim/internal/agent"
	"github.com/2389/coven-sim/internal/auth"
	"github.com/2389/coven-sim/internal/config"
	"github.com/2389/coven-sim/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
     _                                        _
 ___(_)_ __ ___         __ _  __ _  ___ _ __ | |_
/ __| | '_ ' _ \ _____ / _' |/ _' |/ _ \ '_ \| __|
\__ \ | | | | | |_____| (_| | (_| |  __/ | | | |_
|___/_|_| |_| |_|      \__,_|\__, |\___|_| |_|\__|
                             |___/
`

const configTemplate = `agent:
  index: 1
  bind_addr: "0.0.0.0:9000"
link:
  addr: "127.0.0.1:9001"
workers:
  home: "%s"
  command: ["sim-worker"]
  token_secret: "%s"
  startup_timeout: "60s"
  termination_grace: "10s"
protocol:
  request_timeout: "60s"
logging:
  level: "info"
  format: "text"
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sim-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the agent")
		fmt.Println("  init      Write a config file with a fresh token secret")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	home, err := filepath.Abs(cfg.Workers.Home)
	if err != nil {
		return fmt.Errorf("resolving workers home: %w", err)
	}

	var tokens *auth.JWTVerifier
	if cfg.Workers.TokenSecret != "" {
		if tokens, err = auth.NewJWTVerifier([]byte(cfg.Workers.TokenSecret)); err != nil {
			return fmt.Errorf("creating token verifier: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     C_A%d on %s\n", cfg.Agent.Index, cfg.Agent.BindAddr)
	green.Print("    ▶ ")
	fmt.Printf("Link:      %s", cfg.Link.Addr)
	if tokens == nil {
		yellow.Print(" [unauthenticated]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Workers:   %s\n\n", home)

	serviceLn, err := net.Listen("tcp", cfg.Agent.BindAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Agent.BindAddr, err)
	}
	linkLn, err := net.Listen("tcp", cfg.Link.Addr)
	if err != nil {
		_ = serviceLn.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Link.Addr, err)
	}

	a := agent.New(agent.Config{
		Index:               cfg.Agent.Index,
		LinkAddr:            linkLn.Addr().String(),
		Tokens:              tokens,
		WorkersHome:         home,
		WorkerCommand:       cfg.Workers.Command,
		StartupTimeout:      cfg.Workers.StartupTimeout,
		TerminationGrace:    cfg.Workers.TerminationGrace,
		MemberShutdownDelay: cfg.Workers.MemberShutdownDelay,
		TokenTTL:            cfg.Workers.TokenTTL,
		RequestTimeout:      cfg.Protocol.RequestTimeout,
		QueueCapacity:       cfg.Protocol.QueueCapacity,
		Processors:          cfg.Protocol.Processors,
		PoolSize:            cfg.Agent.PoolSize,
		IOTimeout:           cfg.Agent.IOTimeout,
		Logger:              logger,
	})
	return a.Serve(ctx, serviceLn, linkLn)
}

func runInit() error {
	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("finding home directory: %w", err)
	}
	workersHome := filepath.Join(home, ".local", "share", "coven-sim", "workers")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(configTemplate, workersHome, base64.StdEncoding.EncodeToString(secret))
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}
