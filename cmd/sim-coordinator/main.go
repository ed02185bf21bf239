// ABOUTME: Entry point for sim-coordinator, which drives test runs across agents
// ABOUTME: Subcommands run a suite, echo through every agent, or drain failures

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-sim/internal/coordinator"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/logging"
	"github.com/2389/coven-sim/internal/suite"
)

func usage() {
	fmt.Println("Usage: sim-coordinator [flags] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <suite.toml>   Run a test suite on every agent")
	fmt.Println("  echo <message>     Send a message through every agent")
	fmt.Println("  failures           Drain and print failures from every agent")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func main() {
	agents := flag.String("agents", os.Getenv("SIM_AGENTS"), "comma-separated agent addresses (default $SIM_AGENTS)")
	timeout := flag.Duration("timeout", 5*time.Minute, "per-request timeout")
	pollInterval := flag.Duration("poll", coordinator.DefaultPollInterval, "failure polling interval during runs")
	phaseTimeout := flag.Duration("phase-timeout", coordinator.DefaultPhaseTimeout, "how long a test phase may take on every worker")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(os.Stderr, *logLevel, "text")
	c, err := coordinator.Dial(splitAgents(*agents), *timeout, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "run":
		err = runSuite(ctx, c, args, coordinator.RunOptions{
			PollInterval: *pollInterval,
			PhaseTimeout: *phaseTimeout,
			OnFailure:    printFailure,
		})
	case "echo":
		err = runEcho(ctx, c, args)
	case "failures":
		err = runFailures(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func splitAgents(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func runSuite(ctx context.Context, c *coordinator.Coordinator, args []string, opts coordinator.RunOptions) error {
	if len(args) != 1 {
		return fmt.Errorf("run requires exactly one suite file")
	}
	s, err := suite.Load(args[0])
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Running %s: %d tests on %d agents\n\n", s.ID, len(s.Tests), len(c.Agents()))

	report, err := c.Run(ctx, s, opts)
	if err != nil {
		return err
	}

	fmt.Println()
	if report.Passed() {
		color.New(color.FgGreen).Printf("✓ %s passed in %s\n", report.WorkoutID, report.Finished.Sub(report.Started).Round(time.Second))
		return nil
	}
	return fmt.Errorf("%s failed with %d failures", report.WorkoutID, len(report.Failures))
}

func runEcho(ctx context.Context, c *coordinator.Coordinator, args []string) error {
	replies, err := c.Echo(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	for i, agent := range c.Agents() {
		fmt.Printf("%s: %s\n", agent, replies[i])
	}
	return nil
}

func runFailures(ctx context.Context, c *coordinator.Coordinator) error {
	failures, err := c.Failures(ctx)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		color.New(color.FgGreen).Println("No failures")
		return nil
	}
	for _, f := range failures {
		printFailure(f)
	}
	return nil
}

func printFailure(f harness.Failure) {
	red := color.New(color.FgRed, color.Bold)
	red.Print("✗ ")
	fmt.Println(f.String())
}
