// ABOUTME: Entry point for sim-worker, spawned by sim-agent to host tests
// ABOUTME: Reads its identity from the environment and attaches to the agent's link

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/logging"
	"github.com/2389/coven-sim/internal/worker"
	"github.com/2389/coven-sim/internal/workers"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := logging.New(os.Stderr, os.Getenv("SIM_LOG_LEVEL"), os.Getenv("SIM_LOG_FORMAT"))

	linkAddr := os.Getenv(workers.EnvLinkAddr)
	if linkAddr == "" {
		return fmt.Errorf("%s is not set", workers.EnvLinkAddr)
	}
	self, err := address.Parse(os.Getenv(workers.EnvWorkerAddress))
	if err != nil {
		return fmt.Errorf("%s: %w", workers.EnvWorkerAddress, err)
	}
	if self.Level() != address.WorkerLevel {
		return fmt.Errorf("%s: %s is not a worker address", workers.EnvWorkerAddress, self)
	}
	kind := harness.WorkerType(os.Getenv(workers.EnvWorkerType))
	if kind != harness.MemberWorker && kind != harness.ClientWorker {
		return fmt.Errorf("%s: unknown worker type %q", workers.EnvWorkerType, kind)
	}
	if home := os.Getenv(workers.EnvWorkerHome); home != "" {
		if err := os.Chdir(home); err != nil {
			return fmt.Errorf("entering worker home: %w", err)
		}
	}

	err = worker.Run(ctx, worker.RunConfig{
		LinkAddr: linkAddr,
		Token:    os.Getenv(workers.EnvWorkerToken),
		Self:     self,
		Type:     kind,
		Logger:   logger,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
