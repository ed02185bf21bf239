// ABOUTME: Boots a worker process: attaches to the agent link and serves until terminated
// ABOUTME: Wires the worker runtime, its connector and the link client together

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/cluster"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/link"
	"github.com/2389/coven-sim/internal/protocol"
	"github.com/2389/coven-sim/internal/workload"
)

// ErrLinkClosed indicates the agent ended the link before terminating the worker.
var ErrLinkClosed = errors.New("agent closed the link")

// RunConfig contains what a worker process needs to serve its agent.
type RunConfig struct {
	LinkAddr string
	Token    string
	Self     address.Address
	Type     harness.WorkerType
	Cluster  cluster.Instance
	Modules  *workload.Registry
	Logger   *slog.Logger

	RequestTimeout time.Duration
	QueueCapacity  int
	Processors     int
}

// Run attaches to the agent and processes operations until the worker is
// terminated, the link closes, or ctx is cancelled.
func Run(ctx context.Context, cfg RunConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cluster == nil {
		cfg.Cluster = cluster.NewLocal(cfg.Type.IsMember(), 1)
	}

	w := New(Config{
		Self:    cfg.Self,
		Type:    cfg.Type,
		Cluster: cfg.Cluster,
		Modules: cfg.Modules,
		Logger:  logger,
	})

	client, err := link.Dial(ctx, cfg.LinkAddr, cfg.Self, cfg.Token, logger)
	if err != nil {
		return fmt.Errorf("attaching to agent: %w", err)
	}

	conn := protocol.NewConnector(protocol.Config{
		Self:          cfg.Self,
		Sender:        client,
		Router:        w,
		OnException:   w.ReportException,
		Logger:        logger,
		Timeout:       cfg.RequestTimeout,
		QueueCapacity: cfg.QueueCapacity,
		Processors:    cfg.Processors,
	})
	w.Bind(conn)
	conn.Start(ctx)

	linkErr := make(chan error, 1)
	go func() { linkErr <- client.Run(conn) }()

	logger.Info("=== WORKER STARTED ===", "worker", cfg.Self, "type", cfg.Type, "link", cfg.LinkAddr)

	var runErr error
	select {
	case <-w.Done():
	case <-ctx.Done():
		w.Shutdown()
	case err := <-linkErr:
		w.Shutdown()
		if err != nil {
			runErr = err
		} else {
			runErr = ErrLinkClosed
		}
	}

	// Closing the connector first lets in-flight replies reach the link.
	conn.Close()
	_ = client.Close()
	return runErr
}
