// ABOUTME: Coordinator side of the harness: fans every remote service out to all agents
// ABOUTME: Results from agents are merged; failures are polled until the run ends

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/transport"
)

// ErrNoAgents indicates a coordinator created without agents.
var ErrNoAgents = errors.New("no agents configured")

// DefaultPollInterval is how often PollFailures asks agents for failures.
const DefaultPollInterval = time.Second

// DefaultPhasePollInterval is how often AwaitPhase asks agents for phase status.
const DefaultPhasePollInterval = 100 * time.Millisecond

// Target is one agent the coordinator drives.
type Target struct {
	Name    string
	Handler transport.Handler
}

// Coordinator drives a set of agents.
type Coordinator struct {
	targets []Target
	logger  *slog.Logger
}

// New creates a Coordinator for targets.
func New(targets []Target, logger *slog.Logger) (*Coordinator, error) {
	if len(targets) == 0 {
		return nil, ErrNoAgents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{targets: targets, logger: logger}, nil
}

// Dial creates a Coordinator with a transport client per agent address.
func Dial(addrs []string, timeout time.Duration, logger *slog.Logger) (*Coordinator, error) {
	targets := make([]Target, len(addrs))
	for i, addr := range addrs {
		targets[i] = Target{Name: addr, Handler: transport.NewClient(addr, timeout)}
	}
	return New(targets, logger)
}

// Agents returns the names of the driven agents.
func (c *Coordinator) Agents() []string {
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.Name
	}
	return names
}

// fanOut calls fn for every agent in parallel. The first failure cancels the rest.
func (c *Coordinator) fanOut(ctx context.Context, service transport.Service, fn func(ctx context.Context, i int, h transport.Handler) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range c.targets {
		g.Go(func() error {
			if err := fn(gctx, i, t.Handler); err != nil {
				return fmt.Errorf("agent %s: %s: %w", t.Name, service, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Echo sends msg to every agent and returns the replies in agent order.
func (c *Coordinator) Echo(ctx context.Context, msg string) ([]string, error) {
	replies := make([]string, len(c.targets))
	err := c.fanOut(ctx, transport.Echo, func(ctx context.Context, i int, h transport.Handler) error {
		reply, err := h.Echo(ctx, msg)
		replies[i] = reply
		return err
	})
	return replies, err
}

// SpawnWorkers asks every agent to spawn workers with settings.
func (c *Coordinator) SpawnWorkers(ctx context.Context, settings harness.WorkerSettings) error {
	return c.fanOut(ctx, transport.SpawnWorkers, func(ctx context.Context, _ int, h transport.Handler) error {
		return h.SpawnWorkers(ctx, settings)
	})
}

// InitWorkout sends the workout to every agent.
func (c *Coordinator) InitWorkout(ctx context.Context, workout harness.Workout) error {
	return c.fanOut(ctx, transport.InitWorkout, func(ctx context.Context, _ int, h transport.Handler) error {
		return h.InitWorkout(ctx, workout)
	})
}

// PrepareForTest tells every agent which test runs next.
func (c *Coordinator) PrepareForTest(ctx context.Context, recipe harness.TestRecipe) error {
	return c.fanOut(ctx, transport.PrepareForTest, func(ctx context.Context, _ int, h transport.Handler) error {
		return h.PrepareForTest(ctx, recipe)
	})
}

// CleanWorkersHome asks every agent to remove old worker directories.
func (c *Coordinator) CleanWorkersHome(ctx context.Context) error {
	return c.fanOut(ctx, transport.CleanWorkersHome, func(ctx context.Context, _ int, h transport.Handler) error {
		return h.CleanWorkersHome(ctx)
	})
}

// TerminateWorkers asks every agent to terminate its workers.
func (c *Coordinator) TerminateWorkers(ctx context.Context) error {
	return c.fanOut(ctx, transport.TerminateWorkers, func(ctx context.Context, _ int, h transport.Handler) error {
		return h.TerminateWorkers(ctx)
	})
}

// ExecuteOnAllWorkers runs cmd on every worker of every agent.
func (c *Coordinator) ExecuteOnAllWorkers(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	return c.collect(ctx, transport.ExecuteOnAllWorkers, func(ctx context.Context, h transport.Handler) ([]harness.CommandResult, error) {
		return h.ExecuteOnAllWorkers(ctx, cmd)
	})
}

// ExecuteOnSingleWorker runs cmd on one worker of each agent. Agents that do
// not own cmd.Worker do nothing.
func (c *Coordinator) ExecuteOnSingleWorker(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	return c.collect(ctx, transport.ExecuteOnSingleWorker, func(ctx context.Context, h transport.Handler) ([]harness.CommandResult, error) {
		return h.ExecuteOnSingleWorker(ctx, cmd)
	})
}

func (c *Coordinator) collect(ctx context.Context, service transport.Service, fn func(context.Context, transport.Handler) ([]harness.CommandResult, error)) ([]harness.CommandResult, error) {
	var (
		mu  sync.Mutex
		all []harness.CommandResult
	)
	err := c.fanOut(ctx, service, func(ctx context.Context, _ int, h transport.Handler) error {
		results, err := fn(ctx, h)
		if err != nil {
			return err
		}
		mu.Lock()
		all = append(all, results...)
		mu.Unlock()
		return nil
	})
	slices.SortFunc(all, func(a, b harness.CommandResult) int { return address.Compare(a.Worker, b.Worker) })
	return all, err
}

// Failures drains every agent and returns the failures in time order.
func (c *Coordinator) Failures(ctx context.Context) ([]harness.Failure, error) {
	var (
		mu  sync.Mutex
		all []harness.Failure
	)
	err := c.fanOut(ctx, transport.Failures, func(ctx context.Context, _ int, h transport.Handler) error {
		failures, err := h.Failures(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		all = append(all, failures...)
		mu.Unlock()
		return nil
	})
	slices.SortStableFunc(all, func(a, b harness.Failure) int { return a.Time.Compare(b.Time) })
	return all, err
}

// PhaseStatus merges the status of query's phase across every agent.
func (c *Coordinator) PhaseStatus(ctx context.Context, query harness.PhaseQuery) (harness.PhaseStatus, error) {
	var (
		mu     sync.Mutex
		merged harness.PhaseStatus
	)
	err := c.fanOut(ctx, transport.PhaseStatus, func(ctx context.Context, _ int, h transport.Handler) error {
		status, err := h.PhaseStatus(ctx, query)
		if err != nil {
			return err
		}
		mu.Lock()
		merged.Completed = append(merged.Completed, status.Completed...)
		merged.Failed = append(merged.Failed, status.Failed...)
		merged.Pending = append(merged.Pending, status.Pending...)
		mu.Unlock()
		return nil
	})
	slices.SortFunc(merged.Completed, address.Compare)
	slices.SortFunc(merged.Failed, address.Compare)
	slices.SortFunc(merged.Pending, address.Compare)
	return merged, err
}

// AwaitPhase polls every interval until no worker is running query's phase.
// It returns the final status, or ctx's error with the last status seen.
func (c *Coordinator) AwaitPhase(ctx context.Context, query harness.PhaseQuery, interval time.Duration) (harness.PhaseStatus, error) {
	if interval <= 0 {
		interval = DefaultPhasePollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last harness.PhaseStatus
	for {
		status, err := c.PhaseStatus(ctx, query)
		switch {
		case err == nil && status.Done():
			return status, nil
		case err == nil:
			last = status
		case ctx.Err() == nil:
			return status, err
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%s phase of test %d still running on %v: %w", query.Phase, query.TestIndex, last.Pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

// PollFailures drains the agents every interval and passes each failure to
// handle until ctx ends. Polling errors are logged and polling continues.
func (c *Coordinator) PollFailures(ctx context.Context, interval time.Duration, handle func(harness.Failure)) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		failures, err := c.Failures(ctx)
		for _, f := range failures {
			handle(f)
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("polling failures", "error", err)
		}
	}
}
