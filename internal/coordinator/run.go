// ABOUTME: Drives a whole suite: spawn, create tests, run each test's phases, terminate
// ABOUTME: Failures are polled for the duration of the run and collected into a report

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/suite"
)

// DefaultPhaseTimeout bounds how long Run waits for a phase to finish on every worker.
const DefaultPhaseTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds worker termination after the run.
const DefaultShutdownTimeout = 2 * time.Minute

// RunOptions tune Run.
type RunOptions struct {
	PollInterval      time.Duration
	PhasePollInterval time.Duration
	PhaseTimeout      time.Duration
	ShutdownTimeout   time.Duration

	// OnFailure is called for each failure as it is polled.
	OnFailure func(harness.Failure)
}

// Report summarizes a run.
type Report struct {
	WorkoutID string
	Started   time.Time
	Finished  time.Time
	Tests     int
	Failures  []harness.Failure
}

// Passed reports whether the run saw no failures.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// Run executes s on every agent. Workers are terminated before it returns,
// even when the run fails.
func (c *Coordinator) Run(ctx context.Context, s *suite.Suite, opts RunOptions) (report *Report, err error) {
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = DefaultPhaseTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	workout := s.Workout()
	report = &Report{WorkoutID: workout.ID, Started: time.Now(), Tests: len(workout.Tests)}

	var mu sync.Mutex
	record := func(f harness.Failure) {
		mu.Lock()
		report.Failures = append(report.Failures, f)
		mu.Unlock()
		if opts.OnFailure != nil {
			opts.OnFailure(f)
		}
	}

	c.logger.Info("=== RUN STARTED ===", "workout_id", workout.ID, "tests", len(workout.Tests), "agents", len(c.targets))

	if err := c.CleanWorkersHome(ctx); err != nil {
		return report, err
	}
	if err := c.SpawnWorkers(ctx, s.Settings()); err != nil {
		return report, c.abort(ctx, opts, record, err)
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		c.PollFailures(pollCtx, opts.PollInterval, record)
	}()

	err = c.runWorkout(ctx, workout, opts)

	stopPolling()
	<-polled

	if err != nil {
		return report, c.abort(ctx, opts, record, err)
	}
	if err := c.shutdown(ctx, opts, record); err != nil {
		return report, err
	}

	report.Finished = time.Now()
	c.logger.Info("=== RUN FINISHED ===",
		"workout_id", workout.ID,
		"duration", report.Finished.Sub(report.Started),
		"failures", len(report.Failures),
	)
	return report, nil
}

func (c *Coordinator) runWorkout(ctx context.Context, workout harness.Workout, opts RunOptions) error {
	if err := c.InitWorkout(ctx, workout); err != nil {
		return err
	}

	for i, tc := range workout.Tests {
		recipe := harness.TestRecipe{Index: i + 1, TestCase: tc}
		logger := c.logger.With("test_id", tc.ID, "test_index", recipe.Index)

		if err := c.PrepareForTest(ctx, recipe); err != nil {
			return err
		}

		logger.Info("test setup")
		if err := c.startPhase(ctx, recipe.Index, operation.PhaseSetup); err != nil {
			return err
		}
		if err := c.awaitPhase(ctx, recipe.Index, operation.PhaseSetup, opts); err != nil {
			return err
		}

		logger.Info("test running", "duration", workout.Duration)
		if err := c.startPhase(ctx, recipe.Index, operation.PhaseRun); err != nil {
			return err
		}
		if err := sleep(ctx, workout.Duration); err != nil {
			return err
		}
		if err := c.broadcast(ctx, harness.MustCommand(operation.StopTest{}).ForTest(recipe.Index)); err != nil {
			return err
		}
		if err := c.awaitPhase(ctx, recipe.Index, operation.PhaseRun, opts); err != nil {
			return err
		}

		logger.Info("test verify")
		if err := c.startPhase(ctx, recipe.Index, operation.PhaseVerify); err != nil {
			return err
		}
		if err := c.awaitPhase(ctx, recipe.Index, operation.PhaseVerify, opts); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) startPhase(ctx context.Context, testIndex int, phase operation.TestPhase) error {
	return c.broadcast(ctx, harness.MustCommand(operation.StartTestPhase{Phase: phase}).ForTest(testIndex))
}

// awaitPhase waits until every live worker has finished phase, bounded by opts.PhaseTimeout.
// Failed phases do not stop the run; their failures arrive through polling.
func (c *Coordinator) awaitPhase(ctx context.Context, testIndex int, phase operation.TestPhase, opts RunOptions) error {
	pctx, cancel := context.WithTimeout(ctx, opts.PhaseTimeout)
	defer cancel()

	status, err := c.AwaitPhase(pctx, harness.PhaseQuery{TestIndex: testIndex, Phase: phase}, opts.PhasePollInterval)
	if err != nil {
		return err
	}
	if len(status.Failed) > 0 {
		c.logger.Warn("test phase failed on workers", "test_index", testIndex, "phase", phase, "workers", status.Failed)
	}
	return nil
}

// broadcast runs cmd on every worker and fails unless all of them succeed.
func (c *Coordinator) broadcast(ctx context.Context, cmd harness.Command) error {
	results, err := c.ExecuteOnAllWorkers(ctx, cmd)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Type != operation.Success {
			return fmt.Errorf("%s on %s answered %s: %s", cmd.OperationType, r.Worker, r.Type, r.Error)
		}
	}
	return nil
}

// shutdown terminates the workers and collects failures still buffered on the agents.
func (c *Coordinator) shutdown(ctx context.Context, opts RunOptions, record func(harness.Failure)) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer cancel()

	failures, drainErr := c.Failures(sctx)
	for _, f := range failures {
		record(f)
	}
	if err := c.TerminateWorkers(sctx); err != nil {
		return err
	}
	failures, err := c.Failures(sctx)
	for _, f := range failures {
		record(f)
	}
	if err != nil {
		return err
	}
	return drainErr
}

func (c *Coordinator) abort(ctx context.Context, opts RunOptions, record func(harness.Failure), cause error) error {
	c.logger.Error("run aborted", "error", cause)
	if err := c.shutdown(ctx, opts, record); err != nil {
		c.logger.Error("shutting down workers", "error", err)
	}
	return cause
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
