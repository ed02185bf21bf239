// ABOUTME: Agent implementation of the remote services called by the coordinator
// ABOUTME: Spawning, workouts, command fan-out, termination and failure draining

package agent

import (
	"context"
	"fmt"

	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/transport"
)

var _ transport.Handler = (*Agent)(nil)

// SpawnWorkers implements transport.Handler.
func (a *Agent) SpawnWorkers(ctx context.Context, settings harness.WorkerSettings) error {
	_, err := a.manager.Spawn(ctx, settings)
	return err
}

// InitWorkout stores workout and creates each of its tests on every live
// worker. Test indexes start at 1 in workout order.
func (a *Agent) InitWorkout(ctx context.Context, workout harness.Workout) error {
	a.mu.Lock()
	a.workout = &workout
	clear(a.phases)
	a.mu.Unlock()

	a.logger.Info("initializing workout", "workout_id", workout.ID, "tests", len(workout.Tests))

	for i, tc := range workout.Tests {
		cmd, err := harness.NewCommand(operation.CreateTest{TestIndex: i + 1, TestCase: tc})
		if err != nil {
			return err
		}
		results, err := a.manager.ExecuteOnAllWorkers(ctx, cmd)
		if err != nil {
			return err
		}
		if err := resultsError(cmd.OperationType, results); err != nil {
			return fmt.Errorf("creating test %q: %w", tc.ID, err)
		}
	}
	return nil
}

// CleanWorkersHome implements transport.Handler.
func (a *Agent) CleanWorkersHome(ctx context.Context) error {
	return a.manager.CleanWorkersHome(ctx)
}

// TerminateWorkers implements transport.Handler.
func (a *Agent) TerminateWorkers(ctx context.Context) error {
	return a.manager.TerminateWorkers(ctx)
}

// ExecuteOnAllWorkers implements transport.Handler.
func (a *Agent) ExecuteOnAllWorkers(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	return a.manager.ExecuteOnAllWorkers(ctx, cmd)
}

// ExecuteOnSingleWorker implements transport.Handler.
func (a *Agent) ExecuteOnSingleWorker(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	return a.manager.ExecuteOnSingleWorker(ctx, cmd)
}

// Echo logs msg and returns it.
func (a *Agent) Echo(_ context.Context, msg string) (string, error) {
	a.logger.Info("echo", "message", msg)
	return msg, nil
}

// PrepareForTest records the test the coordinator is about to run.
func (a *Agent) PrepareForTest(_ context.Context, recipe harness.TestRecipe) error {
	a.mu.Lock()
	a.recipe = &recipe
	a.mu.Unlock()

	a.logger.Info("preparing for test",
		"test_index", recipe.Index,
		"test_id", recipe.TestCase.ID,
		"module", recipe.TestCase.Module,
	)
	return nil
}

// PhaseStatus reports which live workers have finished query's phase.
// Workers that are gone are neither completed nor pending.
func (a *Agent) PhaseStatus(_ context.Context, query harness.PhaseQuery) (harness.PhaseStatus, error) {
	live := a.manager.Live()

	a.mu.Lock()
	defer a.mu.Unlock()

	var status harness.PhaseStatus
	for _, w := range live {
		errMsg, done := a.phases[phaseKey{worker: w, testIndex: query.TestIndex, phase: query.Phase}]
		switch {
		case !done:
			status.Pending = append(status.Pending, w)
		case errMsg != "":
			status.Failed = append(status.Failed, w)
		default:
			status.Completed = append(status.Completed, w)
		}
	}
	return status, nil
}

// Failures drains the failures observed since the previous call.
func (a *Agent) Failures(_ context.Context) ([]harness.Failure, error) {
	return a.monitor.Drain(make([]harness.Failure, 0)), nil
}
