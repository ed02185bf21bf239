// ABOUTME: End-to-end tests of the agent over its transport with in-process workers
// ABOUTME: Exercises every remote service and the handling of worker-originated operations

package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/transport"
	"github.com/2389/coven-sim/internal/workers"
	"github.com/2389/coven-sim/internal/workers/workerstest"
)

type testAgent struct {
	agent    *Agent
	launcher *workerstest.Launcher
	client   *transport.Client
}

func startAgent(t *testing.T, configure func(*Config)) *testAgent {
	t.Helper()

	launcher := &workerstest.Launcher{}
	cfg := Config{
		Index:            1,
		WorkersHome:      t.TempDir(),
		WorkerCommand:    []string{"sim-worker"},
		Launcher:         launcher,
		StartupTimeout:   2 * time.Second,
		TerminationGrace: 2 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}
	a := New(cfg)
	launcher.Hub = a.Hub()

	serviceLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	linkLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, serviceLn, linkLn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("agent did not stop")
		}
	})

	return &testAgent{
		agent:    a,
		launcher: launcher,
		client:   transport.NewClient(serviceLn.Addr().String(), 10*time.Second),
	}
}

func TestEcho(t *testing.T) {
	ta := startAgent(t, nil)

	got, err := ta.client.Echo(context.Background(), "hello agent")
	require.NoError(t, err)
	assert.Equal(t, "hello agent", got)
}

func TestWorkoutLifecycle(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.SpawnWorkers(ctx, harness.WorkerSettings{Count: 2, Type: harness.MemberWorker}))
	live := ta.agent.Workers().Live()
	require.Equal(t, []address.Address{address.Worker(1, 1), address.Worker(1, 2)}, live)

	workout := harness.Workout{
		ID: "smoke",
		Tests: []operation.TestCase{
			{ID: "idle", Module: "sleep"},
			{ID: "maps", Module: "mapload", Properties: map[string]string{"totalMaps": "2", "totalKeys": "3", "valueSize": "4"}},
		},
	}
	require.NoError(t, ta.client.InitWorkout(ctx, workout))

	stored, ok := ta.agent.Workout()
	require.True(t, ok)
	assert.Equal(t, "smoke", stored.ID)
	for _, w := range live {
		p, ok := ta.launcher.Process(w)
		require.True(t, ok)
		idle, ok := p.Worker().Tests().GetByIndex(1)
		require.True(t, ok, "worker %s has no test 1", w)
		assert.Equal(t, "idle", idle.ID())
		maps, ok := p.Worker().Tests().GetByIndex(2)
		require.True(t, ok, "worker %s has no test 2", w)
		assert.Equal(t, "maps", maps.ID())
	}

	recipe := harness.TestRecipe{Index: 2, TestCase: workout.Tests[1]}
	require.NoError(t, ta.client.PrepareForTest(ctx, recipe))
	current, ok := ta.agent.CurrentTest()
	require.True(t, ok)
	assert.Equal(t, recipe, current)

	setup := harness.MustCommand(operation.StartTestPhase{Phase: operation.PhaseSetup}).ForTest(2)
	results, err := ta.client.ExecuteOnAllWorkers(ctx, setup)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, operation.Success, r.Type, "worker %s: %s", r.Worker, r.Error)
	}

	failures, err := ta.client.Failures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)

	require.NoError(t, ta.client.TerminateWorkers(ctx))
	assert.Empty(t, ta.agent.Workers().Workers())
	require.NoError(t, ta.client.CleanWorkersHome(ctx))
}

func TestInitWorkoutReportsRejectedTests(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.SpawnWorkers(ctx, harness.WorkerSettings{Count: 1, Type: harness.ClientWorker}))

	// The same id twice is rejected by each worker's test registry.
	err := ta.client.InitWorkout(ctx, harness.Workout{
		ID: "dup",
		Tests: []operation.TestCase{
			{ID: "same", Module: "sleep"},
			{ID: "same", Module: "sleep"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXCEPTION_DURING_OPERATION_EXECUTION")
}

func TestSpawnOutstandingOverTransport(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	settings := harness.WorkerSettings{Count: 1, Type: harness.ClientWorker}
	require.NoError(t, ta.client.SpawnWorkers(ctx, settings))

	err := ta.client.SpawnWorkers(ctx, settings)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, transport.KindHandler, remote.Kind)
	assert.Contains(t, remote.Message, workers.ErrSpawnOutstanding.Error())

	err = ta.client.CleanWorkersHome(ctx)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, workers.ErrWorkersRunning.Error())
}

func TestExecuteOnSingleWorkerOverTransport(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.SpawnWorkers(ctx, harness.WorkerSettings{Count: 2, Type: harness.ClientWorker}))

	results, err := ta.client.ExecuteOnSingleWorker(ctx, harness.MustCommand(operation.Ping{}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, address.Worker(1, 1), results[0].Worker)

	gone := address.Worker(1, 2)
	p, _ := ta.launcher.Process(gone)
	p.Crash(nil, "")
	require.Eventually(t, func() bool { return len(ta.agent.Workers().Live()) == 1 }, time.Second, 10*time.Millisecond)

	results, err = ta.client.ExecuteOnSingleWorker(ctx, harness.MustCommand(operation.Ping{}).ForWorker(gone))
	require.NoError(t, err)
	assert.Empty(t, results)

	failures, err := ta.client.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, harness.WorkerExit, failures[0].Kind)
	assert.Equal(t, gone, failures[0].Worker)
}

func TestNestedCallsThroughAgent(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.SpawnWorkers(ctx, harness.WorkerSettings{Count: 2, Type: harness.ClientWorker}))

	for _, kind := range []operation.IntegrationTestKind{operation.NestedSync, operation.NestedAsync} {
		t.Run(string(kind), func(t *testing.T) {
			results, err := ta.client.ExecuteOnAllWorkers(ctx, harness.MustCommand(operation.IntegrationTest{Kind: kind}))
			require.NoError(t, err)
			require.Len(t, results, 2)
			for _, r := range results {
				assert.Equal(t, operation.Success, r.Type, r.Error)
			}
		})
	}
}

func TestFailureAttributedToCurrentTest(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.PrepareForTest(ctx, harness.TestRecipe{
		Index:    1,
		TestCase: operation.TestCase{ID: "current", Module: "sleep"},
	}))

	worker := address.Worker(1, 4)
	res, err := ta.agent.Process(ctx, operation.Failure{Message: "lost connection", Cause: "EOF"}, worker.MustChild(1))
	require.NoError(t, err)
	assert.Equal(t, operation.Success, res.Type)

	res, err = ta.agent.Process(ctx, operation.Failure{TestID: "explicit", Message: "boom"}, worker)
	require.NoError(t, err)
	assert.Equal(t, operation.Success, res.Type)

	failures, err := ta.client.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, worker, failures[0].Worker)
	assert.Equal(t, "current", failures[0].TestID)
	assert.Equal(t, harness.WorkerException, failures[0].Kind)
	assert.Equal(t, "explicit", failures[1].TestID)

	failures, err = ta.client.Failures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestPhaseStatusTracksWorkerCompletions(t *testing.T) {
	ta := startAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, ta.client.SpawnWorkers(ctx, harness.WorkerSettings{Count: 2, Type: harness.ClientWorker}))
	require.NoError(t, ta.client.InitWorkout(ctx, harness.Workout{
		ID: "phases",
		Tests: []operation.TestCase{
			{ID: "idle", Module: "sleep"},
			{ID: "bad", Module: "mapload", Properties: map[string]string{"totalMaps": "-1"}},
		},
	}))
	w1, w2 := address.Worker(1, 1), address.Worker(1, 2)

	query := harness.PhaseQuery{TestIndex: 1, Phase: operation.PhaseRun}
	status, err := ta.client.PhaseStatus(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{w1, w2}, status.Pending, "nothing has run yet")

	for _, phase := range []operation.TestPhase{operation.PhaseSetup, operation.PhaseRun} {
		cmd := harness.MustCommand(operation.StartTestPhase{Phase: phase}).ForTest(1)
		results, err := ta.client.ExecuteOnAllWorkers(ctx, cmd)
		require.NoError(t, err)
		require.NoError(t, resultsError(cmd.OperationType, results))
	}
	require.Eventually(t, func() bool {
		s, err := ta.client.PhaseStatus(ctx, harness.PhaseQuery{TestIndex: 1, Phase: operation.PhaseSetup})
		return err == nil && s.Done()
	}, 2*time.Second, 10*time.Millisecond)

	status, err = ta.client.PhaseStatus(ctx, query)
	require.NoError(t, err)
	assert.Len(t, status.Pending, 2, "run phase lasts until stopped")

	stop := harness.MustCommand(operation.StopTest{}).ForTest(1)
	results, err := ta.client.ExecuteOnAllWorkers(ctx, stop)
	require.NoError(t, err)
	require.NoError(t, resultsError(stop.OperationType, results))
	require.Eventually(t, func() bool {
		s, err := ta.client.PhaseStatus(ctx, query)
		return err == nil && s.Done()
	}, 2*time.Second, 10*time.Millisecond)
	status, err = ta.client.PhaseStatus(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{w1, w2}, status.Completed)
	assert.Empty(t, status.Failed)

	// A failing phase counts as finished, but as failed.
	bad := harness.MustCommand(operation.StartTestPhase{Phase: operation.PhaseSetup}).ForTest(2)
	results, err = ta.client.ExecuteOnAllWorkers(ctx, bad)
	require.NoError(t, err)
	require.NoError(t, resultsError(bad.OperationType, results))
	badQuery := harness.PhaseQuery{TestIndex: 2, Phase: operation.PhaseSetup}
	require.Eventually(t, func() bool {
		s, err := ta.client.PhaseStatus(ctx, badQuery)
		return err == nil && s.Done()
	}, 2*time.Second, 10*time.Millisecond)
	status, err = ta.client.PhaseStatus(ctx, badQuery)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{w1, w2}, status.Failed)

	// A new workout starts from a clean slate.
	require.NoError(t, ta.client.InitWorkout(ctx, harness.Workout{ID: "again"}))
	status, err = ta.client.PhaseStatus(ctx, query)
	require.NoError(t, err)
	assert.Len(t, status.Pending, 2)
}

func TestUndeliveredFailuresAreRequeued(t *testing.T) {
	a := New(Config{Index: 1, WorkersHome: t.TempDir()})
	defer a.Workers().Close()
	ctx := context.Background()

	a.monitor.Report(harness.Failure{Worker: address.Worker(1, 1), Kind: harness.WorkerExit, Message: "gone"})
	drained, err := a.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	a.requeue(transport.Echo, "not failures")
	a.requeue(transport.Failures, drained)

	again, err := a.Failures(ctx)
	require.NoError(t, err)
	assert.Equal(t, drained, again)
}

func TestProcessAnswersWorkerOperations(t *testing.T) {
	a := New(Config{Index: 2, WorkersHome: t.TempDir()})
	defer a.Workers().Close()
	ctx := context.Background()
	src := address.Worker(2, 1)

	res, err := a.Process(ctx, operation.Ping{}, src)
	require.NoError(t, err)
	assert.Equal(t, operation.Pong{}, res.Payload)

	for _, op := range []operation.Operation{
		operation.Pong{},
		operation.Log{Message: "hi", Level: "warn"},
		operation.PhaseCompleted{TestIndex: 1, TestID: "t", Phase: operation.PhaseRun},
	} {
		res, err := a.Process(ctx, op, src)
		require.NoError(t, err)
		assert.Equal(t, operation.Success, res.Type, "%T", op)
	}

	res, err = a.Process(ctx, operation.StopTest{}, src)
	require.NoError(t, err)
	assert.Equal(t, operation.UnsupportedOperationOnThisProcessor, res.Type)

	status, err := a.PhaseStatus(ctx, harness.PhaseQuery{TestIndex: 1, Phase: operation.PhaseRun})
	require.NoError(t, err)
	assert.Empty(t, status.Pending, "no live workers")
	a.mu.Lock()
	assert.Contains(t, a.phases, phaseKey{worker: src, testIndex: 1, phase: operation.PhaseRun})
	a.mu.Unlock()

	p, missing := a.Route(src)
	assert.Nil(t, p)
	assert.Equal(t, operation.FailureWorkerNotFound, missing)
}
