// ABOUTME: Tests for the correlation layer: pairing replies with requests, timeouts and duplicates.
// ABOUTME: Two connectors are wired back to back in-process to stand in for an agent and a worker.

package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/processor"
)

var (
	agentAddr  = address.Agent(1)
	workerAddr = address.Worker(1, 1)
)

func pingProcessor() processor.Processor {
	return processor.Func(func(_ context.Context, op operation.Operation, _ address.Address) (processor.Result, error) {
		if _, ok := op.(operation.Ping); ok {
			return processor.Reply(operation.Pong{}), nil
		}
		return processor.Unsupported, nil
	})
}

func routeAll(p processor.Processor) processor.Router {
	return processor.RouterFunc(func(address.Address) (processor.Processor, operation.ResponseType) {
		return p, ""
	})
}

// link connects an agent connector and a worker connector in memory.
// worker may be nil until the test assigns it, so the agent's sender reads it lazily.
type link struct {
	agent  *Connector
	worker *Connector
}

func newLink(t *testing.T, workerProc processor.Processor, workerCfg func(*Config)) *link {
	t.Helper()
	l := &link{}

	l.agent = NewConnector(Config{
		Self:   agentAddr,
		Router: routeAll(pingProcessor()),
		Hosts:  func(a address.Address) bool { return a == agentAddr },
		Sender: SenderFunc(func(_ context.Context, env *operation.Envelope) error {
			return l.worker.Deliver(env)
		}),
		Timeout: 2 * time.Second,
	})

	cfg := Config{
		Self:   workerAddr,
		Router: routeAll(workerProc),
		Sender: SenderFunc(func(_ context.Context, env *operation.Envelope) error {
			return l.agent.Deliver(env)
		}),
		Timeout: 2 * time.Second,
	}
	if workerCfg != nil {
		workerCfg(&cfg)
	}
	l.worker = NewConnector(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	l.agent.Start(ctx)
	l.worker.Start(ctx)
	t.Cleanup(func() {
		cancel()
		l.agent.Close()
		l.worker.Close()
	})
	return l
}

// capture records every envelope handed to it.
type capture struct {
	mu   sync.Mutex
	envs []*operation.Envelope
	ch   chan *operation.Envelope
}

func newCapture() *capture {
	return &capture{ch: make(chan *operation.Envelope, 16)}
}

func (c *capture) Send(_ context.Context, env *operation.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	select {
	case c.ch <- env:
	default:
	}
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestConnector_ConcurrentPingsAreCorrelated(t *testing.T) {
	l := newLink(t, pingProcessor(), nil)

	const n = 64
	futures := make([]*Future, n)
	for i := range futures {
		f, err := l.agent.Submit(context.Background(), workerAddr, operation.Ping{})
		require.NoError(t, err)
		futures[i] = f
	}

	seen := make(map[string]bool, n)
	for _, f := range futures {
		resp, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, f.ID(), resp.ID)
		assert.Equal(t, operation.Success, resp.Type)
		assert.Equal(t, operation.Pong{}, resp.Payload)
		assert.Equal(t, workerAddr, resp.Source)
		assert.False(t, seen[resp.ID], "response %s delivered twice", resp.ID)
		seen[resp.ID] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 0, l.agent.Pending())
}

func TestConnector_ConcurrentWritersFromManyGoroutines(t *testing.T) {
	l := newLink(t, pingProcessor(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := l.agent.Write(context.Background(), workerAddr, operation.Ping{})
			if err != nil {
				errs <- err
				return
			}
			if resp.Type != operation.Success {
				errs <- errors.New(string(resp.Type))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("write failed: %v", err)
	}
}

func TestConnector_TimeoutEvictsPendingAndDiscardsLateReply(t *testing.T) {
	dropped := newCapture()
	c := NewConnector(Config{
		Self:    agentAddr,
		Router:  routeAll(pingProcessor()),
		Hosts:   func(a address.Address) bool { return a == agentAddr },
		Sender:  dropped,
		Timeout: 50 * time.Millisecond,
	})
	c.Start(context.Background())
	defer c.Close()

	f, err := c.Submit(context.Background(), workerAddr, operation.Ping{})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	resp, err := f.Get(context.Background())
	require.ErrorIs(t, err, ErrResponseTimeout)
	assert.Nil(t, resp)
	assert.Equal(t, 0, c.Pending())

	late, err := operation.NewResponseEnvelope(&operation.Response{
		ID:          f.ID(),
		Source:      workerAddr,
		Destination: agentAddr,
		Type:        operation.Success,
		Payload:     operation.Pong{},
	})
	require.NoError(t, err)
	assert.NoError(t, c.Deliver(late))

	// The future keeps its timeout outcome.
	_, resolved, err := f.Poll()
	assert.True(t, resolved)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestConnector_ContextDeadlineShortensTimeout(t *testing.T) {
	c := NewConnector(Config{
		Self:    agentAddr,
		Router:  routeAll(pingProcessor()),
		Hosts:   func(a address.Address) bool { return a == agentAddr },
		Sender:  newCapture(),
		Timeout: time.Minute,
	})
	c.Start(context.Background())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Write(ctx, workerAddr, operation.Ping{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnector_DuplicateResponseIsRejected(t *testing.T) {
	out := newCapture()
	c := NewConnector(Config{
		Self:   agentAddr,
		Router: routeAll(pingProcessor()),
		Hosts:  func(a address.Address) bool { return a == agentAddr },
		Sender: out,
	})
	c.Start(context.Background())
	defer c.Close()

	f, err := c.Submit(context.Background(), workerAddr, operation.Ping{})
	require.NoError(t, err)

	sent := <-out.ch
	reply, err := operation.NewResponseEnvelope(&operation.Response{
		ID:          sent.ID,
		Source:      workerAddr,
		Destination: agentAddr,
		Type:        operation.Success,
		Payload:     operation.Pong{},
	})
	require.NoError(t, err)

	require.NoError(t, c.Deliver(reply))
	resp, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, operation.Success, resp.Type)

	err = c.Deliver(reply)
	assert.ErrorIs(t, err, ErrDuplicateResponse)
}

func TestConnector_UnknownResponseIsIgnored(t *testing.T) {
	c := NewConnector(Config{Self: agentAddr, Router: routeAll(pingProcessor()), Sender: newCapture()})
	defer c.Close()

	env, err := operation.NewResponseEnvelope(&operation.Response{
		ID:          "never-sent",
		Source:      workerAddr,
		Destination: agentAddr,
		Type:        operation.Success,
	})
	require.NoError(t, err)
	assert.NoError(t, c.Deliver(env))
}

func TestConnector_SendIsFireAndForget(t *testing.T) {
	logged := make(chan operation.Log, 1)
	proc := processor.Func(func(_ context.Context, op operation.Operation, _ address.Address) (processor.Result, error) {
		if msg, ok := op.(operation.Log); ok {
			logged <- msg
			return processor.Succeeded, nil
		}
		return processor.Unsupported, nil
	})

	agentInbox := newCapture()
	l := newLink(t, proc, func(cfg *Config) {
		cfg.Sender = agentInbox
	})

	require.NoError(t, l.agent.Send(context.Background(), workerAddr, operation.Log{Message: "hello"}))

	select {
	case msg := <-logged:
		assert.Equal(t, "hello", msg.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("log operation was not processed")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, agentInbox.count(), "fire-and-forget must not produce a response")
	assert.Equal(t, 0, l.agent.Pending())
}

func TestConnector_UnsupportedIsAResponseNotAnError(t *testing.T) {
	l := newLink(t, pingProcessor(), nil)

	resp, err := l.agent.Write(context.Background(), workerAddr, operation.StopTest{})
	require.NoError(t, err)
	assert.Equal(t, operation.UnsupportedOperationOnThisProcessor, resp.Type)
	assert.Nil(t, resp.Payload)
	assert.NoError(t, resp.Err())
}

func TestConnector_UnknownOperationTypeAnswersUnsupported(t *testing.T) {
	out := newCapture()
	c := NewConnector(Config{Self: workerAddr, Router: routeAll(pingProcessor()), Sender: out})
	c.Start(context.Background())
	defer c.Close()

	require.NoError(t, c.Deliver(&operation.Envelope{
		Kind:          operation.KindOperation,
		ID:            "req-1",
		Source:        agentAddr,
		Destination:   workerAddr,
		OperationType: "WARP_DRIVE",
	}))

	select {
	case env := <-out.ch:
		assert.Equal(t, operation.KindResponse, env.Kind)
		assert.Equal(t, "req-1", env.ID)
		assert.Equal(t, operation.UnsupportedOperationOnThisProcessor, env.ResponseType)
	case <-time.After(2 * time.Second):
		t.Fatal("no response to unknown operation")
	}
}

func TestConnector_UndecodablePayloadAnswersException(t *testing.T) {
	out := newCapture()
	c := NewConnector(Config{Self: workerAddr, Router: routeAll(pingProcessor()), Sender: out})
	c.Start(context.Background())
	defer c.Close()

	require.NoError(t, c.Deliver(&operation.Envelope{
		Kind:          operation.KindOperation,
		ID:            "req-2",
		Source:        agentAddr,
		Destination:   workerAddr,
		OperationType: operation.TypeStartTestPhase,
		Payload:       []byte(`{"phase": 42}`),
	}))

	select {
	case env := <-out.ch:
		assert.Equal(t, "req-2", env.ID)
		assert.Equal(t, operation.ExceptionDuringOperationExecution, env.ResponseType)
		require.NotNil(t, env.Cause)
		assert.Contains(t, env.Cause.Message, "decoding START_TEST_PHASE")
	case <-time.After(2 * time.Second):
		t.Fatal("no response to undecodable operation")
	}
}

func TestConnector_ProcessorErrorBecomesException(t *testing.T) {
	var (
		mu       sync.Mutex
		observed error
	)
	proc := processor.Func(func(context.Context, operation.Operation, address.Address) (processor.Result, error) {
		return processor.Result{}, errors.New("disk on fire")
	})
	l := newLink(t, proc, func(cfg *Config) {
		cfg.OnException = func(_ context.Context, _ operation.Operation, _ address.Address, err error) {
			mu.Lock()
			observed = err
			mu.Unlock()
		}
	})

	resp, err := l.agent.Write(context.Background(), workerAddr, operation.Ping{})
	require.NoError(t, err, "a remote exception is a reply, not a transport failure")
	assert.Equal(t, operation.ExceptionDuringOperationExecution, resp.Type)
	require.Error(t, resp.Err())
	assert.Contains(t, resp.Err().Error(), "disk on fire")

	mu.Lock()
	defer mu.Unlock()
	assert.EqualError(t, observed, "disk on fire")
}

func TestConnector_MissingProcessorAnswersWithRouterCode(t *testing.T) {
	router := processor.RouterFunc(func(address.Address) (processor.Processor, operation.ResponseType) {
		return nil, operation.FailureTestNotFound
	})
	l := newLink(t, nil, func(cfg *Config) { cfg.Router = router })

	resp, err := l.agent.Write(context.Background(), address.Test(1, 1, 9), operation.StopTest{})
	require.NoError(t, err)
	assert.Equal(t, operation.FailureTestNotFound, resp.Type)
}

func TestConnector_ForwardsForeignDestinations(t *testing.T) {
	out := newCapture()
	c := NewConnector(Config{
		Self:   agentAddr,
		Router: routeAll(pingProcessor()),
		Hosts:  func(a address.Address) bool { return a == agentAddr },
		Sender: out,
	})
	c.Start(context.Background())
	defer c.Close()

	env, err := operation.NewOperationEnvelope("fwd-1", address.Coordinator(), address.Worker(1, 2), operation.Ping{})
	require.NoError(t, err)
	require.NoError(t, c.Deliver(env))

	select {
	case got := <-out.ch:
		assert.Equal(t, "fwd-1", got.ID)
		assert.Equal(t, address.Worker(1, 2), got.Destination)
	case <-time.After(time.Second):
		t.Fatal("envelope was not forwarded")
	}
	assert.Equal(t, 0, c.QueueSize())
}

func TestConnector_NestedRoundTrips(t *testing.T) {
	for _, kind := range []operation.IntegrationTestKind{operation.NestedSync, operation.NestedAsync} {
		t.Run(string(kind), func(t *testing.T) {
			var l *link
			proc := processor.Func(func(ctx context.Context, op operation.Operation, source address.Address) (processor.Result, error) {
				it, ok := op.(operation.IntegrationTest)
				if !ok {
					return processor.Unsupported, nil
				}
				switch it.Kind {
				case operation.NestedSync:
					resp, err := l.worker.Write(ctx, source, operation.Ping{})
					if err != nil {
						return processor.Result{}, err
					}
					return processor.Reply(resp.Payload), nil
				case operation.NestedAsync:
					f, err := l.worker.Submit(ctx, source, operation.Ping{})
					if err != nil {
						return processor.Result{}, err
					}
					resp, err := f.Get(ctx)
					if err != nil {
						return processor.Result{}, err
					}
					return processor.Reply(resp.Payload), nil
				}
				return processor.Unsupported, nil
			})
			l = newLink(t, proc, nil)

			resp, err := l.agent.Write(context.Background(), workerAddr, operation.IntegrationTest{Kind: kind})
			require.NoError(t, err)
			assert.Equal(t, operation.Success, resp.Type)
			assert.Equal(t, operation.Pong{}, resp.Payload)
		})
	}
}

func TestConnector_NestedSyncCallToSelfWithOneProcessorTimesOut(t *testing.T) {
	nested := make(chan error, 1)
	var c *Connector
	proc := processor.Func(func(ctx context.Context, op operation.Operation, _ address.Address) (processor.Result, error) {
		switch op.(type) {
		case operation.IntegrationTest:
			// The only processing goroutine is busy here, so the nested
			// operation queued for this same connector cannot run.
			_, err := c.Write(ctx, workerAddr, operation.Ping{})
			nested <- err
			return processor.Succeeded, nil
		case operation.Ping:
			return processor.Reply(operation.Pong{}), nil
		}
		return processor.Unsupported, nil
	})

	c = NewConnector(Config{
		Self:       workerAddr,
		Router:     routeAll(proc),
		Sender:     newCapture(),
		Timeout:    100 * time.Millisecond,
		Processors: 1,
	})
	c.Start(context.Background())
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), workerAddr, operation.IntegrationTest{Kind: operation.NestedSync}))

	select {
	case err := <-nested:
		assert.ErrorIs(t, err, ErrResponseTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("nested call never returned")
	}
}

func TestConnector_NestedSyncCallToSelfWithSpareProcessorSucceeds(t *testing.T) {
	nested := make(chan error, 1)
	var c *Connector
	proc := processor.Func(func(ctx context.Context, op operation.Operation, _ address.Address) (processor.Result, error) {
		switch op.(type) {
		case operation.IntegrationTest:
			_, err := c.Write(ctx, workerAddr, operation.Ping{})
			nested <- err
			return processor.Succeeded, nil
		case operation.Ping:
			return processor.Reply(operation.Pong{}), nil
		}
		return processor.Unsupported, nil
	})

	c = NewConnector(Config{
		Self:       workerAddr,
		Router:     routeAll(proc),
		Sender:     newCapture(),
		Timeout:    time.Second,
		Processors: 2,
	})
	c.Start(context.Background())
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), workerAddr, operation.IntegrationTest{Kind: operation.NestedSync}))
	select {
	case err := <-nested:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested call never returned")
	}
}

func TestConnector_FullQueueAnswersWithException(t *testing.T) {
	out := newCapture()
	// Not started, so nothing drains the queue.
	c := NewConnector(Config{
		Self:          workerAddr,
		Router:        routeAll(pingProcessor()),
		Sender:        out,
		QueueCapacity: 1,
	})
	defer c.Close()

	first, err := operation.NewOperationEnvelope("op-1", agentAddr, workerAddr, operation.Ping{})
	require.NoError(t, err)
	second, err := operation.NewOperationEnvelope("op-2", agentAddr, workerAddr, operation.Ping{})
	require.NoError(t, err)

	require.NoError(t, c.Deliver(first))
	assert.Equal(t, 1, c.QueueSize())

	err = c.Deliver(second)
	require.ErrorIs(t, err, ErrQueueFull)

	select {
	case env := <-out.ch:
		assert.Equal(t, "op-2", env.ID)
		assert.Equal(t, operation.ExceptionDuringOperationExecution, env.ResponseType)
		require.NotNil(t, env.Cause)
		assert.Contains(t, env.Cause.Message, "queue full")
	case <-time.After(time.Second):
		t.Fatal("no rejection response")
	}
}

func TestConnector_CloseFailsPendingCalls(t *testing.T) {
	c := NewConnector(Config{
		Self:   agentAddr,
		Router: routeAll(pingProcessor()),
		Hosts:  func(a address.Address) bool { return a == agentAddr },
		Sender: newCapture(),
	})
	c.Start(context.Background())

	f, err := c.Submit(context.Background(), workerAddr, operation.Ping{})
	require.NoError(t, err)

	c.Close()
	_, err = f.Get(context.Background())
	assert.ErrorIs(t, err, ErrConnectorClosed)

	_, err = c.Submit(context.Background(), workerAddr, operation.Ping{})
	assert.ErrorIs(t, err, ErrConnectorClosed)
}

func TestConnector_SendFailureAbandonsCall(t *testing.T) {
	c := NewConnector(Config{
		Self:   agentAddr,
		Router: routeAll(pingProcessor()),
		Hosts:  func(a address.Address) bool { return a == agentAddr },
		Sender: SenderFunc(func(context.Context, *operation.Envelope) error {
			return errors.New("link down")
		}),
	})
	defer c.Close()

	_, err := c.Submit(context.Background(), workerAddr, operation.Ping{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link down")
	assert.Equal(t, 0, c.Pending())
}
