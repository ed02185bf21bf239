// ABOUTME: Correlates outgoing operations with their responses and processes inbound operations
// ABOUTME: Submit/Write/Send on the outbound side; Deliver plus a bounded processing queue inbound

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/processor"
	"github.com/2389/coven-sim/internal/tombstone"
)

// ErrResponseTimeout indicates no reply arrived before the call's deadline.
var ErrResponseTimeout = errors.New("response timeout")

// ErrDuplicateResponse indicates a reply arrived for a call that was already answered.
var ErrDuplicateResponse = errors.New("duplicate response")

// ErrConnectorClosed indicates the connector was closed while a call was pending.
var ErrConnectorClosed = errors.New("connector closed")

// ErrQueueFull indicates the inbound operation queue is at capacity.
var ErrQueueFull = errors.New("operation queue full")

const (
	// DefaultTimeout bounds every call that has no earlier context deadline.
	DefaultTimeout = 60 * time.Second

	// DefaultQueueCapacity is the inbound operation queue size.
	DefaultQueueCapacity = 1000

	// DefaultProcessors is the number of goroutines executing inbound operations.
	DefaultProcessors = 4

	tombstoneTTL  = 10 * time.Minute
	tombstoneSize = 100_000
)

// Sender moves an envelope one hop towards its destination.
type Sender interface {
	Send(ctx context.Context, env *operation.Envelope) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, env *operation.Envelope) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, env *operation.Envelope) error {
	return f(ctx, env)
}

// ExceptionHandler observes errors raised while processing inbound operations.
type ExceptionHandler func(ctx context.Context, op operation.Operation, source address.Address, err error)

// Config contains configuration options for a Connector.
type Config struct {
	// Self is the address of the component owning the connector.
	Self address.Address

	// Sender carries envelopes for destinations this connector does not host.
	Sender Sender

	// Router resolves processors for hosted destinations.
	Router processor.Router

	// Hosts reports whether a destination is processed locally.
	// Defaults to Self and all of its descendants.
	Hosts func(address.Address) bool

	// OnException is called after a processor returned an error or panicked.
	OnException ExceptionHandler

	Logger        *slog.Logger
	Timeout       time.Duration
	QueueCapacity int
	Processors    int
}

type pendingCall struct {
	future *Future
	timer  *time.Timer
}

type inbound struct {
	env *operation.Envelope
}

// Connector is the request/response correlation layer of one component.
type Connector struct {
	self        address.Address
	sender      Sender
	router      processor.Router
	hosts       func(address.Address) bool
	onException ExceptionHandler
	logger      *slog.Logger
	timeout     time.Duration
	processors  int

	mu       sync.Mutex
	pending  map[string]*pendingCall
	finished *tombstone.Set
	closed   bool

	queue  chan inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// NewConnector creates a Connector. Call Start before delivering operations to it.
func NewConnector(cfg Config) *Connector {
	c := &Connector{
		self:        cfg.Self,
		sender:      cfg.Sender,
		router:      cfg.Router,
		hosts:       cfg.Hosts,
		onException: cfg.OnException,
		logger:      cfg.Logger,
		timeout:     cfg.Timeout,
		processors:  cfg.Processors,
		pending:     make(map[string]*pendingCall),
		finished:    tombstone.New(tombstoneTTL, tombstoneSize),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.processors <= 0 {
		c.processors = DefaultProcessors
	}
	if c.hosts == nil {
		c.hosts = func(a address.Address) bool {
			return a == cfg.Self || cfg.Self.IsAncestorOf(a)
		}
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	c.queue = make(chan inbound, queueCapacity)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Self returns the address of the owning component.
func (c *Connector) Self() address.Address {
	return c.self
}

// Start launches the goroutines that execute inbound operations. Later calls are no-ops.
func (c *Connector) Start(ctx context.Context) {
	c.start.Do(func() {
		context.AfterFunc(ctx, c.cancel)
		for range c.processors {
			c.wg.Add(1)
			go c.processLoop()
		}
		c.logger.Debug("connector started", "address", c.self, "processors", c.processors)
	})
}

// Close stops processing and fails every pending call with ErrConnectorClosed.
func (c *Connector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	for _, call := range calls {
		call.timer.Stop()
		_ = call.future.complete(nil, ErrConnectorClosed)
	}
	c.finished.Close()
	c.logger.Debug("connector closed", "address", c.self, "pending_cancelled", len(calls))
}

// QueueSize returns the number of inbound operations waiting to be processed.
func (c *Connector) QueueSize() int {
	return len(c.queue)
}

// Pending returns the number of calls awaiting a reply.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit sends op to destination and returns immediately with a Future for the reply.
// The call expires after the connector timeout or the ctx deadline, whichever is earlier.
func (c *Connector) Submit(ctx context.Context, destination address.Address, op operation.Operation) (*Future, error) {
	id := uuid.NewString()
	env, err := operation.NewOperationEnvelope(id, c.self, destination, op)
	if err != nil {
		return nil, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	future := newFuture(id, destination)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectorClosed
	}
	c.pending[id] = &pendingCall{
		future: future,
		timer:  time.AfterFunc(timeout, func() { c.expire(id) }),
	}
	c.mu.Unlock()

	if err := c.route(ctx, env); err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("sending %s to %s: %w", op.Type(), destination, err)
	}

	c.logger.Debug("operation submitted",
		"correlation_id", id,
		"operation", op.Type(),
		"destination", destination,
	)
	return future, nil
}

// Write sends op to destination and blocks until the reply arrives or the call expires.
func (c *Connector) Write(ctx context.Context, destination address.Address, op operation.Operation) (*operation.Response, error) {
	future, err := c.Submit(ctx, destination, op)
	if err != nil {
		return nil, err
	}
	return future.Get(ctx)
}

// Send delivers op to destination without expecting a reply.
func (c *Connector) Send(ctx context.Context, destination address.Address, op operation.Operation) error {
	env, err := operation.NewOperationEnvelope(uuid.NewString(), c.self, destination, op)
	if err != nil {
		return err
	}
	env.NoReply = true
	return c.route(ctx, env)
}

// Deliver accepts an envelope arriving from a channel. Responses are resolved
// on the calling goroutine; operations are queued for the processing goroutines;
// envelopes for destinations this connector does not host are forwarded.
func (c *Connector) Deliver(env *operation.Envelope) error {
	switch env.Kind {
	case operation.KindResponse:
		if !c.hosts(env.Destination) {
			return c.forward(env)
		}
		return c.resolve(env)
	case operation.KindOperation:
		if !c.hosts(env.Destination) {
			return c.forward(env)
		}
		return c.enqueue(env)
	default:
		c.logger.Warn("dropping envelope of unexpected kind", "kind", env.Kind, "source", env.Source)
		return fmt.Errorf("%w: %s", operation.ErrUnexpectedKind, env.Kind)
	}
}

// route delivers locally hosted envelopes directly and sends everything else.
func (c *Connector) route(ctx context.Context, env *operation.Envelope) error {
	if c.hosts(env.Destination) {
		return c.Deliver(env)
	}
	if c.sender == nil {
		return fmt.Errorf("no route from %s to %s", c.self, env.Destination)
	}
	return c.sender.Send(ctx, env)
}

func (c *Connector) forward(env *operation.Envelope) error {
	if c.sender == nil {
		return fmt.Errorf("no route from %s to %s", c.self, env.Destination)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.sender.Send(ctx, env); err != nil {
		c.logger.Warn("forwarding failed",
			"correlation_id", env.ID,
			"destination", env.Destination,
			"error", err,
		)
		return err
	}
	return nil
}

func (c *Connector) resolve(env *operation.Envelope) error {
	resp, err := env.Response()
	if err != nil {
		c.logger.Warn("undecodable response", "correlation_id", env.ID, "error", err)
		return err
	}

	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	var reason tombstone.Reason
	var seen bool
	if ok {
		delete(c.pending, resp.ID)
		c.finished.Mark(resp.ID, tombstone.Resolved)
	} else {
		reason, seen = c.finished.Lookup(resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		switch {
		case seen && reason == tombstone.Expired:
			c.logger.Debug("discarding late response", "correlation_id", resp.ID, "source", resp.Source)
			return nil
		case seen && reason == tombstone.Resolved:
			c.logger.Error("duplicate response delivery", "correlation_id", resp.ID, "source", resp.Source)
			return fmt.Errorf("%w: %s", ErrDuplicateResponse, resp.ID)
		default:
			c.logger.Warn("received response for unknown request", "correlation_id", resp.ID, "source", resp.Source)
			return nil
		}
	}

	call.timer.Stop()
	if err := call.future.complete(resp, nil); err != nil {
		c.logger.Error("response resolved twice", "correlation_id", resp.ID, "error", err)
		return err
	}
	return nil
}

func (c *Connector) expire(id string) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.finished.Mark(id, tombstone.Expired)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Warn("operation timed out", "correlation_id", id, "destination", call.future.Destination())
	_ = call.future.complete(nil, fmt.Errorf("%w: no reply from %s for %s", ErrResponseTimeout, call.future.Destination(), id))
}

// abandon drops a call whose operation could not be sent.
func (c *Connector) abandon(id string) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

func (c *Connector) enqueue(env *operation.Envelope) error {
	select {
	case c.queue <- inbound{env: env}:
		return nil
	default:
	}

	c.logger.Warn("operation queue full", "correlation_id", env.ID, "source", env.Source)
	if env.NoReply {
		return ErrQueueFull
	}
	resp := &operation.Response{
		ID:          env.ID,
		Source:      env.Destination,
		Destination: env.Source,
		Type:        operation.ExceptionDuringOperationExecution,
		Cause:       &operation.Cause{Message: ErrQueueFull.Error()},
	}
	c.reply(resp)
	return ErrQueueFull
}

func (c *Connector) processLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-c.queue:
			c.process(item.env)
		}
	}
}

func (c *Connector) process(env *operation.Envelope) {
	var (
		result processor.Result
		err    error
	)

	op, decodeErr := env.Operation()
	switch {
	case errors.Is(decodeErr, operation.ErrUnknownOperationType):
		c.logger.Warn("unsupported operation", "operation", env.OperationType, "source", env.Source, "error", decodeErr)
		result = processor.Unsupported
	case decodeErr != nil:
		c.logger.Warn("undecodable operation", "operation", env.OperationType, "source", env.Source, "error", decodeErr)
		result = processor.Result{Type: operation.ExceptionDuringOperationExecution}
		err = decodeErr
	default:
		p, missing := c.router.Route(env.Destination)
		if p == nil {
			result = processor.Result{Type: missing}
			break
		}
		result, err = processor.Execute(c.ctx, p, op, env.Source)
		if err != nil {
			c.logger.Warn("operation failed",
				"operation", op.Type(),
				"destination", env.Destination,
				"source", env.Source,
				"error", err,
			)
			if c.onException != nil {
				c.onException(c.ctx, op, env.Source, err)
			}
		}
	}

	if env.NoReply {
		return
	}
	c.reply(processor.ResponseFor(env, env.Destination, result, err))
}

func (c *Connector) reply(resp *operation.Response) {
	env, err := operation.NewResponseEnvelope(resp)
	if err != nil {
		c.logger.Error("encoding response", "correlation_id", resp.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.route(ctx, env); err != nil {
		c.logger.Warn("sending response failed",
			"correlation_id", resp.ID,
			"destination", resp.Destination,
			"error", err,
		)
	}
}
