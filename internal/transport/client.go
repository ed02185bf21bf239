// ABOUTME: Coordinator-side caller for an agent's transport service
// ABOUTME: Opens one connection per call and decodes the single reply object

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/2389/coven-sim/internal/harness"
)

// DefaultCallTimeout bounds a call whose context has no deadline.
const DefaultCallTimeout = 5 * time.Minute

// Client calls the services of one agent.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a Client for the agent listening on addr.
// A zero timeout uses DefaultCallTimeout.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the agent address.
func (c *Client) Addr() string {
	return c.addr
}

// Call invokes svc with request and decodes the result into result.
// A failure raised by the agent is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, svc Service, request, result any) error {
	var payload []byte
	if request != nil {
		var err error
		if payload, err = json.Marshal(request); err != nil {
			return fmt.Errorf("encoding %s request: %w", svc, err)
		}
	}
	return c.call(ctx, svc.String(), payload, result)
}

func (c *Client) call(ctx context.Context, service string, payload []byte, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing agent %s: %w", c.addr, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeRequest(conn, service, payload); err != nil {
		return fmt.Errorf("calling %s on %s: %w", service, c.addr, err)
	}
	rep, err := readReply(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("calling %s on %s: %w", service, c.addr, ctx.Err())
		}
		return fmt.Errorf("calling %s on %s: %w", service, c.addr, err)
	}
	if rep.Error != nil {
		return rep.Error
	}
	if result != nil && len(rep.Value) > 0 {
		if err := json.Unmarshal(rep.Value, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", service, err)
		}
	}
	return nil
}

// SpawnWorkers calls the spawnWorkers service.
func (c *Client) SpawnWorkers(ctx context.Context, settings harness.WorkerSettings) error {
	return c.Call(ctx, SpawnWorkers, settings, nil)
}

// InitWorkout calls the initWorkout service.
func (c *Client) InitWorkout(ctx context.Context, workout harness.Workout) error {
	return c.Call(ctx, InitWorkout, workout, nil)
}

// CleanWorkersHome calls the cleanWorkersHome service.
func (c *Client) CleanWorkersHome(ctx context.Context) error {
	return c.Call(ctx, CleanWorkersHome, nil, nil)
}

// TerminateWorkers calls the terminateWorkers service.
func (c *Client) TerminateWorkers(ctx context.Context) error {
	return c.Call(ctx, TerminateWorkers, nil, nil)
}

// ExecuteOnAllWorkers calls the executeOnAllWorkers service.
func (c *Client) ExecuteOnAllWorkers(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	var results []harness.CommandResult
	err := c.Call(ctx, ExecuteOnAllWorkers, cmd, &results)
	return results, err
}

// ExecuteOnSingleWorker calls the executeOnSingleWorker service.
func (c *Client) ExecuteOnSingleWorker(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	var results []harness.CommandResult
	err := c.Call(ctx, ExecuteOnSingleWorker, cmd, &results)
	return results, err
}

// Echo calls the echo service.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	var echoed string
	err := c.Call(ctx, Echo, msg, &echoed)
	return echoed, err
}

// PrepareForTest calls the prepareForTest service.
func (c *Client) PrepareForTest(ctx context.Context, recipe harness.TestRecipe) error {
	return c.Call(ctx, PrepareForTest, recipe, nil)
}

// Failures calls the failures service.
func (c *Client) Failures(ctx context.Context) ([]harness.Failure, error) {
	var failures []harness.Failure
	err := c.Call(ctx, Failures, nil, &failures)
	return failures, err
}

// PhaseStatus calls the phaseStatus service.
func (c *Client) PhaseStatus(ctx context.Context, query harness.PhaseQuery) (harness.PhaseStatus, error) {
	var status harness.PhaseStatus
	err := c.Call(ctx, PhaseStatus, query, &status)
	return status, err
}

var _ Handler = (*Client)(nil)
