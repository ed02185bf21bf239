// ABOUTME: Operation processor contract shared by agent, worker and test components
// ABOUTME: Executes one operation and converts errors and panics into exception results

package processor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
)

// Result is the application-level outcome of processing an operation.
type Result struct {
	Type    operation.ResponseType
	Payload operation.Operation
}

var (
	// Succeeded is the plain SUCCESS result.
	Succeeded = Result{Type: operation.Success}
	// Unsupported answers operations a processor does not understand.
	Unsupported = Result{Type: operation.UnsupportedOperationOnThisProcessor}
)

// Reply builds a SUCCESS result carrying payload.
func Reply(payload operation.Operation) Result {
	return Result{Type: operation.Success, Payload: payload}
}

// Processor executes operations addressed to one component.
// It must be safe for concurrent use: the channel delivering operations may
// call Process from several goroutines at once.
type Processor interface {
	Process(ctx context.Context, op operation.Operation, source address.Address) (Result, error)
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, op operation.Operation, source address.Address) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, op operation.Operation, source address.Address) (Result, error) {
	return f(ctx, op, source)
}

// Router resolves the processor responsible for a destination address.
// When no processor exists it returns nil and the response type to answer with.
type Router interface {
	Route(destination address.Address) (Processor, operation.ResponseType)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(destination address.Address) (Processor, operation.ResponseType)

// Route calls f.
func (f RouterFunc) Route(destination address.Address) (Processor, operation.ResponseType) {
	return f(destination)
}

// Execute runs p and folds any error or panic into an
// EXCEPTION_DURING_OPERATION_EXECUTION result with its cause.
func Execute(ctx context.Context, p Processor, op operation.Operation, source address.Address) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Type: operation.ExceptionDuringOperationExecution}
			err = fmt.Errorf("panic processing %s: %v\n%s", op.Type(), r, debug.Stack())
		}
	}()

	result, err = p.Process(ctx, op, source)
	if err != nil {
		return Result{Type: operation.ExceptionDuringOperationExecution}, err
	}
	if result.Type == "" {
		result.Type = operation.Success
	}
	return result, nil
}

// ResponseFor builds the reply to an operation envelope from its execution outcome.
func ResponseFor(req *operation.Envelope, self address.Address, result Result, err error) *operation.Response {
	resp := &operation.Response{
		ID:          req.ID,
		Source:      self,
		Destination: req.Source,
		Type:        result.Type,
	}
	if err != nil {
		resp.Cause = &operation.Cause{Message: err.Error()}
		return resp
	}
	if result.Type == operation.Success {
		resp.Payload = result.Payload
	}
	return resp
}
