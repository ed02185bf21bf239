// ABOUTME: Response codes and correlated responses
// ABOUTME: A response is an application-level result, never a transport fault

package operation

import (
	"fmt"

	"github.com/2389/coven-sim/internal/address"
)

// ResponseType is the closed set of application-level results.
type ResponseType string

const (
	Success                             ResponseType = "SUCCESS"
	UnsupportedOperationOnThisProcessor ResponseType = "UNSUPPORTED_OPERATION_ON_THIS_PROCESSOR"
	ExceptionDuringOperationExecution   ResponseType = "EXCEPTION_DURING_OPERATION_EXECUTION"
	FailureWorkerNotFound               ResponseType = "FAILURE_WORKER_NOT_FOUND"
	FailureTestNotFound                 ResponseType = "FAILURE_TEST_NOT_FOUND"
)

// Cause describes an error raised while executing an operation.
type Cause struct {
	Message string `json:"message"`
}

func (c *Cause) Error() string {
	return c.Message
}

// Response is the reply correlated to one operation.
// Type is always set; Payload only accompanies SUCCESS and Cause only
// accompanies EXCEPTION_DURING_OPERATION_EXECUTION.
type Response struct {
	ID          string
	Source      address.Address
	Destination address.Address
	Type        ResponseType
	Payload     Operation
	Cause       *Cause
}

// Err returns the remote cause as an error, or nil when the remote did not raise one.
func (r *Response) Err() error {
	if r.Cause == nil {
		return nil
	}
	return r.Cause
}

func (r *Response) String() string {
	if r.Cause != nil {
		return fmt.Sprintf("Response{id=%s, %s -> %s, %s, cause=%q}", r.ID, r.Source, r.Destination, r.Type, r.Cause.Message)
	}
	return fmt.Sprintf("Response{id=%s, %s -> %s, %s}", r.ID, r.Source, r.Destination, r.Type)
}
