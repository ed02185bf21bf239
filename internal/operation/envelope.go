// ABOUTME: Wire form of operations and responses crossing process boundaries
// ABOUTME: One Envelope shape carries registrations, operations and responses

package operation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-sim/internal/address"
)

// ErrUnexpectedKind indicates an envelope was read as the wrong kind.
var ErrUnexpectedKind = errors.New("unexpected envelope kind")

// Kind distinguishes the envelope variants.
type Kind string

const (
	KindRegister  Kind = "register"
	KindOperation Kind = "operation"
	KindResponse  Kind = "response"
)

// Envelope is the serialized unit exchanged on an operation channel.
type Envelope struct {
	Kind        Kind            `json:"kind"`
	ID          string          `json:"id,omitempty"`
	Source      address.Address `json:"source"`
	Destination address.Address `json:"destination"`

	OperationType OperationType   `json:"operation_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	NoReply       bool            `json:"no_reply,omitempty"`

	ResponseType ResponseType `json:"response_type,omitempty"`
	Cause        *Cause       `json:"cause,omitempty"`

	// Token authenticates a register envelope.
	Token string `json:"token,omitempty"`
}

// NewOperationEnvelope wraps op for delivery from source to destination.
func NewOperationEnvelope(id string, source, destination address.Address, op Operation) (*Envelope, error) {
	t, payload, err := Encode(op)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:          KindOperation,
		ID:            id,
		Source:        source,
		Destination:   destination,
		OperationType: t,
		Payload:       payload,
	}, nil
}

// NewResponseEnvelope wraps resp for delivery back to the caller.
func NewResponseEnvelope(resp *Response) (*Envelope, error) {
	env := &Envelope{
		Kind:         KindResponse,
		ID:           resp.ID,
		Source:       resp.Source,
		Destination:  resp.Destination,
		ResponseType: resp.Type,
		Cause:        resp.Cause,
	}
	if resp.Payload != nil {
		t, payload, err := Encode(resp.Payload)
		if err != nil {
			return nil, err
		}
		env.OperationType = t
		env.Payload = payload
	}
	return env, nil
}

// Operation decodes the carried operation.
func (e *Envelope) Operation() (Operation, error) {
	if e.Kind != KindOperation {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedKind, KindOperation, e.Kind)
	}
	return Decode(e.OperationType, e.Payload)
}

// Response decodes the carried response.
func (e *Envelope) Response() (*Response, error) {
	if e.Kind != KindResponse {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedKind, KindResponse, e.Kind)
	}
	resp := &Response{
		ID:          e.ID,
		Source:      e.Source,
		Destination: e.Destination,
		Type:        e.ResponseType,
		Cause:       e.Cause,
	}
	if e.OperationType != "" {
		payload, err := Decode(e.OperationType, e.Payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = payload
	}
	return resp, nil
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope produced by Marshal.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}
