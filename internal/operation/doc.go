// Package operation defines the typed operations and responses exchanged at
// every hop of a simulation run: coordinator to agent, agent to worker, and
// worker to test.
//
// # Operations
//
// An Operation is a tagged payload. The tag (OperationType) selects the
// concrete shape through a fixed registry, so any process can decode any
// operation it receives. Unknown tags decode to ErrUnknownOperationType and
// are answered with UNSUPPORTED_OPERATION_ON_THIS_PROCESSOR rather than a
// transport error.
//
// # Responses
//
// Every operation that expects a reply is answered by exactly one Response
// carrying the same correlation id and a ResponseType from a closed set.
// SUCCESS may carry a payload (Ping is answered with Pong);
// EXCEPTION_DURING_OPERATION_EXECUTION carries a Cause.
//
// # Envelopes
//
// Envelope is the JSON wire form used on every operation channel. Its Kind
// field distinguishes registrations, operations and responses.
package operation
