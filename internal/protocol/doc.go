// Package protocol implements request/response correlation between addressed
// components.
//
// # Overview
//
// Every component (agent, worker) owns one Connector. Outbound, a Connector
// assigns each operation a correlation id, records a pending Future and hands
// the envelope to its Sender. Inbound, Deliver routes each envelope:
//
//   - responses for hosted destinations resolve the matching Future on the
//     delivering goroutine
//   - operations for hosted destinations go to a bounded queue drained by a
//     fixed number of processing goroutines
//   - anything else is forwarded through the Sender
//
// # Call Forms
//
//   - Submit returns immediately with a Future
//   - Write submits and waits for the reply
//   - Send is fire-and-forget; the receiver sends no reply
//
// # Timeouts
//
// Each call expires after Config.Timeout or the caller's context deadline,
// whichever comes first. An expired call is evicted and its Future resolves
// with ErrResponseTimeout, so callers can tell "no reply" apart from a reply
// carrying EXCEPTION_DURING_OPERATION_EXECUTION. A reply arriving after expiry
// is discarded; a second reply to an answered call fails with
// ErrDuplicateResponse.
//
// # Reentrancy
//
// A processor may act as a client of its own Connector. A synchronous nested
// call to an address hosted by the same Connector needs a second processing
// goroutine to run; with Config.Processors set to 1 it can only time out.
package protocol
