// Package transport is the socket service an agent exposes to the coordinator.
//
// # Protocol
//
// Each connection carries exactly one exchange. The client writes two
// length-delimited protobuf frames, a StringValue naming the service and a
// BytesValue holding the JSON payload, and the server answers with one
// BytesValue frame holding either the JSON result or a RemoteError before
// closing the connection.
//
// # Dispatch
//
// The service set is closed (see Service). Unknown names, undecodable
// payloads, handler errors and handler panics all come back to the caller as
// a *RemoteError result; only I/O failures are logged and dropped at the
// connection.
//
// # Concurrency
//
// A Server runs at most PoolSize requests at once. While the pool is full it
// stops accepting, leaving new connections in the listen backlog.
package transport
