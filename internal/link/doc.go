// Package link carries envelopes between an agent and its worker processes.
//
// # Agent Side
//
// A Hub holds one session per attached worker. It implements the sender used
// by the agent's connector: an envelope is routed to the session of the
// worker that owns its destination (so test-level addresses reach their
// worker). Envelopes arriving from a worker are checked to originate inside
// that worker's subtree and handed to the bound Receiver.
//
// Server exposes the Hub as the gRPC service coven.sim.WorkerLink with a
// single bidirectional Attach stream. Each message is a BytesValue holding
// one JSON envelope. The first envelope on a stream must be a register
// envelope naming the worker; when a TokenVerifier is configured the
// worker's bearer token must have been issued for that same address.
//
// # Worker Side
//
// Dial opens the Attach stream and registers. Client.Send is the worker
// connector's sender and Client.Run feeds inbound envelopes to it.
package link
