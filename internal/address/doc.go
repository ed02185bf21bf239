// Package address identifies every component of a simulation run.
//
// # Overview
//
// An Address is an ordered tuple of up to three indexes below the coordinator:
//
//	C            coordinator
//	C_A1         agent 1
//	C_A1_W2      worker 2 of agent 1
//	C_A1_W2_T3   test 3 hosted by that worker
//
// A shorter address is an ancestor of every address that extends it. The
// wildcard segment (*) turns an address into a broadcast target, e.g.
// C_A1_W* covers every worker of agent 1. Broadcast addresses are never
// used as the source of an operation and cannot have children.
//
// Addresses are values: comparable, usable as map keys, and encoded as text
// in JSON.
package address
