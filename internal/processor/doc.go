// Package processor defines how addressed components execute operations.
//
// Every component that receives operations (agent, worker, test) implements
// Processor. A processor owns a closed set of operation types; anything else
// is answered with Unsupported, which is an application-level negative
// result and never a transport error.
//
// Processors compose through a Router: a worker routes operations addressed
// to C_Ax_Wy_Tz to the per-test processor registered under index z.
//
// Execute wraps a single call, converting returned errors and recovered
// panics into EXCEPTION_DURING_OPERATION_EXECUTION so one bad operation
// cannot take down the channel that delivered it.
package processor
