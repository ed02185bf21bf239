// Package contract holds tests that pin the wire surface shared by the
// coordinator, agents and workers. It contains no production code.
package contract
