// Package workload defines pluggable test logic and how it is configured.
//
// A Module exposes setup, run and verify hooks and observes its test's stop
// flag through TestContext. Modules are registered under a name in a
// Registry together with the property keys they accept; registration
// checks each declared key maps onto a field. Registry.New creates an
// instance and binds a string property bag onto it with mapstructure,
// rejecting keys outside the declared schema.
//
// Builtins provides "sleep" and "mapload".
package workload
