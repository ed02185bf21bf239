// Package suite reads test-suite files.
//
// A suite names the batch of workers each agent spawns and the tests of the run:
//
//	id = "nightly"
//	duration = "5m"
//
//	[workers]
//	count = 4
//	type = "member"
//
//	[[test]]
//	id = "maps"
//	module = "mapload"
//	[test.properties]
//	totalMaps = "20"
//
// Test properties are strings and are bound to the module's declared
// properties on the worker.
package suite
