// Package logging builds the slog loggers used by the sim binaries.
//
// The text format colors the level and dims attribute keys; color is turned
// off automatically when the output is not a terminal. The json format uses
// slog's JSON handler unchanged.
package logging
