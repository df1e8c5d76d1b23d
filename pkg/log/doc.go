// Package log provides the global zerolog logger for Outpost. Call Init once
// at startup, then derive component- or dispatch-scoped child loggers with
// the With* helpers.
package log
