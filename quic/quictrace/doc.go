// Package quictrace provides hooks for observing the QUIC transport
// adapter. A Tracer is a set of function fields; sinks backed by slog and
// Prometheus are included.
package quictrace
