// Package tracing provides lightweight in-process tracing: spans are
// collected on a buffered channel and emitted as structured log events.
// There is no external collector; the zap output is the trace sink.
package tracing
