// Package progress carries analysis lifecycle events from the orchestrator,
// fetch, analyzer, and aggregator stages to pluggable sinks. Emit never
// blocks; events are batched on a background goroutine.
package progress
