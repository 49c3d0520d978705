// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the coordinator uses to report shutdown milestones. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or persistent storage.
package progress
