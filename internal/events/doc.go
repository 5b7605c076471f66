// Package events fans coordinator and job lifecycle events out to batched
// sinks (logs, Prometheus) and to live subscribers such as the SSE endpoint.
//
// Emit never blocks. When the sink buffer is full, or a subscriber is not
// keeping up, the event is dropped for that consumer and counted.
package events
