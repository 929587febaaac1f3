// Package sinks implements concrete progress consumers: structured logging,
// Prometheus metrics, Pub/Sub artifact notifications, and the in-memory status
// board served by the API. Each sink satisfies the progress.Sink interface and
// is safe for repeated Consume/Close cycles.
package sinks
