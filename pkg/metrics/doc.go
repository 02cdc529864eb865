// Package metrics exposes Prometheus collectors for the registry,
// scheduler, reconciler and progress ingestor, plus /health, /ready and
// /live HTTP handlers backed by a small in-process component tracker.
//
// Histograms use the Timer helper: start one at the top of an operation,
// observe it into the relevant histogram when the operation finishes.
package metrics
