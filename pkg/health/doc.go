// Package health provides lightweight connectivity probes used by the
// worker's DependencyMonitor to watch, while the worker runs, whether its
// bus and cache endpoints are reachable.
//
// Checkers implement a single Check(ctx) Result method so the monitor
// can run a heterogeneous list of probes and report pass/fail
// uniformly, without coupling to any particular dependency's client.
package health
