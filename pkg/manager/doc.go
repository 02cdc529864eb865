// Package manager implements the single-process control plane: registry,
// scheduler, interactive RPC broker, and progress ingestor, all built
// around a shared Manager that owns the bus, cache and store adapters.
//
// Subsystems (pkg/scheduler, pkg/reconciler) drive their own ticker loops
// but read and write all shared state exclusively through Manager's
// exported methods — there is no other in-process shared mutable state
// besides the RPC broker's bounded reply-handle map.
package manager
