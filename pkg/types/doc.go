/*
Package types defines the core data structures shared across the manager
and worker processes: Workers, Tasks, Sessions, Pending RPCs, Progress
records and Events.

# Entities

Worker identity is stable across restarts (supplied or derived from
hostname) and is never physically removed from the store once created;
only its status cycles through initializing/idle/busy/offline/unresponsive.

Task identity is a UUID assigned by the manager when the task is created. Status
is monotonic: once a task reaches a terminal state (completed, failed,
rejected, timeout) it never transitions again.

Session groups a sequence of Tasks under one long-lived Worker run.

PendingRPC models a Worker-initiated request (question, next-task request,
session-end request) awaiting exactly one resolution: an operator answer,
a synthesized timeout, or a manager-shutdown response.

ProgressRecord is an append-only per-Task stream; PercentComplete is
non-decreasing until the task reaches a terminal state.

Event is an append-only, Worker-scoped audit record with an opaque JSON
payload.

# Enumerations

All enumerations use typed string constants, matching the rest of the
types in this package, so invalid values are caught by comparison against
the exported consts rather than by magic strings scattered through
calling code.
*/
package types
