package manager

import "errors"

// ErrNotFound is returned when a Pending RPC's reply_handle is stale: the
// request already resolved (by answer, timeout, or shutdown). This is a
// documented no-op, not a failure.
var ErrNotFound = errors.New("manager: not found")
