// Package cache provides the hot, low-latency projection store: typed
// string/hash/list/set operations with TTL, plus an atomic set-if-absent
// primitive used to elect a single winner for claim leases. The Redis
// implementation backs production; an in-memory fake backs tests.
package cache
