// Package storage defines the Store interface — the durable relational
// record of Workers, Tasks, task progress, Events, Pending RPC questions
// and Sessions — and its two implementations.
//
// PostgresStore is the production backend: a pgxpool-pooled connection
// behind straightforward SQL, with EnsureSchema bootstrapping the six
// tables on first run. BoltStore is a single-file embedded fallback for
// local development and for a Manager that can't reach Postgres at
// startup; it keeps one bbolt bucket per entity and marshals rows as
// JSON. Both satisfy the same interface, so the rest of the Manager never
// branches on which backend is live.
package storage
