// Package bus provides a uniform publish/subscribe and request-reply
// abstraction over the message transport connecting the manager and its
// worker fleet. The NATS-backed implementation owns reconnection; an
// in-memory fake backs unit tests without a running broker.
package bus
