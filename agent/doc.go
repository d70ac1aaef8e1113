// Package agent implements the stateful, addressable, per-session process:
// one Agent owns one session's state, serves the same command surface over
// WebSocket and HTTP, exposes the reporter surface workflow instances call
// back into, and fans every mutation out to all registered connections.
//
// All mutation happens under a single per-agent mutex, so for any mix of
// concurrent commands and callbacks the resulting state is equivalent to some
// serial ordering of them. Broadcasts are enqueued inside the same critical
// section onto per-connection ordered queues, so no connection ever observes
// state N+1 before state N.
package agent
