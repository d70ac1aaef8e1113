// Package server manages HTTP listener lifecycles: non-blocking start,
// asynchronous error reporting, and signal-driven graceful shutdown.
package server
