// Command taskflow runs the durable task coordinator: a per-session agent
// with an HTTP+WebSocket command surface, backed by a durable step runtime
// and a pluggable instance store.
package main
