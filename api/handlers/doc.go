// Package handlers implements the HTTP and WebSocket command surface. Both
// transports dispatch into the same agent transition methods; the handlers
// here only decode, route by session id, and encode.
package handlers
