// Package server manages the lifecycle of the HTTP listeners fire-box binds:
// non-blocking Start/StartTLS, signal-driven graceful shutdown, and an
// asynchronous error channel the owning service selects on alongside its
// other goroutines.
package server
