// Package tlsutil provides the hardened TLS configuration (TLS 1.2 minimum,
// AEAD-only cipher suites) and HTTP/2-aware transport shared by every
// provider adapter's outbound HTTP client.
package tlsutil
