// Package store implements the single encrypted state file that backs the
// provider profile registry and the alias router: AES-256-GCM over a JSON
// document, keyed by a secret held in the OS credential store.
package store
