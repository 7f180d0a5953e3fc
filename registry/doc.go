// Package registry implements the provider profile registry: a typed,
// tagged configuration union persisted as JSON in the encrypted store,
// the legacy-profile migration routine, and the construction of live
// adapters from stored configuration.
package registry
