// Package metrics implements the lock-free usage/latency/cost collector:
// atomic global counters plus an rwlock-guarded per-(provider, model)
// breakdown map, with a scoped RequestTimer standing in for the RAII
// guard the original implementation expresses with a Drop impl.
package metrics
