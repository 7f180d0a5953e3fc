// Package metrics mirrors the top-level metrics.Collector's atomic snapshot
// onto Prometheus gauges (via promauto, namespace-scoped) and an
// OpenTelemetry meter, on a timer the owning service drives. It holds no
// counters of its own; it is a read-only export surface over the real
// system of record.
package metrics
