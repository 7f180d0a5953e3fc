// Package metrics mirrors fire-box's atomic metrics.Collector snapshot onto
// Prometheus gauges and an OpenTelemetry meter on a fixed interval, so an
// operator can scrape /metrics or ship to an OTLP collector without
// touching the IPC surface. It is not the system of record: the atomic
// counters in the top-level metrics package are, per the read-only
// mirroring contract service.runMetricsExport drives this collector with.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	firemetrics "github.com/tsurumi-yizhou/fire-box/metrics"
)

// Collector holds the Prometheus gauges and OTel instruments fire-box
// exports. Both sinks read from the same Mirror call; neither is a system
// of record.
type Collector struct {
	requestsTotal    prometheus.Gauge
	requestsSuccess  prometheus.Gauge
	requestsFailed   prometheus.Gauge
	promptTokens     prometheus.Gauge
	completionTokens prometheus.Gauge
	latencyAvgMs     prometheus.Gauge
	costTotal        prometheus.Gauge

	providerRequestsTotal *prometheus.GaugeVec
	providerLatencyAvgMs  *prometheus.GaugeVec
	providerCostTotal     *prometheus.GaugeVec

	// otelMu guards lastGlobal, which the OTel observable gauges read from
	// on every collect, independent of the Prometheus push in Mirror.
	otelMu     sync.Mutex
	lastGlobal firemetrics.Snapshot

	logger *zap.Logger
}

// NewCollector registers fire-box's Prometheus gauges under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "prometheus_mirror"))}

	c.requestsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_total", Help: "Total completion requests in the current window",
	})
	c.requestsSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_success", Help: "Successful completion requests in the current window",
	})
	c.requestsFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_failed", Help: "Failed completion requests in the current window",
	})
	c.promptTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "prompt_tokens_total", Help: "Prompt tokens consumed in the current window",
	})
	c.completionTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "completion_tokens_total", Help: "Completion tokens produced in the current window",
	})
	c.latencyAvgMs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "latency_avg_ms", Help: "Average request latency in milliseconds over the current window",
	})
	c.costTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cost_total_cents", Help: "Total estimated cost in cents over the current window",
	})

	c.providerRequestsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "provider_requests_total", Help: "Total completion requests per provider and model",
	}, []string{"provider", "model"})
	c.providerLatencyAvgMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "provider_latency_avg_ms", Help: "Average latency in milliseconds per provider and model",
	}, []string{"provider", "model"})
	c.providerCostTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "provider_cost_total_cents", Help: "Total estimated cost in cents per provider and model",
	}, []string{"provider", "model"})

	if err := c.registerOTelInstruments(namespace); err != nil {
		logger.Warn("otel metrics mirror registration failed", zap.Error(err))
	}

	logger.Info("prometheus metrics mirror initialized", zap.String("namespace", namespace))
	return c
}

// registerOTelInstruments mirrors the same global snapshot onto OTel
// observable gauges via otel.Meter's global provider. When telemetry is
// disabled the global MeterProvider is a noop and these calls are cheap
// no-ops, matching otel/sdk/metric's own "safe when unconfigured" contract.
func (c *Collector) registerOTelInstruments(namespace string) error {
	meter := otel.Meter(namespace)

	requestsTotal, err := meter.Int64ObservableGauge(
		namespace+".requests_total",
		metric.WithDescription("Total completion requests in the current window"),
	)
	if err != nil {
		return err
	}
	latencyAvgMs, err := meter.Int64ObservableGauge(
		namespace+".latency_avg_ms",
		metric.WithDescription("Average request latency in milliseconds over the current window"),
	)
	if err != nil {
		return err
	}
	costTotal, err := meter.Float64ObservableGauge(
		namespace+".cost_total_cents",
		metric.WithDescription("Total estimated cost in cents over the current window"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c.otelMu.Lock()
		snap := c.lastGlobal
		c.otelMu.Unlock()

		o.ObserveInt64(requestsTotal, snap.RequestsTotal)
		o.ObserveInt64(latencyAvgMs, snap.LatencyAvgMs)
		o.ObserveFloat64(costTotal, snap.CostTotal)
		return nil
	}, requestsTotal, latencyAvgMs, costTotal)
	return err
}

// Mirror overwrites every gauge with the given global snapshot and
// per-provider breakdown. Called periodically; never called concurrently
// with itself.
func (c *Collector) Mirror(global firemetrics.Snapshot, breakdown []firemetrics.ProviderMetrics) {
	c.otelMu.Lock()
	c.lastGlobal = global
	c.otelMu.Unlock()

	c.requestsTotal.Set(float64(global.RequestsTotal))
	c.requestsSuccess.Set(float64(global.RequestsSuccess))
	c.requestsFailed.Set(float64(global.RequestsFailed))
	c.promptTokens.Set(float64(global.PromptTokens))
	c.completionTokens.Set(float64(global.CompletionTokens))
	c.latencyAvgMs.Set(float64(global.LatencyAvgMs))
	c.costTotal.Set(global.CostTotal)

	c.providerRequestsTotal.Reset()
	c.providerLatencyAvgMs.Reset()
	c.providerCostTotal.Reset()
	for _, pm := range breakdown {
		labels := prometheus.Labels{"provider": pm.ProviderID, "model": pm.ModelID}
		c.providerRequestsTotal.With(labels).Set(float64(pm.Snapshot.RequestsTotal))
		c.providerLatencyAvgMs.With(labels).Set(float64(pm.Snapshot.LatencyAvgMs))
		c.providerCostTotal.With(labels).Set(pm.Snapshot.CostTotal)
	}
}
