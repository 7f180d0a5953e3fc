package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	firemetrics "github.com/tsurumi-yizhou/fire-box/metrics"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.providerRequestsTotal)
}

func TestCollector_MirrorSetsGlobalGauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	global := firemetrics.Snapshot{
		RequestsTotal:    10,
		RequestsSuccess:  8,
		RequestsFailed:   2,
		PromptTokens:     100,
		CompletionTokens: 50,
		LatencyAvgMs:     250,
		CostTotal:        0.42,
	}
	collector.Mirror(global, nil)

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.requestsTotal))
	assert.Equal(t, float64(8), testutil.ToFloat64(collector.requestsSuccess))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.requestsFailed))
	assert.Equal(t, float64(250), testutil.ToFloat64(collector.latencyAvgMs))
	assert.InDelta(t, 0.42, testutil.ToFloat64(collector.costTotal), 0.0001)
}

func TestCollector_MirrorSetsPerProviderGauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	breakdown := []firemetrics.ProviderMetrics{
		{
			ProviderID: "openai",
			ModelID:    "gpt-4",
			Snapshot:   firemetrics.Snapshot{RequestsTotal: 5, LatencyAvgMs: 120, CostTotal: 0.1},
		},
	}
	collector.Mirror(firemetrics.Snapshot{}, breakdown)

	metric, err := collector.providerRequestsTotal.GetMetricWith(map[string]string{"provider": "openai", "model": "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, float64(5), testutil.ToFloat64(metric))
}

func TestCollector_MirrorResetsStaleProviderSeries(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.Mirror(firemetrics.Snapshot{}, []firemetrics.ProviderMetrics{
		{ProviderID: "openai", ModelID: "gpt-4", Snapshot: firemetrics.Snapshot{RequestsTotal: 1}},
	})
	collector.Mirror(firemetrics.Snapshot{}, []firemetrics.ProviderMetrics{
		{ProviderID: "anthropic", ModelID: "claude", Snapshot: firemetrics.Snapshot{RequestsTotal: 1}},
	})

	count := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Equal(t, 1, count)
}
