package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var pb dto.Metric
	require.NoError(t, (<-ch).Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncActivities()
	m.IncActivities()
	m.IncAnomaly("high")
	m.IncIncident("cooldown")
	m.IncThreatLookup("ip", "hit")
	m.SetNatsConnected(true)

	assert.Equal(t, 2.0, value(t, m.ActivitiesTotal))
	assert.Equal(t, 1.0, value(t, m.AnomaliesTotal.WithLabelValues("high")))
	assert.Equal(t, 1.0, value(t, m.IncidentsTotal.WithLabelValues("cooldown")))
	assert.Equal(t, 1.0, value(t, m.ThreatLookupsTotal.WithLabelValues("ip", "hit")))
	assert.Equal(t, 1.0, value(t, m.NatsConnected))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncActivities()
		m.IncAnomaly("low")
		m.IncStep("block_ip", "completed")
		m.SetIndicatorsCached(3)
		m.IncPipelineDropped()
	})
}
