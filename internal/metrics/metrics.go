package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus collectors for the sentinel service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActivitiesTotal       prometheus.Counter
	AnomaliesTotal        *prometheus.CounterVec
	ModelErrorsTotal      *prometheus.CounterVec
	ActivityDuration      prometheus.Histogram
	ProfilesTracked       prometheus.Gauge
	IncidentsTotal        *prometheus.CounterVec
	StepsTotal            *prometheus.CounterVec
	AutomationRulesFired  *prometheus.CounterVec
	IncidentDuration      prometheus.Histogram
	ThreatLookupsTotal    *prometheus.CounterVec
	FeedRefreshesTotal    *prometheus.CounterVec
	IndicatorsCached      prometheus.Gauge
	SinkFailuresTotal     *prometheus.CounterVec
	InvalidPayloadsTotal  *prometheus.CounterVec
	NatsConnected         prometheus.Gauge
	PipelineDroppedTotal  prometheus.Counter
}

// New registers all collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActivitiesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_activities_total",
			Help: "Total number of activities scored by the behavior engine",
		}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_anomalies_total",
			Help: "Total number of anomaly events by severity",
		}, []string{"severity"}),
		ModelErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_model_errors_total",
			Help: "Total number of scoring model failures by model",
		}, []string{"model"}),
		ActivityDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_activity_duration_seconds",
			Help:    "Time spent scoring a single activity",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ProfilesTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_profiles_tracked",
			Help: "Number of entity profiles held in memory",
		}),
		IncidentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_incidents_total",
			Help: "Total number of incidents by outcome",
		}, []string{"outcome"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_playbook_steps_total",
			Help: "Total number of playbook steps by action and status",
		}, []string{"action", "status"}),
		AutomationRulesFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_automation_rules_fired_total",
			Help: "Total number of automation rule firings",
		}, []string{"rule_id"}),
		IncidentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_incident_duration_seconds",
			Help:    "Time spent processing a single incident",
			Buckets: prometheus.DefBuckets,
		}),
		ThreatLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_threat_lookups_total",
			Help: "Total number of reputation lookups by kind and result",
		}, []string{"kind", "result"}),
		FeedRefreshesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_refreshes_total",
			Help: "Total number of feed refreshes by feed and result",
		}, []string{"feed", "result"}),
		IndicatorsCached: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_indicators_cached",
			Help: "Number of threat indicators currently cached",
		}),
		SinkFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_sink_failures_total",
			Help: "Total number of persistence or notification failures by sink",
		}, []string{"sink"}),
		InvalidPayloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_invalid_payloads_total",
			Help: "Total number of rejected ingestion payloads by kind",
		}, []string{"kind"}),
		NatsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_nats_connected",
			Help: "Whether the NATS connection is up",
		}),
		PipelineDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_pipeline_dropped_total",
			Help: "Total number of records dropped because the pipeline queue was full",
		}),
	}
}

func (m *Metrics) IncActivities() {
	if m == nil {
		return
	}
	m.ActivitiesTotal.Inc()
}

func (m *Metrics) IncAnomaly(severity string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncModelError(model string) {
	if m == nil {
		return
	}
	m.ModelErrorsTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) ObserveActivityDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ActivityDuration.Observe(seconds)
}

func (m *Metrics) SetProfilesTracked(n int) {
	if m == nil {
		return
	}
	m.ProfilesTracked.Set(float64(n))
}

// IncIncident records an incident outcome: executed, cooldown, no_playbook, internal
func (m *Metrics) IncIncident(outcome string) {
	if m == nil {
		return
	}
	m.IncidentsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStep(action, status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) IncAutomationRule(ruleID string) {
	if m == nil {
		return
	}
	m.AutomationRulesFired.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ObserveIncidentDuration(seconds float64) {
	if m == nil {
		return
	}
	m.IncidentDuration.Observe(seconds)
}

// IncThreatLookup records a lookup result: hit, miss, stale, error
func (m *Metrics) IncThreatLookup(kind, result string) {
	if m == nil {
		return
	}
	m.ThreatLookupsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncFeedRefresh(feed, result string) {
	if m == nil {
		return
	}
	m.FeedRefreshesTotal.WithLabelValues(feed, result).Inc()
}

func (m *Metrics) SetIndicatorsCached(n int) {
	if m == nil {
		return
	}
	m.IndicatorsCached.Set(float64(n))
}

func (m *Metrics) IncSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailuresTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncInvalidPayload(kind string) {
	if m == nil {
		return
	}
	m.InvalidPayloadsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetNatsConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NatsConnected.Set(1)
	} else {
		m.NatsConnected.Set(0)
	}
}

func (m *Metrics) IncPipelineDropped() {
	if m == nil {
		return
	}
	m.PipelineDroppedTotal.Inc()
}
