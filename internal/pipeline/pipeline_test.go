package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/blocklist"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/soar"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/threatintel"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/ueba"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeScorer struct {
	anomaly *ueba.AnomalyEvent
}

func (f *fakeScorer) ProcessActivity(_ context.Context, act model.Activity) *ueba.AnomalyEvent {
	if f.anomaly == nil {
		return nil
	}
	ev := *f.anomaly
	ev.Activity = act
	return &ev
}

// fakeEnricher treats one source as a known botnet address
type fakeEnricher struct {
	bad string
}

func (f *fakeEnricher) EnrichEvent(_ context.Context, ev model.SecurityEvent) threatintel.EnrichedEvent {
	out := threatintel.EnrichedEvent{Event: ev, FinalSeverity: ev.Severity}
	if ev.Source == f.bad {
		out.IP = &threatintel.ThreatIndicator{Kind: threatintel.KindIP, Value: ev.Source, IsThreat: true, Category: "botnet"}
		out.RiskScore = 0.855
		out.FinalSeverity = model.MaxSeverity(ev.Severity, model.SeverityHigh)
		out.Indicators = []string{"Malicious IP: " + ev.Source + " (botnet)"}
	}
	return out
}

type fakeResponder struct {
	mu        sync.Mutex
	incidents []model.Incident
}

func (f *fakeResponder) ProcessIncident(_ context.Context, inc model.Incident) *soar.IncidentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, inc)
	return &soar.IncidentRecord{Incident: inc}
}

func (f *fakeResponder) received() []model.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Incident(nil), f.incidents...)
}

type recordingSink struct {
	mu        sync.Mutex
	persisted []model.SecurityEvent
	notified  []model.SecurityEvent
}

func (r *recordingSink) PersistSecurityEvent(_ context.Context, ev model.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, ev)
	return nil
}

func (r *recordingSink) Notify(_ context.Context, ev model.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, ev)
	return nil
}

func anomaly(score float64) *ueba.AnomalyEvent {
	return &ueba.AnomalyEvent{
		ID:        "anomaly-1",
		EntityID:  "alice",
		Score:     score,
		Severity:  model.SeverityForScore(score),
		Models:    map[string]float64{"temporal": 0.7},
		Timestamp: baseTime,
	}
}

func TestHandleActivityWithoutAnomaly(t *testing.T) {
	resp := &fakeResponder{}
	out := &recordingSink{}
	p := New(Options{}, &fakeScorer{}, &fakeEnricher{}, resp, out, nil, testLogger())

	p.HandleActivity(context.Background(), model.Activity{UserID: "alice"})
	assert.Empty(t, resp.received())
	assert.Empty(t, out.persisted)
}

func TestHandleActivityRaisesEnrichedIncident(t *testing.T) {
	resp := &fakeResponder{}
	out := &recordingSink{}
	p := New(Options{}, &fakeScorer{anomaly: anomaly(0.55)}, &fakeEnricher{bad: "198.51.100.10"}, resp, out, nil, testLogger())

	p.HandleActivity(context.Background(), model.Activity{UserID: "alice", ClientIP: "198.51.100.10"})

	require.Len(t, out.persisted, 1)
	require.Len(t, out.notified, 1)
	ev := out.persisted[0]
	assert.Equal(t, model.EventUserBehaviorAnomaly, ev.Type)
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, "medium", ev.Details["original_severity"])
	assert.Equal(t, 0.855, ev.Details["threat_risk_score"])

	incidents := resp.received()
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, model.IncidentTypeBehaviorAnomaly, inc.Type)
	assert.Equal(t, "198.51.100.10", inc.Source)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.InDelta(t, 0.55, inc.Confidence, 1e-9)
	assert.Equal(t, "alice", inc.Details["entity_id"])
}

func TestHandleIncidentThreatMatch(t *testing.T) {
	resp := &fakeResponder{}
	out := &recordingSink{}
	p := New(Options{}, &fakeScorer{}, &fakeEnricher{bad: "198.51.100.10"}, resp, out, nil, testLogger())

	p.HandleIncident(context.Background(), model.Incident{
		ID:        "inc-1",
		Type:      "brute_force_escalation",
		Severity:  model.SeverityMedium,
		Source:    "198.51.100.10",
		Timestamp: baseTime,
	})

	require.Len(t, out.persisted, 1)
	assert.Equal(t, model.EventThreatDetected, out.persisted[0].Type)
	assert.Equal(t, "inc-1", out.persisted[0].Details["incident_id"])

	incidents := resp.received()
	require.Len(t, incidents, 1)
	assert.Equal(t, model.SeverityHigh, incidents[0].Severity)
	assert.Contains(t, incidents[0].Details, "threat_indicators")
}

func TestHandleIncidentClean(t *testing.T) {
	resp := &fakeResponder{}
	out := &recordingSink{}
	p := New(Options{}, &fakeScorer{}, &fakeEnricher{}, resp, out, nil, testLogger())

	p.HandleIncident(context.Background(), model.Incident{Type: "port_scan", Severity: model.SeverityLow, Source: "192.0.2.9"})

	assert.Empty(t, out.persisted)
	incidents := resp.received()
	require.Len(t, incidents, 1)
	assert.Equal(t, model.SeverityLow, incidents[0].Severity)
	assert.NotContains(t, incidents[0].Details, "threat_indicators")
}

func TestWorkersPreserveOrderPerSource(t *testing.T) {
	resp := &fakeResponder{}
	p := New(Options{Workers: 4, QueueSize: 400}, &fakeScorer{}, &fakeEnricher{}, resp, &recordingSink{}, nil, testLogger())
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		require.NoError(t, p.SubmitIncident(model.Incident{ID: string(rune('A' + i)), Type: "probe", Source: "192.0.2.1"}))
	}
	p.Stop()

	incidents := resp.received()
	require.Len(t, incidents, 50)
	for i, inc := range incidents {
		assert.Equal(t, string(rune('A'+i)), inc.ID)
	}
	assert.ErrorIs(t, p.SubmitIncident(model.Incident{Source: "192.0.2.1"}), ErrStopped)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1}, &fakeScorer{}, &fakeEnricher{}, &fakeResponder{}, &recordingSink{}, nil, testLogger())

	require.NoError(t, p.SubmitActivity(model.Activity{UserID: "alice"}))
	assert.ErrorIs(t, p.SubmitActivity(model.Activity{UserID: "alice"}), ErrQueueFull)
	p.Stop()
}

func TestEnrichmentPromotesIncidentIntoPlaybook(t *testing.T) {
	logger := testLogger()
	now := func() time.Time { return baseTime }

	ti, err := threatintel.NewStore(threatintel.Options{Now: now}, nil, logger)
	require.NoError(t, err)
	local, err := threatintel.NewLocalFeed()
	require.NoError(t, err)
	feeds, err := threatintel.DefaultFeeds()
	require.NoError(t, err)
	for _, f := range feeds {
		if f.ID == "local_db" {
			require.NoError(t, ti.AddFeed(f, local))
		}
	}

	blocks, err := blocklist.NewMemoryStore(100, now)
	require.NoError(t, err)
	out := &recordingSink{}
	catalog, err := soar.DefaultCatalog(logger)
	require.NoError(t, err)
	actions := soar.DefaultActions(soar.ActionDeps{Blocker: blocks, Sink: out, Logger: logger, Now: now})
	responder := soar.NewEngine(catalog, actions, soar.Options{Now: now}, nil, logger)

	p := New(Options{}, &fakeScorer{}, ti, responder, out, nil, logger)
	p.HandleIncident(context.Background(), model.Incident{
		ID:         "inc-botnet",
		Type:       "brute_force_escalation",
		Severity:   model.SeverityMedium,
		Source:     "198.51.100.10",
		Confidence: 0.6,
		Timestamp:  baseTime,
	})

	recent := responder.RecentIncidents(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "brute_force_response", recent[0].PlaybookID)
	assert.Equal(t, model.SeverityHigh, recent[0].Incident.Severity)

	blocked, err := blocks.IsBlocked(context.Background(), "198.51.100.10")
	require.NoError(t, err)
	assert.True(t, blocked)
}
