// Package pipeline wires the engines together: activity is scored by the
// behavior engine, anomalies and external incidents are enriched with threat
// intelligence and handed to the orchestration engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/sink"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/soar"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/threatintel"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/ueba"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("pipeline stopped")

// ErrQueueFull is returned by Submit when the target worker queue is full
var ErrQueueFull = errors.New("pipeline queue full")

// BehaviorScorer scores activity against entity baselines
type BehaviorScorer interface {
	ProcessActivity(ctx context.Context, act model.Activity) *ueba.AnomalyEvent
}

// Enricher annotates security events with reputation data
type Enricher interface {
	EnrichEvent(ctx context.Context, ev model.SecurityEvent) threatintel.EnrichedEvent
}

// Responder runs incidents through playbooks
type Responder interface {
	ProcessIncident(ctx context.Context, inc model.Incident) *soar.IncidentRecord
}

// Options sizes the worker pool
type Options struct {
	Workers   int
	QueueSize int
}

type job struct {
	activity *model.Activity
	incident *model.Incident
}

// Pipeline runs records through the engines on a fixed pool of workers.
// Records with the same entity or source always land on the same worker, so
// they are processed in arrival order.
type Pipeline struct {
	scorer    BehaviorScorer
	enricher  Enricher
	responder Responder
	sink      sink.Sink

	queues []chan job
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a pipeline. Start must be called before Submit.
func New(opts Options, scorer BehaviorScorer, enricher Enricher, responder Responder, out sink.Sink, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	perWorker := opts.QueueSize / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	p := &Pipeline{
		scorer:    scorer,
		enricher:  enricher,
		responder: responder,
		sink:      out,
		queues:    make([]chan job, opts.Workers),
		metrics:   m,
		logger:    logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, perWorker)
	}
	return p
}

// Start launches the workers. They exit once Stop has drained their queues.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(len(p.queues))
	for i, q := range p.queues {
		go func(id int, q chan job) {
			defer p.wg.Done()
			for j := range q {
				p.handle(ctx, j)
			}
			p.logger.Debug("Pipeline worker stopped", "worker", id)
		}(i, q)
	}
	p.logger.Info("Pipeline started", "workers", len(p.queues), "queue_per_worker", cap(p.queues[0]))
}

// Stop closes the queues and waits for queued records to finish
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Pipeline stopped")
}

// SubmitActivity queues an activity without blocking
func (p *Pipeline) SubmitActivity(act model.Activity) error {
	return p.submit(act.EntityID(), job{activity: &act})
}

// SubmitIncident queues an incident without blocking
func (p *Pipeline) SubmitIncident(inc model.Incident) error {
	return p.submit(strings.TrimSpace(inc.Source), job{incident: &inc})
}

func (p *Pipeline) submit(key string, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	q := p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
	select {
	case q <- j:
		return nil
	default:
		p.metrics.IncPipelineDropped()
		return ErrQueueFull
	}
}

func (p *Pipeline) handle(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while processing record", "panic", fmt.Sprint(r))
		}
	}()
	switch {
	case j.activity != nil:
		p.HandleActivity(ctx, *j.activity)
	case j.incident != nil:
		p.HandleIncident(ctx, *j.incident)
	}
}

// HandleActivity scores one activity. An anomaly is enriched, persisted,
// notified and raised as an incident.
func (p *Pipeline) HandleActivity(ctx context.Context, act model.Activity) {
	anomaly := p.scorer.ProcessActivity(ctx, act)
	if anomaly == nil {
		return
	}

	ev := anomaly.SecurityEvent()
	enriched := p.enricher.EnrichEvent(ctx, ev)
	ev.Severity = enriched.FinalSeverity
	annotate(ev.Details, enriched)
	p.report(ctx, ev)

	inc := anomaly.Incident()
	inc.Severity = enriched.FinalSeverity
	annotate(inc.Details, enriched)

	p.logger.Info("Behavior anomaly raised",
		"anomaly_id", anomaly.ID,
		"entity_id", anomaly.EntityID,
		"score", anomaly.Score,
		"severity", inc.Severity.String(),
		"threat_match", enriched.IsThreat())

	p.responder.ProcessIncident(ctx, inc)
}

// HandleIncident enriches an incident raised by another detector and runs it
// through the orchestration engine. A reputation match raises the incident
// severity and is reported as its own security event.
func (p *Pipeline) HandleIncident(ctx context.Context, inc model.Incident) {
	if inc.Details == nil {
		inc.Details = make(map[string]interface{})
	}

	enriched := p.enricher.EnrichEvent(ctx, model.SecurityEvent{
		ID:        inc.ID,
		Type:      inc.Type,
		Severity:  inc.Severity,
		Source:    inc.Source,
		Details:   inc.Details,
		Timestamp: inc.Timestamp,
	})

	if enriched.IsThreat() {
		inc.Severity = model.MaxSeverity(inc.Severity, enriched.FinalSeverity)
		annotate(inc.Details, enriched)
		p.report(ctx, threatEvent(inc, enriched))
	}

	p.responder.ProcessIncident(ctx, inc)
}

func (p *Pipeline) report(ctx context.Context, ev model.SecurityEvent) {
	if err := p.sink.PersistSecurityEvent(ctx, ev); err != nil {
		p.logger.Error("Failed to persist security event", "event_id", ev.ID, "error", err)
	}
	if err := p.sink.Notify(ctx, ev); err != nil {
		p.logger.Error("Failed to send notification", "event_id", ev.ID, "error", err)
	}
}

func annotate(details map[string]interface{}, enriched threatintel.EnrichedEvent) {
	if details == nil || !enriched.IsThreat() {
		return
	}
	details["threat_risk_score"] = enriched.RiskScore
	details["threat_indicators"] = enriched.Indicators
	details["recommendations"] = enriched.Recommendations
	details["attack_patterns"] = enriched.AttackPatterns
	details["mitre_tactics"] = enriched.MitreTactics
	if enriched.Event.Severity != enriched.FinalSeverity {
		details["original_severity"] = enriched.Event.Severity.String()
	}
}

func threatEvent(inc model.Incident, enriched threatintel.EnrichedEvent) model.SecurityEvent {
	ts := inc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return model.SecurityEvent{
		ID:       uuid.New().String(),
		Type:     model.EventThreatDetected,
		Severity: enriched.FinalSeverity,
		Source:   inc.Source,
		Message:  fmt.Sprintf("Threat intelligence match for %s incident from %s", inc.Type, inc.Source),
		Details: map[string]interface{}{
			"incident_id":       inc.ID,
			"incident_type":     inc.Type,
			"risk_score":        enriched.RiskScore,
			"threat_indicators": enriched.Indicators,
			"recommendations":   enriched.Recommendations,
		},
		Timestamp: ts,
	}
}
