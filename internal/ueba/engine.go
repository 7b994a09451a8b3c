package ueba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/shard"
)

// Options configures the behavior engine
type Options struct {
	LearningPeriod time.Duration
	MinSamples     int
	OffHours       HourWindow
	HistorySize    int
	AnomalyLimit   int
	ProfileIdleTTL time.Duration
	Resolver       GeoResolver
	Now            func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		LearningPeriod: 7 * 24 * time.Hour,
		MinSamples:     50,
		OffHours:       DefaultOffHours,
		HistorySize:    1000,
		AnomalyLimit:   50,
		ProfileIdleTTL: 30 * 24 * time.Hour,
		Resolver:       OctetResolver{},
		Now:            time.Now,
	}
}

// AnomalyEvent is an immutable record of an activity that scored above the
// low threshold for an entity outside learning mode
type AnomalyEvent struct {
	ID         string             `json:"id"`
	EntityID   string             `json:"entity_id"`
	Score      float64            `json:"score"`
	Severity   model.Severity     `json:"severity"`
	Models     map[string]float64 `json:"models"`
	TopFactors []string           `json:"top_factors"`
	Location   Location           `json:"location,omitempty"`
	Activity   model.Activity     `json:"activity"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Incident converts the anomaly into an incident for the orchestration engine
func (a *AnomalyEvent) Incident() model.Incident {
	source := a.Activity.ClientIP
	if source == "" {
		source = a.EntityID
	}
	return model.Incident{
		ID:         a.ID,
		Type:       model.IncidentTypeBehaviorAnomaly,
		Severity:   a.Severity,
		Source:     source,
		Confidence: a.Score,
		Timestamp:  a.Timestamp,
		Details: map[string]interface{}{
			"entity_id":    a.EntityID,
			"anomaly_id":   a.ID,
			"model_scores": a.Models,
			"top_factors":  a.TopFactors,
			"path":         a.Activity.Path,
			"user_agent":   a.Activity.UserAgent,
		},
	}
}

// SecurityEvent converts the anomaly into an audit record
func (a *AnomalyEvent) SecurityEvent() model.SecurityEvent {
	return model.SecurityEvent{
		ID:        a.ID,
		Type:      model.EventUserBehaviorAnomaly,
		Severity:  a.Severity,
		Source:    a.Activity.ClientIP,
		EntityID:  a.EntityID,
		UserAgent: a.Activity.UserAgent,
		Path:      a.Activity.Path,
		Message:   fmt.Sprintf("Anomalous behavior detected for %s (score %.2f)", a.EntityID, a.Score),
		Details: map[string]interface{}{
			"score":        a.Score,
			"model_scores": a.Models,
			"top_factors":  a.TopFactors,
			"country":      a.Location.Country,
			"city":         a.Location.City,
		},
		Timestamp: a.Timestamp,
	}
}

type settings struct {
	learningPeriod time.Duration
	minSamples     int
	offHours       HourWindow
}

// Engine builds per-entity baselines and scores activity against them
type Engine struct {
	profiles     *shard.Map[*EntityProfile]
	models       []behaviorModel
	settings     atomic.Pointer[settings]
	resolver     GeoResolver
	now          func() time.Time
	historySize  int
	anomalyLimit int
	idleTTL      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	gcMu     sync.Mutex
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// NewEngine creates a behavior engine
func NewEngine(opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	defaults := DefaultOptions()
	if opts.LearningPeriod < 0 {
		opts.LearningPeriod = 0
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaults.HistorySize
	}
	if opts.AnomalyLimit <= 0 {
		opts.AnomalyLimit = defaults.AnomalyLimit
	}
	if opts.ProfileIdleTTL <= 0 {
		opts.ProfileIdleTTL = defaults.ProfileIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		profiles:     shard.New[*EntityProfile](),
		models:       defaultModels(),
		resolver:     opts.Resolver,
		now:          opts.Now,
		historySize:  opts.HistorySize,
		anomalyLimit: opts.AnomalyLimit,
		idleTTL:      opts.ProfileIdleTTL,
		metrics:      m,
		logger:       logger,
	}
	e.UpdateSettings(opts.LearningPeriod, opts.MinSamples, opts.OffHours)
	return e
}

// UpdateSettings swaps the live-tunable settings
func (e *Engine) UpdateSettings(learningPeriod time.Duration, minSamples int, offHours HourWindow) {
	if minSamples < 0 {
		minSamples = 0
	}
	e.settings.Store(&settings{
		learningPeriod: learningPeriod,
		minSamples:     minSamples,
		offHours:       offHours,
	})
	e.logger.Info("Behavior engine settings updated",
		"learning_period", learningPeriod.String(),
		"min_samples", minSamples,
		"off_hours", offHours.String())
}

// ProcessActivity records the activity on its entity profile and returns an
// anomaly event when the entity is past learning mode and the composite score
// is above the low threshold.
func (e *Engine) ProcessActivity(ctx context.Context, act model.Activity) *AnomalyEvent {
	start := time.Now()
	defer func() {
		e.metrics.IncActivities()
		e.metrics.ObserveActivityDuration(time.Since(start).Seconds())
	}()

	now := e.now()
	act.Normalize(now)
	entityID := act.EntityID()
	cfg := e.settings.Load()

	// Geolocation may call out to an external resolver, so it happens
	// before the profile lock is taken.
	loc, locErr := locate(ctx, e.resolver, act.ClientIP)

	for {
		p := e.profiles.GetOrCreate(entityID, func() *EntityProfile {
			return newProfile(entityID, now, e.historySize, e.anomalyLimit)
		})

		p.mu.Lock()
		if p.evicted {
			p.mu.Unlock()
			continue
		}
		ev := e.processLocked(p, act, loc, locErr, cfg, now)
		p.mu.Unlock()
		return ev
	}
}

func (e *Engine) processLocked(p *EntityProfile, act model.Activity, loc Location, locErr error, cfg *settings, now time.Time) *AnomalyEvent {
	learning := p.learning(now, cfg.learningPeriod, cfg.minSamples)
	p.record(act)
	p.touchedAt = now

	if learning {
		if locErr != nil {
			loc = Location{}
		}
		p.baseline.learn(act, loc)
		return nil
	}

	in := &modelInput{
		profile:  p,
		activity: act,
		location: loc,
		locErr:   locErr,
		offHours: cfg.offHours,
	}
	score, breakdown := e.composite(in)
	if score <= lowThreshold {
		return nil
	}

	ev := &AnomalyEvent{
		ID:         uuid.NewString(),
		EntityID:   p.id,
		Score:      score,
		Severity:   model.SeverityForScore(score),
		Models:     breakdown,
		TopFactors: topFactors(breakdown, e.models, 3),
		Location:   loc,
		Activity:   act,
		Timestamp:  now,
	}
	p.addAnomaly(ev)

	e.metrics.IncAnomaly(ev.Severity.String())
	e.logger.Info("Behavior anomaly detected",
		"entity_id", p.id,
		"score", score,
		"severity", ev.Severity.String(),
		"top_factors", ev.TopFactors)
	return ev
}

const lowThreshold = 0.3

// composite is the weighted average over models that produced a score
func (e *Engine) composite(in *modelInput) (float64, map[string]float64) {
	breakdown := make(map[string]float64, len(e.models))
	var weighted, totalWeight float64

	for _, m := range e.models {
		s, err := runModel(m, in)
		if errors.Is(err, ErrNoSignal) {
			continue
		}
		if err != nil {
			e.metrics.IncModelError(m.name)
			e.logger.Warn("Behavior model failed",
				"model", m.name,
				"entity_id", in.profile.id,
				"error", err)
			continue
		}
		s = capScore(s)
		breakdown[m.name] = s
		weighted += s * m.weight
		totalWeight += m.weight
	}

	if totalWeight == 0 {
		return 0, breakdown
	}
	return weighted / totalWeight, breakdown
}

func topFactors(breakdown map[string]float64, models []behaviorModel, n int) []string {
	type contribution struct {
		name  string
		value float64
	}
	var contribs []contribution
	for _, m := range models {
		if s, ok := breakdown[m.name]; ok && s > 0 {
			contribs = append(contribs, contribution{m.name, s * m.weight})
		}
	}
	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].value > contribs[j].value
	})

	out := make([]string, 0, n)
	for i := 0; i < len(contribs) && i < n; i++ {
		out = append(out, contribs[i].name)
	}
	return out
}

// StartGC starts evicting profiles idle for longer than the configured TTL
func (e *Engine) StartGC(interval time.Duration) {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()

	if e.gcTicker != nil {
		return
	}
	e.gcTicker = time.NewTicker(interval)
	e.stopGC = make(chan struct{})
	go e.gcRoutine(e.gcTicker, e.stopGC)
}

// StopGC stops the eviction routine
func (e *Engine) StopGC() {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()

	if e.gcTicker != nil {
		e.gcTicker.Stop()
		e.gcTicker = nil
	}
	if e.stopGC != nil {
		close(e.stopGC)
		e.stopGC = nil
	}
}

func (e *Engine) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			e.GC(e.now())
		case <-stop:
			return
		}
	}
}

// GC evicts profiles not touched since now minus the idle TTL and returns
// how many were removed
func (e *Engine) GC(now time.Time) int {
	cutoff := now.Add(-e.idleTTL)
	removed := 0

	e.profiles.Range(func(id string, _ *EntityProfile) bool {
		if e.profiles.DeleteIf(id, func(p *EntityProfile) bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			if !p.touchedAt.Before(cutoff) {
				return false
			}
			p.evicted = true
			return true
		}) {
			removed++
		}
		return true
	})

	tracked := e.profiles.Len()
	e.metrics.SetProfilesTracked(tracked)
	if removed > 0 {
		e.logger.Info("Evicted idle profiles", "removed", removed, "tracked", tracked)
	}
	return removed
}
