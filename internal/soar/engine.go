// Package soar matches incidents to response playbooks, executes their steps
// under a per-source cooldown, and evaluates automation rules afterwards.
package soar

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/shard"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/store"
)

// Options configures the orchestration engine
type Options struct {
	StepTimeout   time.Duration
	HistoryWindow time.Duration
	HistorySize   int
	MaxTasks      int
	Now           func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		StepTimeout:   10 * time.Second,
		HistoryWindow: 24 * time.Hour,
		HistorySize:   1000,
		MaxTasks:      5000,
		Now:           time.Now,
	}
}

// Drop reasons reported in stats and metrics
const (
	OutcomeExecuted   = "executed"
	OutcomeCooldown   = "cooldown"
	OutcomeNoPlaybook = "no_playbook"
	OutcomeInternal   = "internal"
	OutcomeDuplicate  = "duplicate"
)

// sourceState is the cooldown slot and arrival history of one source
type sourceState struct {
	mu        sync.Mutex
	lastID    string
	lastStart time.Time
	cooldown  time.Duration
	arrivals  []time.Time
	evicted   bool
}

func (s *sourceState) prune(cutoff time.Time) {
	i := 0
	for i < len(s.arrivals) && !s.arrivals[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.arrivals = append(s.arrivals[:0], s.arrivals[i:]...)
	}
}

// Stats summarises engine activity since start
type Stats struct {
	Total        int            `json:"total_incidents"`
	Active       int            `json:"active_incidents"`
	Processed    int            `json:"processed_incidents"`
	Dropped      map[string]int `json:"dropped"`
	BySeverity   map[string]int `json:"by_severity"`
	Playbooks    int            `json:"playbooks"`
	Rules        int            `json:"automation_rules"`
	PendingTasks int            `json:"pending_tasks"`
	Actions      []string       `json:"actions"`
}

// Engine is the orchestration engine
type Engine struct {
	catalog           atomic.Pointer[Catalog]
	actions           *Registry
	sources           *shard.Map[*sourceState]
	records           *store.MemoryStore[*trackedIncident]
	tasks             *TaskList
	automationEnabled atomic.Bool
	cooldownScale     atomic.Uint64

	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	statsMu    sync.Mutex
	dropped    map[string]int
	bySeverity map[string]int
}

// NewEngine creates an engine running catalog with the given actions
func NewEngine(catalog *Catalog, actions *Registry, opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	defaults := DefaultOptions()
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaults.StepTimeout
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaults.HistoryWindow
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaults.HistorySize
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = defaults.MaxTasks
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		actions:    actions,
		sources:    shard.New[*sourceState](),
		records:    store.NewMemoryStore(opts.HistorySize, opts.HistorySize*2, incidentKey),
		tasks:      NewTaskList(opts.MaxTasks),
		opts:       opts,
		metrics:    m,
		logger:     logger,
		dropped:    make(map[string]int),
		bySeverity: make(map[string]int),
	}
	e.automationEnabled.Store(true)
	e.cooldownScale.Store(math.Float64bits(1))
	e.SetCatalog(catalog)
	return e
}

// SetCatalog atomically replaces the playbook catalog. In-flight incidents
// finish with the catalog they started with.
func (e *Engine) SetCatalog(c *Catalog) {
	for _, p := range c.Playbooks {
		for _, st := range p.Steps {
			if _, ok := e.actions.Lookup(st.Action); st.Automated && !ok {
				e.logger.Warn("Playbook references unknown action",
					"playbook_id", p.ID,
					"action", st.Action,
					"known_actions", e.actions.Names())
			}
		}
	}
	for _, r := range c.Rules {
		if _, ok := e.actions.Lookup(r.Action); !ok {
			e.logger.Warn("Automation rule references unknown action",
				"rule_id", r.ID,
				"action", r.Action,
				"known_actions", e.actions.Names())
		}
	}
	e.catalog.Store(c)
	e.logger.Info("Response catalog activated",
		"playbooks", len(c.Playbooks),
		"automation_rules", len(c.Rules),
		"version", c.Version)
}

// Catalog returns the active catalog
func (e *Engine) Catalog() *Catalog {
	return e.catalog.Load()
}

// SetAutomationEnabled turns automation rule evaluation on or off
func (e *Engine) SetAutomationEnabled(enabled bool) {
	e.automationEnabled.Store(enabled)
}

// SetCooldownScale multiplies every playbook cooldown registered from now on
func (e *Engine) SetCooldownScale(scale float64) {
	if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return
	}
	e.cooldownScale.Store(math.Float64bits(scale))
}

func (e *Engine) scaledCooldown(d time.Duration) time.Duration {
	scale := math.Float64frombits(e.cooldownScale.Load())
	return time.Duration(float64(d) * scale)
}

// ProcessIncident runs the response for one incident. It returns the final
// record, or nil when the incident was ignored or dropped. Safe for
// concurrent use; incidents from the same source are serialized through
// the cooldown gate.
func (e *Engine) ProcessIncident(ctx context.Context, inc model.Incident) *IncidentRecord {
	start := e.opts.Now()
	inc.Normalize(start)
	cat := e.catalog.Load()

	if cat.IsInternal(inc.Type) {
		e.drop(OutcomeInternal)
		e.logger.Debug("Ignoring engine-internal incident", "incident_type", inc.Type, "source", inc.Source)
		return nil
	}
	if inc.ID != "" && e.records.Seen(inc.ID) {
		e.drop(OutcomeDuplicate)
		e.logger.Info("Duplicate incident ignored", "incident_id", inc.ID, "source", inc.Source)
		return nil
	}

	tracked, pb, arrivals, ok := e.register(cat, inc)
	if !ok {
		return nil
	}

	e.logger.Info("Executing playbook",
		"incident_id", tracked.id(),
		"playbook_id", pb.ID,
		"incident_type", inc.Type,
		"severity", inc.Severity.String(),
		"source", inc.Source)

	e.executeSteps(ctx, tracked, pb)
	tracked.finish(e.opts.Now())

	if e.automationEnabled.Load() {
		e.evaluateRules(ctx, cat, tracked, &incidentContext{
			incident: inc,
			recent:   arrivals,
			now:      e.opts.Now(),
		})
	}

	e.metrics.IncIncident(OutcomeExecuted)
	e.metrics.ObserveIncidentDuration(e.opts.Now().Sub(start).Seconds())
	e.countSeverity(inc.Severity)

	rec := tracked.snapshot()
	e.logger.Info("Incident processed",
		"incident_id", rec.ID,
		"playbook_id", rec.PlaybookID,
		"steps", len(rec.Steps),
		"automation_rules", len(rec.Rules))
	return &rec
}

// register performs the cooldown gate, playbook selection and registration
// under the source lock. It never does I/O.
func (e *Engine) register(cat *Catalog, inc model.Incident) (*trackedIncident, *Playbook, []time.Time, bool) {
	var st *sourceState
	for {
		st = e.sources.GetOrCreate(inc.Source, func() *sourceState { return &sourceState{} })
		st.mu.Lock()
		if !st.evicted {
			break
		}
		st.mu.Unlock()
	}
	defer st.mu.Unlock()

	now := e.opts.Now()
	st.prune(now.Add(-e.opts.HistoryWindow))
	st.arrivals = append(st.arrivals, now)

	if st.lastID != "" && now.Before(st.lastStart.Add(st.cooldown)) {
		e.drop(OutcomeCooldown)
		e.logger.Info("Incident dropped by cooldown",
			"source", inc.Source,
			"incident_type", inc.Type,
			"active_incident_id", st.lastID,
			"cooldown_until", st.lastStart.Add(st.cooldown))
		return nil, nil, nil, false
	}

	pb := cat.Select(inc)
	if pb == nil {
		e.drop(OutcomeNoPlaybook)
		e.logger.Info("No playbook matches incident",
			"source", inc.Source,
			"incident_type", inc.Type,
			"severity", inc.Severity.String())
		return nil, nil, nil, false
	}

	tracked := &trackedIncident{rec: IncidentRecord{
		ID:           uuid.NewString(),
		Incident:     inc,
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Status:       StatusActive,
		Steps:        []StepRecord{},
		StartedAt:    now,
	}}
	if !e.records.Add(tracked) {
		e.drop(OutcomeDuplicate)
		return nil, nil, nil, false
	}

	st.lastID = tracked.id()
	st.lastStart = now
	st.cooldown = e.scaledCooldown(pb.Cooldown())

	arrivals := append([]time.Time(nil), st.arrivals...)
	return tracked, pb, arrivals, true
}

func (e *Engine) executeSteps(ctx context.Context, tracked *trackedIncident, pb *Playbook) {
	inc := tracked.rec.Incident
	for _, step := range pb.Steps {
		sr := StepRecord{
			Action:    step.Action,
			Priority:  step.Priority,
			Automated: step.Automated,
			StartedAt: e.opts.Now(),
		}

		if !step.Automated {
			task := e.tasks.create(tracked.id(), pb.ID, step.Action, inc.Severity, sr.StartedAt)
			sr.Status = StepManualPending
			sr.TaskID = task.ID
		} else {
			sr.Status, sr.Error = e.runAction(ctx, step.Action, ActionContext{
				IncidentID: tracked.id(),
				PlaybookID: pb.ID,
				Action:     step.Action,
				Incident:   inc,
			})
		}

		sr.FinishedAt = e.opts.Now()
		tracked.addStep(sr)
		e.metrics.IncStep(step.Action, string(sr.Status))
	}
}

// runAction invokes a named action with the step timeout and converts
// panics into failures
func (e *Engine) runAction(ctx context.Context, name string, ac ActionContext) (status StepStatus, errMsg string) {
	fn, ok := e.actions.Lookup(name)
	if !ok {
		e.logger.Warn("Unknown action skipped", "action", name, "incident_id", ac.IncidentID)
		return StepSkipped, "unknown action"
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			status = StepFailed
			errMsg = fmt.Sprintf("panic: %v", r)
			e.logger.Error("Action panicked", "action", name, "incident_id", ac.IncidentID, "panic", r)
		}
	}()

	if err := fn(stepCtx, ac); err != nil {
		e.logger.Error("Action failed",
			"action", name,
			"incident_id", ac.IncidentID,
			"error", err)
		return StepFailed, err.Error()
	}
	return StepCompleted, ""
}

func (e *Engine) evaluateRules(ctx context.Context, cat *Catalog, tracked *trackedIncident, ic *incidentContext) {
	for _, rule := range cat.Rules {
		if !rule.Enabled || !rule.When.matches(ic) {
			continue
		}
		status, errMsg := e.runAction(ctx, rule.Action, ActionContext{
			IncidentID: tracked.id(),
			PlaybookID: tracked.rec.PlaybookID,
			RuleID:     rule.ID,
			Action:     rule.Action,
			Incident:   ic.incident,
		})
		tracked.addRule(RuleFiring{
			RuleID:  rule.ID,
			Action:  rule.Action,
			Status:  status,
			Error:   errMsg,
			FiredAt: e.opts.Now(),
		})
		e.metrics.IncAutomationRule(rule.ID)
		e.logger.Info("Automation rule fired",
			"rule_id", rule.ID,
			"action", rule.Action,
			"incident_id", tracked.id(),
			"status", status)
	}
}

func (e *Engine) drop(reason string) {
	e.metrics.IncIncident(reason)
	e.statsMu.Lock()
	e.dropped[reason]++
	e.statsMu.Unlock()
}

func (e *Engine) countSeverity(sev model.Severity) {
	e.statsMu.Lock()
	e.bySeverity[sev.String()]++
	e.statsMu.Unlock()
}

// RunSweeper periodically forgets sources with no recent arrivals and no
// running cooldown until ctx is done
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(e.opts.Now()); n > 0 {
				e.logger.Debug("Swept idle sources", "removed", n)
			}
		}
	}
}

// Sweep removes idle source state and returns how many sources were removed
func (e *Engine) Sweep(now time.Time) int {
	cutoff := now.Add(-e.opts.HistoryWindow)
	removed := 0

	e.sources.Range(func(src string, _ *sourceState) bool {
		if e.sources.DeleteIf(src, func(st *sourceState) bool {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.prune(cutoff)
			if len(st.arrivals) > 0 || now.Before(st.lastStart.Add(st.cooldown)) {
				return false
			}
			st.evicted = true
			return true
		}) {
			removed++
		}
		return true
	})
	return removed
}

// RecentIncidents returns up to limit incident records, newest first
func (e *Engine) RecentIncidents(limit int) []IncidentRecord {
	tracked := e.records.Recent(limit)
	out := make([]IncidentRecord, 0, len(tracked))
	for _, t := range tracked {
		out = append(out, t.snapshot())
	}
	return out
}

// Incident returns the newest record for an incident ID, or for a record ID
// when the incident carried none
func (e *Engine) Incident(id string) (IncidentRecord, bool) {
	t, ok := e.records.Find(id)
	if !ok {
		return IncidentRecord{}, false
	}
	return t.snapshot(), true
}

// Tasks returns manual tasks, optionally filtered by status
func (e *Engine) Tasks(status TaskStatus) []Task {
	return e.tasks.List(status)
}

// CompleteTask marks a manual task done
func (e *Engine) CompleteTask(id, by string) (Task, error) {
	return e.tasks.Complete(id, by, e.opts.Now())
}

// Stats returns engine statistics
func (e *Engine) Stats() Stats {
	s := Stats{
		Dropped:    make(map[string]int),
		BySeverity: make(map[string]int),
	}
	s.Total = e.records.Len()
	for _, t := range e.records.Items() {
		rec := t.snapshot()
		if rec.Status == StatusActive {
			s.Active++
		} else {
			s.Processed++
		}
	}

	e.statsMu.Lock()
	for k, v := range e.dropped {
		s.Dropped[k] = v
	}
	for k, v := range e.bySeverity {
		s.BySeverity[k] = v
	}
	e.statsMu.Unlock()

	cat := e.catalog.Load()
	s.Playbooks = len(cat.Playbooks)
	s.Rules = len(cat.Rules)
	s.PendingTasks = len(e.tasks.List(TaskPending))
	s.Actions = e.actions.Names()
	return s
}
