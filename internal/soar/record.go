package soar

import (
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// IncidentStatus is the lifecycle state of a registered incident
type IncidentStatus string

const (
	StatusActive    IncidentStatus = "active"
	StatusProcessed IncidentStatus = "processed"
)

// StepStatus is the outcome of one playbook step
type StepStatus string

const (
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
	StepManualPending StepStatus = "manual_pending"
	StepSkipped       StepStatus = "skipped"
)

// StepRecord traces one executed step
type StepRecord struct {
	Action     string     `json:"action"`
	Priority   int        `json:"priority"`
	Automated  bool       `json:"automated"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// RuleFiring traces one automation rule whose predicate held
type RuleFiring struct {
	RuleID  string     `json:"rule_id"`
	Action  string     `json:"action"`
	Status  StepStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	FiredAt time.Time  `json:"fired_at"`
}

// IncidentRecord is the audit trail of a registered incident
type IncidentRecord struct {
	ID           string         `json:"id"`
	Incident     model.Incident `json:"incident"`
	PlaybookID   string         `json:"playbook_id"`
	PlaybookName string         `json:"playbook_name"`
	Status       IncidentStatus `json:"status"`
	Steps        []StepRecord   `json:"steps"`
	Rules        []RuleFiring   `json:"automation_rules,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// trackedIncident guards a record that is still being executed while
// readers take snapshots of it
type trackedIncident struct {
	mu  sync.RWMutex
	rec IncidentRecord
}

func (t *trackedIncident) snapshot() IncidentRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := t.rec
	out.Steps = append([]StepRecord(nil), t.rec.Steps...)
	out.Rules = append([]RuleFiring(nil), t.rec.Rules...)
	if t.rec.EndedAt != nil {
		ended := *t.rec.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func (t *trackedIncident) addStep(s StepRecord) {
	t.mu.Lock()
	t.rec.Steps = append(t.rec.Steps, s)
	t.mu.Unlock()
}

func (t *trackedIncident) addRule(f RuleFiring) {
	t.mu.Lock()
	t.rec.Rules = append(t.rec.Rules, f)
	t.mu.Unlock()
}

func (t *trackedIncident) finish(at time.Time) {
	t.mu.Lock()
	t.rec.Status = StatusProcessed
	t.rec.EndedAt = &at
	t.mu.Unlock()
}

func (t *trackedIncident) id() string {
	return t.rec.ID
}

// incidentKey returns the id the record is deduplicated by: the upstream
// incident id when present, otherwise the record id
func incidentKey(t *trackedIncident) string {
	if t.rec.Incident.ID != "" {
		return t.rec.Incident.ID
	}
	return t.rec.ID
}
