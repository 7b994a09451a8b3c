package soar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// Wildcard matches any incident type in a playbook trigger list
const Wildcard = "*"

// Step is one response action of a playbook
type Step struct {
	Action    string `yaml:"action" json:"action"`
	Priority  int    `yaml:"priority" json:"priority"`
	Automated bool   `yaml:"automated" json:"automated"`
}

// Playbook binds incident types and severities to an ordered list of steps
type Playbook struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Triggers        []string `yaml:"triggers" json:"triggers"`
	Severities      []string `yaml:"severities" json:"severities"`
	Steps           []Step   `yaml:"steps" json:"steps"`
	CooldownSeconds int      `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Disabled        bool     `yaml:"disabled" json:"disabled,omitempty"`
	SourceFile      string   `yaml:"-" json:"source_file,omitempty"`

	severitySet map[model.Severity]bool
}

// Cooldown returns the minimum time between runs for the same source
func (p *Playbook) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// Validate checks the playbook and prepares it for matching
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Message: "playbook ID is required"}
	}
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "playbook name is required"}
	}
	if len(p.Triggers) == 0 {
		return &ValidationError{Field: "triggers", Message: "at least one trigger is required"}
	}
	if len(p.Severities) == 0 {
		return &ValidationError{Field: "severities", Message: "at least one severity is required"}
	}
	if len(p.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "at least one step is required"}
	}
	if p.CooldownSeconds < 0 {
		return &ValidationError{Field: "cooldown_seconds", Message: "cooldown must not be negative"}
	}

	set := make(map[model.Severity]bool, len(p.Severities))
	for _, s := range p.Severities {
		sev, err := model.ParseSeverity(s)
		if err != nil || sev == model.SeverityNone {
			return &ValidationError{Field: "severities", Message: "invalid severity, must be low/medium/high/critical"}
		}
		set[sev] = true
	}
	for i, st := range p.Steps {
		if strings.TrimSpace(st.Action) == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].action", i), Message: "action is required"}
		}
	}

	p.severitySet = set
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Priority < p.Steps[j].Priority
	})
	return nil
}

// triggeredBy reports whether the playbook applies to the incident type
func (p *Playbook) triggeredBy(incidentType string) bool {
	for _, t := range p.Triggers {
		if t == Wildcard || strings.EqualFold(t, incidentType) {
			return true
		}
	}
	return false
}

func (p *Playbook) appliesTo(sev model.Severity) bool {
	return p.severitySet[sev]
}

// AutomationRule is a predicate to action pair evaluated after every
// executed playbook
type AutomationRule struct {
	ID      string    `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Enabled bool      `yaml:"enabled" json:"enabled"`
	When    Predicate `yaml:"when" json:"when"`
	Action  string    `yaml:"action" json:"action"`
}

// Validate checks the rule
func (r *AutomationRule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule ID is required"}
	}
	if r.Action == "" {
		return &ValidationError{Field: "action", Message: "action is required"}
	}
	if len(r.When.AllOf) == 0 && len(r.When.AnyOf) == 0 {
		return &ValidationError{Field: "when", Message: "at least one condition is required"}
	}
	for _, c := range append(append([]Condition{}, r.When.AllOf...), r.When.AnyOf...) {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidationError represents a catalog validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
