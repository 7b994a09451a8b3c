package soar

import (
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// Predicate combines conditions: every all_of condition must hold and, when
// any_of is present, at least one of its conditions must hold
type Predicate struct {
	AllOf []Condition `yaml:"all_of" json:"all_of,omitempty"`
	AnyOf []Condition `yaml:"any_of" json:"any_of,omitempty"`
}

// Condition holds if every field that is set matches the incident
type Condition struct {
	Types           []string         `yaml:"types" json:"types,omitempty"`
	Severities      []string         `yaml:"severities" json:"severities,omitempty"`
	MinConfidence   *float64         `yaml:"min_confidence" json:"min_confidence,omitempty"`
	DetailKeys      []string         `yaml:"detail_keys" json:"detail_keys,omitempty"`
	RecentIncidents *RecentIncidents `yaml:"recent_incidents" json:"recent_incidents,omitempty"`
}

// RecentIncidents requires at least Min incidents received from the same
// source within the trailing window, the current one included
type RecentIncidents struct {
	Min           int `yaml:"min" json:"min"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// incidentContext is what a predicate is evaluated against
type incidentContext struct {
	incident model.Incident
	recent   []time.Time
	now      time.Time
}

func (p Predicate) matches(ic *incidentContext) bool {
	if len(p.AllOf) == 0 && len(p.AnyOf) == 0 {
		return false
	}
	for _, c := range p.AllOf {
		if !c.matches(ic) {
			return false
		}
	}
	if len(p.AnyOf) == 0 {
		return true
	}
	for _, c := range p.AnyOf {
		if c.matches(ic) {
			return true
		}
	}
	return false
}

func (c Condition) validate() error {
	if len(c.Types) == 0 && len(c.Severities) == 0 && c.MinConfidence == nil &&
		len(c.DetailKeys) == 0 && c.RecentIncidents == nil {
		return &ValidationError{Field: "when", Message: "empty condition"}
	}
	for _, s := range c.Severities {
		if sev, err := model.ParseSeverity(s); err != nil || sev == model.SeverityNone {
			return &ValidationError{Field: "when.severities", Message: "invalid severity " + s}
		}
	}
	if c.RecentIncidents != nil && (c.RecentIncidents.Min <= 0 || c.RecentIncidents.WindowSeconds <= 0) {
		return &ValidationError{Field: "when.recent_incidents", Message: "min and window_seconds must be positive"}
	}
	return nil
}

func (c Condition) matches(ic *incidentContext) bool {
	inc := ic.incident

	if len(c.Types) > 0 && !containsFold(c.Types, inc.Type) {
		return false
	}
	if len(c.Severities) > 0 && !containsFold(c.Severities, inc.Severity.String()) {
		return false
	}
	if c.MinConfidence != nil && !(inc.Confidence > *c.MinConfidence) {
		return false
	}
	if len(c.DetailKeys) > 0 && !hasAnyDetail(inc.Details, c.DetailKeys) {
		return false
	}
	if rc := c.RecentIncidents; rc != nil {
		cutoff := ic.now.Add(-time.Duration(rc.WindowSeconds) * time.Second)
		n := 0
		for _, ts := range ic.recent {
			if ts.After(cutoff) {
				n++
			}
		}
		if n < rc.Min {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// hasAnyDetail reports whether any key is present with a truthy value
func hasAnyDetail(details map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		v, ok := details[k]
		if !ok || v == nil {
			continue
		}
		switch tv := v.(type) {
		case bool:
			if tv {
				return true
			}
		case string:
			if tv != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}
