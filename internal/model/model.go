package model

import (
	"strings"
	"time"
)

// Activity is a single observed request or log record for an entity
type Activity struct {
	UserID    string                 `json:"user_id,omitempty"`
	Username  string                 `json:"username,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Method    string                 `json:"method,omitempty"`
	Status    int                    `json:"status,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EntityID returns the profile key for the activity: user id, then username,
// then client IP, then "anonymous".
func (a *Activity) EntityID() string {
	for _, id := range []string{a.UserID, a.Username, a.ClientIP} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return "anonymous"
}

// Normalize fills neutral defaults for missing optional fields
func (a *Activity) Normalize(now time.Time) {
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.Method = strings.ToUpper(strings.TrimSpace(a.Method))
	if a.Method == "" {
		a.Method = "GET"
	}
	a.ClientIP = strings.TrimSpace(a.ClientIP)
}

// Incident is a detection raised by UEBA or any other detector
type Incident struct {
	ID         string                 `json:"id,omitempty"`
	Type       string                 `json:"type"`
	Severity   Severity               `json:"severity"`
	Source     string                 `json:"source"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Normalize fills safe defaults for a freshly ingested incident
func (i *Incident) Normalize(now time.Time) {
	if i.Timestamp.IsZero() {
		i.Timestamp = now
	}
	i.Source = strings.TrimSpace(i.Source)
	if i.Source == "" {
		i.Source = "unknown"
	}
	if i.Severity == SeverityNone {
		i.Severity = SeverityLow
	}
	if i.Confidence < 0 {
		i.Confidence = 0
	} else if i.Confidence > 1 {
		i.Confidence = 1
	}
	if i.Details == nil {
		i.Details = make(map[string]interface{})
	}
}

// SecurityEvent is the audit/notification record handed to sinks
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source,omitempty"`
	EntityID  string                 `json:"entity_id,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Security event types written by the engine itself
const (
	EventUserBehaviorAnomaly = "USER_BEHAVIOR_ANOMALY"
	EventSOARIncident        = "SOAR_INCIDENT"
	EventAutomatedResponse   = "AUTOMATED_RESPONSE"
	EventIPBlocked           = "IP_BLOCKED"
	EventThreatDetected      = "THREAT_INTEL_MATCH"
)

// IncidentTypeBehaviorAnomaly is the incident type raised for UEBA anomalies
const IncidentTypeBehaviorAnomaly = "user_behavior_anomaly"
