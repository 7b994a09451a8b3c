package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivity_EntityID(t *testing.T) {
	tests := []struct {
		name     string
		activity Activity
		expected string
	}{
		{"user id wins", Activity{UserID: "u-1", Username: "alice", ClientIP: "10.0.0.1"}, "u-1"},
		{"username fallback", Activity{Username: "alice", ClientIP: "10.0.0.1"}, "alice"},
		{"ip fallback", Activity{ClientIP: "10.0.0.1"}, "10.0.0.1"},
		{"blank fields ignored", Activity{UserID: "  ", ClientIP: "10.0.0.1"}, "10.0.0.1"},
		{"anonymous", Activity{}, "anonymous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.activity.EntityID())
		})
	}
}

func TestActivity_Normalize(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	a := Activity{Method: " post ", ClientIP: " 10.0.0.1 "}
	a.Normalize(now)
	assert.Equal(t, now, a.Timestamp)
	assert.Equal(t, "POST", a.Method)
	assert.Equal(t, "10.0.0.1", a.ClientIP)

	b := Activity{}
	b.Normalize(now)
	assert.Equal(t, "GET", b.Method)
}

func TestIncident_Normalize(t *testing.T) {
	now := time.Now()
	inc := Incident{Type: "brute_force_escalation", Confidence: 1.7}
	inc.Normalize(now)

	assert.Equal(t, "unknown", inc.Source)
	assert.Equal(t, SeverityLow, inc.Severity)
	assert.Equal(t, 1.0, inc.Confidence)
	assert.NotNil(t, inc.Details)
	assert.Equal(t, now, inc.Timestamp)
}

func TestSeverity_ParseAndOrder(t *testing.T) {
	s, err := ParseSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)

	assert.True(t, SeverityCritical > SeverityHigh)
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
}

func TestSeverity_JSON(t *testing.T) {
	var inc Incident
	require.NoError(t, json.Unmarshal([]byte(`{"type":"x","severity":"critical","source":"1.2.3.4"}`), &inc))
	assert.Equal(t, SeverityCritical, inc.Severity)

	out, err := json.Marshal(inc)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"severity":"critical"`)
}

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityForScore(0.95))
	assert.Equal(t, SeverityHigh, SeverityForScore(0.7))
	assert.Equal(t, SeverityMedium, SeverityForScore(0.68))
	assert.Equal(t, SeverityLow, SeverityForScore(0.3))
	assert.Equal(t, SeverityNone, SeverityForScore(0.29))
}
