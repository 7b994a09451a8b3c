package threatintel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

func TestEnrichEventKnownHashRaisesSeverity(t *testing.T) {
	s := newLocalStore(t, newClock())

	ev := model.SecurityEvent{
		ID:       "evt-1",
		Type:     "FILE_UPLOAD",
		Severity: model.SeverityLow,
		Source:   "10.0.0.8",
		Message:  "upload finished",
		Details: map[string]interface{}{
			"sha1": "A1B2C3D4E5F6789012345678901234567890ABCD",
		},
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	out := s.EnrichEvent(context.Background(), ev)
	require.Len(t, out.Hashes, 1)
	assert.True(t, out.Hashes[0].IsThreat)
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcd", out.Hashes[0].Value)
	assert.True(t, out.IsThreat())
	assert.GreaterOrEqual(t, out.FinalSeverity, model.SeverityHigh)
	assert.InDelta(t, 0.98, out.RiskScore, 1e-9)
	assert.Contains(t, out.Recommendations, "Quarantine file with hash a1b2c3d4e5f6789012345678901234567890abcd - known malware")
	assert.Equal(t, []string{"Malware Distribution"}, out.AttackPatterns)
	assert.Equal(t, []string{"Execution", "Persistence"}, out.MitreTactics)
}

func TestEnrichEventCombinesMatches(t *testing.T) {
	s := newLocalStore(t, newClock())

	ev := model.SecurityEvent{
		ID:       "evt-2",
		Type:     "SUSPICIOUS_REQUEST",
		Severity: model.SeverityLow,
		Source:   "198.51.100.10",
		Message:  "Referer https://phishing-bank.example/login and PHISHING-BANK.example again",
	}

	out := s.EnrichEvent(context.Background(), ev)
	require.NotNil(t, out.IP)
	require.Len(t, out.Domains, 1)
	assert.Equal(t, "phishing-bank.example", out.Domains[0].Value)

	want := 0.95*0.9 + 0.9*0.8*domainWeight
	assert.InDelta(t, want, out.RiskScore, 1e-9)
	assert.Equal(t, model.SeverityCritical, out.FinalSeverity)
	assert.Contains(t, out.Recommendations, "Block IP 198.51.100.10 - known botnet")
	assert.Contains(t, out.Recommendations, "Block domain phishing-bank.example - known phishing")
	assert.ElementsMatch(t, []string{"Command and Control", "Initial Access"}, out.MitreTactics)
	assert.Len(t, out.Matches(), 2)
}

func TestEnrichEventSeverityNeverDecreases(t *testing.T) {
	s := newLocalStore(t, newClock())

	for _, sev := range []model.Severity{model.SeverityNone, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical} {
		for _, src := range []string{"203.0.113.75", "192.0.2.250", "alice"} {
			out := s.EnrichEvent(context.Background(), model.SecurityEvent{Severity: sev, Source: src})
			assert.GreaterOrEqual(t, out.FinalSeverity, sev, "severity %s source %s", sev, src)
		}
	}
}

func TestEnrichEventClean(t *testing.T) {
	s := newLocalStore(t, newClock())

	out := s.EnrichEvent(context.Background(), model.SecurityEvent{
		Severity: model.SeverityMedium,
		Source:   "192.0.2.250",
		Details:  map[string]interface{}{"client_ip": "192.0.2.251"},
	})
	assert.False(t, out.IsThreat())
	assert.Zero(t, out.RiskScore)
	assert.Equal(t, model.SeverityMedium, out.FinalSeverity)
	assert.Empty(t, out.Indicators)
}

func TestEnrichEventClientIPDetail(t *testing.T) {
	s := newLocalStore(t, newClock())

	out := s.EnrichEvent(context.Background(), model.SecurityEvent{
		Source:  "alice",
		Details: map[string]interface{}{"client_ip": "203.0.113.45"},
	})
	require.NotNil(t, out.IP)
	assert.Equal(t, "scanner", out.IP.Category)
	assert.Equal(t, []string{"Network Reconnaissance"}, out.AttackPatterns)
}

func TestExtractDomains(t *testing.T) {
	got := extractDomains(`{"msg":"GET http://Malicious-Site.example/x from localhost.localdomain via a.io and cdn.example.org, cdn.example.org"}`)
	assert.Equal(t, []string{"malicious-site.example", "cdn.example.org"}, got)
}

func TestExtractHashes(t *testing.T) {
	md5 := "d41d8cd98f00b204e9800998ecf8427e"
	sha256 := "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"
	text := `{"a":"` + md5 + `","b":"` + sha256 + `","c":"` + md5 + `","d":"xd41d8cd98f00b204e9800998ecf8427e"}`

	got := extractHashes(text)
	assert.Equal(t, []string{md5, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}, got)
}
