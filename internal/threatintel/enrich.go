package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// domainWeight discounts domain matches, which are extracted less reliably
// than direct IP and hash fields
const domainWeight = 0.8

var (
	domainPattern = regexp.MustCompile(`([a-z0-9-]+\.)+[a-z]{2,}`)
	hashPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b[a-f0-9]{32}\b`),
		regexp.MustCompile(`(?i)\b[a-f0-9]{40}\b`),
		regexp.MustCompile(`(?i)\b[a-f0-9]{64}\b`),
	}
)

// EnrichedEvent is a security event annotated with reputation matches
type EnrichedEvent struct {
	Event           model.SecurityEvent `json:"original_event"`
	IP              *ThreatIndicator    `json:"ip,omitempty"`
	Domains         []ThreatIndicator   `json:"domains,omitempty"`
	Hashes          []ThreatIndicator   `json:"hashes,omitempty"`
	RiskScore       float64             `json:"risk_score"`
	FinalSeverity   model.Severity      `json:"final_severity"`
	Indicators      []string            `json:"threat_indicators"`
	Recommendations []string            `json:"recommendations"`
	AttackPatterns  []string            `json:"attack_patterns"`
	MitreTactics    []string            `json:"mitre_tactics"`
}

// IsThreat reports whether any indicator matched
func (e *EnrichedEvent) IsThreat() bool {
	return e.IP != nil || len(e.Domains) > 0 || len(e.Hashes) > 0
}

// Matches returns every matched indicator
func (e *EnrichedEvent) Matches() []ThreatIndicator {
	var out []ThreatIndicator
	if e.IP != nil {
		out = append(out, *e.IP)
	}
	out = append(out, e.Domains...)
	return append(out, e.Hashes...)
}

// EnrichEvent looks up the event's source IP and every domain and hash found
// in its serialized form. The final severity is never lower than the
// event's own.
func (s *Store) EnrichEvent(ctx context.Context, ev model.SecurityEvent) EnrichedEvent {
	out := EnrichedEvent{
		Event:           ev,
		FinalSeverity:   ev.Severity,
		Indicators:      []string{},
		Recommendations: []string{},
		AttackPatterns:  []string{},
		MitreTactics:    []string{},
	}
	matched := make(map[string]bool)

	if ip := eventIP(ev); ip != "" {
		if ind := s.CheckReputation(ctx, KindIP, ip); ind != nil {
			out.IP = ind
			out.RiskScore += ind.RiskScore
			out.Indicators = append(out.Indicators, fmt.Sprintf("Malicious IP: %s (%s)", ip, ind.Category))
			out.Recommendations = append(out.Recommendations, fmt.Sprintf("Block IP %s - known %s", ip, ind.Category))
			matched[ind.Category] = true
		}
	}

	serialized := serialize(ev)

	for _, d := range extractDomains(serialized) {
		if ind := s.CheckReputation(ctx, KindDomain, d); ind != nil {
			out.Domains = append(out.Domains, *ind)
			out.RiskScore += ind.RiskScore * domainWeight
			out.Indicators = append(out.Indicators, fmt.Sprintf("Malicious domain: %s (%s)", d, ind.Category))
			out.Recommendations = append(out.Recommendations, fmt.Sprintf("Block domain %s - known %s", d, ind.Category))
			matched[ind.Category] = true
		}
	}

	for _, h := range extractHashes(serialized) {
		if ind := s.CheckReputation(ctx, KindHash, h); ind != nil {
			out.Hashes = append(out.Hashes, *ind)
			out.RiskScore += ind.RiskScore
			out.Indicators = append(out.Indicators, fmt.Sprintf("Malicious file: %s (%s)", h, ind.Category))
			out.Recommendations = append(out.Recommendations, fmt.Sprintf("Quarantine file with hash %s - known %s", h, ind.Category))
			matched[ind.Category] = true
		}
	}

	out.FinalSeverity = model.MaxSeverity(ev.Severity, riskSeverity(out.RiskScore))
	out.AttackPatterns, out.MitreTactics = threatContext(matched)
	return out
}

// riskSeverity maps an accumulated risk score onto a severity floor
func riskSeverity(risk float64) model.Severity {
	switch {
	case risk >= 0.9:
		return model.SeverityCritical
	case risk >= 0.7:
		return model.SeverityHigh
	case risk >= 0.5:
		return model.SeverityMedium
	}
	return model.SeverityNone
}

func threatContext(categories map[string]bool) (patterns, tactics []string) {
	patterns, tactics = []string{}, []string{}
	if categories["botnet"] {
		patterns = append(patterns, "Botnet Activity")
		tactics = append(tactics, "Command and Control")
	}
	if categories["scanner"] {
		patterns = append(patterns, "Network Reconnaissance")
		tactics = append(tactics, "Discovery")
	}
	if categories["phishing"] {
		patterns = append(patterns, "Phishing Campaign")
		tactics = append(tactics, "Initial Access")
	}
	if categories["malware"] {
		patterns = append(patterns, "Malware Distribution")
		tactics = append(tactics, "Execution", "Persistence")
	}
	return patterns, tactics
}

// eventIP returns the event's source when it is an IP, else a client_ip detail
func eventIP(ev model.SecurityEvent) string {
	if net.ParseIP(strings.TrimSpace(ev.Source)) != nil {
		return strings.TrimSpace(ev.Source)
	}
	if v, ok := ev.Details["client_ip"].(string); ok && net.ParseIP(v) != nil {
		return v
	}
	return ""
}

func serialize(ev model.SecurityEvent) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return ev.Message
	}
	return string(data)
}

func extractDomains(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range domainPattern.FindAllString(strings.ToLower(text), -1) {
		if strings.Contains(m, "localhost") || len(m) <= 4 || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func extractHashes(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range hashPatterns {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.ToLower(m)
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
