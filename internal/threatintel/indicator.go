// Package threatintel answers reputation lookups for IPs, domains and file
// hashes from a TTL cache backed by pluggable threat feeds.
package threatintel

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// Kind is the type of value an indicator describes
type Kind string

const (
	KindIP     Kind = "ip"
	KindDomain Kind = "domain"
	KindHash   Kind = "hash"
)

// Kinds lists every supported kind
var Kinds = []Kind{KindIP, KindDomain, KindHash}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindIP:
		return KindIP, nil
	case KindDomain:
		return KindDomain, nil
	case KindHash:
		return KindHash, nil
	}
	return "", fmt.Errorf("unknown indicator kind %q", s)
}

// normalizeValue canonicalises a lookup value and reports whether it is
// well formed for the kind
func normalizeValue(kind Kind, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	switch kind {
	case KindIP:
		ip := net.ParseIP(value)
		if ip == nil {
			return "", false
		}
		return ip.String(), true
	case KindDomain:
		return strings.TrimSuffix(strings.ToLower(value), "."), true
	case KindHash:
		return strings.ToLower(value), true
	}
	return "", false
}

// Category is the static severity and weight of a threat category
type Category struct {
	Severity model.Severity
	Weight   float64
}

var categories = map[string]Category{
	"malware":  {Severity: model.SeverityCritical, Weight: 1.0},
	"botnet":   {Severity: model.SeverityHigh, Weight: 0.9},
	"phishing": {Severity: model.SeverityHigh, Weight: 0.8},
	"spam":     {Severity: model.SeverityMedium, Weight: 0.5},
	"scanner":  {Severity: model.SeverityMedium, Weight: 0.6},
	"tor":      {Severity: model.SeverityLow, Weight: 0.3},
	"proxy":    {Severity: model.SeverityLow, Weight: 0.2},
}

// unknownCategory applies to categories missing from the table
var unknownCategory = Category{Severity: model.SeverityMedium, Weight: 0.5}

// CategoryInfo returns the table entry for a category name
func CategoryInfo(name string) Category {
	if c, ok := categories[strings.ToLower(name)]; ok {
		return c
	}
	return unknownCategory
}

// RawIndicator is what a feed reports for a listed value
type RawIndicator struct {
	Category   string  `json:"category" yaml:"category"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Source     string  `json:"source,omitempty" yaml:"source,omitempty"`
}

// ThreatIndicator is a reputation record with its derived severity and weight
type ThreatIndicator struct {
	Kind       Kind           `json:"kind"`
	Value      string         `json:"value"`
	IsThreat   bool           `json:"is_threat"`
	Category   string         `json:"category"`
	Severity   model.Severity `json:"severity"`
	Confidence float64        `json:"confidence"`
	Weight     float64        `json:"weight"`
	Source     string         `json:"source"`
	FeedID     string         `json:"feed_id"`
	RiskScore  float64        `json:"risk_score"`
	FetchedAt  time.Time      `json:"fetched_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Stale      bool           `json:"stale,omitempty"`
}

// newIndicator builds the cached record for a feed answer. Source is the
// upstream attribution when the feed reports one; FeedID is always the feed.
func newIndicator(kind Kind, value string, raw RawIndicator, feedID string, now time.Time, ttl time.Duration) ThreatIndicator {
	source := feedID
	if raw.Source != "" {
		source = raw.Source
	}
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	category := strings.ToLower(strings.TrimSpace(raw.Category))
	if category == "" {
		category = "unknown"
	}
	info := CategoryInfo(category)
	return ThreatIndicator{
		Kind:       kind,
		Value:      value,
		IsThreat:   true,
		Category:   category,
		Severity:   info.Severity,
		Confidence: conf,
		Weight:     info.Weight,
		Source:     source,
		FeedID:     feedID,
		RiskScore:  conf * info.Weight,
		FetchedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}
