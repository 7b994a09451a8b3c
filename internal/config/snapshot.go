// Package config holds the live-tunable engine settings, loaded from
// config-api with environment fallback and updated over NATS.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/ueba"
)

// Keys understood in config-api entries and config.changed messages
const (
	KeyLearningPeriodHours = "sentinel.learning_period_hours"
	KeyMinSamples          = "sentinel.min_samples"
	KeyOffHours            = "sentinel.off_hours"
	KeyTICacheTTLSeconds   = "sentinel.ti_cache_ttl_seconds"
	KeyFeedTimeoutMs       = "sentinel.feed_timeout_ms"
	KeyCooldownScale       = "sentinel.cooldown_scale"
	KeyAutomationEnabled   = "sentinel.automation_enabled"
)

// ConfigSnapshot is the live-tunable subset of the engine configuration
type ConfigSnapshot struct {
	LearningPeriodHours int       `json:"learning_period_hours"`
	MinSamples          int       `json:"min_samples"`
	OffHours            string    `json:"off_hours"`
	TICacheTTLSeconds   int       `json:"ti_cache_ttl_seconds"`
	FeedTimeoutMs       int       `json:"feed_timeout_ms"`
	CooldownScale       float64   `json:"cooldown_scale"`
	AutomationEnabled   bool      `json:"automation_enabled"`
	LastUpdated         time.Time `json:"last_updated"`
}

// LearningPeriod returns the learning period as a duration
func (c *ConfigSnapshot) LearningPeriod() time.Duration {
	return time.Duration(c.LearningPeriodHours) * time.Hour
}

// OffHoursWindow parses OffHours
func (c *ConfigSnapshot) OffHoursWindow() (ueba.HourWindow, error) {
	return ueba.ParseHourWindow(c.OffHours)
}

// TICacheTTL returns the indicator TTL
func (c *ConfigSnapshot) TICacheTTL() time.Duration {
	return time.Duration(c.TICacheTTLSeconds) * time.Second
}

// FeedTimeout returns the per feed call timeout
func (c *ConfigSnapshot) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutMs) * time.Millisecond
}

// ValidationError describes an invalid configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

// Validate checks every field
func (c *ConfigSnapshot) Validate() error {
	if c.LearningPeriodHours < 0 {
		return &ValidationError{Field: "learning_period_hours", Message: "must not be negative"}
	}
	if c.MinSamples < 0 {
		return &ValidationError{Field: "min_samples", Message: "must not be negative"}
	}
	if _, err := c.OffHoursWindow(); err != nil {
		return &ValidationError{Field: "off_hours", Message: err.Error()}
	}
	if c.TICacheTTLSeconds <= 0 {
		return &ValidationError{Field: "ti_cache_ttl_seconds", Message: "must be positive"}
	}
	if c.FeedTimeoutMs <= 0 {
		return &ValidationError{Field: "feed_timeout_ms", Message: "must be positive"}
	}
	if c.CooldownScale < 0 || math.IsNaN(c.CooldownScale) || math.IsInf(c.CooldownScale, 0) {
		return &ValidationError{Field: "cooldown_scale", Message: "must be a non-negative number"}
	}
	return nil
}

// apply sets the field named by key from a JSON value. Values published as
// JSON strings ("24" or "true") are accepted too. It reports whether key was
// recognised and the value parsed.
func (c *ConfigSnapshot) apply(key string, value json.RawMessage) bool {
	switch key {
	case KeyLearningPeriodHours:
		return decodeInt(value, &c.LearningPeriodHours)
	case KeyMinSamples:
		return decodeInt(value, &c.MinSamples)
	case KeyOffHours:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return false
		}
		c.OffHours = s
		return true
	case KeyTICacheTTLSeconds:
		return decodeInt(value, &c.TICacheTTLSeconds)
	case KeyFeedTimeoutMs:
		return decodeInt(value, &c.FeedTimeoutMs)
	case KeyCooldownScale:
		return decodeFloat(value, &c.CooldownScale)
	case KeyAutomationEnabled:
		return decodeBool(value, &c.AutomationEnabled)
	}
	return false
}

func unquote(value json.RawMessage) string {
	s := strings.TrimSpace(string(value))
	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		return strings.TrimSpace(str)
	}
	return s
}

func decodeInt(value json.RawMessage, dst *int) bool {
	n, err := strconv.Atoi(unquote(value))
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func decodeFloat(value json.RawMessage, dst *float64) bool {
	f, err := strconv.ParseFloat(unquote(value), 64)
	if err != nil {
		return false
	}
	*dst = f
	return true
}

func decodeBool(value json.RawMessage, dst *bool) bool {
	switch strings.ToLower(unquote(value)) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	default:
		return false
	}
	return true
}
