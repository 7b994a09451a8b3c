// Package validate checks ingestion payloads against JSON schemas and
// decodes them into model records.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator validates activity and incident payloads
type Validator struct {
	activity *jsonschema.Schema
	incident *jsonschema.Schema
	logger   *slog.Logger
}

// NewValidator compiles the embedded schemas
func NewValidator(logger *slog.Logger) (*Validator, error) {
	activity, err := compile("activity.json")
	if err != nil {
		return nil, err
	}
	incident, err := compile("incident.json")
	if err != nil {
		return nil, err
	}
	logger.Info("Schema validator initialized", "schemas", []string{"activity.json", "incident.json"})
	return &Validator{activity: activity, incident: incident, logger: logger}, nil
}

func compile(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

func check(schema *jsonschema.Schema, data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if t, _ := decoder.Token(); t != nil {
		return fmt.Errorf("invalid json: invalid character %v after top-level value", t)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

type activityWire struct {
	model.Activity
	Timestamp json.RawMessage `json:"timestamp"`
}

type incidentWire struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	Source     string                 `json:"source"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details"`
	Timestamp  json.RawMessage        `json:"timestamp"`
}

// DecodeActivity validates data and decodes it into an Activity. A missing
// or unparseable timestamp is left zero for the engine to fill in.
func (v *Validator) DecodeActivity(data []byte) (model.Activity, error) {
	if err := check(v.activity, data); err != nil {
		v.logger.Warn("Activity validation failed", "error", err.Error())
		return model.Activity{}, err
	}
	var w activityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Activity{}, fmt.Errorf("failed to unmarshal activity: %w", err)
	}
	act := w.Activity
	act.Timestamp = ParseTimestamp(w.Timestamp)
	return act, nil
}

// DecodeIncident validates data and decodes it into an Incident
func (v *Validator) DecodeIncident(data []byte) (model.Incident, error) {
	if err := check(v.incident, data); err != nil {
		v.logger.Warn("Incident validation failed", "error", err.Error())
		return model.Incident{}, err
	}
	var w incidentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Incident{}, fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	sev, err := model.ParseSeverity(w.Severity)
	if err != nil {
		return model.Incident{}, err
	}
	return model.Incident{
		ID:         w.ID,
		Type:       w.Type,
		Severity:   sev,
		Source:     w.Source,
		Confidence: w.Confidence,
		Details:    w.Details,
		Timestamp:  ParseTimestamp(w.Timestamp),
	}, nil
}

// ParseTimestamp accepts RFC 3339 strings and epoch numbers. Numbers above
// 1e12 are milliseconds, smaller ones seconds. Anything else yields zero.
func ParseTimestamp(raw json.RawMessage) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, str); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
