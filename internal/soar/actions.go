package soar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/sink"
)

// ActionContext is handed to an action handler
type ActionContext struct {
	IncidentID string
	PlaybookID string
	RuleID     string
	Action     string
	Incident   model.Incident
}

// ActionFunc performs one automated response
type ActionFunc func(ctx context.Context, ac ActionContext) error

// Registry is the closed set of named automated actions
type Registry struct {
	handlers map[string]ActionFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ActionFunc)}
}

// Register binds name to fn, replacing any existing handler
func (r *Registry) Register(name string, fn ActionFunc) {
	r.handlers[name] = fn
}

// Lookup returns the handler for name
func (r *Registry) Lookup(name string) (ActionFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered action names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Blocker blocks traffic from a source address. A zero ttl blocks permanently.
type Blocker interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
}

// Command is a response instruction for host agents
type Command struct {
	ID         string                 `json:"id"`
	Action     string                 `json:"action"`
	IncidentID string                 `json:"incident_id"`
	Target     string                 `json:"target"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IssuedAt   time.Time              `json:"issued_at"`
}

// Dispatcher delivers commands to the agents that carry them out
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// ActionDeps are the collaborators the built-in actions use. Nil members
// make the corresponding actions fail with an error.
type ActionDeps struct {
	Blocker    Blocker
	Sink       sink.Sink
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// BlockDuration is how long block_ip keeps a source blocked
const BlockDuration = 24 * time.Hour

// DefaultActions registers the built-in action set
func DefaultActions(deps ActionDeps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &builtinActions{deps: deps}
	r := NewRegistry()

	r.Register("block_ip", a.blockSource(BlockDuration))
	r.Register("permanent_ip_block", a.blockSource(0))

	r.Register("notify_admin", a.notify("admin"))
	r.Register("notify_dba", a.notify("dba"))
	r.Register("notify_security_team", a.notify("security_team"))
	r.Register("notify_legal_team", a.notify("legal_team"))
	r.Register("escalate_to_security_team", a.notify("security_team_escalation"))

	r.Register("log_incident", a.logIncident)

	for _, name := range []string{
		"quarantine_file",
		"quarantine_suspicious_files",
		"backup_database",
		"scan_filesystem",
		"collect_evidence",
		"block_outbound_traffic",
	} {
		r.Register(name, a.dispatch)
	}
	return r
}

type builtinActions struct {
	deps ActionDeps
}

func (a *builtinActions) blockSource(ttl time.Duration) ActionFunc {
	return func(ctx context.Context, ac ActionContext) error {
		if a.deps.Blocker == nil {
			return errors.New("no blocker configured")
		}
		ip := ac.Incident.Source
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("source %q is not an IP address", ip)
		}

		reason := "SOAR automated block - " + ac.Incident.Type
		if err := a.deps.Blocker.Block(ctx, ip, reason, ttl); err != nil {
			return fmt.Errorf("failed to block %s: %w", ip, err)
		}

		duration := "permanent"
		if ttl > 0 {
			duration = ttl.String()
		}
		ev := model.SecurityEvent{
			ID:       uuid.NewString(),
			Type:     model.EventIPBlocked,
			Severity: ac.Incident.Severity,
			Source:   ip,
			Message:  fmt.Sprintf("Blocked %s (%s)", ip, duration),
			Details: map[string]interface{}{
				"reason":      reason,
				"duration":    duration,
				"incident_id": ac.IncidentID,
				"action":      ac.Action,
			},
			Timestamp: a.deps.Now(),
		}
		a.report(ctx, ev)
		return nil
	}
}

// report persists and notifies a follow-up event; failures are logged only
func (a *builtinActions) report(ctx context.Context, ev model.SecurityEvent) {
	if a.deps.Sink == nil {
		return
	}
	if err := a.deps.Sink.PersistSecurityEvent(ctx, ev); err != nil && a.deps.Logger != nil {
		a.deps.Logger.Warn("Failed to persist response event", "event_type", ev.Type, "error", err)
	}
	notice := ev
	notice.Type = model.EventAutomatedResponse
	if err := a.deps.Sink.Notify(ctx, notice); err != nil && a.deps.Logger != nil {
		a.deps.Logger.Warn("Failed to notify response event", "event_type", ev.Type, "error", err)
	}
}

func (a *builtinActions) notify(audience string) ActionFunc {
	return func(ctx context.Context, ac ActionContext) error {
		if a.deps.Sink == nil {
			return errors.New("no notifier configured")
		}
		inc := ac.Incident
		return a.deps.Sink.Notify(ctx, model.SecurityEvent{
			ID:       uuid.NewString(),
			Type:     model.EventAutomatedResponse,
			Severity: inc.Severity,
			Source:   inc.Source,
			Message:  fmt.Sprintf("Security incident %s: %s from %s", ac.IncidentID, inc.Type, inc.Source),
			Details: map[string]interface{}{
				"audience":    audience,
				"incident_id": ac.IncidentID,
				"playbook_id": ac.PlaybookID,
				"rule_id":     ac.RuleID,
				"confidence":  inc.Confidence,
			},
			Timestamp: a.deps.Now(),
		})
	}
}

func (a *builtinActions) logIncident(ctx context.Context, ac ActionContext) error {
	if a.deps.Sink == nil {
		return errors.New("no persister configured")
	}
	inc := ac.Incident
	return a.deps.Sink.PersistSecurityEvent(ctx, model.SecurityEvent{
		ID:       uuid.NewString(),
		Type:     model.EventSOARIncident,
		Severity: inc.Severity,
		Source:   inc.Source,
		Message:  fmt.Sprintf("SOAR incident %s: %s", ac.IncidentID, inc.Type),
		Details: map[string]interface{}{
			"incident_id":      ac.IncidentID,
			"playbook_id":      ac.PlaybookID,
			"incident_type":    inc.Type,
			"confidence":       inc.Confidence,
			"incident_details": inc.Details,
		},
		Timestamp: a.deps.Now(),
	})
}

func (a *builtinActions) dispatch(ctx context.Context, ac ActionContext) error {
	if a.deps.Dispatcher == nil {
		return errors.New("no action dispatcher configured")
	}
	return a.deps.Dispatcher.Dispatch(ctx, Command{
		ID:         uuid.NewString(),
		Action:     ac.Action,
		IncidentID: ac.IncidentID,
		Target:     ac.Incident.Source,
		Details:    ac.Incident.Details,
		IssuedAt:   a.deps.Now(),
	})
}
