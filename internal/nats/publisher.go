package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/soar"
)

// DefaultAlertSubject carries operator notifications
const DefaultAlertSubject = "sentinel.alerts"

// DefaultActionPrefix prefixes host agent command subjects
const DefaultActionPrefix = "sentinel.actions"

// MsgPublisher is the part of *nats.Conn the publisher needs
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher sends notifications and host agent commands over NATS. It is a
// sink.Notifier and a soar.Dispatcher.
type Publisher struct {
	conn         MsgPublisher
	alertSubject string
	actionPrefix string
	logger       *slog.Logger
}

// NewPublisher creates a publisher on conn
func NewPublisher(conn MsgPublisher, alertSubject, actionPrefix string, logger *slog.Logger) *Publisher {
	if alertSubject == "" {
		alertSubject = DefaultAlertSubject
	}
	if actionPrefix == "" {
		actionPrefix = DefaultActionPrefix
	}
	return &Publisher{conn: conn, alertSubject: alertSubject, actionPrefix: actionPrefix, logger: logger}
}

func (p *Publisher) Name() string { return "nats" }

// Notify publishes ev on the alert subject
func (p *Publisher) Notify(_ context.Context, ev model.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-event-id", ev.ID)
	headers.Set("x-event-type", ev.Type)
	headers.Set("x-severity", ev.Severity.String())
	headers.Set("x-source", ev.Source)
	headers.Set("x-timestamp", ev.Timestamp.Format(time.RFC3339))

	if err := p.conn.PublishMsg(&nats.Msg{Subject: p.alertSubject, Data: data, Header: headers}); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	p.logger.Debug("Published alert", "event_id", ev.ID, "subject", p.alertSubject)
	return nil
}

// Dispatch publishes cmd on the subject for its action
func (p *Publisher) Dispatch(_ context.Context, cmd soar.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	subject := p.actionPrefix + "." + cmd.Action
	headers := nats.Header{}
	headers.Set("x-command-id", cmd.ID)
	headers.Set("x-incident-id", cmd.IncidentID)
	headers.Set("x-target", cmd.Target)

	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: headers}); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	p.logger.Info("Dispatched response command",
		"command_id", cmd.ID,
		"action", cmd.Action,
		"incident_id", cmd.IncidentID,
		"subject", subject)
	return nil
}
