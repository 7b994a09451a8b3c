// Package sink holds the outbound collaborators the engines write security
// events to: durable audit stores and operator notification channels.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// Persister durably records a security event
type Persister interface {
	PersistSecurityEvent(ctx context.Context, ev model.SecurityEvent) error
}

// Notifier alerts operators about a security event
type Notifier interface {
	Notify(ctx context.Context, ev model.SecurityEvent) error
}

// Sink is both a Persister and a Notifier
type Sink interface {
	Persister
	Notifier
}

// Named attaches a label used in logs and metrics
type Named interface {
	Name() string
}

// BatchReporter is a persister that queues events and writes them in batches
type BatchReporter interface {
	Stats() BatchStats
}

// CollectStats returns the counters of every batching persister, keyed by name
func CollectStats(persisters []Persister) map[string]BatchStats {
	out := make(map[string]BatchStats)
	for _, p := range persisters {
		if r, ok := p.(BatchReporter); ok {
			out[nameOf(p)] = r.Stats()
		}
	}
	return out
}

func nameOf(v interface{}) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", v)
}

// Fanout writes every event to all persisters and notifies every notifier.
// Each target is attempted even if an earlier one fails.
type Fanout struct {
	persisters []Persister
	notifiers  []Notifier
}

// NewFanout creates a fan-out sink
func NewFanout(persisters []Persister, notifiers []Notifier) *Fanout {
	return &Fanout{persisters: persisters, notifiers: notifiers}
}

func (f *Fanout) PersistSecurityEvent(ctx context.Context, ev model.SecurityEvent) error {
	var errs []error
	for _, p := range f.persisters {
		if err := p.PersistSecurityEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nameOf(p), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Notify(ctx context.Context, ev model.SecurityEvent) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nameOf(n), err))
		}
	}
	return errors.Join(errs...)
}

// BestEffort logs and counts sink failures and never returns them
type BestEffort struct {
	next    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBestEffort wraps next
func NewBestEffort(next Sink, m *metrics.Metrics, logger *slog.Logger) *BestEffort {
	return &BestEffort{next: next, metrics: m, logger: logger}
}

func (b *BestEffort) PersistSecurityEvent(ctx context.Context, ev model.SecurityEvent) error {
	if err := b.next.PersistSecurityEvent(ctx, ev); err != nil {
		b.metrics.IncSinkFailure("persist")
		b.logger.Error("Failed to persist security event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err)
	}
	return nil
}

func (b *BestEffort) Notify(ctx context.Context, ev model.SecurityEvent) error {
	if err := b.next.Notify(ctx, ev); err != nil {
		b.metrics.IncSinkFailure("notify")
		b.logger.Error("Failed to send notification",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, ev model.SecurityEvent) error {
	level := slog.LevelInfo
	if ev.Severity >= model.SeverityHigh {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "Security alert",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"severity", ev.Severity.String(),
		"source", ev.Source,
		"message", ev.Message)
	return nil
}
