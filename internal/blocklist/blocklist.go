// Package blocklist tracks source addresses blocked by automated response.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Entry is one blocked source
type Entry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the block never expires
func (e Entry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}

func (e Entry) expired(now time.Time) bool {
	return !e.Permanent() && !now.Before(e.ExpiresAt)
}

// Store is a blocked-source store
type Store interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
	Unblock(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
}

// Recorder keeps a durable record of blocks, e.g. an audit table
type Recorder interface {
	RecordBlock(ctx context.Context, e Entry) error
}

func normalizeIP(raw string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return "", fmt.Errorf("invalid ip address %q", raw)
	}
	return ip.String(), nil
}

func newEntry(ip, reason string, ttl time.Duration, now time.Time) Entry {
	e := Entry{IP: ip, Reason: reason, BlockedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// applier is implemented by stores that report whether a block changed the
// stored state and which entry is now in force
type applier interface {
	apply(ctx context.Context, ip, reason string, ttl time.Duration) (Entry, bool, error)
}

// Audited forwards every block that changes the store to a Recorder. A
// temporary block absorbed by an existing permanent one is not recorded.
// Recorder failures are logged; the block itself stands.
type Audited struct {
	Store
	recorder Recorder
	now      func() time.Time
	logger   *slog.Logger
}

// NewAudited wraps store
func NewAudited(store Store, recorder Recorder, logger *slog.Logger) *Audited {
	return &Audited{Store: store, recorder: recorder, now: time.Now, logger: logger}
}

func (a *Audited) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	var e Entry
	if ap, ok := a.Store.(applier); ok {
		applied, changed, err := ap.apply(ctx, ip, reason, ttl)
		if err != nil {
			return err
		}
		if !changed {
			a.logger.Debug("Block left unchanged by existing permanent block", "ip", applied.IP)
			return nil
		}
		e = applied
	} else {
		if err := a.Store.Block(ctx, ip, reason, ttl); err != nil {
			return err
		}
		norm, _ := normalizeIP(ip)
		e = newEntry(norm, reason, ttl, a.now().UTC())
	}
	if err := a.recorder.RecordBlock(ctx, e); err != nil {
		a.logger.Error("Failed to record blocked source", "ip", e.IP, "error", err)
	}
	return nil
}
