package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// ErrProtected is returned when a block targets a never-block network
var ErrProtected = errors.New("source is in a never-block network")

// DefaultNeverBlock covers loopback, which automated response must not cut off
var DefaultNeverBlock = []string{"127.0.0.0/8", "::1/128"}

// Guarded refuses blocks of addresses inside protected networks. Reads and
// unblocks pass through.
type Guarded struct {
	Store
	protected []*net.IPNet
	logger    *slog.Logger
}

// NewGuarded wraps store. Entries may be CIDRs or single addresses.
func NewGuarded(store Store, neverBlock []string, logger *slog.Logger) (*Guarded, error) {
	g := &Guarded{Store: store, logger: logger}
	for _, raw := range neverBlock {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid never-block entry %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			g.protected = append(g.protected, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid never-block entry %q: %w", raw, err)
		}
		g.protected = append(g.protected, network)
	}
	return g, nil
}

// Protected reports whether ip falls inside a never-block network
func (g *Guarded) Protected(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range g.protected {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (g *Guarded) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if g.Protected(ip) {
		g.logger.Warn("Refusing to block protected source", "ip", ip, "reason", reason)
		return fmt.Errorf("failed to block %s: %w", ip, ErrProtected)
	}
	return g.Store.Block(ctx, ip, reason, ttl)
}
