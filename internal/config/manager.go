package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangedSubject carries live configuration changes
const ChangedSubject = "config.changed"

// Manager holds the current snapshot and applies live updates
type Manager struct {
	client      *Client
	nc          *nats.Conn
	sub         *nats.Subscription
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *ConfigSnapshot
	subscribers []func(*ConfigSnapshot)
}

// ConfigChangeMessage is a configuration change published on config.changed
type ConfigChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a manager. An empty configAPIURL skips config-api and a
// nil nc disables live updates.
func NewManager(configAPIURL string, nc *nats.Conn, logger *slog.Logger) *Manager {
	m := &Manager{nc: nc, logger: logger}
	if configAPIURL != "" {
		m.client = NewClient(configAPIURL, logger)
	}
	return m
}

// Initialize loads the first snapshot and subscribes to live changes
func (m *Manager) Initialize(ctx context.Context, envDefaults ConfigSnapshot) error {
	if err := envDefaults.Validate(); err != nil {
		return fmt.Errorf("invalid environment defaults: %w", err)
	}

	snapshot := &envDefaults
	if m.client != nil {
		m.logger.Info("Loading initial configuration snapshot")
		snapshot = m.client.GetSnapshotWithFallback(ctx, envDefaults)
	}
	m.update(snapshot)

	if m.nc == nil {
		return nil
	}
	sub, err := m.nc.Subscribe(ChangedSubject, func(msg *nats.Msg) {
		m.handleConfigChange(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ChangedSubject, err)
	}
	m.sub = sub
	m.logger.Info("Subscribed to configuration changes", "subject", ChangedSubject)
	return nil
}

// Close stops live updates
func (m *Manager) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

// Current returns a copy of the current snapshot
func (m *Manager) Current() *ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	return &c
}

// Subscribe registers a callback run after every change, in registration order
func (m *Manager) Subscribe(callback func(*ConfigSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

func (m *Manager) handleConfigChange(data []byte) {
	var change ConfigChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.mu.Lock()
	next := ConfigSnapshot{}
	if m.current != nil {
		next = *m.current
	}
	if !next.apply(change.Key, change.Value) {
		m.mu.Unlock()
		m.logger.Debug("Ignoring configuration change", "key", change.Key)
		return
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("Rejected configuration change", "key", change.Key, "error", err)
		return
	}
	next.LastUpdated = time.Now().UTC()
	if change.Timestamp > 0 {
		next.LastUpdated = time.Unix(change.Timestamp, 0).UTC()
	}
	m.current = &next
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy)
	m.notify(&next)
}

func (m *Manager) update(snapshot *ConfigSnapshot) {
	m.mu.Lock()
	m.current = snapshot
	m.mu.Unlock()
	m.notify(snapshot)
}

func (m *Manager) notify(snapshot *ConfigSnapshot) {
	m.mu.RLock()
	subscribers := make([]func(*ConfigSnapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			c := *snapshot
			callback(&c)
		}()
	}
}
