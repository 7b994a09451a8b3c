package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client retrieves configuration from config-api
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ConfigEntry is one configuration entry from the API
type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewClient creates a configuration client
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// GetSnapshot fetches the configuration and overlays it on defaults
func (c *Client) GetSnapshot(ctx context.Context, defaults ConfigSnapshot) (*ConfigSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []ConfigEntry `json:"configs"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := defaults
	applied := 0
	for _, entry := range response.Configs {
		if !strings.HasPrefix(entry.Key, "sentinel.") {
			continue
		}
		if snapshot.apply(entry.Key, entry.Value) {
			applied++
		} else {
			c.logger.Warn("Ignoring configuration entry", "key", entry.Key)
		}
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("config-api snapshot rejected: %w", err)
	}
	snapshot.LastUpdated = time.Now().UTC()

	c.logger.Info("Configuration snapshot loaded",
		"learning_period_hours", snapshot.LearningPeriodHours,
		"min_samples", snapshot.MinSamples,
		"off_hours", snapshot.OffHours,
		"ti_cache_ttl_seconds", snapshot.TICacheTTLSeconds,
		"feed_timeout_ms", snapshot.FeedTimeoutMs,
		"cooldown_scale", snapshot.CooldownScale,
		"automation_enabled", snapshot.AutomationEnabled,
		"applied", applied,
		"config_count", response.Count)
	return &snapshot, nil
}

// GetSnapshotWithFallback returns the environment defaults when config-api
// is unreachable or returns an invalid snapshot
func (c *Client) GetSnapshotWithFallback(ctx context.Context, envDefaults ConfigSnapshot) *ConfigSnapshot {
	snapshot, err := c.GetSnapshot(ctx, envDefaults)
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using environment defaults", "error", err)
		fallback := envDefaults
		return &fallback
	}
	return snapshot
}
