package threatintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFeed reads indicators from Redis hashes keyed
// "<prefix>:<feed id>:<kind>", whose fields are values and whose field
// values are JSON encoded RawIndicators
type RedisFeed struct {
	client HashClient
	prefix string
}

// HashClient is the subset of the Redis API a feed needs. Every go-redis
// client satisfies it.
type HashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
}

// NewRedisFeed creates a Redis-backed feed client
func NewRedisFeed(client HashClient, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "sentinel:ti"
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (r *RedisFeed) key(feed Feed, kind Kind) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, feed.ID, kind)
}

func (r *RedisFeed) QueryFeed(ctx context.Context, feed Feed, kind Kind, value string) (*RawIndicator, error) {
	data, err := r.client.HGet(ctx, r.key(feed, kind), value).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query redis feed %s: %w", feed.ID, err)
	}

	var raw RawIndicator
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode indicator for %s: %w", value, err)
	}
	return &raw, nil
}

func (r *RedisFeed) FetchFeed(ctx context.Context, feed Feed) ([]BulkEntry, error) {
	var out []BulkEntry
	for _, kind := range Kinds {
		if !feed.Serves(kind) {
			continue
		}
		iter := r.client.HScan(ctx, r.key(feed, kind), 0, "", 500).Iterator()
		for iter.Next(ctx) {
			field := iter.Val()
			if !iter.Next(ctx) {
				break
			}
			var raw RawIndicator
			if err := json.Unmarshal([]byte(iter.Val()), &raw); err != nil {
				continue
			}
			out = append(out, BulkEntry{Kind: kind, Value: field, Indicator: raw})
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan redis feed %s: %w", feed.ID, err)
		}
	}
	return out, nil
}

// Publish lists a value in a Redis feed
func (r *RedisFeed) Publish(ctx context.Context, feed Feed, kind Kind, value string, raw RawIndicator) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode indicator: %w", err)
	}
	return r.client.HSet(ctx, r.key(feed, kind), value, data).Err()
}

// Seed publishes every entry of src that feed serves into the feed's hashes,
// overwriting values already listed there
func (r *RedisFeed) Seed(ctx context.Context, feed Feed, src BulkFetcher) (int, error) {
	entries, err := src.FetchFeed(ctx, feed)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed entries for %s: %w", feed.ID, err)
	}
	n := 0
	for _, e := range entries {
		v, ok := normalizeValue(e.Kind, e.Value)
		if !ok || !feed.Serves(e.Kind) {
			continue
		}
		if err := r.Publish(ctx, feed, e.Kind, v, e.Indicator); err != nil {
			return n, fmt.Errorf("failed to seed redis feed %s: %w", feed.ID, err)
		}
		n++
	}
	return n, nil
}
