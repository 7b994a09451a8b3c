package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares blocks between instances. Each block is a key with the
// block TTL. Permanent blocks are also members of a set, which lets Block
// refuse to downgrade them with a single membership check. List scans the
// block keys.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store using keys under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sentinel:blocked"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) key(ip string) string {
	return r.prefix + ":ip:" + ip
}

func (r *RedisStore) permanentKey() string {
	return r.prefix + ":permanent"
}

func (r *RedisStore) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	_, _, err := r.apply(ctx, ip, reason, ttl)
	return err
}

func (r *RedisStore) apply(ctx context.Context, ip, reason string, ttl time.Duration) (Entry, bool, error) {
	norm, err := normalizeIP(ip)
	if err != nil {
		return Entry{}, false, err
	}
	permanent, err := r.client.SIsMember(ctx, r.permanentKey(), norm).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to check permanent block: %w", err)
	}
	if permanent && ttl > 0 {
		return Entry{IP: norm}, false, nil
	}

	e := newEntry(norm, reason, ttl, r.now().UTC())
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to marshal block: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(norm), data, ttl)
	if e.Permanent() {
		pipe.SAdd(ctx, r.permanentKey(), norm)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Entry{}, false, fmt.Errorf("failed to store block for %s: %w", norm, err)
	}
	return e, true, nil
}

func (r *RedisStore) Unblock(ctx context.Context, ip string) error {
	norm, err := normalizeIP(ip)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(norm))
	pipe.SRem(ctx, r.permanentKey(), norm)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove block for %s: %w", norm, err)
	}
	return nil
}

func (r *RedisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	norm, err := normalizeIP(ip)
	if err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.key(norm)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check block for %s: %w", norm, err)
	}
	return n > 0, nil
}

func (r *RedisStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := r.client.Scan(ctx, 0, r.prefix+":ip:*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read block %s: %w", iter.Val(), err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan blocks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out, nil
}
