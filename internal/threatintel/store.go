package threatintel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
)

// Options configures the reputation store
type Options struct {
	TTL            time.Duration
	CacheSize      int
	FeedTimeout    time.Duration
	RefreshTimeout time.Duration
	Jitter         float64
	Now            func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		TTL:            24 * time.Hour,
		CacheSize:      100000,
		FeedTimeout:    2 * time.Second,
		RefreshTimeout: 30 * time.Second,
		Jitter:         0.1,
		Now:            time.Now,
	}
}

// feedState tracks one registered feed
type feedState struct {
	feed   Feed
	client FeedClient

	mu         sync.Mutex
	lastUpdate time.Time
	lastError  string
	entries    int
}

func (fs *feedState) due(now time.Time) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastUpdate.IsZero() || now.Sub(fs.lastUpdate) >= fs.feed.Interval
}

// Store is the threat intelligence store
type Store struct {
	cache       *lru.Cache[string, ThreatIndicator]
	ttl         atomic.Int64
	feedTimeout atomic.Int64
	opts        Options

	feedsMu sync.RWMutex
	feeds   []*feedState

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates an empty store; register feeds with AddFeed
func NewStore(opts Options, m *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	defaults := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.FeedTimeout <= 0 {
		opts.FeedTimeout = defaults.FeedTimeout
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaults.RefreshTimeout
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = defaults.Jitter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cache, err := lru.New[string, ThreatIndicator](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create indicator cache: %w", err)
	}
	s := &Store{
		cache:   cache,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
	s.ttl.Store(int64(opts.TTL))
	s.feedTimeout.Store(int64(opts.FeedTimeout))
	return s, nil
}

// AddFeed registers a feed and the client that answers it
func (s *Store) AddFeed(feed Feed, client FeedClient) error {
	if err := feed.Validate(); err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("feed %s: client is required", feed.ID)
	}

	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	for _, fs := range s.feeds {
		if fs.feed.ID == feed.ID {
			return fmt.Errorf("feed %s already registered", feed.ID)
		}
	}
	s.feeds = append(s.feeds, &feedState{feed: feed, client: client})
	sort.SliceStable(s.feeds, func(i, j int) bool {
		return priorityRank(s.feeds[i].feed.Priority) < priorityRank(s.feeds[j].feed.Priority)
	})
	s.logger.Info("Threat feed registered",
		"feed_id", feed.ID,
		"client", feed.Client,
		"interval", feed.Interval.String(),
		"enabled", feed.Enabled)
	return nil
}

// SetTTL changes the TTL applied to indicators cached from now on
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl.Store(int64(ttl))
	}
}

// SetFeedTimeout changes the per feed call timeout
func (s *Store) SetFeedTimeout(d time.Duration) {
	if d > 0 {
		s.feedTimeout.Store(int64(d))
	}
}

func cacheKey(kind Kind, value string) string {
	return string(kind) + "|" + value
}

func (s *Store) feedsFor(kind Kind) []*feedState {
	s.feedsMu.RLock()
	defer s.feedsMu.RUnlock()

	var out []*feedState
	for _, fs := range s.feeds {
		if fs.feed.Enabled && fs.feed.Serves(kind) {
			out = append(out, fs)
		}
	}
	return out
}

// CheckReputation returns the indicator for value, or nil when no feed
// lists it. Lookups never fail: feed errors and timeouts fall back to an
// expired cached entry when one is still held.
func (s *Store) CheckReputation(ctx context.Context, kind Kind, value string) *ThreatIndicator {
	value, ok := normalizeValue(kind, value)
	if !ok {
		return nil
	}
	key := cacheKey(kind, value)
	now := s.opts.Now()

	cached, found := s.cache.Get(key)
	if found && now.Before(cached.ExpiresAt) {
		s.metrics.IncThreatLookup(string(kind), "hit")
		return &cached
	}

	answered := false
	for _, fs := range s.feedsFor(kind) {
		raw, err := s.query(ctx, fs, kind, value)
		if err != nil {
			s.logger.Warn("Threat feed query failed",
				"feed_id", fs.feed.ID,
				"kind", kind,
				"error", err)
			continue
		}
		answered = true
		if raw == nil {
			continue
		}

		ind := newIndicator(kind, value, *raw, fs.feed.ID, now, time.Duration(s.ttl.Load()))
		s.cache.Add(key, ind)
		s.metrics.IncThreatLookup(string(kind), "match")
		s.metrics.SetIndicatorsCached(s.cache.Len())
		return &ind
	}

	if found && !answered {
		s.metrics.IncThreatLookup(string(kind), "stale")
		cached.Stale = true
		return &cached
	}
	if found {
		s.cache.Remove(key)
		s.metrics.SetIndicatorsCached(s.cache.Len())
	}
	s.metrics.IncThreatLookup(string(kind), "miss")
	return nil
}

func (s *Store) query(ctx context.Context, fs *feedState, kind Kind, value string) (raw *RawIndicator, err error) {
	qctx, cancel := context.WithTimeout(ctx, time.Duration(s.feedTimeout.Load()))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed client panic: %v", r)
		}
	}()
	return fs.client.QueryFeed(qctx, fs.feed, kind, value)
}

// RefreshFeeds refreshes every enabled feed whose interval has elapsed.
// A failing feed is logged and does not affect the others.
func (s *Store) RefreshFeeds(ctx context.Context) {
	now := s.opts.Now()
	s.feedsMu.RLock()
	feeds := append([]*feedState(nil), s.feeds...)
	s.feedsMu.RUnlock()

	for _, fs := range feeds {
		if !fs.feed.Enabled || !fs.due(now) {
			continue
		}
		s.refreshFeed(ctx, fs)
	}
}

func (s *Store) refreshFeed(ctx context.Context, fs *feedState) {
	start := s.opts.Now()
	rctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
	defer cancel()

	var (
		n   int
		err error
	)
	if bulk, ok := fs.client.(BulkFetcher); ok {
		n, err = s.pullFeed(rctx, fs, bulk)
	} else {
		n, err = s.revalidateFeed(rctx, fs)
	}

	fs.mu.Lock()
	if err != nil {
		fs.lastError = err.Error()
	} else {
		fs.lastUpdate = start
		fs.lastError = ""
		fs.entries = n
	}
	fs.mu.Unlock()

	if err != nil {
		s.metrics.IncFeedRefresh(fs.feed.ID, "error")
		s.logger.Error("Failed to refresh threat feed", "feed_id", fs.feed.ID, "error", err)
		return
	}
	s.metrics.IncFeedRefresh(fs.feed.ID, "success")
	s.metrics.SetIndicatorsCached(s.cache.Len())
	s.logger.Info("Threat feed refreshed",
		"feed_id", fs.feed.ID,
		"entries", n,
		"duration_ms", s.opts.Now().Sub(start).Milliseconds())
}

// feedOrder maps feed IDs to their lookup position, highest priority first
func (s *Store) feedOrder() map[string]int {
	s.feedsMu.RLock()
	defer s.feedsMu.RUnlock()
	order := make(map[string]int, len(s.feeds))
	for i, fs := range s.feeds {
		order[fs.feed.ID] = i
	}
	return order
}

// pullFeed downloads the whole feed and upserts every entry. An entry cached
// from a feed consulted earlier in lookup order is kept, so a bulk refresh
// never overrides a higher priority verdict.
func (s *Store) pullFeed(ctx context.Context, fs *feedState, bulk BulkFetcher) (int, error) {
	entries, err := bulk.FetchFeed(ctx, fs.feed)
	if err != nil {
		return 0, err
	}
	now := s.opts.Now()
	ttl := time.Duration(s.ttl.Load())
	order := s.feedOrder()
	self, registered := order[fs.feed.ID]
	n, shadowed := 0, 0
	for _, e := range entries {
		v, ok := normalizeValue(e.Kind, e.Value)
		if !ok || !fs.feed.Serves(e.Kind) {
			continue
		}
		n++
		key := cacheKey(e.Kind, v)
		if cached, ok := s.cache.Peek(key); ok && registered {
			if pos, known := order[cached.FeedID]; known && pos < self {
				shadowed++
				continue
			}
		}
		s.cache.Add(key, newIndicator(e.Kind, v, e.Indicator, fs.feed.ID, now, ttl))
	}
	if shadowed > 0 {
		s.logger.Debug("Kept higher priority indicators during refresh",
			"feed_id", fs.feed.ID,
			"shadowed", shadowed)
	}
	return n, nil
}

// revalidateFeed re-queries the cached entries that came from a feed that
// cannot be downloaded in bulk, dropping values it no longer lists
func (s *Store) revalidateFeed(ctx context.Context, fs *feedState) (int, error) {
	now := s.opts.Now()
	ttl := time.Duration(s.ttl.Load())
	n := 0
	for _, key := range s.cache.Keys() {
		ind, ok := s.cache.Peek(key)
		if !ok || ind.FeedID != fs.feed.ID {
			continue
		}
		raw, err := s.query(ctx, fs, ind.Kind, ind.Value)
		if err != nil {
			return n, err
		}
		if raw == nil {
			s.cache.Remove(key)
			continue
		}
		s.cache.Add(key, newIndicator(ind.Kind, ind.Value, *raw, fs.feed.ID, now, ttl))
		n++
	}
	return n, nil
}

// Run refreshes due feeds immediately and then keeps one refresh loop per
// enabled feed, each waiting its interval with random jitter, until ctx is done
func (s *Store) Run(ctx context.Context) {
	s.RefreshFeeds(ctx)

	s.feedsMu.RLock()
	feeds := append([]*feedState(nil), s.feeds...)
	s.feedsMu.RUnlock()

	var wg sync.WaitGroup
	for _, fs := range feeds {
		if !fs.feed.Enabled {
			continue
		}
		wg.Add(1)
		go func(fs *feedState) {
			defer wg.Done()
			s.runFeedRefresher(ctx, fs)
		}(fs)
	}
	wg.Wait()
}

func (s *Store) runFeedRefresher(ctx context.Context, fs *feedState) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		t := time.NewTimer(jittered(fs.feed.Interval, s.opts.Jitter, rng))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if fs.due(s.opts.Now()) {
			s.refreshFeed(ctx, fs)
		}
	}
}

// jittered spreads d uniformly over [d*(1-frac), d*(1+frac)]
func jittered(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := (rng.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

// FeedStatus is the refresh state of a feed
type FeedStatus struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kinds      []Kind     `json:"kinds"`
	Enabled    bool       `json:"enabled"`
	Interval   string     `json:"interval"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Entries    int        `json:"entries"`
}

// Stats summarises the cache and the feeds
type Stats struct {
	Cached     int            `json:"cached"`
	ByKind     map[string]int `json:"by_kind"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
	Feeds      []FeedStatus   `json:"feeds"`
}

// Stats returns cache and feed statistics
func (s *Store) Stats() Stats {
	st := Stats{
		ByKind:     make(map[string]int),
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, ind := range s.indicators() {
		st.Cached++
		st.ByKind[string(ind.Kind)]++
		st.ByCategory[ind.Category]++
		st.BySeverity[ind.Severity.String()]++
	}

	s.feedsMu.RLock()
	defer s.feedsMu.RUnlock()
	for _, fs := range s.feeds {
		fs.mu.Lock()
		status := FeedStatus{
			ID:        fs.feed.ID,
			Name:      fs.feed.Name,
			Kinds:     fs.feed.Kinds,
			Enabled:   fs.feed.Enabled,
			Interval:  fs.feed.Interval.String(),
			LastError: fs.lastError,
			Entries:   fs.entries,
		}
		if !fs.lastUpdate.IsZero() {
			t := fs.lastUpdate
			status.LastUpdate = &t
		}
		fs.mu.Unlock()
		st.Feeds = append(st.Feeds, status)
	}
	return st
}

// TopThreats returns up to limit cached indicators by descending confidence
func (s *Store) TopThreats(limit int) []ThreatIndicator {
	all := s.indicators()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].Value < all[j].Value
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *Store) indicators() []ThreatIndicator {
	keys := s.cache.Keys()
	out := make([]ThreatIndicator, 0, len(keys))
	for _, k := range keys {
		if ind, ok := s.cache.Peek(k); ok {
			out = append(out, ind)
		}
	}
	return out
}
