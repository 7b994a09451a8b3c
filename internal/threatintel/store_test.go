package threatintel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingFeed lists values in a map and counts queries
type countingFeed struct {
	mu      sync.Mutex
	listed  map[string]RawIndicator
	queries int
	err     error
	block   bool
}

func (f *countingFeed) QueryFeed(ctx context.Context, _ Feed, _ Kind, value string) (*RawIndicator, error) {
	f.mu.Lock()
	f.queries++
	err, block := f.err, f.block
	raw, ok := f.listed[value]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &raw, nil
}

func (f *countingFeed) set(value string, raw RawIndicator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listed == nil {
		f.listed = make(map[string]RawIndicator)
	}
	f.listed[value] = raw
}

func (f *countingFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type failingBulk struct{}

func (failingBulk) QueryFeed(context.Context, Feed, Kind, string) (*RawIndicator, error) {
	return nil, nil
}

func (failingBulk) FetchFeed(context.Context, Feed) ([]BulkEntry, error) {
	return nil, errors.New("upstream unavailable")
}

type staticBulk struct {
	entries []BulkEntry
}

func (staticBulk) QueryFeed(context.Context, Feed, Kind, string) (*RawIndicator, error) {
	return nil, nil
}

func (b staticBulk) FetchFeed(context.Context, Feed) ([]BulkEntry, error) {
	return b.entries, nil
}

func torFeed() (Feed, staticBulk) {
	feed := feedFor("tor_nodes", KindIP)
	feed.Priority = "low"
	return feed, staticBulk{entries: []BulkEntry{
		{Kind: KindIP, Value: "198.51.100.10", Indicator: RawIndicator{Category: "tor", Confidence: 0.6}},
		{Kind: KindIP, Value: "185.220.101.1", Indicator: RawIndicator{Category: "tor", Confidence: 0.6}},
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.CacheSize = 100
	opts.FeedTimeout = 50 * time.Millisecond
	opts.Now = clock.Now
	s, err := NewStore(opts, metrics.New(prometheus.NewRegistry()), testLogger())
	require.NoError(t, err)
	return s
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func feedFor(id string, kinds ...Kind) Feed {
	return Feed{ID: id, Name: id, Kinds: kinds, Interval: time.Hour, Priority: "high", Enabled: true}
}

func newLocalStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	s := newTestStore(t, clock)
	local, err := NewLocalFeed()
	require.NoError(t, err)
	require.NoError(t, s.AddFeed(feedFor("local_db"), local))
	s.RefreshFeeds(context.Background())
	return s
}

func TestCheckReputationPreloadedBotnet(t *testing.T) {
	s := newLocalStore(t, newClock())

	ind := s.CheckReputation(context.Background(), KindIP, "198.51.100.10")
	require.NotNil(t, ind)
	assert.True(t, ind.IsThreat)
	assert.Equal(t, "botnet", ind.Category)
	assert.Equal(t, model.SeverityHigh, ind.Severity)
	assert.InDelta(t, 0.9, ind.Weight, 1e-9)
	assert.InDelta(t, 0.855, ind.RiskScore, 1e-9)
	assert.Equal(t, "local_db", ind.Source)
}

func TestCheckReputationUnknownCategory(t *testing.T) {
	s := newLocalStore(t, newClock())

	ind := s.CheckReputation(context.Background(), KindHash, "FEDCBA0987654321098765432109876543210FEDCB")
	require.NotNil(t, ind)
	assert.Equal(t, "trojan", ind.Category)
	assert.Equal(t, model.SeverityMedium, ind.Severity)
	assert.InDelta(t, 0.5, ind.Weight, 1e-9)
}

func TestCheckReputationTTL(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	feed := &countingFeed{}
	feed.set("203.0.113.200", RawIndicator{Category: "scanner", Confidence: 0.7})
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	require.NotNil(t, s.CheckReputation(ctx, KindIP, "203.0.113.200"))
	assert.Equal(t, 1, feed.count())

	clock.Advance(23 * time.Hour)
	require.NotNil(t, s.CheckReputation(ctx, KindIP, "203.0.113.200"))
	assert.Equal(t, 1, feed.count(), "lookups inside the TTL must be served from cache")

	clock.Advance(2 * time.Hour)
	require.NotNil(t, s.CheckReputation(ctx, KindIP, "203.0.113.200"))
	assert.Equal(t, 2, feed.count())
}

func TestCheckReputationNoNegativeCaching(t *testing.T) {
	s := newTestStore(t, newClock())
	feed := &countingFeed{}
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	assert.Nil(t, s.CheckReputation(ctx, KindIP, "192.0.2.33"))
	assert.Nil(t, s.CheckReputation(ctx, KindIP, "192.0.2.33"))
	assert.Equal(t, 2, feed.count())

	feed.set("192.0.2.33", RawIndicator{Category: "proxy", Confidence: 0.5})
	ind := s.CheckReputation(ctx, KindIP, "192.0.2.33")
	require.NotNil(t, ind, "a later feed update is picked up without a cache bust")
	assert.Equal(t, "proxy", ind.Category)
}

func TestCheckReputationTimeoutFallsBackToStale(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	feed := &countingFeed{}
	feed.set("192.0.2.44", RawIndicator{Category: "botnet", Confidence: 0.9})
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	require.NotNil(t, s.CheckReputation(ctx, KindIP, "192.0.2.44"))
	clock.Advance(25 * time.Hour)

	feed.mu.Lock()
	feed.block = true
	feed.mu.Unlock()

	start := time.Now()
	ind := s.CheckReputation(ctx, KindIP, "192.0.2.44")
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, ind)
	assert.True(t, ind.Stale)
	assert.Equal(t, "botnet", ind.Category)

	assert.Nil(t, s.CheckReputation(ctx, KindIP, "192.0.2.45"), "a timeout without a cached value is a miss")
}

func TestCheckReputationRemovesDelistedValues(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	feed := &countingFeed{}
	feed.set("192.0.2.50", RawIndicator{Category: "spam", Confidence: 0.6})
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	require.NotNil(t, s.CheckReputation(ctx, KindIP, "192.0.2.50"))
	feed.mu.Lock()
	delete(feed.listed, "192.0.2.50")
	feed.mu.Unlock()

	clock.Advance(25 * time.Hour)
	assert.Nil(t, s.CheckReputation(ctx, KindIP, "192.0.2.50"))
	assert.Equal(t, 0, s.Stats().Cached)
}

func TestCheckReputationInvalidInput(t *testing.T) {
	s := newLocalStore(t, newClock())
	assert.Nil(t, s.CheckReputation(context.Background(), KindIP, "not-an-ip"))
	assert.Nil(t, s.CheckReputation(context.Background(), KindDomain, "  "))
}

func TestFeedPriorityOrder(t *testing.T) {
	s := newTestStore(t, newClock())
	low := &countingFeed{}
	low.set("192.0.2.60", RawIndicator{Category: "tor", Confidence: 0.6})
	high := &countingFeed{}
	high.set("192.0.2.60", RawIndicator{Category: "botnet", Confidence: 0.9})

	lowFeed := feedFor("low", KindIP)
	lowFeed.Priority = "low"
	require.NoError(t, s.AddFeed(lowFeed, low))
	require.NoError(t, s.AddFeed(feedFor("high", KindIP), high))

	ind := s.CheckReputation(context.Background(), KindIP, "192.0.2.60")
	require.NotNil(t, ind)
	assert.Equal(t, "botnet", ind.Category)
	assert.Equal(t, 0, low.count())
}

func TestRefreshFeedsKeepsHigherPriorityVerdict(t *testing.T) {
	clock := newClock()
	s := newLocalStore(t, clock)
	ctx := context.Background()

	before := s.CheckReputation(ctx, KindIP, "198.51.100.10")
	require.NotNil(t, before)
	require.Equal(t, "botnet", before.Category)

	feed, bulk := torFeed()
	require.NoError(t, s.AddFeed(feed, bulk))
	s.RefreshFeeds(ctx)

	ind := s.CheckReputation(ctx, KindIP, "198.51.100.10")
	require.NotNil(t, ind)
	assert.Equal(t, "botnet", ind.Category)
	assert.Equal(t, model.SeverityHigh, ind.Severity)
	assert.InDelta(t, before.RiskScore, ind.RiskScore, 1e-9)
	assert.Equal(t, "local_db", ind.FeedID)

	tor := s.CheckReputation(ctx, KindIP, "185.220.101.1")
	require.NotNil(t, tor, "values only the lower priority feed lists are still cached")
	assert.Equal(t, "tor_nodes", tor.FeedID)

	for _, f := range s.Stats().Feeds {
		if f.ID == "tor_nodes" {
			assert.Equal(t, 2, f.Entries)
		}
	}
}

func TestRefreshFeedsHigherPriorityReplacesLower(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	feed, bulk := torFeed()
	require.NoError(t, s.AddFeed(feed, bulk))
	s.RefreshFeeds(ctx)
	first := s.CheckReputation(ctx, KindIP, "198.51.100.10")
	require.NotNil(t, first)
	require.Equal(t, "tor", first.Category)

	local, err := NewLocalFeed()
	require.NoError(t, err)
	require.NoError(t, s.AddFeed(feedFor("local_db"), local))
	s.RefreshFeeds(ctx)

	ind := s.CheckReputation(ctx, KindIP, "198.51.100.10")
	require.NotNil(t, ind)
	assert.Equal(t, "botnet", ind.Category)
	assert.Equal(t, "local_db", ind.FeedID)
}

func TestRefreshFeedsRevalidatesAttributedEntries(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	feed := &countingFeed{}
	feed.set("192.0.2.80", RawIndicator{Category: "scanner", Confidence: 0.7, Source: "partner-x"})
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	ind := s.CheckReputation(ctx, KindIP, "192.0.2.80")
	require.NotNil(t, ind)
	assert.Equal(t, "partner-x", ind.Source)
	assert.Equal(t, "ext", ind.FeedID)

	feed.mu.Lock()
	delete(feed.listed, "192.0.2.80")
	feed.mu.Unlock()

	s.RefreshFeeds(ctx)
	assert.Equal(t, 2, feed.count(), "entry with an upstream source is revalidated by its feed")
	assert.Equal(t, 0, s.Stats().Cached)
}

func TestRefreshFeedsIsolatesFailures(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	local, err := NewLocalFeed()
	require.NoError(t, err)
	require.NoError(t, s.AddFeed(feedFor("broken"), failingBulk{}))
	require.NoError(t, s.AddFeed(feedFor("local_db"), local))

	s.RefreshFeeds(context.Background())

	stats := s.Stats()
	assert.Equal(t, local.Len(), stats.Cached)
	require.Len(t, stats.Feeds, 2)
	for _, f := range stats.Feeds {
		switch f.ID {
		case "broken":
			assert.Nil(t, f.LastUpdate)
			assert.Contains(t, f.LastError, "upstream unavailable")
		case "local_db":
			require.NotNil(t, f.LastUpdate)
			assert.Equal(t, local.Len(), f.Entries)
		}
	}
}

func TestRefreshFeedsHonoursInterval(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock)
	feed := &countingFeed{}
	feed.set("192.0.2.70", RawIndicator{Category: "spam", Confidence: 0.6})
	require.NoError(t, s.AddFeed(feedFor("ext", KindIP), feed))
	ctx := context.Background()

	require.NotNil(t, s.CheckReputation(ctx, KindIP, "192.0.2.70"))
	require.Equal(t, 1, feed.count())

	s.RefreshFeeds(ctx)
	assert.Equal(t, 2, feed.count(), "first refresh revalidates cached entries")

	clock.Advance(30 * time.Minute)
	s.RefreshFeeds(ctx)
	assert.Equal(t, 2, feed.count(), "feed is not due yet")

	clock.Advance(31 * time.Minute)
	s.RefreshFeeds(ctx)
	assert.Equal(t, 3, feed.count())
}

func TestDisabledFeedIgnored(t *testing.T) {
	s := newTestStore(t, newClock())
	feed := &countingFeed{}
	f := feedFor("off", KindIP)
	f.Enabled = false
	require.NoError(t, s.AddFeed(f, feed))

	assert.Nil(t, s.CheckReputation(context.Background(), KindIP, "192.0.2.1"))
	s.RefreshFeeds(context.Background())
	assert.Equal(t, 0, feed.count())
}

func TestAddFeedValidation(t *testing.T) {
	s := newTestStore(t, newClock())
	assert.Error(t, s.AddFeed(Feed{ID: "x"}, &countingFeed{}), "interval required")
	assert.Error(t, s.AddFeed(feedFor("x", Kind("url")), &countingFeed{}))
	assert.Error(t, s.AddFeed(feedFor("x"), nil))
	require.NoError(t, s.AddFeed(feedFor("x"), &countingFeed{}))
	assert.Error(t, s.AddFeed(feedFor("x"), &countingFeed{}), "duplicate id")
}

func TestTopThreats(t *testing.T) {
	s := newLocalStore(t, newClock())

	top := s.TopThreats(3)
	require.Len(t, top, 3)
	assert.Equal(t, "a1b2c3d4e5f6789012345678901234567890abcd", top[0].Value)
	assert.InDelta(t, 0.95, top[1].Confidence, 1e-9)
	assert.InDelta(t, 0.95, top[2].Confidence, 1e-9)

	stats := s.Stats()
	assert.Equal(t, 10, stats.Cached)
	assert.Equal(t, 5, stats.ByKind["ip"])
	assert.Equal(t, 3, stats.ByCategory["malware"])
}

func TestJittered(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		d := jittered(time.Hour, 0.1, rng)
		assert.GreaterOrEqual(t, d, 54*time.Minute)
		assert.LessOrEqual(t, d, 66*time.Minute)
	}
	assert.Equal(t, time.Hour, jittered(time.Hour, 0, rng))
}

func TestDefaultFeeds(t *testing.T) {
	feeds, err := DefaultFeeds()
	require.NoError(t, err)
	require.Len(t, feeds, 5)
	assert.Equal(t, "tor_nodes", feeds[len(feeds)-1].ID)

	byID := make(map[string]Feed)
	for _, f := range feeds {
		byID[f.ID] = f
	}
	assert.Equal(t, 6*time.Hour, byID["malicious_ips"].Interval)
	assert.Equal(t, 12*time.Hour, byID["malware_domains"].Interval)
	assert.True(t, byID["file_hashes"].Serves(KindHash))
	assert.False(t, byID["file_hashes"].Serves(KindIP))
}

func TestHTTPListFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "# exit nodes")
		fmt.Fprintln(w, "185.220.101.1")
		fmt.Fprintln(w, "185.220.101.1")
		fmt.Fprintln(w, "garbage")
		fmt.Fprintln(w, "2001:db8::1 extra")
	}))
	defer srv.Close()

	clock := newClock()
	s := newTestStore(t, clock)
	client := NewHTTPListFeed(srv.Client())
	feed := Feed{ID: "tor_nodes", Client: "http_list", URL: srv.URL, Category: "tor", Confidence: 0.6,
		Kinds: []Kind{KindIP}, Interval: 24 * time.Hour, Priority: "low", Enabled: true}
	require.NoError(t, s.AddFeed(feed, client))

	s.RefreshFeeds(context.Background())

	ind := s.CheckReputation(context.Background(), KindIP, "185.220.101.1")
	require.NotNil(t, ind)
	assert.Equal(t, model.SeverityLow, ind.Severity)
	assert.InDelta(t, 0.18, ind.RiskScore, 1e-9)
	assert.NotNil(t, s.CheckReputation(context.Background(), KindIP, "2001:db8::1"))
	assert.Equal(t, 2, s.Stats().Cached)
}
