package ueba

import (
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

const maxVolumeBuckets = 24 * 90

// EntityProfile holds everything the engine knows about one entity.
// All fields are guarded by mu.
type EntityProfile struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	history    *activityRing
	baseline   *Baseline
	stats      Statistics
	anomalies  []*AnomalyEvent
	anomalyCap int
	touchedAt  time.Time
	evicted    bool
}

// Statistics are running counters kept for the lifetime of a profile
type Statistics struct {
	TotalActivities int       `json:"total_activities"`
	LastActivity    time.Time `json:"last_activity"`
	RiskScore       float64   `json:"risk_score"`
	AnomalyCount    int       `json:"anomaly_count"`
}

// Baseline is the learned normal behavior of an entity. It only changes
// while the entity is in learning mode.
type Baseline struct {
	Samples      int
	Hours        [24]int
	Weekdays     [7]int
	Countries    map[string]int
	Cities       map[string]int
	Paths        map[string]int
	Methods      map[string]int
	UserAgents   map[string]int
	IPs          map[string]int
	HourlyVolume map[int64]int
	DailyVolume  map[int64]int
}

func newProfile(id string, now time.Time, historySize, anomalyCap int) *EntityProfile {
	return &EntityProfile{
		id:         id,
		createdAt:  now,
		history:    newActivityRing(historySize),
		baseline:   newBaseline(),
		anomalyCap: anomalyCap,
		touchedAt:  now,
	}
}

func newBaseline() *Baseline {
	return &Baseline{
		Countries:    make(map[string]int),
		Cities:       make(map[string]int),
		Paths:        make(map[string]int),
		Methods:      make(map[string]int),
		UserAgents:   make(map[string]int),
		IPs:          make(map[string]int),
		HourlyVolume: make(map[int64]int),
		DailyVolume:  make(map[int64]int),
	}
}

// learning reports whether the profile is still building its baseline
func (p *EntityProfile) learning(now time.Time, period time.Duration, minSamples int) bool {
	return now.Sub(p.createdAt) < period || p.stats.TotalActivities < minSamples
}

func (p *EntityProfile) record(a model.Activity) {
	p.history.push(a)
	p.stats.TotalActivities++
	if a.Timestamp.After(p.stats.LastActivity) {
		p.stats.LastActivity = a.Timestamp
	}
}

func (p *EntityProfile) addAnomaly(ev *AnomalyEvent) {
	p.anomalies = append(p.anomalies, ev)
	if len(p.anomalies) > p.anomalyCap {
		p.anomalies = p.anomalies[len(p.anomalies)-p.anomalyCap:]
	}
	p.stats.AnomalyCount++
	if ev.Score > p.stats.RiskScore {
		p.stats.RiskScore = ev.Score
	}
}

func (b *Baseline) learn(a model.Activity, loc Location) {
	ts := a.Timestamp
	b.Samples++
	b.Hours[ts.Hour()]++
	b.Weekdays[int(ts.Weekday())]++
	b.Methods[a.Method]++

	if a.ClientIP != "" {
		b.IPs[a.ClientIP]++
		if loc.Country != "" {
			b.Countries[loc.Country]++
			b.Cities[loc.City]++
		}
	}
	if a.Path != "" {
		b.Paths[a.Path]++
	}
	if a.UserAgent != "" {
		b.UserAgents[a.UserAgent]++
	}

	addBucket(b.HourlyVolume, ts.Unix()/3600)
	addBucket(b.DailyVolume, ts.Unix()/86400)
}

func addBucket(buckets map[int64]int, key int64) {
	buckets[key]++
	if len(buckets) <= maxVolumeBuckets {
		return
	}
	oldest := key
	for k := range buckets {
		if k < oldest {
			oldest = k
		}
	}
	delete(buckets, oldest)
}

// averageRate is total volume divided by the number of buckets spanned,
// idle buckets included.
func averageRate(buckets map[int64]int) (float64, bool) {
	if len(buckets) == 0 {
		return 0, false
	}
	var lo, hi int64
	total := 0
	first := true
	for k, n := range buckets {
		if first || k < lo {
			lo = k
		}
		if first || k > hi {
			hi = k
		}
		first = false
		total += n
	}
	return float64(total) / float64(hi-lo+1), true
}

func (b *Baseline) hourlyRate() (float64, bool) { return averageRate(b.HourlyVolume) }

func (b *Baseline) dailyRate() (float64, bool) { return averageRate(b.DailyVolume) }

// activityRing is a fixed capacity FIFO of recent activity
type activityRing struct {
	items []model.Activity
	start int
	size  int
}

func newActivityRing(capacity int) *activityRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &activityRing{items: make([]model.Activity, capacity)}
}

func (r *activityRing) push(a model.Activity) {
	end := (r.start + r.size) % len(r.items)
	r.items[end] = a
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

// last returns up to n most recent activities, oldest first
func (r *activityRing) last(n int) []model.Activity {
	if n > r.size {
		n = r.size
	}
	out := make([]model.Activity, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

// countBetween counts activities with from < timestamp <= to
func (r *activityRing) countBetween(from, to time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		ts := r.items[(r.start+i)%len(r.items)].Timestamp
		if ts.After(from) && !ts.After(to) {
			n++
		}
	}
	return n
}
