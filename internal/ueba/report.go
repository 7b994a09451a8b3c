package ueba

import (
	"sort"
	"time"
)

// RiskProfile summarizes an entity for reporting
type RiskProfile struct {
	EntityID         string          `json:"entity_id"`
	RiskScore        float64         `json:"risk_score"`
	TotalActivities  int             `json:"total_activities"`
	AnomalyCount     int             `json:"anomaly_count"`
	LastActivity     time.Time       `json:"last_activity"`
	CreatedAt        time.Time       `json:"created_at"`
	Learning         bool            `json:"learning"`
	AvgDailyActivity float64         `json:"avg_daily_activity"`
	RecentAnomalies  []*AnomalyEvent `json:"recent_anomalies"`
}

// AnomalyStats aggregates anomalies across all tracked entities
type AnomalyStats struct {
	Entities         int            `json:"entities"`
	LearningEntities int            `json:"learning_entities"`
	TotalAnomalies   int            `json:"total_anomalies"`
	BySeverity       map[string]int `json:"by_severity"`
	AverageRiskScore float64        `json:"average_risk_score"`
}

const recentAnomalyCount = 5

func (e *Engine) summarize(p *EntityProfile, now time.Time, cfg *settings) RiskProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	daily, _ := p.baseline.dailyRate()
	recent := p.anomalies
	if len(recent) > recentAnomalyCount {
		recent = recent[len(recent)-recentAnomalyCount:]
	}
	return RiskProfile{
		EntityID:         p.id,
		RiskScore:        p.stats.RiskScore,
		TotalActivities:  p.stats.TotalActivities,
		AnomalyCount:     p.stats.AnomalyCount,
		LastActivity:     p.stats.LastActivity,
		CreatedAt:        p.createdAt,
		Learning:         p.learning(now, cfg.learningPeriod, cfg.minSamples),
		AvgDailyActivity: daily,
		RecentAnomalies:  append([]*AnomalyEvent(nil), recent...),
	}
}

// Profile returns the summary of one entity
func (e *Engine) Profile(entityID string) (RiskProfile, bool) {
	p, ok := e.profiles.Get(entityID)
	if !ok {
		return RiskProfile{}, false
	}
	return e.summarize(p, e.now(), e.settings.Load()), true
}

// RiskProfiles returns up to limit entities ordered by risk score, highest
// first. A limit of zero or less returns all entities.
func (e *Engine) RiskProfiles(limit int) []RiskProfile {
	now, cfg := e.now(), e.settings.Load()

	var out []RiskProfile
	e.profiles.Range(func(_ string, p *EntityProfile) bool {
		out = append(out, e.summarize(p, now, cfg))
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AnomalyStats returns counts of retained anomalies by severity and the
// average risk score over all entities
func (e *Engine) AnomalyStats() AnomalyStats {
	now, cfg := e.now(), e.settings.Load()
	stats := AnomalyStats{BySeverity: make(map[string]int)}
	var riskTotal float64

	e.profiles.Range(func(_ string, p *EntityProfile) bool {
		p.mu.Lock()
		defer p.mu.Unlock()

		stats.Entities++
		if p.learning(now, cfg.learningPeriod, cfg.minSamples) {
			stats.LearningEntities++
		}
		riskTotal += p.stats.RiskScore
		for _, a := range p.anomalies {
			stats.TotalAnomalies++
			stats.BySeverity[a.Severity.String()]++
		}
		return true
	})

	if stats.Entities > 0 {
		stats.AverageRiskScore = riskTotal / float64(stats.Entities)
	}
	return stats
}
