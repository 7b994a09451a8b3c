package ueba

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// ErrNoSignal is returned by a model whose input is absent from the activity.
// The model is left out of the composite score.
var ErrNoSignal = errors.New("no signal")

// behaviorModel scores one aspect of an activity against the entity profile
type behaviorModel struct {
	name   string
	weight float64
	score  func(in *modelInput) (float64, error)
}

type modelInput struct {
	profile  *EntityProfile
	activity model.Activity
	location Location
	locErr   error
	offHours HourWindow
}

func defaultModels() []behaviorModel {
	return []behaviorModel{
		{name: "temporal", weight: 0.25, score: temporalScore},
		{name: "geolocation", weight: 0.20, score: geolocationScore},
		{name: "resource", weight: 0.20, score: resourceScore},
		{name: "volume", weight: 0.15, score: volumeScore},
		{name: "device", weight: 0.10, score: deviceScore},
		{name: "sequence", weight: 0.10, score: sequenceScore},
	}
}

// runModel never panics; a panicking model is reported as an error
func runModel(m behaviorModel, in *modelInput) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, err = 0, fmt.Errorf("model %s panicked: %v", m.name, r)
		}
	}()
	return m.score(in)
}

func capScore(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}

func temporalScore(in *modelInput) (float64, error) {
	ts := in.activity.Timestamp
	hour := ts.Hour()
	b := in.profile.baseline

	score := 0.0
	if in.offHours.Contains(hour) {
		score += 0.3
	}
	if b.Samples > 0 {
		if float64(b.Hours[hour])/float64(b.Samples) < 0.05 {
			score += 0.4
		}
		if float64(b.Weekdays[int(ts.Weekday())])/float64(b.Samples) < 0.1 {
			score += 0.3
		}
	}
	return capScore(score), nil
}

func geolocationScore(in *modelInput) (float64, error) {
	if in.activity.ClientIP == "" {
		return 0, ErrNoSignal
	}
	if in.locErr != nil {
		return 0, in.locErr
	}
	b := in.profile.baseline
	loc := in.location

	score := 0.0
	if seen := b.Countries[loc.Country]; seen == 0 {
		score += 0.6
	} else if seen < 5 {
		score += 0.3
	}
	if b.Cities[loc.City] == 0 {
		score += 0.4
	}
	if loc.Private {
		score *= 0.5
	}
	return capScore(score), nil
}

func isSensitivePath(path string) bool {
	return strings.HasPrefix(path, "/admin") || strings.HasPrefix(path, "/api")
}

func resourceScore(in *modelInput) (float64, error) {
	path := in.activity.Path
	if path == "" {
		return 0, ErrNoSignal
	}
	b := in.profile.baseline

	score := 0.0
	if seen := b.Paths[path]; seen == 0 {
		score += 0.4
	} else if seen < 3 {
		score += 0.2
	}
	if in.activity.Method != "GET" {
		score += 0.3
	}
	if isSensitivePath(path) {
		score += 0.2
	}
	return capScore(score), nil
}

const burstThreshold = 10

func volumeScore(in *modelInput) (float64, error) {
	rate, ok := in.profile.baseline.hourlyRate()
	if !ok {
		return 0, ErrNoSignal
	}
	ts := in.activity.Timestamp
	history := in.profile.history

	score := 0.0
	hourCount := float64(history.countBetween(ts.Add(-time.Hour), ts))
	if hourCount > 3*rate {
		score += 0.6
	} else if hourCount > 2*rate {
		score += 0.3
	}
	if history.countBetween(ts.Add(-5*time.Minute), ts) > burstThreshold {
		score += 0.4
	}
	return capScore(score), nil
}

var automationSignatures = []string{"curl", "wget", "python", "bot", "crawler", "scanner"}

func isAutomationAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, sig := range automationSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

func deviceScore(in *modelInput) (float64, error) {
	ua, ip := in.activity.UserAgent, in.activity.ClientIP
	if ua == "" && ip == "" {
		return 0, ErrNoSignal
	}
	b := in.profile.baseline

	score := 0.0
	if ua != "" {
		if b.UserAgents[ua] == 0 {
			score += 0.5
		}
		if isAutomationAgent(ua) {
			score += 0.4
		}
	}
	if ip != "" && b.IPs[ip] == 0 {
		score += 0.3
	}
	return capScore(score), nil
}

const sequenceWindow = 5

func isAuthFailure(a model.Activity) bool {
	switch strings.ToLower(a.Type) {
	case "auth_failure", "login_failed", "authentication_failure":
		return true
	}
	return strings.Contains(strings.ToLower(a.Message), "failed")
}

func isNotFound(a model.Activity) bool {
	return a.Status == 404 || strings.Contains(a.Message, "404")
}

func sequenceScore(in *modelInput) (float64, error) {
	recent := in.profile.history.last(sequenceWindow)

	var failures, sensitive, notFound int
	for _, a := range recent {
		if isAuthFailure(a) {
			failures++
		}
		if isSensitivePath(a.Path) {
			sensitive++
		}
		if isNotFound(a) {
			notFound++
		}
	}

	score := 0.0
	if failures >= 3 {
		score += 0.6
	}
	if sensitive >= 3 {
		score += 0.4
	}
	if notFound >= 4 {
		score += 0.5
	}
	return capScore(score), nil
}
