package ueba

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// learnedProfile returns a profile whose baseline saw the given activities
func learnedProfile(acts ...model.Activity) *EntityProfile {
	p := newProfile("test", time.Now(), 100, 10)
	for _, a := range acts {
		a.Normalize(time.Now())
		loc, _ := locate(context.Background(), OctetResolver{}, a.ClientIP)
		p.record(a)
		p.baseline.learn(a, loc)
	}
	return p
}

func TestTemporalScore(t *testing.T) {
	monday10 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var acts []model.Activity
	for i := 0; i < 20; i++ {
		acts = append(acts, model.Activity{Timestamp: monday10})
	}
	p := learnedProfile(acts...)

	tests := []struct {
		name     string
		ts       time.Time
		profile  *EntityProfile
		expected float64
	}{
		{"usual hour and day", monday10.Add(7 * 24 * time.Hour), p, 0},
		{"unusual hour", monday10.Add(5 * time.Hour), p, 0.4},
		{"off hours unusual hour and day", time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC), p, 1.0},
		{"empty baseline only off-hours", time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC), learnedProfile(), 0.3},
		{"empty baseline business hours", monday10, learnedProfile(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := temporalScore(&modelInput{
				profile:  tt.profile,
				activity: model.Activity{Timestamp: tt.ts},
				offHours: DefaultOffHours,
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, s, 1e-9)
		})
	}
}

func TestGeolocationScore(t *testing.T) {
	var acts []model.Activity
	for i := 0; i < 6; i++ {
		acts = append(acts, model.Activity{ClientIP: "8.8.8.8"})
	}
	acts = append(acts, model.Activity{ClientIP: "60.1.1.1"})
	p := learnedProfile(acts...)

	tests := []struct {
		name     string
		ip       string
		expected float64
	}{
		{"known country and city", "9.9.9.9", 0},
		{"rare country", "61.0.0.1", 0.3},
		{"new country and city", "120.0.0.1", 1.0},
		{"private network halves", "192.168.1.10", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := locate(context.Background(), OctetResolver{}, tt.ip)
			require.NoError(t, err)
			s, err := geolocationScore(&modelInput{
				profile:  p,
				activity: model.Activity{ClientIP: tt.ip},
				location: loc,
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, s, 1e-9)
		})
	}

	_, err := geolocationScore(&modelInput{profile: p})
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestResourceScore(t *testing.T) {
	p := learnedProfile(
		model.Activity{Path: "/home"}, model.Activity{Path: "/home"}, model.Activity{Path: "/home"},
		model.Activity{Path: "/reports"},
	)

	tests := []struct {
		name     string
		path     string
		method   string
		expected float64
	}{
		{"familiar read", "/home", "GET", 0},
		{"rare path", "/reports", "GET", 0.2},
		{"new path", "/billing", "GET", 0.4},
		{"new admin write", "/admin/users", "POST", 0.9},
		{"familiar write", "/home", "PUT", 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := resourceScore(&modelInput{
				profile:  p,
				activity: model.Activity{Path: tt.path, Method: tt.method},
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, s, 1e-9)
		})
	}

	_, err := resourceScore(&modelInput{profile: p})
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestDeviceScore(t *testing.T) {
	p := learnedProfile(model.Activity{ClientIP: "10.0.0.5", UserAgent: "Mozilla/5.0"})

	tests := []struct {
		name     string
		ua, ip   string
		expected float64
	}{
		{"known device", "Mozilla/5.0", "10.0.0.5", 0},
		{"new ip", "Mozilla/5.0", "10.0.0.6", 0.3},
		{"new agent", "Safari/17", "10.0.0.5", 0.5},
		{"automation agent capped", "python-requests/2.31", "10.0.0.9", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := deviceScore(&modelInput{
				profile:  p,
				activity: model.Activity{UserAgent: tt.ua, ClientIP: tt.ip},
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, s, 1e-9)
		})
	}

	_, err := deviceScore(&modelInput{profile: p})
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestSequenceScore(t *testing.T) {
	tests := []struct {
		name     string
		recent   []model.Activity
		expected float64
	}{
		{"quiet", []model.Activity{{Path: "/home"}, {Path: "/home"}}, 0},
		{"auth failures", []model.Activity{
			{Type: "auth_failure"}, {Message: "Login failed"}, {Type: "login_failed"},
		}, 0.6},
		{"sensitive paths", []model.Activity{
			{Path: "/admin"}, {Path: "/api/users"}, {Path: "/admin/config"},
		}, 0.4},
		{"reconnaissance", []model.Activity{
			{Status: 404}, {Status: 404}, {Status: 404}, {Message: "GET /x 404"},
		}, 0.5},
		{"everything capped", []model.Activity{
			{Path: "/admin", Status: 404, Type: "auth_failure"},
			{Path: "/admin", Status: 404, Type: "auth_failure"},
			{Path: "/api", Status: 404, Type: "auth_failure"},
			{Path: "/api", Status: 404},
		}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProfile("seq", time.Now(), 100, 10)
			for _, a := range tt.recent {
				p.record(a)
			}
			s, err := sequenceScore(&modelInput{profile: p})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, s, 1e-9)
		})
	}
}

func TestSequenceScore_OnlyLastFive(t *testing.T) {
	p := newProfile("seq", time.Now(), 100, 10)
	for i := 0; i < 3; i++ {
		p.record(model.Activity{Type: "auth_failure"})
	}
	for i := 0; i < 5; i++ {
		p.record(model.Activity{Path: "/home"})
	}
	s, err := sequenceScore(&modelInput{profile: p})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)
}

func TestVolumeScore(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var acts []model.Activity
	// two per hour for ten hours
	for h := 0; h < 10; h++ {
		ts := base.Add(time.Duration(h) * time.Hour)
		acts = append(acts, model.Activity{Timestamp: ts}, model.Activity{Timestamp: ts.Add(time.Minute)})
	}
	p := learnedProfile(acts...)

	rate, ok := p.baseline.hourlyRate()
	require.True(t, ok)
	assert.InDelta(t, 2.0, rate, 1e-9)

	now := base.Add(48 * time.Hour)
	for i := 0; i < 12; i++ {
		p.record(model.Activity{Timestamp: now.Add(-time.Duration(i) * 10 * time.Second)})
	}
	s, err := volumeScore(&modelInput{profile: p, activity: model.Activity{Timestamp: now}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9, "burst plus more than 3x the hourly rate")

	_, err = volumeScore(&modelInput{profile: learnedProfile()})
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestActivityRing(t *testing.T) {
	r := newActivityRing(3)
	for i := 1; i <= 5; i++ {
		r.push(model.Activity{Status: i})
	}
	assert.Equal(t, 3, r.size)

	last := r.last(5)
	require.Len(t, last, 3)
	assert.Equal(t, 3, last[0].Status)
	assert.Equal(t, 5, last[2].Status)
}

func TestHourWindow(t *testing.T) {
	w, err := ParseHourWindow("22, 6")
	require.NoError(t, err)
	assert.True(t, w.Contains(23))
	assert.True(t, w.Contains(2))
	assert.False(t, w.Contains(6))
	assert.False(t, w.Contains(12))

	assert.True(t, DefaultOffHours.Contains(0))
	assert.True(t, DefaultOffHours.Contains(5))
	assert.False(t, DefaultOffHours.Contains(6))

	for _, bad := range []string{"", "1", "a,b", "25,3"} {
		_, err := ParseHourWindow(bad)
		assert.Error(t, err, bad)
	}
}

func TestCSVResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.csv")
	content := "cidr,country,city\n203.0.0.0/8,Australia,Unknown\n203.0.113.0/24,Australia,Sydney\n# comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r, err := NewCSVResolver(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	loc, err := r.Resolve(context.Background(), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, "Sydney", loc.City)

	loc, err = r.Resolve(context.Background(), net.ParseIP("8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, "Unknown", loc.Country)

	_, err = NewCSVResolver(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestNewResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.csv")
	require.NoError(t, os.WriteFile(path, []byte("203.0.113.0/24,Australia,Sydney\n"), 0644))
	ip := net.ParseIP("8.8.8.8")

	r, err := NewResolver("none", "")
	require.NoError(t, err)
	loc, err := r.Resolve(context.Background(), ip)
	require.NoError(t, err)
	assert.Equal(t, unknownLocation, loc)

	r, err = NewResolver("", "")
	require.NoError(t, err)
	assert.IsType(t, OctetResolver{}, r)
	loc, err = r.Resolve(context.Background(), ip)
	require.NoError(t, err)
	assert.NotEqual(t, unknownPlace, loc.Country)

	r, err = NewResolver("", path)
	require.NoError(t, err)
	require.IsType(t, &CSVResolver{}, r)
	assert.Equal(t, 1, r.(*CSVResolver).Count())

	_, err = NewResolver("csv", "")
	assert.Error(t, err)
	_, err = NewResolver("maxmind", "")
	assert.Error(t, err)
}

func TestLocate_PrivateRangesSkipResolver(t *testing.T) {
	for _, ip := range []string{"10.1.2.3", "172.20.0.1", "192.168.0.10", "127.0.0.1", "::1"} {
		loc, err := locate(context.Background(), failingResolver{}, ip)
		require.NoError(t, err, ip)
		assert.True(t, loc.Private, ip)
		assert.Equal(t, "Local", loc.Country)
	}

	_, err := locate(context.Background(), failingResolver{}, "8.8.8.8")
	assert.Error(t, err)
}
