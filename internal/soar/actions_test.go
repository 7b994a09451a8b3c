package soar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

func TestDefaultActionsRegistered(t *testing.T) {
	r := DefaultActions(ActionDeps{})
	for _, name := range []string{
		"block_ip", "permanent_ip_block", "notify_admin", "notify_dba",
		"notify_security_team", "notify_legal_team", "escalate_to_security_team",
		"log_incident", "quarantine_file", "quarantine_suspicious_files",
		"backup_database", "scan_filesystem", "collect_evidence", "block_outbound_traffic",
	} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, name)
	}
	assert.Len(t, r.Names(), 14)
}

func TestActionsWithoutCollaboratorsFail(t *testing.T) {
	r := DefaultActions(ActionDeps{})
	ac := ActionContext{Action: "x", Incident: model.Incident{Source: "192.0.2.1"}}

	for _, name := range []string{"block_ip", "notify_admin", "log_incident", "scan_filesystem"} {
		fn, _ := r.Lookup(name)
		assert.Error(t, fn(context.Background(), ac), name)
	}
}

func TestBlockRejectsNonIPSource(t *testing.T) {
	blocker := &fakeBlocker{}
	r := DefaultActions(ActionDeps{Blocker: blocker})
	fn, _ := r.Lookup("block_ip")

	err := fn(context.Background(), ActionContext{Incident: model.Incident{Source: "alice"}})
	assert.Error(t, err)
	assert.Empty(t, blocker.Calls())
}

func TestPermanentBlockReportsEvent(t *testing.T) {
	blocker := &fakeBlocker{}
	sink := &fakeSink{}
	r := DefaultActions(ActionDeps{Blocker: blocker, Sink: sink, Logger: testLogger()})
	fn, _ := r.Lookup("permanent_ip_block")

	err := fn(context.Background(), ActionContext{
		IncidentID: "rec-1",
		Action:     "permanent_ip_block",
		Incident:   model.Incident{Type: "brute_force_escalation", Severity: model.SeverityHigh, Source: "198.51.100.1"},
	})
	require.NoError(t, err)

	calls := blocker.Calls()
	require.Len(t, calls, 1)
	assert.Zero(t, calls[0].ttl)

	require.Len(t, sink.persisted, 1)
	assert.Equal(t, model.EventIPBlocked, sink.persisted[0].Type)
	assert.Equal(t, "permanent", sink.persisted[0].Details["duration"])
	require.Len(t, sink.notified, 1)
	assert.Equal(t, model.EventAutomatedResponse, sink.notified[0].Type)
}

func TestHostActionsDispatchCommands(t *testing.T) {
	d := &fakeDispatcher{}
	r := DefaultActions(ActionDeps{Dispatcher: d})
	fn, _ := r.Lookup("collect_evidence")

	err := fn(context.Background(), ActionContext{
		IncidentID: "rec-9",
		Action:     "collect_evidence",
		Incident:   model.Incident{Source: "10.1.2.3", Details: map[string]interface{}{"host": "web-1"}},
	})
	require.NoError(t, err)

	require.Len(t, d.commands, 1)
	cmd := d.commands[0]
	assert.Equal(t, "collect_evidence", cmd.Action)
	assert.Equal(t, "rec-9", cmd.IncidentID)
	assert.Equal(t, "10.1.2.3", cmd.Target)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "web-1", cmd.Details["host"])
}
