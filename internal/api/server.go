package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/blocklist"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/sink"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/soar"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/threatintel"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/ueba"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Behavior is the reporting side of the UEBA engine
type Behavior interface {
	RiskProfiles(limit int) []ueba.RiskProfile
	Profile(entityID string) (ueba.RiskProfile, bool)
	AnomalyStats() ueba.AnomalyStats
}

// Orchestrator is the reporting side of the SOAR engine
type Orchestrator interface {
	RecentIncidents(limit int) []soar.IncidentRecord
	Incident(id string) (soar.IncidentRecord, bool)
	Stats() soar.Stats
	Tasks(status soar.TaskStatus) []soar.Task
	CompleteTask(id, by string) (soar.Task, error)
}

// Intel is the reporting side of the threat intelligence store
type Intel interface {
	Stats() threatintel.Stats
	TopThreats(limit int) []threatintel.ThreatIndicator
	CheckReputation(ctx context.Context, kind threatintel.Kind, value string) *threatintel.ThreatIndicator
}

// Blocklist is the operator view of blocked sources
type Blocklist interface {
	List(ctx context.Context) ([]blocklist.Entry, error)
	Unblock(ctx context.Context, ip string) error
}

// Server exposes health, metrics and read-only reporting endpoints
type Server struct {
	r        *chi.Mux
	behavior Behavior
	soar     Orchestrator
	intel    Intel
	blocks   Blocklist
	sinks    func() map[string]sink.BatchStats
	natsConn *nats.Conn
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer builds the router. A nil gatherer serves the default registry.
func NewServer(behavior Behavior, orchestrator Orchestrator, intel Intel, blocks Blocklist, natsConn *nats.Conn, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		r:        chi.NewRouter(),
		behavior: behavior,
		soar:     orchestrator,
		intel:    intel,
		blocks:   blocks,
		natsConn: natsConn,
		gatherer: gatherer,
		logger:   logger,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.r.Route("/ueba", func(r chi.Router) {
		r.Get("/profiles", s.handleProfiles)
		r.Get("/profiles/{entity_id}", s.handleProfile)
		r.Get("/stats", s.handleAnomalyStats)
	})

	s.r.Route("/soar", func(r chi.Router) {
		r.Get("/incidents", s.handleIncidents)
		r.Get("/incidents/{id}", s.handleIncident)
		r.Get("/stats", s.handleSoarStats)
		r.Get("/tasks", s.handleTasks)
		r.Post("/tasks/{id}/complete", s.handleCompleteTask)
	})

	s.r.Route("/ti", func(r chi.Router) {
		r.Get("/stats", s.handleIntelStats)
		r.Get("/top", s.handleTopThreats)
		r.Get("/reputation/{kind}/{value}", s.handleReputation)
	})

	s.r.Get("/sinks", s.handleSinkStats)
	s.r.Get("/blocklist", s.handleBlocklist)
	s.r.Delete("/blocklist/{ip}", s.handleUnblock)
}

// SetSinkStats installs the source of audit sink counters served on /sinks
func (s *Server) SetSinkStats(fn func() map[string]sink.BatchStats) {
	s.sinks = fn
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady requires a live NATS connection and at least one playbook
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	natsConnected := s.natsConn != nil && s.natsConn.IsConnected()
	playbooks := s.soar.Stats().Playbooks

	status, code := "ready", http.StatusOK
	if !natsConnected || playbooks == 0 {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":           status,
		"timestamp":        time.Now().UTC(),
		"nats_connected":   natsConnected,
		"playbooks_loaded": playbooks,
	})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.behavior.RiskProfiles(parseLimit(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	profile, ok := s.behavior.Profile(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleAnomalyStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.behavior.AnomalyStats())
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	incidents := s.soar.RecentIncidents(parseLimit(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.soar.Incident(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSoarStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.soar.Stats())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	status := soar.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", soar.TaskPending, soar.TaskCompleted:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be pending or completed")
		return
	}
	tasks := s.soar.Tasks(status)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CompletedBy string `json:"completed_by"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.CompletedBy == "" {
		body.CompletedBy = "operator"
	}

	task, err := s.soar.CompleteTask(chi.URLParam(r, "id"), body.CompletedBy)
	switch {
	case errors.Is(err, soar.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, soar.ErrTaskCompleted):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("Failed to complete task", "task_id", chi.URLParam(r, "id"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to complete task")
		return
	}

	s.logger.Info("Manual task completed", "task_id", task.ID, "completed_by", task.CompletedBy)
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSinkStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]sink.BatchStats{}
	if s.sinks != nil {
		stats = s.sinks()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sinks": stats,
		"count": len(stats),
	})
}

func (s *Server) handleIntelStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.intel.Stats())
}

func (s *Server) handleTopThreats(w http.ResponseWriter, r *http.Request) {
	threats := s.intel.TopThreats(parseLimit(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats": threats,
		"count":   len(threats),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	kind, err := threatintel.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value := chi.URLParam(r, "value")

	ind := s.intel.CheckReputation(r.Context(), kind, value)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":      kind,
		"value":     value,
		"is_threat": ind != nil && ind.IsThreat,
		"indicator": ind,
	})
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.blocks.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list blocked sources", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list blocked sources")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := s.blocks.Unblock(r.Context(), ip); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Source unblocked by operator", "ip", ip)
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
