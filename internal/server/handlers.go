package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/canaria-project/canaria/internal/admin"
	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/hub"
	"github.com/canaria-project/canaria/internal/ingest"
	"github.com/canaria-project/canaria/internal/storage"
)

const maxSubmitBody = 4 << 20

// handleSubmit is the poller's entry point: heartbeat plus batched
// events. Responds 200 {sync:true} exactly once per process lifetime,
// 204 otherwise.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req ingest.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Heartbeat == nil && len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "heartbeat or events required"})
		return
	}
	for i := range req.Events {
		if req.Events[i].ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event missing eventId"})
			return
		}
	}

	if s.ingest.Submit(req) {
		writeJSON(w, http.StatusOK, map[string]bool{"sync": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := storage.ListQuery{
		Source: r.URL.Query().Get("source"),
		Type:   r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := parseQueryTime(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		q.Since = t
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		t, err := parseQueryTime(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid until"})
			return
		}
		q.Until = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}

	events, err := s.store.List(r.Context(), q)
	if err != nil {
		s.log.Error().Err(err).Msg("list events failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Latest(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("latest event failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.admin.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.Connections(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("connections snapshot failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		export, err := s.metrics.ExportJSON(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("metrics export failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics error"})
			return
		}
		writeJSON(w, http.StatusOK, export)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.Monitoring(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("monitoring snapshot failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.guard.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many connection attempts"})
		return
	}
	hub.ServeWS(s.hub, s.boot.WebSocket.JWTSecret, w, r)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&partial); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	updated, err := s.cfg.Update(r.Context(), partial)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.Dashboard(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("dashboard snapshot failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type actionRequest struct {
	Action string             `json:"action"`
	Params admin.ActionParams `json:"params"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	result, err := s.admin.Action(r.Context(), s.maintenance(), req.Action, req.Params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, admin.ActionResult{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// maintenance adapts metrics and the limiter to the action runner.
func (s *Server) maintenance() admin.MaintenanceRunner {
	return maintRunner{s: s}
}

type maintRunner struct{ s *Server }

func (m maintRunner) TriggerRollup(ctx context.Context) error {
	return m.s.metrics.PerformRollup(ctx)
}

func (m maintRunner) TriggerCleanup(ctx context.Context) (any, error) {
	res, err := m.s.metrics.PerformCleanup(ctx)
	if err != nil {
		return nil, err
	}
	swept, err := m.s.limiter.Cleanup(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"retention": res, "rateLimitRows": swept}, nil
}

// parseQueryTime accepts the canonical wire form and plain RFC3339.
func parseQueryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(event.TimeLayout, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
