package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/agent-racer/streambridge/internal/orchestrator"
	"github.com/agent-racer/streambridge/internal/relay"
	"github.com/agent-racer/streambridge/internal/results"
)

// PrepareResponse is returned by POST /api/features/{feature}/sessions.
type PrepareResponse struct {
	SessionID string    `json:"sessionId"`
	Feature   string    `json:"feature"`
	ExpiresAt time.Time `json:"expiresAt"`
	Stream    Streams   `json:"stream"`
}

// Streams lists the URLs that open a prepared session.
type Streams struct {
	WebSocket string `json:"ws"`
	Events    string `json:"events"`
}

func streamsFor(id string) Streams {
	base := "/api/sessions/" + url.PathEscape(id)
	return Streams{WebSocket: base + "/ws", Events: base + "/events"}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": len(s.orch.Running()),
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Features())
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	feature := r.PathValue("feature")
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request_invalid", "reading request body: "+err.Error())
		return
	}

	staged, err := s.orch.Prepare(feature, json.RawMessage(body))
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrRequestInvalid):
		writeError(w, http.StatusBadRequest, "request_invalid", err.Error())
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	default:
		s.logger.Error("prepare failed", "feature", feature, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, PrepareResponse{
		SessionID: staged.ID,
		Feature:   staged.Feature,
		ExpiresAt: staged.ExpiresAt,
		Stream:    streamsFor(staged.ID),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Running())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "session", id, "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Debug("ws client connected", "session", id, "remote", r.RemoteAddr)
	if _, err := s.orch.Start(id, relay.NewWebSocket(conn)); err != nil {
		s.logger.Info("ws stream refused", "session", id, "error", err)
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := relay.NewSSE(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.logger.Debug("sse client connected", "session", id, "remote", r.RemoteAddr)
	if _, err := s.orch.Start(id, t); err != nil {
		s.logger.Info("sse stream refused", "session", id, "error", err)
	}
	<-t.Closed()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.orch.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "results_unavailable", "results are not recorded")
		return
	}
	sum, err := s.tracker.Lookup(r.PathValue("id"))
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusNotFound, "result_not_found", "no result recorded for this session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "results_unavailable", "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Stats())
}
