package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mediacore/internal/eventlog"
	"github.com/ent0n29/mediacore/internal/session"
)

type startRequest struct {
	Service        string          `json:"service"`
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	Offer          session.Payload `json:"offer,omitempty"`
	WaitTimeoutMS  int64           `json:"wait_timeout_ms,omitempty"`
	ReadyTimeoutMS int64           `json:"ready_timeout_ms,omitempty"`
	Ext            map[string]any  `json:"ext,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reply     any    `json:"reply,omitempty"`
}

type updateRequest struct {
	Op      string         `json:"op"`
	Options map[string]any `json:"options,omitempty"`
}

type stopRequest struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Service) == "" {
		req.Service = s.cfg.DefaultService
	}
	if strings.TrimSpace(req.Type) == "" {
		req.Type = session.DefaultType
	}

	a, reply, err := s.sessions.Start(r.Context(), req.Service, req.Type, session.StartConfig{
		ID:           req.ID,
		Offer:        req.Offer,
		WaitTimeout:  time.Duration(req.WaitTimeoutMS) * time.Millisecond,
		ReadyTimeout: time.Duration(req.ReadyTimeoutMS) * time.Millisecond,
		Ext:          req.Ext,
	})
	s.observe("start", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, startResponse{SessionID: a.ID(), Type: req.Type, Reply: reply})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.sessions.List()
	out := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		snap, err := s.sessions.GetSession(r.Context(), e.ID)
		if err != nil {
			// Stopped between listing and the snapshot.
			continue
		}
		out = append(out, snap)
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.sessions.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	answer, err := s.sessions.GetAnswer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, answer)
}

func (s *Server) handleGetType(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.GetType(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var answer session.Payload
	if err := decodeJSON(r, &answer); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if isAsync(r) {
		err := s.sessions.SetAnswerAsync(id, answer)
		s.observe("set_answer_async", err)
		if err != nil {
			respondSessionError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "status": "queued"})
		return
	}
	reply, err := s.sessions.SetAnswer(r.Context(), id, answer)
	s.observe("set_answer", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "reply": reply})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Op) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "op is required")
		return
	}
	if isAsync(r) {
		err := s.sessions.UpdateAsync(id, req.Op, req.Options)
		s.observe("update_async", err)
		if err != nil {
			respondSessionError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "status": "queued"})
		return
	}
	reply, err := s.sessions.Update(r.Context(), id, req.Op, req.Options)
	s.observe("update", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "reply": reply})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Info string `json:"info"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.sessions.Info(r.Context(), id, req.Info)
	s.observe("info", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var reason error
	if code := strings.TrimSpace(req.Reason); code != "" {
		reason = session.Reason(code, req.Message)
	}
	err := s.sessions.Stop(r.Context(), id, reason)
	s.observe("stop", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "stopped"})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	peer, err := s.sessions.LinkPeer(r.Context(), id, strings.TrimSpace(req.PeerID))
	s.observe("link", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "peer_id": peer.ID()})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sessions.UnlinkPeer(r.Context(), id)
	s.observe("unlink", err)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event archive not configured")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	id := chi.URLParam(r, "id")
	records, err := s.archive.BySession(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": records})
}

func (s *Server) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, err)
	}
}

func isAsync(r *http.Request) bool {
	return isTruthy(r.URL.Query().Get("async"))
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
