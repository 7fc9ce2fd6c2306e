package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mediacore/internal/config"
	"github.com/ent0n29/mediacore/internal/eventlog"
	"github.com/ent0n29/mediacore/internal/observability"
	"github.com/ent0n29/mediacore/internal/policy"
	"github.com/ent0n29/mediacore/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	archive  eventlog.Store
	metrics  *observability.Metrics
	clients  policy.ClientPolicy
	upgrader websocket.Upgrader
}

// New builds the management API. archive may be nil, which disables the
// events endpoint.
func New(cfg config.Config, sessions *session.Manager, archive eventlog.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		archive:  archive,
		metrics:  metrics,
		clients: policy.ClientPolicy{
			AllowStop:   cfg.ObserverAllowStop,
			AllowUpdate: cfg.ObserverAllowUpdate,
			BlockedOps:  policy.ParseOps(cfg.ObserverBlockedOps),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only observe sessions from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/hooks", s.handlePerfHooks)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/offer", s.handleGetOffer)
			r.Get("/answer", s.handleGetAnswer)
			r.Get("/type", s.handleGetType)
			r.Post("/answer", s.handleSetAnswer)
			r.Post("/update", s.handleUpdate)
			r.Post("/info", s.handleInfo)
			r.Post("/stop", s.handleStop)
			r.Post("/link", s.handleLink)
			r.Post("/unlink", s.handleUnlink)
			r.Get("/events", s.handleEvents)
			r.Get("/observe", s.handleObserve)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"default_service": s.cfg.DefaultService,
		"archive_enabled": s.archive != nil,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondSessionError maps session errors onto HTTP statuses: unknown
// sessions and services are 404, rejected requests 409, call timeouts 504.
func respondSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *session.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == session.ErrCallTimeout.Code:
			status = http.StatusGatewayTimeout
		case se.Class == session.ClassResolution:
			status = http.StatusNotFound
		case se.Class == session.ClassValidation:
			status = http.StatusConflict
		}
	}
	respondError(w, status, session.CodeOf(err), err.Error())
}
