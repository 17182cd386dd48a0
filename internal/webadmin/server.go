package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/session"
)

// Options wires the sources the admin interface reads. Links and Timers may be nil.
type Options struct {
	Sessions SessionSource
	Links    LinkSource
	Timers   TimerSource
	Logger   logging.Logger
}

// Server implements the WebAdminServer interface
type Server struct {
	sessions SessionSource
	links    LinkSource
	timers   TimerSource
	logger   logging.Logger
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new web admin server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	s := &Server{
		sessions: opts.Sessions,
		links:    opts.Links,
		timers:   opts.Timers,
		logger:   opts.Logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the web admin server on the specified port
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting web admin server", logging.IntField("port", port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web admin server error", logging.ErrorField(err))
		}
	}()

	return nil
}

// Stop stops the web admin server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping web admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleInvalidateSession)
		r.Get("/application-sessions", s.handleListApplicationSessions)
		r.Get("/links", s.handleListLinks)
		r.Get("/timers", s.handleListTimers)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"sessions":             len(s.sessions.Sessions()),
		"application_sessions": len(s.sessions.ApplicationSessions()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.Sessions()
	out := make([]session.Info, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(chi.URLParam(r, "id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleInvalidateSession invalidates a session at once, without waiting for its dialog
// to end.
func (s *Server) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := s.sessions.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := sess.Invalidate(false); err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Session invalidated by operator", logging.SessionField(id))
	w.WriteHeader(http.StatusNoContent)
}

type applicationSessionView struct {
	ID              string    `json:"id"`
	ApplicationName string    `json:"application_name"`
	Sessions        []string  `json:"sessions"`
	Timers          []string  `json:"timers"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
}

func (s *Server) handleListApplicationSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.ApplicationSessions()
	out := make([]applicationSessionView, 0, len(list))
	for _, as := range list {
		out = append(out, applicationSessionView{
			ID:              as.ID(),
			ApplicationName: as.ApplicationName(),
			Sessions:        as.SessionIDs(),
			Timers:          as.TimerIDs(),
			CreatedAt:       as.CreatedAt(),
			ExpiresAt:       as.ExpiresAt(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type linkView struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
}

// handleListLinks reports every linked pair once.
func (s *Server) handleListLinks(w http.ResponseWriter, _ *http.Request) {
	out := []linkView{}
	if s.links != nil {
		for a, b := range s.links.Links() {
			if a < b {
				out = append(out, linkView{SessionID: a, PeerID: b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	writeJSON(w, http.StatusOK, out)
}

type timerView struct {
	ID                   string    `json:"id"`
	ApplicationSessionID string    `json:"application_session_id"`
	ApplicationName      string    `json:"application_name"`
	Period               string    `json:"period,omitempty"`
	FixedRate            bool      `json:"fixed_rate"`
	NextRun              time.Time `json:"next_run"`
	Live                 bool      `json:"live"`
}

func (s *Server) handleListTimers(w http.ResponseWriter, _ *http.Request) {
	out := []timerView{}
	if s.timers != nil {
		for _, t := range s.timers.Tasks() {
			rec := t.Record()
			v := timerView{
				ID:                   rec.TaskID,
				ApplicationSessionID: rec.ApplicationSessionID,
				ApplicationName:      rec.ApplicationName,
				FixedRate:            rec.FixedRate,
				NextRun:              rec.NextRun,
				Live:                 t.IsLive(),
			}
			if rec.Period > 0 {
				v.Period = rec.Period.String()
			}
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
