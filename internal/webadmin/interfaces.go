package webadmin

import (
	"net/http"

	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/timer"
)

// WebAdminServer defines the interface for the web administration interface
type WebAdminServer interface {
	Start(port int) error
	Stop() error
	Handler() http.Handler
}

// SessionSource is the part of the session manager the admin interface reads.
type SessionSource interface {
	Sessions() []*session.Session
	Get(id string) *session.Session
	ApplicationSessions() []*session.ApplicationSession
}

// LinkSource exposes the B2BUA link table.
type LinkSource interface {
	Links() map[string]string
}

// TimerSource exposes the registered timer tasks.
type TimerSource interface {
	Tasks() []*timer.Task
}

// HTTP endpoints:
// GET    /healthz                      - liveness
// GET    /metrics                      - Prometheus metrics
// GET    /api/sessions                 - list sessions
// GET    /api/sessions/{id}            - one session
// DELETE /api/sessions/{id}            - force invalidate a session
// GET    /api/application-sessions     - list application sessions
// GET    /api/links                    - linked B2BUA session pairs
// GET    /api/timers                   - registered timer tasks
