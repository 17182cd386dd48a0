package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/metrics"
)

// ApplicationSession groups the SIP sessions and timers of one application instance.
type ApplicationSession struct {
	id      string
	appName string
	manager *Manager

	mu           sync.RWMutex
	sessionIDs   map[string]struct{}
	timerIDs     map[string]struct{}
	attributes   map[string]any
	expires      time.Time
	valid        bool
	createdAt    time.Time
	lastAccessed time.Time
}

// CreateApplicationSession creates an application session. An empty name uses the
// manager's default application.
func (m *Manager) CreateApplicationSession(appName string) *ApplicationSession {
	if appName == "" {
		appName = m.opts.ApplicationName
	}
	as := newApplicationSession(m, uuid.NewString(), appName)
	m.addApplicationSession(as)
	m.listeners.applicationSessionCreated(as)
	m.logger.Debug("Created application session",
		logging.ApplicationSessionField(as.id), logging.StringField("application", appName))
	m.replicateApplicationSession(as)
	return as
}

func newApplicationSession(m *Manager, id, appName string) *ApplicationSession {
	now := time.Now().UTC()
	return &ApplicationSession{
		id:           id,
		appName:      appName,
		manager:      m,
		sessionIDs:   make(map[string]struct{}),
		timerIDs:     make(map[string]struct{}),
		attributes:   make(map[string]any),
		valid:        true,
		createdAt:    now,
		lastAccessed: now,
	}
}

func (m *Manager) addApplicationSession(as *ApplicationSession) {
	m.mu.Lock()
	m.appSessions[as.id] = as
	n, an := len(m.sessions), len(m.appSessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(n, an)
}

// GetApplicationSession returns a live application session by ID.
func (m *Manager) GetApplicationSession(id string) *ApplicationSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appSessions[id]
}

// ApplicationSessions returns the live application sessions, oldest first.
func (m *Manager) ApplicationSessions() []*ApplicationSession {
	m.mu.RLock()
	out := make([]*ApplicationSession, 0, len(m.appSessions))
	for _, as := range m.appSessions {
		out = append(out, as)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// checkApplicationSession invalidates an application session that lost its last session
// and has no timers left.
func (m *Manager) checkApplicationSession(as *ApplicationSession) {
	as.mu.RLock()
	empty := as.valid && len(as.sessionIDs) == 0 && len(as.timerIDs) == 0
	as.mu.RUnlock()
	if empty {
		_ = as.Invalidate()
	}
}

func (m *Manager) dropApplicationSession(as *ApplicationSession) {
	m.mu.Lock()
	delete(m.appSessions, as.id)
	n, an := len(m.sessions), len(m.appSessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(n, an)
}

func (as *ApplicationSession) ID() string { return as.id }

func (as *ApplicationSession) ApplicationName() string { return as.appName }

func (as *ApplicationSession) IsValid() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.valid
}

func (as *ApplicationSession) CreatedAt() time.Time { return as.createdAt }

func (as *ApplicationSession) LastAccessed() time.Time {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.lastAccessed
}

func (as *ApplicationSession) markAccessed(now time.Time) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.lastAccessed = now
}

func (as *ApplicationSession) addSession(id string) {
	as.mu.Lock()
	as.sessionIDs[id] = struct{}{}
	as.mu.Unlock()
	as.manager.replicateApplicationSession(as)
}

func (as *ApplicationSession) removeSession(id string) {
	as.mu.Lock()
	delete(as.sessionIDs, id)
	as.mu.Unlock()
}

// SessionIDs returns the IDs of the sessions in the application session, sorted.
func (as *ApplicationSession) SessionIDs() []string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return sortedKeys(as.sessionIDs)
}

// Sessions resolves the live sessions of the application session.
func (as *ApplicationSession) Sessions() []*Session {
	var out []*Session
	for _, id := range as.SessionIDs() {
		if s := as.manager.Get(id); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// AddTimer records a timer task owned by the application session.
func (as *ApplicationSession) AddTimer(id string) error {
	as.mu.Lock()
	if !as.valid {
		as.mu.Unlock()
		return fmt.Errorf("%w: application session %s is invalid", ErrInvalidState, as.id)
	}
	as.timerIDs[id] = struct{}{}
	as.mu.Unlock()
	as.manager.replicateApplicationSession(as)
	return nil
}

// RemoveTimer forgets a finished or cancelled timer. An application session left with
// neither sessions nor timers is invalidated.
func (as *ApplicationSession) RemoveTimer(id string) {
	as.mu.Lock()
	_, had := as.timerIDs[id]
	delete(as.timerIDs, id)
	as.mu.Unlock()
	if !had {
		return
	}
	as.manager.replicateApplicationSession(as)
	as.manager.checkApplicationSession(as)
}

func (as *ApplicationSession) TimerIDs() []string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return sortedKeys(as.timerIDs)
}

func (as *ApplicationSession) GetAttribute(name string) (any, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	v, ok := as.attributes[name]
	return v, ok
}

// SetAttribute stores an attribute; a nil value removes it.
func (as *ApplicationSession) SetAttribute(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: attribute name is empty", ErrInvalidArgument)
	}
	as.mu.Lock()
	if !as.valid {
		as.mu.Unlock()
		return fmt.Errorf("%w: application session %s is invalid", ErrInvalidState, as.id)
	}
	if value == nil {
		delete(as.attributes, name)
	} else {
		as.attributes[name] = value
	}
	as.mu.Unlock()
	as.manager.replicateApplicationSession(as)
	return nil
}

// SetExpires sets the lifetime from now; zero or less disables expiry.
func (as *ApplicationSession) SetExpires(d time.Duration) {
	as.mu.Lock()
	if d <= 0 {
		as.expires = time.Time{}
	} else {
		as.expires = time.Now().UTC().Add(d)
	}
	as.mu.Unlock()
	as.manager.replicateApplicationSession(as)
}

func (as *ApplicationSession) ExpiresAt() time.Time {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.expires
}

func (as *ApplicationSession) IsExpired(now time.Time) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.valid && !as.expires.IsZero() && now.After(as.expires)
}

// IsReadyToInvalidate reports whether every session of the application session is ready.
func (as *ApplicationSession) IsReadyToInvalidate() bool {
	for _, s := range as.Sessions() {
		if !s.IsReadyToInvalidate() {
			return false
		}
	}
	return true
}

// Invalidate invalidates every session of the application session and removes it.
// Destroyed listeners cancel the owned timers.
func (as *ApplicationSession) Invalidate() error {
	as.mu.Lock()
	if !as.valid {
		as.mu.Unlock()
		return fmt.Errorf("%w: application session %s already invalidated", ErrInvalidState, as.id)
	}
	as.valid = false
	as.mu.Unlock()

	m := as.manager
	for _, s := range as.Sessions() {
		if s.markInvalid() {
			s.cleanup()
		}
		m.removeSession(s)
	}
	m.dropApplicationSession(as)
	m.listeners.applicationSessionDestroyed(as)
	m.deleteApplicationSessionRecord(as.id)

	as.mu.Lock()
	as.attributes = make(map[string]any)
	as.timerIDs = make(map[string]struct{})
	as.mu.Unlock()

	m.logger.Debug("Application session invalidated", logging.ApplicationSessionField(as.id))
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
