package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/dialog"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/store"
)

// Options configures a Manager.
type Options struct {
	// ApplicationName is used for application sessions created without an explicit name.
	ApplicationName string
	ServerID        string
	ListeningPoint  ListeningPoint
	// Store receives replicated and passivated records. It may be nil.
	Store               store.Store
	ReplicateOnMutation bool
	Sender              MessageSender
	Logger              logging.Logger
}

// Manager owns every session and application session of the node. Sessions refer to each
// other by ID and are resolved here.
type Manager struct {
	opts      Options
	logger    logging.Logger
	dialogs   *dialog.Manager
	listeners *listenerRegistry

	mu          sync.RWMutex
	sessions    map[string]*Session
	byDialog    map[string]string // call id|initial from tag -> root session id
	appSessions map[string]*ApplicationSession
	sender      MessageSender

	hookMu         sync.RWMutex
	removedHooks   []func(sessionID string)
	activatedHooks []func(s *Session)
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.ApplicationName == "" {
		opts.ApplicationName = "default"
	}
	return &Manager{
		opts:        opts,
		logger:      opts.Logger,
		dialogs:     dialog.NewManager(opts.Logger),
		listeners:   &listenerRegistry{logger: opts.Logger},
		sessions:    make(map[string]*Session),
		byDialog:    make(map[string]string),
		appSessions: make(map[string]*ApplicationSession),
		sender:      opts.Sender,
	}
}

// AddListener registers l for every listener interface it implements.
func (m *Manager) AddListener(l any) error {
	return m.listeners.add(l)
}

// OnSessionRemoved registers a callback fired after a session leaves the manager.
func (m *Manager) OnSessionRemoved(fn func(sessionID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.removedHooks = append(m.removedHooks, fn)
}

// OnSessionActivated registers a callback fired for every session restored from the store.
func (m *Manager) OnSessionActivated(fn func(s *Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.activatedHooks = append(m.activatedHooks, fn)
}

// SetSender installs the stack hook used for engine generated requests.
func (m *Manager) SetSender(sender MessageSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = sender
}

func (m *Manager) send(req *message.SIPMessage) error {
	m.mu.RLock()
	sender := m.sender
	m.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("no message sender configured")
	}
	return sender.SendRequest(req)
}

// Dialogs exposes the dialog table.
func (m *Manager) Dialogs() *dialog.Manager {
	return m.dialogs
}

// ApplicationName returns the default application name.
func (m *Manager) ApplicationName() string {
	return m.opts.ApplicationName
}

// CreateSession creates a session for req inside as.
func (m *Manager) CreateSession(as *ApplicationSession, req *message.SIPMessage, role Role) (*Session, error) {
	if as == nil || req == nil || !req.IsRequest() {
		return nil, fmt.Errorf("%w: session needs an application session and a request", ErrInvalidArgument)
	}
	if !as.IsValid() {
		return nil, fmt.Errorf("%w: application session %s is invalid", ErrInvalidState, as.ID())
	}

	key := Key{
		CallID:               req.CallID(),
		FromTag:              req.FromTag(),
		ToTag:                req.ToTag(),
		ApplicationName:      as.ApplicationName(),
		ApplicationSessionID: as.ID(),
	}
	s := newSession(m, key, role)
	s.origRequest = req

	m.register(s, true)
	as.addSession(s.id)
	m.listeners.sessionCreated(s)

	m.logger.Debug("Created SIP session",
		logging.SessionField(s.id),
		logging.ApplicationSessionField(as.ID()),
		logging.CallIDField(key.CallID),
		logging.StringField("role", role.String()))
	m.replicate(s)
	return s, nil
}

func (m *Manager) register(s *Session, root bool) {
	key := s.Key()
	m.mu.Lock()
	m.sessions[s.id] = s
	if root {
		idx := dialogIndex(key.CallID, key.FromTag)
		if _, exists := m.byDialog[idx]; !exists {
			m.byDialog[idx] = s.id
		}
	}
	n, an := len(m.sessions), len(m.appSessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(n, an)
}

// Get returns a session by ID.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Sessions returns every live session, ordered by creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// FindByMessage finds the session a request or response belongs to, in either direction.
// A known forked tag resolves to the derived session.
func (m *Manager) FindByMessage(msg *message.SIPMessage) *Session {
	callID := msg.CallID()
	fromTag, toTag := msg.FromTag(), msg.ToTag()

	for _, pair := range [][2]string{{fromTag, toTag}, {toTag, fromTag}} {
		tag, other := pair[0], pair[1]
		if tag == "" {
			continue
		}
		m.mu.RLock()
		root := m.sessions[m.byDialog[dialogIndex(callID, tag)]]
		m.mu.RUnlock()
		if root == nil {
			continue
		}
		if other != "" {
			if id, ok := root.DerivedID(other); ok {
				if d := m.Get(id); d != nil {
					return d
				}
			}
		}
		return root
	}
	return nil
}

// removeIfEligible runs after a session was invalidated. Derived sessions always leave;
// a parent leaves only when its fork group allows it, otherwise removal is deferred.
func (m *Manager) removeIfEligible(s *Session) {
	if s.parentID != "" {
		parent := m.Get(s.parentID)
		m.removeSession(s)
		if parent != nil {
			tag := s.Key().ToTag
			parent.mu.Lock()
			if parent.derived[tag] == s.id {
				delete(parent.derived, tag)
			}
			parent.mu.Unlock()
			m.recheckDeferredRemoval(parent)
		}
		return
	}

	if m.canRemoveParent(s) {
		m.removeSession(s)
		return
	}
	s.mu.Lock()
	s.pendingRemoval = true
	s.mu.Unlock()
	m.logger.Debug("Deferring session removal until derived sessions are ready", logging.SessionField(s.id))
}

// canRemoveParent reports whether a parent may leave the manager: it has no derived
// sessions left, or all of them are ready and the parent is TERMINATED.
func (m *Manager) canRemoveParent(p *Session) bool {
	ids := p.DerivedIDs()
	if len(ids) == 0 {
		return true
	}
	if p.State() != StateTerminated {
		return false
	}
	for _, id := range ids {
		if c := m.Get(id); c != nil && !c.IsReadyToInvalidate() {
			return false
		}
	}
	return true
}

func (m *Manager) recheckDeferredRemoval(p *Session) {
	p.mu.RLock()
	pending := p.pendingRemoval
	p.mu.RUnlock()
	if pending && m.canRemoveParent(p) {
		m.removeSession(p)
	}
}

// removeSession drops s and any derived sessions still attached to it.
func (m *Manager) removeSession(s *Session) {
	for _, id := range s.DerivedIDs() {
		if c := m.Get(id); c != nil {
			if c.markInvalid() {
				c.cleanup()
			}
			m.dropSession(c)
		}
	}
	m.dropSession(s)
}

func (s *Session) markInvalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.valid
	s.valid = false
	return was
}

func (m *Manager) dropSession(s *Session) {
	key := s.Key()
	m.mu.Lock()
	if _, ok := m.sessions[s.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	if idx := dialogIndex(key.CallID, key.FromTag); m.byDialog[idx] == s.id {
		delete(m.byDialog, idx)
	}
	n, an := len(m.sessions), len(m.appSessions)
	m.mu.Unlock()
	metrics.SetSessionsActive(n, an)

	if d := s.Dialog(); d != nil {
		m.dialogs.Remove(d.ID)
	}
	m.fireRemoved(s.id)
	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteSession(context.Background(), s.id); err != nil {
			m.logger.Warn("Failed to delete replicated session", logging.SessionField(s.id), logging.ErrorField(err))
		}
	}
	m.logger.Debug("Removed SIP session", logging.SessionField(s.id))

	if as := m.GetApplicationSession(s.appSessionID); as != nil {
		as.removeSession(s.id)
		m.checkApplicationSession(as)
	}
}

func (m *Manager) fireRemoved(id string) {
	m.hookMu.RLock()
	hooks := append([]func(string){}, m.removedHooks...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// onReadyToInvalidate runs whenever a session becomes ready. Once every member of the
// fork group is ready, listeners are told and the members are invalidated, children first.
func (m *Manager) onReadyToInvalidate(s *Session) {
	root := s
	if s.parentID != "" {
		if p := m.Get(s.parentID); p != nil {
			root = p
		}
	}
	group := []*Session{root}
	for _, id := range root.DerivedIDs() {
		if c := m.Get(id); c != nil {
			group = append(group, c)
		}
	}
	for _, g := range group {
		if !g.IsReadyToInvalidate() {
			m.recheckDeferredRemoval(root)
			return
		}
	}

	for _, g := range group {
		if g.takeReadyNotification() {
			m.listeners.readyToInvalidate(g)
		}
	}
	for _, g := range group[1:] {
		if g.InvalidateWhenReady() {
			_ = g.Invalidate(true)
		}
	}
	if root.InvalidateWhenReady() {
		_ = root.Invalidate(true)
	}
	m.recheckDeferredRemoval(root)
}

func (s *Session) takeReadyNotification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyNotified {
		return false
	}
	s.readyNotified = true
	return true
}

// replicate is the replicate-now hook run after state mutations.
func (m *Manager) replicate(s *Session) {
	if m.opts.Store == nil || !m.opts.ReplicateOnMutation || !s.IsValid() {
		return
	}
	rec, err := s.record()
	if err != nil {
		m.logger.Warn("Failed to snapshot session", logging.SessionField(s.id), logging.ErrorField(err))
		return
	}
	if err := m.opts.Store.PutSession(context.Background(), rec); err != nil {
		m.logger.Warn("Failed to replicate session", logging.SessionField(s.id), logging.ErrorField(err))
	}
}

// ExpireApplicationSessions invalidates application sessions whose expiry has passed and
// returns how many were removed.
func (m *Manager) ExpireApplicationSessions(now time.Time) int {
	expired := 0
	for _, as := range m.ApplicationSessions() {
		if as.IsExpired(now) {
			if err := as.Invalidate(); err == nil {
				expired++
				m.logger.Info("Application session expired", logging.ApplicationSessionField(as.ID()))
			}
		}
	}
	return expired
}
