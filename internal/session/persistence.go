package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zurustar/sipsession/internal/dialog"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/store"
)

// record snapshots the session. Internal attributes other than the B2BUA original
// request, and values that cannot be encoded, are left out.
func (s *Session) record() (*store.SessionRecord, error) {
	local, acks := s.cseq.snapshot()
	all := s.copyAttributes()
	attrs := encodeAttributes(all, s.manager.logger)
	subs := s.Subscriptions()
	legReq, _ := all[OriginalRequestAttribute].(*message.SIPMessage)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &store.SessionRecord{
		ID: s.id,
		Key: store.KeyRecord{
			CallID:               s.key.CallID,
			FromTag:              s.key.FromTag,
			ToTag:                s.key.ToTag,
			ApplicationName:      s.key.ApplicationName,
			ApplicationSessionID: s.key.ApplicationSessionID,
		},
		ParentID:             s.parentID,
		State:                s.state.String(),
		Role:                 s.role.String(),
		RecordRoute:          s.recordRoute,
		Attributes:           attrs,
		Subscriptions:        subs,
		LocalCSeq:            local,
		AckReceived:          acks,
		PeerID:               s.peerID,
		Valid:                s.valid,
		ReadyToInvalidate:    s.readyToInvalidate,
		InvalidateWhenReady:  s.invalidateWhenReady,
		KeepAfterTransaction: s.keepAfterTransaction,
		OutCSeq:              s.outCSeq,
		CreatedAt:            s.createdAt,
		LastAccessed:         s.lastAccessed,
	}
	var err error
	if rec.OriginalRequest, err = encodeMessage(s.origRequest); err != nil {
		return nil, fmt.Errorf("encode original request: %w", err)
	}
	if rec.LastFinal, err = encodeMessage(s.lastFinal); err != nil {
		return nil, fmt.Errorf("encode last final response: %w", err)
	}
	if rec.LegRequest, err = encodeMessage(legReq); err != nil {
		return nil, fmt.Errorf("encode leg request: %w", err)
	}
	if len(s.derived) > 0 {
		rec.Derived = make(map[string]string, len(s.derived))
		for tag, id := range s.derived {
			rec.Derived[tag] = id
		}
	}
	if s.dialog != nil {
		raw, err := json.Marshal(s.dialog.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("encode dialog: %w", err)
		}
		rec.Dialog = raw
	}
	return rec, nil
}

func encodeMessage(m *message.SIPMessage) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m.Snapshot())
}

func decodeMessage(raw json.RawMessage) (*message.SIPMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var snap message.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return message.FromSnapshot(snap), nil
}

func encodeAttributes(attrs map[string]any, logger logging.Logger) map[string]json.RawMessage {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(attrs))
	for name, v := range attrs {
		if strings.HasPrefix(name, internalAttributePrefix) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			logger.Debug("Skipping attribute that cannot be persisted",
				logging.StringField("attribute", name), logging.ErrorField(err))
			continue
		}
		out[name] = raw
	}
	return out
}

func decodeAttributes(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for name, r := range raw {
		var v any
		if err := json.Unmarshal(r, &v); err == nil {
			out[name] = v
		}
	}
	return out
}

// restoreSession rebuilds a session from its record. Transactions are not persisted.
func (m *Manager) restoreSession(rec *store.SessionRecord) (*Session, error) {
	state, ok := ParseState(rec.State)
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q in session %s", ErrInvalidArgument, rec.State, rec.ID)
	}
	role, ok := ParseRole(rec.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q in session %s", ErrInvalidArgument, rec.Role, rec.ID)
	}
	key := Key{
		CallID:               rec.Key.CallID,
		FromTag:              rec.Key.FromTag,
		ToTag:                rec.Key.ToTag,
		ApplicationName:      rec.Key.ApplicationName,
		ApplicationSessionID: rec.Key.ApplicationSessionID,
	}
	s := newSession(m, key, role)
	s.id = rec.ID
	s.parentID = rec.ParentID
	s.state = state
	s.recordRoute = rec.RecordRoute
	s.peerID = rec.PeerID
	s.valid = rec.Valid
	s.readyToInvalidate = rec.ReadyToInvalidate
	s.invalidateWhenReady = rec.InvalidateWhenReady
	s.keepAfterTransaction = rec.KeepAfterTransaction
	s.createdAt = rec.CreatedAt
	s.lastAccessed = rec.LastAccessed
	for tag, id := range rec.Derived {
		s.derived[tag] = id
	}
	for _, ev := range rec.Subscriptions {
		s.subscriptions[ev] = struct{}{}
	}
	s.attributes = decodeAttributes(rec.Attributes)
	s.cseq.restore(rec.LocalCSeq, rec.AckReceived)
	s.outCSeq = rec.OutCSeq

	var err error
	if s.origRequest, err = decodeMessage(rec.OriginalRequest); err != nil {
		return nil, fmt.Errorf("decode original request of session %s: %w", rec.ID, err)
	}
	if s.lastFinal, err = decodeMessage(rec.LastFinal); err != nil {
		return nil, fmt.Errorf("decode last final response of session %s: %w", rec.ID, err)
	}
	if len(rec.LegRequest) > 0 {
		leg := s.origRequest
		if !bytes.Equal(rec.LegRequest, rec.OriginalRequest) {
			if leg, err = decodeMessage(rec.LegRequest); err != nil {
				return nil, fmt.Errorf("decode leg request of session %s: %w", rec.ID, err)
			}
		}
		s.attributes[OriginalRequestAttribute] = leg
	}

	if len(rec.Dialog) > 0 {
		var snap dialog.Snapshot
		if err := json.Unmarshal(rec.Dialog, &snap); err != nil {
			return nil, fmt.Errorf("decode dialog of session %s: %w", rec.ID, err)
		}
		s.dialog = dialog.FromSnapshot(snap)
		s.localTag = snap.LocalTag
		m.dialogs.Add(s.dialog)
	} else if role == RoleUAS && key.ToTag != "" {
		s.localTag = key.ToTag
	}
	return s, nil
}

func (as *ApplicationSession) record() *store.ApplicationSessionRecord {
	as.mu.RLock()
	attrs := make(map[string]any, len(as.attributes))
	for k, v := range as.attributes {
		attrs[k] = v
	}
	rec := &store.ApplicationSessionRecord{
		ID:              as.id,
		ApplicationName: as.appName,
		SessionIDs:      sortedKeys(as.sessionIDs),
		TimerIDs:        sortedKeys(as.timerIDs),
		Expires:         as.expires,
		CreatedAt:       as.createdAt,
	}
	as.mu.RUnlock()
	rec.Attributes = encodeAttributes(attrs, as.manager.logger)
	return rec
}

func (m *Manager) replicateApplicationSession(as *ApplicationSession) {
	if m.opts.Store == nil || !m.opts.ReplicateOnMutation || !as.IsValid() {
		return
	}
	if err := m.opts.Store.PutApplicationSession(context.Background(), as.record()); err != nil {
		m.logger.Warn("Failed to replicate application session",
			logging.ApplicationSessionField(as.id), logging.ErrorField(err))
	}
}

func (m *Manager) deleteApplicationSessionRecord(id string) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.DeleteApplicationSession(context.Background(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("Failed to delete application session record",
			logging.ApplicationSessionField(id), logging.ErrorField(err))
	}
}

// Passivate writes an application session and its sessions to the store and releases
// them from memory. Sessions with ongoing transactions cannot be passivated.
func (m *Manager) Passivate(ctx context.Context, appSessionID string) error {
	if m.opts.Store == nil {
		return fmt.Errorf("%w: no store configured", ErrInvalidState)
	}
	as := m.GetApplicationSession(appSessionID)
	if as == nil {
		return fmt.Errorf("%w: application session %s", ErrNotFound, appSessionID)
	}
	sessions := as.Sessions()
	for _, s := range sessions {
		if s.hasOngoingTransactions() {
			return fmt.Errorf("%w: session %s has ongoing transactions", ErrInvalidState, s.id)
		}
	}

	for _, s := range sessions {
		rec, err := s.record()
		if err != nil {
			return err
		}
		if err := m.opts.Store.PutSession(ctx, rec); err != nil {
			return fmt.Errorf("passivate session %s: %w", s.id, err)
		}
	}
	if err := m.opts.Store.PutApplicationSession(ctx, as.record()); err != nil {
		return fmt.Errorf("passivate application session %s: %w", as.id, err)
	}

	for _, s := range sessions {
		m.detach(s)
	}
	m.dropApplicationSession(as)
	m.logger.Info("Passivated application session",
		logging.ApplicationSessionField(as.id), logging.IntField("sessions", len(sessions)))
	return nil
}

// detach removes a passivated session from memory without invalidating it.
func (m *Manager) detach(s *Session) {
	key := s.Key()
	m.mu.Lock()
	delete(m.sessions, s.id)
	if idx := dialogIndex(key.CallID, key.FromTag); m.byDialog[idx] == s.id {
		delete(m.byDialog, idx)
	}
	m.mu.Unlock()
	if d := s.Dialog(); d != nil {
		m.dialogs.Remove(d.ID)
	}
	m.fireRemoved(s.id)
}

// Activate loads a passivated application session and its sessions back into memory.
// An application session that is already live is returned as is.
func (m *Manager) Activate(ctx context.Context, appSessionID string) (*ApplicationSession, error) {
	if as := m.GetApplicationSession(appSessionID); as != nil {
		return as, nil
	}
	if m.opts.Store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrInvalidState)
	}
	rec, err := m.opts.Store.GetApplicationSession(ctx, appSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: application session %s", ErrNotFound, appSessionID)
		}
		return nil, fmt.Errorf("load application session %s: %w", appSessionID, err)
	}

	as := newApplicationSession(m, rec.ID, rec.ApplicationName)
	as.expires = rec.Expires
	as.createdAt = rec.CreatedAt
	as.attributes = decodeAttributes(rec.Attributes)
	for _, id := range rec.TimerIDs {
		as.timerIDs[id] = struct{}{}
	}

	var restored []*Session
	for _, id := range rec.SessionIDs {
		srec, err := m.opts.Store.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("Passivated session record missing",
				logging.ApplicationSessionField(rec.ID), logging.SessionField(id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		s, err := m.restoreSession(srec)
		if err != nil {
			return nil, err
		}
		as.sessionIDs[s.id] = struct{}{}
		restored = append(restored, s)
	}

	m.addApplicationSession(as)
	for _, s := range restored {
		m.register(s, s.parentID == "")
	}

	m.hookMu.RLock()
	hooks := append([]func(*Session){}, m.activatedHooks...)
	m.hookMu.RUnlock()
	for _, s := range restored {
		for _, fn := range hooks {
			fn(s)
		}
	}
	m.logger.Info("Activated application session",
		logging.ApplicationSessionField(as.id), logging.IntField("sessions", len(restored)))
	return as, nil
}

// ResolveApplicationSession returns a live application session, activating it from the
// store when it was passivated.
func (m *Manager) ResolveApplicationSession(ctx context.Context, id string) (*ApplicationSession, error) {
	if as := m.GetApplicationSession(id); as != nil {
		return as, nil
	}
	return m.Activate(ctx, id)
}
