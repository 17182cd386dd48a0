package session

import (
	"fmt"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
)

// SessionForResponse returns the session a response of the dialog-creating transaction
// belongs to. The first To tag is adopted by parent; a different tag forks a derived
// session that shares the parent's identity and attributes.
func (m *Manager) SessionForResponse(parent *Session, resp *message.SIPMessage) (*Session, error) {
	if parent == nil || resp == nil || !resp.IsResponse() {
		return nil, fmt.Errorf("%w: need a session and a response", ErrInvalidArgument)
	}
	tag := resp.ToTag()
	if tag == "" || resp.GetStatusCode() == message.StatusTrying || !message.IsDialogCreating(resp.GetMethod()) {
		return parent, nil
	}
	if parent.parentID != "" {
		if root := m.Get(parent.parentID); root != nil {
			parent = root
		}
	}
	return m.fork(parent, tag, parent.LocalTag())
}

// fork looks up or creates the derived session of parent for remoteTag.
func (m *Manager) fork(parent *Session, remoteTag, localTag string) (*Session, error) {
	parent.mu.Lock()
	if parent.key.ToTag == "" || parent.key.ToTag == remoteTag {
		parent.key.ToTag = remoteTag
		parent.mu.Unlock()
		return parent, nil
	}
	if id, ok := parent.derived[remoteTag]; ok {
		parent.mu.Unlock()
		if d := m.Get(id); d != nil {
			return d, nil
		}
		return nil, fmt.Errorf("%w: derived session %s is gone", ErrInvalidState, id)
	}
	if !parent.valid {
		parent.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is invalid", ErrInvalidState, parent.id)
	}

	d := newSession(m, parent.key.WithToTag(remoteTag), parent.role)
	d.parentID = parent.id
	d.localTag = localTag
	d.recordRoute = parent.recordRoute
	d.creatingTx = parent.creatingTx
	d.origRequest = parent.origRequest
	d.outCSeq = parent.outCSeq
	d.keepAfterTransaction = parent.keepAfterTransaction
	d.invalidateWhenReady = parent.invalidateWhenReady
	parent.derived[remoteTag] = d.id
	parent.mu.Unlock()

	d.attributes = parent.copyAttributes()
	m.register(d, false)
	if as := m.GetApplicationSession(d.appSessionID); as != nil {
		as.addSession(d.id)
	}
	m.listeners.sessionCreated(d)

	m.logger.Debug("Created derived session",
		logging.SessionField(d.id),
		logging.StringField("parent_id", parent.id),
		logging.StringField("remote_tag", remoteTag))
	m.replicate(d)
	return d, nil
}

// ForkForResponse creates the derived session of a UAS session that answers its original
// request again with a new To tag after the dialog was confirmed. The new tag is both
// the local tag of the fork and its key.
func (m *Manager) ForkForResponse(s *Session) (*Session, string, error) {
	if s.Role() != RoleUAS {
		return nil, "", fmt.Errorf("%w: only UAS sessions fork on sent responses", ErrInvalidState)
	}
	root := s
	if s.parentID != "" {
		if p := m.Get(s.parentID); p != nil {
			root = p
		}
	}
	tag := message.GenerateTag(root.Key().ApplicationName, root.appSessionID)
	d, err := m.fork(root, tag, tag)
	if err != nil {
		return nil, "", err
	}
	return d, tag, nil
}
