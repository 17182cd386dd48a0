package dialog

import (
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/logging"
)

// Manager indexes dialogs by ID and Call-ID
type Manager struct {
	dialogs       map[string]*Dialog
	dialogsByCall map[string][]*Dialog
	mutex         sync.RWMutex
	logger        logging.Logger
}

// NewManager creates a new dialog manager
func NewManager(logger logging.Logger) *Manager {
	return &Manager{
		dialogs:       make(map[string]*Dialog),
		dialogsByCall: make(map[string][]*Dialog),
		logger:        logger,
	}
}

// Create registers a new early dialog. localCSeq seeds the local sequence space.
func (m *Manager) Create(callID, localURI, remoteURI, localTag, remoteTag string, localCSeq uint32) *Dialog {
	now := time.Now().UTC()
	d := &Dialog{
		ID:        generateID(callID, localTag, remoteTag),
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		LocalURI:  localURI,
		RemoteURI: remoteURI,
		LocalCSeq: localCSeq,
		state:     StateEarly,
		createdAt: now,
		updatedAt: now,
	}
	m.Add(d)

	m.logger.Debug("Created SIP dialog",
		logging.Field{Key: "dialog_id", Value: d.ID},
		logging.CallIDField(callID),
		logging.Field{Key: "local_tag", Value: localTag},
		logging.Field{Key: "remote_tag", Value: remoteTag})
	return d
}

// Add registers an existing dialog, e.g. one restored from a snapshot
func (m *Manager) Add(d *Dialog) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.dialogs[d.ID]; !exists {
		m.dialogsByCall[d.CallID] = append(m.dialogsByCall[d.CallID], d)
	}
	m.dialogs[d.ID] = d
}

// Get retrieves a dialog by ID
func (m *Manager) Get(id string) *Dialog {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.dialogs[id]
}

// Find finds a dialog by Call-ID and tags, in either orientation
func (m *Manager) Find(callID, localTag, remoteTag string) *Dialog {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, d := range m.dialogsByCall[callID] {
		d.mutex.RLock()
		match := (d.LocalTag == localTag && d.RemoteTag == remoteTag) ||
			(d.LocalTag == remoteTag && d.RemoteTag == localTag)
		d.mutex.RUnlock()
		if match {
			return d
		}
	}
	return nil
}

// Terminate marks a dialog terminated without removing it
func (m *Manager) Terminate(id string) {
	if d := m.Get(id); d != nil {
		d.Terminate()
		m.logger.Debug("Terminated SIP dialog", logging.Field{Key: "dialog_id", Value: id})
	}
}

// Remove drops a dialog from the manager
func (m *Manager) Remove(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d, ok := m.dialogs[id]
	if !ok {
		return
	}
	delete(m.dialogs, id)
	list := m.dialogsByCall[d.CallID]
	for i, other := range list {
		if other == d {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.dialogsByCall, d.CallID)
	} else {
		m.dialogsByCall[d.CallID] = list
	}
}

// Count returns the number of tracked dialogs
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.dialogs)
}

func generateID(callID, localTag, remoteTag string) string {
	return callID + "-" + localTag + "-" + remoteTag
}
