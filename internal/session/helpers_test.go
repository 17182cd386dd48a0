package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/store"
)

// recordingSender captures the requests the engine sends on its own.
type recordingSender struct {
	mu   sync.Mutex
	sent []*message.SIPMessage
}

func (r *recordingSender) SendRequest(req *message.SIPMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingSender) Sent() []*message.SIPMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.SIPMessage(nil), r.sent...)
}

func newTestManager(t *testing.T) (*Manager, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	m := NewManager(Options{
		ApplicationName: "b2bua",
		ServerID:        "node1",
		ListeningPoint:  ListeningPoint{Transport: "UDP", Host: "10.0.0.10", Port: 5060},
		Sender:          sender,
		Logger:          logging.NewNopLogger(),
	})
	return m, sender
}

func newStoreManager(t *testing.T, st store.Store) *Manager {
	t.Helper()
	return NewManager(Options{
		ApplicationName: "b2bua",
		ServerID:        "node1",
		ListeningPoint:  ListeningPoint{Transport: "UDP", Host: "10.0.0.10", Port: 5060},
		Store:           st,
		Logger:          logging.NewNopLogger(),
	})
}

func newRequest(method, callID, fromTag string, cseq uint32) *message.SIPMessage {
	req := message.NewRequestMessage(method, "sip:bob@example.com")
	req.SetHeader(message.HeaderVia, message.NewVia("UDP", "10.0.0.1", 5060, "z9hG4bK-"+callID+"-"+method))
	req.SetHeader(message.HeaderFrom, "<sip:alice@example.com>;tag="+fromTag)
	req.SetHeader(message.HeaderTo, "<sip:bob@example.com>")
	req.SetHeader(message.HeaderCallID, callID)
	req.SetHeader(message.HeaderCSeq, message.FormatCSeq(cseq, method))
	req.SetHeader(message.HeaderContact, "<sip:alice@10.0.0.1:5060>")
	req.SetHeader(message.HeaderMaxForwards, "70")
	return req
}

func respond(req *message.SIPMessage, code int, toTag string) *message.SIPMessage {
	resp := message.NewResponse(req, code, "", toTag)
	if code > message.StatusTrying && code < 300 {
		resp.SetHeader(message.HeaderContact, "<sip:bob@10.0.0.2:5060>")
	}
	return resp
}

func newUACSession(t *testing.T, m *Manager, method string) (*Session, *message.SIPMessage) {
	t.Helper()
	as := m.CreateApplicationSession("")
	req := newRequest(method, "call-"+method, "a1", 1)
	s, err := m.CreateSession(as, req, RoleUAC)
	require.NoError(t, err)
	return s, req
}

func confirmedUAC(t *testing.T, m *Manager) (*Session, *message.SIPMessage) {
	t.Helper()
	s, invite := newUACSession(t, m, message.MethodINVITE)
	s.UpdateStateOnResponse(respond(invite, message.StatusOK, "b1"), true)
	require.Equal(t, StateConfirmed, s.State())
	return s, invite
}

type countingReadyListener struct {
	mu    sync.Mutex
	ready map[string]int
}

func (l *countingReadyListener) SessionReadyToInvalidate(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready == nil {
		l.ready = make(map[string]int)
	}
	l.ready[s.ID()]++
}

func (l *countingReadyListener) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready[id]
}
