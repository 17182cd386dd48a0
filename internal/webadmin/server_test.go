package webadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/b2bua"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/timer"
	"github.com/zurustar/sipsession/internal/transaction"
)

type adminFixture struct {
	sessions *session.Manager
	registry *b2bua.Registry
	timers   *timer.Service
	server   *Server
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	sessions := session.NewManager(session.Options{
		ApplicationName: "b2bua",
		ServerID:        "node1",
		ListeningPoint:  session.ListeningPoint{Transport: "UDP", Host: "10.0.0.10", Port: 5060},
		Logger:          logging.NewNopLogger(),
	})
	txs := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	registry := b2bua.NewRegistry(sessions, txs, logging.NewNopLogger())
	timers := timer.NewService(timer.Options{Sessions: sessions})
	t.Cleanup(timers.Close)

	return &adminFixture{
		sessions: sessions,
		registry: registry,
		timers:   timers,
		server: NewServer(Options{
			Sessions: sessions,
			Links:    registry,
			Timers:   timers,
			Logger:   logging.NewNopLogger(),
		}),
	}
}

func (f *adminFixture) newSession(t *testing.T, as *session.ApplicationSession, callID string, role session.Role) *session.Session {
	t.Helper()
	req := message.NewRequestMessage(message.MethodINVITE, "sip:bob@example.com")
	req.SetHeader(message.HeaderVia, message.NewVia("UDP", "10.0.0.1", 5060, "z9hG4bK-"+callID))
	req.SetHeader(message.HeaderFrom, "<sip:alice@example.com>;tag=from-"+callID)
	req.SetHeader(message.HeaderTo, "<sip:bob@example.com>")
	req.SetHeader(message.HeaderCallID, callID)
	req.SetHeader(message.HeaderCSeq, message.FormatCSeq(1, message.MethodINVITE))
	s, err := f.sessions.CreateSession(as, req, role)
	require.NoError(t, err)
	return s
}

func (f *adminFixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newAdminFixture(t)
	as := f.sessions.CreateApplicationSession("")
	f.newSession(t, as, "call-1", session.RoleUAS)

	w := f.do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 1, body["application_sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	w := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "sipsession_sessions_active"))
}

func TestSessions(t *testing.T) {
	f := newAdminFixture(t)
	as := f.sessions.CreateApplicationSession("")
	s := f.newSession(t, as, "call-1", session.RoleUAS)

	w := f.do(http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list []session.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, s.ID(), list[0].ID)
	assert.Equal(t, "call-1", list[0].CallID)
	assert.Equal(t, as.ID(), list[0].ApplicationSessionID)

	w = f.do(http.MethodGet, "/api/sessions/"+s.ID())
	require.Equal(t, http.StatusOK, w.Code)
	var one session.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, s.State().String(), one.State)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/sessions/missing").Code)
}

func TestInvalidateSession(t *testing.T) {
	f := newAdminFixture(t)
	as := f.sessions.CreateApplicationSession("")
	s := f.newSession(t, as, "call-1", session.RoleUAS)
	f.newSession(t, as, "call-2", session.RoleUAC)

	w := f.do(http.MethodDelete, "/api/sessions/"+s.ID())
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, s.IsValid())
	assert.Nil(t, f.sessions.Get(s.ID()))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/sessions/"+s.ID()).Code)
}

func TestApplicationSessions(t *testing.T) {
	f := newAdminFixture(t)
	as := f.sessions.CreateApplicationSession("")
	s := f.newSession(t, as, "call-1", session.RoleUAS)
	task, err := f.timers.Schedule(context.Background(), as, time.Hour, 0, false, nil)
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/application-sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list []applicationSessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, as.ID(), list[0].ID)
	assert.Equal(t, "b2bua", list[0].ApplicationName)
	assert.Equal(t, []string{s.ID()}, list[0].Sessions)
	assert.Equal(t, []string{task.ID()}, list[0].Timers)
	assert.NotContains(t, w.Body.String(), "expires_at")
}

func TestLinks(t *testing.T) {
	f := newAdminFixture(t)
	as := f.sessions.CreateApplicationSession("")
	a := f.newSession(t, as, "call-a", session.RoleUAS)
	b := f.newSession(t, as, "call-b", session.RoleUAC)
	require.NoError(t, f.registry.LinkSipSessions(a, b))

	w := f.do(http.MethodGet, "/api/links")
	require.Equal(t, http.StatusOK, w.Code)
	var links []linkView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &links))
	require.Len(t, links, 1, "a pair is reported once")
	pair := []string{links[0].SessionID, links[0].PeerID}
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, pair)
}

func TestTimers(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(http.MethodGet, "/api/timers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	as := f.sessions.CreateApplicationSession("")
	task, err := f.timers.Schedule(context.Background(), as, time.Hour, time.Minute, true, nil)
	require.NoError(t, err)

	w = f.do(http.MethodGet, "/api/timers")
	require.Equal(t, http.StatusOK, w.Code)
	var list []timerView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, task.ID(), list[0].ID)
	assert.Equal(t, "1m0s", list[0].Period)
	assert.True(t, list[0].FixedRate)
	assert.True(t, list[0].Live)
}

func TestStartStop(t *testing.T) {
	f := newAdminFixture(t)
	assert.NoError(t, f.server.Stop(), "stopping a server that never started is a no-op")
	require.NoError(t, f.server.Start(0))
	assert.NoError(t, f.server.Stop())
}
