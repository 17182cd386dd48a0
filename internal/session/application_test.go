package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/message"
)

type appSessionRecorder struct {
	created, destroyed []string
}

func (r *appSessionRecorder) ApplicationSessionCreated(as *ApplicationSession) {
	r.created = append(r.created, as.ID())
}

func (r *appSessionRecorder) ApplicationSessionDestroyed(as *ApplicationSession) {
	r.destroyed = append(r.destroyed, as.ID())
}

func TestApplicationSession_Invalidate(t *testing.T) {
	m, _ := newTestManager(t)
	rec := &appSessionRecorder{}
	require.NoError(t, m.AddListener(rec))

	as := m.CreateApplicationSession("")
	assert.Equal(t, "b2bua", as.ApplicationName())
	a, err := m.CreateSession(as, newRequest(message.MethodINVITE, "call-a", "a1", 1), RoleUAS)
	require.NoError(t, err)
	b, err := m.CreateSession(as, newRequest(message.MethodINVITE, "call-b", "b1", 1), RoleUAC)
	require.NoError(t, err)
	require.NoError(t, as.SetAttribute("k", 1))
	assert.Len(t, as.Sessions(), 2)

	require.NoError(t, as.Invalidate())
	assert.ErrorIs(t, as.Invalidate(), ErrInvalidState)
	assert.False(t, a.IsValid())
	assert.False(t, b.IsValid())
	assert.Equal(t, 0, m.Count())
	assert.Nil(t, m.GetApplicationSession(as.ID()))
	assert.Equal(t, []string{as.ID()}, rec.created)
	assert.Equal(t, []string{as.ID()}, rec.destroyed)

	_, err = m.CreateSession(as, newRequest(message.MethodINVITE, "call-c", "c1", 1), RoleUAC)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, as.AddTimer("t"), ErrInvalidState)
}

func TestApplicationSession_TimersKeepItAlive(t *testing.T) {
	m, _ := newTestManager(t)
	as := m.CreateApplicationSession("")
	require.NoError(t, as.AddTimer("t1"))
	s, err := m.CreateSession(as, newRequest(message.MethodMESSAGE, "call-m", "a1", 1), RoleUAC)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(false))
	assert.True(t, as.IsValid(), "a pending timer keeps the application session")

	as.RemoveTimer("t1")
	assert.Empty(t, as.TimerIDs())
	assert.False(t, as.IsValid(), "nothing is left to keep it")
}

func TestExpireApplicationSessions(t *testing.T) {
	m, _ := newTestManager(t)
	short := m.CreateApplicationSession("")
	short.SetExpires(time.Minute)
	forever := m.CreateApplicationSession("")
	forever.SetExpires(0)

	assert.False(t, short.IsExpired(time.Now()))
	n := m.ExpireApplicationSessions(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, n)
	assert.False(t, short.IsValid())
	assert.True(t, forever.IsValid())
	assert.Equal(t, []*ApplicationSession{forever}, m.ApplicationSessions())
}

func TestMarkAccessed(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := newUACSession(t, m, message.MethodINVITE)
	as := m.GetApplicationSession(s.ApplicationSessionID())
	before := as.LastAccessed()

	time.Sleep(2 * time.Millisecond)
	s.MarkAccessed()
	assert.True(t, s.LastAccessed().After(before))
	assert.Equal(t, s.LastAccessed(), as.LastAccessed())
}
