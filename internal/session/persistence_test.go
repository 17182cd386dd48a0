package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/store"
	"github.com/zurustar/sipsession/internal/transaction"
)

func TestPassivateActivate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newStoreManager(t, st)

	var activated []string
	m.OnSessionActivated(func(s *Session) { activated = append(activated, s.ID()) })

	s, invite := newUACSession(t, m, message.MethodINVITE)
	s.UpdateStateOnResponse(respond(invite, message.StatusOK, "b1"), true)
	require.NoError(t, s.SetAttribute("caller", "alice"))
	require.NoError(t, s.SetAttribute(OriginalRequestAttribute, invite))
	s.SetPeerID("peer-1")
	v, _ := s.ValidateCSeq(newRequest(message.MethodINFO, "call-INVITE", "b1", 4))
	require.Equal(t, VerdictAccept, v)

	asID := s.ApplicationSessionID()
	as := m.GetApplicationSession(asID)
	as.SetExpires(time.Hour)
	require.NoError(t, as.AddTimer("timer-1"))

	require.NoError(t, m.Passivate(ctx, asID))
	assert.Nil(t, m.Get(s.ID()))
	assert.Nil(t, m.GetApplicationSession(asID))
	assert.Equal(t, 0, m.Dialogs().Count())

	restoredAS, err := m.Activate(ctx, asID)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID()}, restoredAS.SessionIDs())
	assert.Equal(t, []string{"timer-1"}, restoredAS.TimerIDs())
	assert.WithinDuration(t, as.ExpiresAt(), restoredAS.ExpiresAt(), time.Second)

	r := m.Get(s.ID())
	require.NotNil(t, r)
	assert.NotSame(t, s, r)
	assert.Equal(t, StateConfirmed, r.State())
	assert.Equal(t, s.Key(), r.Key())
	assert.Equal(t, "peer-1", r.PeerID())
	assert.Equal(t, uint32(4), r.CSeq().Local())
	require.NotNil(t, r.Dialog())
	assert.Equal(t, "b1", r.Dialog().RemoteTag)
	assert.Equal(t, 1, m.Dialogs().Count())

	caller, ok := r.GetAttribute("caller")
	require.True(t, ok)
	assert.Equal(t, "alice", caller)
	leg, ok := r.GetAttribute(OriginalRequestAttribute)
	require.True(t, ok, "the B2BUA original request survives passivation")
	assert.Equal(t, invite.Headers, leg.(*message.SIPMessage).Headers)
	assert.Same(t, r.OriginalRequest(), leg)
	require.NotNil(t, r.LastFinalResponse())
	assert.Equal(t, message.StatusOK, r.LastFinalResponse().GetStatusCode())
	assert.Equal(t, []string{s.ID()}, activated)

	bye := newRequest(message.MethodBYE, "call-INVITE", "b1", 5)
	bye.SetHeader(message.HeaderTo, "<sip:alice@example.com>;tag=a1")
	assert.Same(t, r, m.FindByMessage(bye))

	again, err := m.ResolveApplicationSession(ctx, asID)
	require.NoError(t, err)
	assert.Same(t, restoredAS, again)
}

func TestPassivateActivate_TransactionSession(t *testing.T) {
	ctx := context.Background()
	m := newStoreManager(t, store.NewMemoryStore())
	s, register := newUACSession(t, m, message.MethodREGISTER)
	s.SetKeepAfterTransaction(true)

	s.UpdateStateOnResponse(respond(register, message.StatusUnauthorized, "r1"), true)
	first, err := s.CreateRequest(message.MethodREGISTER)
	require.NoError(t, err)
	n, _ := first.Msg.CSeq()
	require.Equal(t, uint32(2), n)
	s.UpdateStateOnResponse(respond(first.Msg, message.StatusOK, "r1"), true)
	require.Same(t, s, m.Get(s.ID()))

	asID := s.ApplicationSessionID()
	require.NoError(t, m.Passivate(ctx, asID))
	_, err = m.Activate(ctx, asID)
	require.NoError(t, err)

	r := m.Get(s.ID())
	require.NotNil(t, r)
	require.NotNil(t, r.OriginalRequest())
	assert.Equal(t, register.GetRequestURI(), r.OriginalRequest().GetRequestURI())
	assert.Equal(t, message.StatusOK, r.LastFinalResponse().GetStatusCode())
	_, ok := r.GetAttribute(OriginalRequestAttribute)
	assert.False(t, ok)

	refresh, err := r.CreateRequest(message.MethodREGISTER)
	require.NoError(t, err)
	n, _ = refresh.Msg.CSeq()
	assert.Equal(t, uint32(3), n, "the outbound CSeq continues")
	assert.False(t, refresh.Initial)
	assert.Equal(t, register.CallID(), refresh.Msg.CallID())
	assert.Equal(t, "a1", refresh.Msg.FromTag())
}

func TestPassivate_RejectsOngoingTransactions(t *testing.T) {
	m := newStoreManager(t, store.NewMemoryStore())
	s, invite := newUACSession(t, m, message.MethodINVITE)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	tx, err := txm.CreateClientTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)

	err = m.Passivate(context.Background(), s.ApplicationSessionID())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Same(t, s, m.Get(s.ID()))
}

func TestPassivate_Errors(t *testing.T) {
	ctx := context.Background()

	noStore, _ := newTestManager(t)
	assert.ErrorIs(t, noStore.Passivate(ctx, "x"), ErrInvalidState)

	m := newStoreManager(t, store.NewMemoryStore())
	assert.ErrorIs(t, m.Passivate(ctx, "missing"), ErrNotFound)
	_, err := m.Activate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplicateOnMutation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(Options{
		ApplicationName:     "b2bua",
		ServerID:            "node1",
		ListeningPoint:      ListeningPoint{Transport: "UDP", Host: "10.0.0.10", Port: 5060},
		Store:               st,
		ReplicateOnMutation: true,
	})

	s, invite := newUACSession(t, m, message.MethodINVITE)
	s.UpdateStateOnResponse(respond(invite, message.StatusRinging, "b1"), true)

	rec, err := st.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "EARLY", rec.State)
	assert.Equal(t, "b1", rec.Key.ToTag)

	asRec, err := st.GetApplicationSession(ctx, s.ApplicationSessionID())
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID()}, asRec.SessionIDs)

	require.NoError(t, s.Invalidate(false))
	_, err = st.GetSession(ctx, s.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetApplicationSession(ctx, s.ApplicationSessionID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
