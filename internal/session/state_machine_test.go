package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/dialog"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/transaction"
)

func TestStateTransitionsTable(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateInitial, StateEarly, true},
		{StateInitial, StateConfirmed, true},
		{StateEarly, StateInitial, true},
		{StateConfirmed, StateTerminated, true},
		{StateConfirmed, StateEarly, false},
		{StateConfirmed, StateInitial, false},
		{StateTerminated, StateConfirmed, false},
		{StateTerminated, StateInitial, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to))
		})
	}
}

func TestParseStateAndRole(t *testing.T) {
	st, ok := ParseState("CONFIRMED")
	assert.True(t, ok)
	assert.Equal(t, StateConfirmed, st)
	_, ok = ParseState("confirmed")
	assert.False(t, ok)

	role, ok := ParseRole("PROXY")
	assert.True(t, ok)
	assert.Equal(t, RoleProxy, role)
}

func TestUpdateStateOnResponse_ProvisionalThenOK(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)
	require.Equal(t, StateInitial, s.State())

	s.UpdateStateOnResponse(respond(invite, message.StatusRinging, "b1"), true)
	assert.Equal(t, StateEarly, s.State())
	require.NotNil(t, s.Dialog())
	assert.Equal(t, dialog.StateEarly, s.Dialog().State())
	assert.Equal(t, "b1", s.Key().ToTag)

	s.UpdateStateOnResponse(respond(invite, message.StatusOK, "b1"), true)
	assert.Equal(t, StateConfirmed, s.State())
	assert.True(t, s.Dialog().IsConfirmed())
	assert.Equal(t, "sip:bob@10.0.0.2:5060", s.Dialog().RemoteTarget)
	assert.Len(t, s.RetainedResponses(), 1)
	assert.False(t, s.IsReadyToInvalidate())
}

func TestUpdateStateOnResponse_UACFailureReturnsToInitial(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	tx, err := txm.CreateClientTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)

	s.UpdateStateOnResponse(respond(invite, message.StatusRinging, "b1"), true)
	require.Equal(t, StateEarly, s.State())

	s.UpdateStateOnResponse(respond(invite, message.StatusBusyHere, "b1"), true)
	assert.Equal(t, StateInitial, s.State())
	assert.Nil(t, s.Dialog(), "early dialog is released for a retry")
	assert.Empty(t, s.Key().ToTag)
	assert.Equal(t, 0, m.Dialogs().Count())
	assert.False(t, s.IsReadyToInvalidate())

	s.RemoveTransaction(tx.GetID())
	assert.True(t, s.IsReadyToInvalidate(), "nobody retried before the transaction ended")
	assert.Nil(t, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_ChallengeKeepsSession(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)

	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	tx, err := txm.CreateClientTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)

	s.UpdateStateOnResponse(respond(invite, message.StatusProxyAuthRequired, "b1"), true)
	s.RemoveTransaction(tx.GetID())
	assert.Equal(t, StateInitial, s.State())
	assert.False(t, s.IsReadyToInvalidate())
	assert.True(t, s.IsValid())
}

func TestUpdateStateOnResponse_UASFailureTerminates(t *testing.T) {
	m, _ := newTestManager(t)
	as := m.CreateApplicationSession("")
	invite := newRequest(message.MethodINVITE, "call-uas", "a1", 1)
	s, err := m.CreateSession(as, invite, RoleUAS)
	require.NoError(t, err)

	s.UpdateStateOnResponse(respond(invite, message.StatusRinging, s.LocalTag()), false)
	require.Equal(t, StateEarly, s.State())
	assert.Equal(t, s.LocalTag(), s.Dialog().LocalTag)
	assert.Equal(t, "a1", s.Dialog().RemoteTag)

	s.UpdateStateOnResponse(respond(invite, message.StatusDecline, s.LocalTag()), false)
	assert.Equal(t, StateTerminated, s.State())
}

func TestUpdateStateOnResponse_ByeTerminatesAndRemoves(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)
	d := s.Dialog()

	bye, err := s.CreateRequest(message.MethodBYE)
	require.NoError(t, err)
	s.UpdateStateOnResponse(respond(bye.Msg, message.StatusOK, ""), true)

	assert.Equal(t, StateTerminated, s.State())
	assert.True(t, d.IsTerminated())
	assert.False(t, s.IsValid())
	assert.Nil(t, m.Get(s.ID()))
	assert.Nil(t, m.Dialogs().Get(d.ID))
	assert.Nil(t, m.GetApplicationSession(s.ApplicationSessionID()), "empty application session goes too")
}

func TestUpdateStateOnResponse_ByeWaitsForTransaction(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)

	bye, err := s.CreateRequest(message.MethodBYE)
	require.NoError(t, err)
	tx, err := txm.CreateClientTransaction(bye.Msg)
	require.NoError(t, err)
	s.AddTransaction(tx)

	s.UpdateStateOnResponse(respond(bye.Msg, message.StatusOK, ""), true)
	assert.Equal(t, StateTerminated, s.State())
	assert.False(t, s.IsReadyToInvalidate())
	assert.NotNil(t, m.Get(s.ID()))

	s.RemoveTransaction(tx.GetID())
	assert.True(t, s.IsReadyToInvalidate())
	assert.Nil(t, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_ByeDeferredBySubscription(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)

	sub := newRequest(message.MethodSUBSCRIBE, "call-INVITE", "b1", 2)
	sub.SetHeader(message.HeaderEvent, "dialog;id=7")
	s.UpdateStateOnSubsequentRequest(sub, true)
	assert.Equal(t, []string{"dialog;id=7"}, s.Subscriptions())

	bye, err := s.CreateRequest(message.MethodBYE)
	require.NoError(t, err)
	s.UpdateStateOnResponse(respond(bye.Msg, message.StatusOK, ""), true)
	assert.Equal(t, StateConfirmed, s.State(), "termination waits for the subscription")

	active := newRequest(message.MethodNOTIFY, "call-INVITE", "b1", 3)
	active.SetHeader(message.HeaderEvent, "dialog;id=7")
	active.SetHeader(message.HeaderSubscriptionState, "active;expires=60")
	s.UpdateStateOnSubsequentRequest(active, true)
	assert.Equal(t, StateConfirmed, s.State())

	done := newRequest(message.MethodNOTIFY, "call-INVITE", "b1", 4)
	done.SetHeader(message.HeaderEvent, "dialog;id=7")
	done.SetHeader(message.HeaderSubscriptionState, "terminated;reason=noresource")
	s.UpdateStateOnSubsequentRequest(done, true)
	assert.Equal(t, StateTerminated, s.State())
	assert.Nil(t, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_TransactionOnlyRequest(t *testing.T) {
	m, _ := newTestManager(t)
	s, msg := newUACSession(t, m, message.MethodMESSAGE)

	s.UpdateStateOnResponse(respond(msg, message.StatusOK, "b1"), true)
	assert.Equal(t, StateInitial, s.State())
	assert.Empty(t, s.Key().ToTag, "one-shot transactions do not keep the remote tag")
	assert.True(t, s.IsReadyToInvalidate())
	assert.Nil(t, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_LinkedLegSurvivesTransaction(t *testing.T) {
	m, _ := newTestManager(t)
	s, msg := newUACSession(t, m, message.MethodMESSAGE)
	s.SetPeerID("peer-x")

	s.UpdateStateOnResponse(respond(msg, message.StatusOK, "b1"), true)
	assert.Equal(t, StateInitial, s.State())
	assert.False(t, s.IsReadyToInvalidate())
	assert.True(t, s.IsValid())
	assert.Same(t, s, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_TryingMovesToEarly(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)

	s.UpdateStateOnResponse(respond(invite, message.StatusTrying, ""), true)
	assert.Equal(t, StateEarly, s.State())
	assert.Nil(t, s.Dialog(), "100 Trying carries no dialog")
	assert.Empty(t, s.Key().ToTag)

	s.UpdateStateOnResponse(respond(invite, message.StatusRinging, "b1"), true)
	assert.Equal(t, StateEarly, s.State())
	require.NotNil(t, s.Dialog())
	assert.Equal(t, "b1", s.Key().ToTag)
}

func TestUpdateStateOnResponse_KeepAfterTransaction(t *testing.T) {
	m, _ := newTestManager(t)
	s, msg := newUACSession(t, m, message.MethodMESSAGE)
	s.SetKeepAfterTransaction(true)

	s.UpdateStateOnResponse(respond(msg, message.StatusOK, "b1"), true)
	assert.False(t, s.IsReadyToInvalidate())
	assert.Same(t, s, m.Get(s.ID()))
}

func TestUpdateStateOnResponse_NonRecordRoutingProxy(t *testing.T) {
	m, _ := newTestManager(t)
	as := m.CreateApplicationSession("")
	invite := newRequest(message.MethodINVITE, "call-proxy", "a1", 1)
	s, err := m.CreateSession(as, invite, RoleProxy)
	require.NoError(t, err)

	s.UpdateStateOnResponse(respond(invite, message.StatusOK, "b1"), true)
	assert.Equal(t, StateConfirmed, s.State())
	assert.Nil(t, s.Dialog(), "proxies do not own dialogs")
	assert.True(t, s.IsReadyToInvalidate())
}

func TestUpdateStateOnResponse_TentativeCancel(t *testing.T) {
	m, sender := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)

	tx, err := txm.CreateClientTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)
	tx.MarkCancelPending()

	ringing := respond(invite, message.StatusRinging, "b1")
	require.NoError(t, tx.ProcessMessage(ringing))
	s.UpdateStateOnResponse(ringing, true)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, message.MethodCANCEL, sent[0].GetMethod())
	assert.Equal(t, invite.Branch(), sent[0].Branch())
	assert.False(t, tx.CancelPending())

	s.UpdateStateOnResponse(respond(invite, message.StatusSessionProgress, "b1"), true)
	assert.Len(t, sender.Sent(), 1, "the pending cancel is sent once")
}

func TestUpdateStateOnSubsequentRequest_Cancel(t *testing.T) {
	m, _ := newTestManager(t)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	as := m.CreateApplicationSession("")

	t.Run("before final response", func(t *testing.T) {
		invite := newRequest(message.MethodINVITE, "call-c1", "a1", 1)
		s, err := m.CreateSession(as, invite, RoleUAS)
		require.NoError(t, err)
		tx, err := txm.CreateServerTransaction(invite)
		require.NoError(t, err)
		s.SetCreatingTransaction(tx)

		s.UpdateStateOnSubsequentRequest(message.NewCancel(invite), true)
		assert.Equal(t, StateTerminated, s.State())
		assert.False(t, s.IsReadyToInvalidate(), "the INVITE transaction is still open")
	})

	t.Run("after final response", func(t *testing.T) {
		invite := newRequest(message.MethodINVITE, "call-c2", "a1", 1)
		s, err := m.CreateSession(as, invite, RoleUAS)
		require.NoError(t, err)
		tx, err := txm.CreateServerTransaction(invite)
		require.NoError(t, err)
		s.SetCreatingTransaction(tx)

		ok := respond(invite, message.StatusOK, s.LocalTag())
		require.NoError(t, tx.SendResponse(ok))
		s.UpdateStateOnResponse(ok, false)

		s.UpdateStateOnSubsequentRequest(message.NewCancel(invite), true)
		assert.Equal(t, StateConfirmed, s.State())
	})

	t.Run("proxy after best response", func(t *testing.T) {
		invite := newRequest(message.MethodINVITE, "call-c3", "a1", 1)
		s, err := m.CreateSession(as, invite, RoleProxy)
		require.NoError(t, err)
		s.SetRecordRoute(true)
		s.MarkBestResponseChosen()

		s.UpdateStateOnSubsequentRequest(message.NewCancel(invite), true)
		assert.Equal(t, StateInitial, s.State())
	})
}

func TestUpdateStateOnSubsequentRequest_AckClearsRetained(t *testing.T) {
	m, _ := newTestManager(t)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	as := m.CreateApplicationSession("")
	invite := newRequest(message.MethodINVITE, "call-ack", "a1", 1)
	s, err := m.CreateSession(as, invite, RoleUAS)
	require.NoError(t, err)
	tx, err := txm.CreateServerTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)

	ok := respond(invite, message.StatusOK, s.LocalTag())
	require.NoError(t, tx.SendResponse(ok))
	s.UpdateStateOnResponse(ok, false)
	require.Len(t, s.RetainedResponses(), 1)

	ack := message.NewAck(invite, ok, "sip:bob@10.0.0.10")
	s.UpdateStateOnSubsequentRequest(ack, true)
	assert.Empty(t, s.RetainedResponses())
	assert.True(t, tx.IsAcknowledged())
}

func TestOnDialogTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)
	txm := transaction.NewManager(logging.NewNopLogger(), time.Minute, time.Minute)
	tx, err := txm.CreateClientTransaction(invite)
	require.NoError(t, err)
	s.SetCreatingTransaction(tx)

	err = s.OnDialogTimeout()
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StateInitial, s.State())

	require.NoError(t, tx.Terminate())
	require.NoError(t, s.OnDialogTimeout())
	assert.Equal(t, StateTerminated, s.State())

	s.RemoveTransaction(tx.GetID())
	assert.Nil(t, m.Get(s.ID()))
}

func TestInvalidateTwice(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)

	require.NoError(t, s.Invalidate(false))
	err := s.Invalidate(false)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.NoError(t, s.Invalidate(true))
	assert.Nil(t, m.Get(s.ID()))
}

func TestInvalidSessionRejectsOperations(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)
	require.NoError(t, s.Invalidate(false))

	_, err := s.CreateRequest(message.MethodINFO)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, errors.Is(s.SetAttribute("k", "v"), ErrInvalidState))
}
