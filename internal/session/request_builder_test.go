package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/message"
)

func TestCreateRequest_RejectedMethods(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)

	for _, method := range []string{message.MethodACK, message.MethodPRACK, message.MethodCANCEL, "BAD METHOD", ""} {
		_, err := s.CreateRequest(method)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "method %q", method)
	}
}

func TestCreateRequest_ProxyCannotOriginate(t *testing.T) {
	m, _ := newTestManager(t)
	as := m.CreateApplicationSession("")
	s, err := m.CreateSession(as, newRequest(message.MethodINVITE, "call-p", "a1", 1), RoleProxy)
	require.NoError(t, err)

	_, err = s.CreateRequest(message.MethodINFO)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestCreateRequest_InDialog(t *testing.T) {
	m, _ := newTestManager(t)
	s, invite := newUACSession(t, m, message.MethodINVITE)

	ok := respond(invite, message.StatusOK, "b1")
	ok.AddHeader(message.HeaderRecordRoute, "<sip:p2.example.com;lr>")
	ok.AddHeader(message.HeaderRecordRoute, m.SelfRoute("b2bua"))
	ok.AddHeader(message.HeaderRecordRoute, "<sip:p1.example.com;lr>")
	s.UpdateStateOnResponse(ok, true)

	req, err := s.CreateRequest(message.MethodINFO)
	require.NoError(t, err)
	msg := req.Msg

	assert.Equal(t, s.ID(), req.SessionID)
	assert.False(t, req.Initial)
	assert.Equal(t, "sip:bob@10.0.0.2:5060", msg.GetRequestURI())
	assert.Equal(t, "a1", msg.FromTag())
	assert.Equal(t, "b1", msg.ToTag())
	n, method := msg.CSeq()
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, message.MethodINFO, method)
	assert.Equal(t, []string{"<sip:p1.example.com;lr>", "<sip:p2.example.com;lr>"}, msg.GetHeaders(message.HeaderRoute),
		"route set is reversed and the self route is dropped")

	via := msg.GetHeader(message.HeaderVia)
	assert.Contains(t, via, "10.0.0.10:5060")
	assert.True(t, strings.HasPrefix(msg.Branch(), message.BranchMagicCookie))
	assert.Contains(t, msg.Branch(), message.HashApplicationName("b2bua"))
	assert.Equal(t, "<sip:alice@10.0.0.10:5060>", msg.GetHeader(message.HeaderContact))

	next, err := s.CreateRequest(message.MethodINFO)
	require.NoError(t, err)
	n2, _ := next.Msg.CSeq()
	assert.Equal(t, n+1, n2)
	assert.NotEqual(t, msg.Branch(), next.Msg.Branch())
}

func TestCreateRequest_ByeOnTerminatedDialog(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)
	s.SetInvalidateWhenReady(false)
	require.NoError(t, s.OnDialogTimeout())
	require.Equal(t, StateTerminated, s.State())

	_, err := s.CreateRequest(message.MethodINFO)
	assert.True(t, errors.Is(err, ErrInvalidState))

	bye, err := s.CreateRequest(message.MethodBYE)
	require.NoError(t, err)
	assert.Equal(t, message.MethodBYE, bye.Msg.GetMethod())
}

func TestCreateRequest_LoadBalancerContact(t *testing.T) {
	m := NewManager(Options{
		ApplicationName: "b2bua",
		ServerID:        "node1",
		ListeningPoint:  ListeningPoint{Transport: "TCP", Host: "10.0.0.10", Port: 5060, LoadBalancer: "lb.example.com:5080"},
	})
	s, _ := confirmedUAC(t, m)

	req, err := s.CreateRequest(message.MethodUPDATE)
	require.NoError(t, err)
	assert.Equal(t, "<sip:alice@lb.example.com:5080;transport=tcp>", req.Msg.GetHeader(message.HeaderContact))
	assert.Contains(t, req.Msg.GetHeader(message.HeaderVia), "SIP/2.0/TCP 10.0.0.10:5060")
}

func TestCreateRequest_UACTransactionRetryAfterChallenge(t *testing.T) {
	m, _ := newTestManager(t)
	s, register := newUACSession(t, m, message.MethodREGISTER)
	s.SetKeepAfterTransaction(true)
	register.AddHeader(message.HeaderRoute, m.SelfRoute("b2bua"))
	register.AddHeader(message.HeaderRoute, "<sip:registrar.example.com;lr>")

	s.UpdateStateOnResponse(respond(register, message.StatusUnauthorized, "r1"), true)

	req, err := s.CreateRequest(message.MethodREGISTER)
	require.NoError(t, err)
	assert.True(t, req.Initial, "a retry after a 4xx is an initial request")
	n, method := req.Msg.CSeq()
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, message.MethodREGISTER, method)
	assert.Equal(t, register.CallID(), req.Msg.CallID())
	assert.Equal(t, "a1", req.Msg.FromTag())
	assert.Empty(t, req.Msg.ToTag())
	assert.Equal(t, []string{"<sip:registrar.example.com;lr>"}, req.Msg.GetHeaders(message.HeaderRoute))
	assert.NotEqual(t, register.Branch(), req.Msg.Branch())

	again, err := s.CreateRequest(message.MethodREGISTER)
	require.NoError(t, err)
	n2, _ := again.Msg.CSeq()
	assert.Equal(t, uint32(3), n2)
}

func TestCreateRequest_UASTransactionPath(t *testing.T) {
	m, _ := newTestManager(t)
	as := m.CreateApplicationSession("")
	orig := newRequest(message.MethodMESSAGE, "call-uas-msg", "a1", 7)
	orig.SetHeader(message.HeaderFrom, `"Alice" <sip:alice@example.com>;tag=a1;x-from=1`)
	orig.SetHeader(message.HeaderTo, `<sip:bob@example.com>;x-to=2`)
	s, err := m.CreateSession(as, orig, RoleUAS)
	require.NoError(t, err)
	s.SetKeepAfterTransaction(true)
	s.UpdateStateOnResponse(respond(orig, message.StatusOK, s.LocalTag()), false)

	req, err := s.CreateRequest(message.MethodMESSAGE)
	require.NoError(t, err)
	msg := req.Msg

	assert.False(t, req.Initial)
	assert.Equal(t, "sip:alice@example.com", msg.GetRequestURI())
	assert.Equal(t, "call-uas-msg", msg.CallID())
	assert.Equal(t, `<sip:bob@example.com>;x-to=2;tag=`+s.LocalTag(), msg.GetHeader(message.HeaderFrom))
	assert.Equal(t, `"Alice" <sip:alice@example.com>;x-from=1`, msg.GetHeader(message.HeaderTo))
	n, _ := msg.CSeq()
	assert.Equal(t, uint32(1), n)
}
