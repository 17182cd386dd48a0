package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zurustar/sipsession/internal/b2bua"
	"github.com/zurustar/sipsession/internal/guard"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/timer"
	"github.com/zurustar/sipsession/internal/transaction"
)

const tracerName = "sipsession.engine"

// EngineOptions wires an Engine. Sessions and Transactions are required.
type EngineOptions struct {
	Sessions     *session.Manager
	Transactions *transaction.Manager
	Registry     *b2bua.Registry
	Guard        *guard.Guard
	Timers       *timer.Service
	Sender       Sender
	Application  Application
	// MirrorResponses relays responses of a linked client transaction to the paired
	// server transaction.
	MirrorResponses bool
	// SessionExpires is set on application sessions created for initial requests.
	SessionExpires time.Duration
	Logger         logging.Logger
}

// Engine applies SIP traffic to sessions: guard, session lookup, CSeq validation, state
// machine, derived sessions and B2BUA mirroring, in that order.
type Engine struct {
	sessions *session.Manager
	txs      *transaction.Manager
	registry *b2bua.Registry
	guard    *guard.Guard
	timers   *timer.Service
	sender   Sender
	app      Application
	mirror   bool
	expires  time.Duration
	logger   logging.Logger
	tracer   trace.Tracer
}

// NewEngine creates an engine and subscribes it to transaction and session events.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(guard.ModeNone, guard.DefaultTimeout, opts.Logger)
	}
	if opts.Registry == nil {
		opts.Registry = b2bua.NewRegistry(opts.Sessions, opts.Transactions, opts.Logger)
	}
	if opts.Sender == nil {
		opts.Sender = detachedSender{logger: opts.Logger}
	}
	if opts.Application == nil {
		opts.Application = nopApplication{}
	}

	e := &Engine{
		sessions: opts.Sessions,
		txs:      opts.Transactions,
		registry: opts.Registry,
		guard:    opts.Guard,
		timers:   opts.Timers,
		sender:   opts.Sender,
		app:      opts.Application,
		mirror:   opts.MirrorResponses,
		expires:  opts.SessionExpires,
		logger:   opts.Logger,
		tracer:   otel.Tracer(tracerName),
	}
	e.sessions.SetSender(e.sender)
	e.sessions.OnSessionRemoved(e.guard.Forget)
	_ = e.sessions.AddListener(appSessionPermits{e.guard})
	e.txs.OnTerminated(e.onTransactionTerminated)
	e.txs.OnTimeout(e.onTransactionTimeout)
	return e
}

func (e *Engine) Sessions() *session.Manager { return e.sessions }

func (e *Engine) Registry() *b2bua.Registry { return e.registry }

func (e *Engine) Guard() *guard.Guard { return e.guard }

// HandleRequest applies a request received from the stack.
func (e *Engine) HandleRequest(ctx context.Context, req *message.SIPMessage) (err error) {
	ctx, span := e.tracer.Start(ctx, "HandleRequest", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("sip.method", req.GetMethod()),
		attribute.String("sip.call_id", req.CallID()),
	)
	defer endSpan(span, &err)
	ctx, _ = guard.WithScope(ctx)

	if req.GetMethod() == message.MethodCANCEL {
		return e.handleCancel(ctx, span, req)
	}

	s, initial, err := e.sessionForRequest(req)
	if err != nil || s == nil {
		return err
	}
	span.SetAttributes(attribute.String("sip.session_id", s.ID()), attribute.Bool("sip.initial", initial))

	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return err
	}
	defer lease.Release()
	s.MarkAccessed()

	verdict, reject := s.ValidateCSeq(req)
	span.SetAttributes(attribute.String("sip.cseq_verdict", verdict.String()))
	switch verdict {
	case session.VerdictDrop:
		return nil
	case session.VerdictReject:
		return e.sender.SendResponse(reject)
	}

	if req.GetMethod() != message.MethodACK {
		tx, err := e.txs.CreateServerTransaction(req)
		if err != nil {
			return fmt.Errorf("create server transaction: %w", err)
		}
		if initial {
			s.SetCreatingTransaction(tx)
		} else {
			s.AddTransaction(tx)
		}
	}
	s.UpdateStateOnSubsequentRequest(req, true)

	e.notify(func() { e.app.OnRequest(ctx, s, req) })
	return nil
}

// sessionForRequest finds the session of an in-dialog request or creates one for an
// initial request. A nil session means the request was answered or dropped here.
func (e *Engine) sessionForRequest(req *message.SIPMessage) (*session.Session, bool, error) {
	if s := e.sessions.FindByMessage(req); s != nil {
		return s, false, nil
	}
	if req.GetMethod() == message.MethodACK {
		e.logger.Debug("Dropping ACK without session", logging.CallIDField(req.CallID()))
		return nil, false, nil
	}
	if req.ToTag() != "" {
		return nil, false, e.sender.SendResponse(
			message.NewResponse(req, message.StatusCallDoesNotExist, "Call/Transaction Does Not Exist", ""))
	}

	as := e.sessions.CreateApplicationSession("")
	if e.expires > 0 {
		as.SetExpires(e.expires)
	}
	s, err := e.sessions.CreateSession(as, req, session.RoleUAS)
	if err != nil {
		_ = as.Invalidate()
		return nil, false, err
	}
	return s, true, nil
}

// handleCancel answers a CANCEL, terminates the INVITE with 487 when it has no final
// response yet and cancels the linked leg. The leg is cancelled after the permit of s is
// given back, so the two legs are never held together.
func (e *Engine) handleCancel(ctx context.Context, span trace.Span, req *message.SIPMessage) error {
	invite := e.txs.FindInviteForCancel(req)
	var s *session.Session
	if invite != nil {
		s = e.sessions.Get(invite.SessionID())
	}
	if s == nil {
		return e.sender.SendResponse(
			message.NewResponse(req, message.StatusCallDoesNotExist, "Call/Transaction Does Not Exist", ""))
	}
	span.SetAttributes(attribute.String("sip.session_id", s.ID()))

	answered, err := e.applyCancel(ctx, s, invite, req)
	if err != nil || answered {
		return err
	}
	e.cancelPeer(ctx, s)

	lease, err := e.relock(ctx, s)
	if err != nil {
		return err
	}
	defer lease.Release()
	e.notify(func() { e.app.OnRequest(ctx, s, req) })
	return nil
}

// applyCancel answers the CANCEL and, when the INVITE is still pending, sends the 487.
func (e *Engine) applyCancel(ctx context.Context, s *session.Session, invite transaction.Transaction, req *message.SIPMessage) (bool, error) {
	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return false, err
	}
	defer lease.Release()

	if err := e.sender.SendResponse(message.NewResponse(req, message.StatusOK, "OK", s.LocalTag())); err != nil {
		return false, err
	}
	answered := invite.GetFinalResponse() != nil
	s.UpdateStateOnSubsequentRequest(req, true)
	if answered {
		return true, nil
	}
	terminated := message.NewResponse(invite.GetRequest(), message.StatusRequestTerminated, "Request Terminated", s.LocalTag())
	return false, e.SendResponse(ctx, s, terminated)
}

// cancelPeer cancels the outstanding linked INVITE of the other leg. Before any
// provisional response the CANCEL is deferred until one arrives.
func (e *Engine) cancelPeer(ctx context.Context, s *session.Session) {
	peer := e.registry.GetLinkedSession(s)
	if peer == nil {
		return
	}
	lease, err := e.guard.Acquire(ctx, peer.ID(), peer.ApplicationSessionID())
	if err != nil {
		return
	}
	defer lease.Release()

	cancel, tx, err := e.registry.CreateCancel(peer)
	if err != nil {
		e.logger.Debug("No outstanding INVITE to cancel on peer", logging.SessionField(peer.ID()), logging.ErrorField(err))
		return
	}
	if tx.GetLastResponse() == nil {
		tx.MarkCancelPending()
		return
	}
	if err := e.sender.SendRequest(cancel); err != nil {
		e.logger.Warn("Failed to send CANCEL", logging.SessionField(peer.ID()), logging.ErrorField(err))
	}
}

// HandleResponse applies a response received from the stack.
func (e *Engine) HandleResponse(ctx context.Context, resp *message.SIPMessage) (err error) {
	ctx, span := e.tracer.Start(ctx, "HandleResponse", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Int("sip.status_code", resp.GetStatusCode()),
		attribute.String("sip.method", resp.GetMethod()),
		attribute.String("sip.call_id", resp.CallID()),
	)
	defer endSpan(span, &err)
	ctx, _ = guard.WithScope(ctx)

	tx := e.txs.FindClientTransaction(resp)
	var s *session.Session
	if tx != nil {
		s = e.sessions.Get(tx.SessionID())
	}
	if s == nil {
		s = e.sessions.FindByMessage(resp)
	}
	if s == nil {
		e.logger.Debug("Dropping response without session",
			logging.CallIDField(resp.CallID()), logging.StatusField(resp.GetStatusCode()))
		return nil
	}

	target, err := e.applyResponse(ctx, s, tx, resp)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("sip.session_id", target.ID()))

	// Mirroring takes the other leg's permit, so it runs after this leg's is released.
	if e.mirror && tx != nil && resp.GetStatusCode() > message.StatusTrying {
		e.mirrorResponse(ctx, tx, resp.GetStatusCode(), resp.GetReasonPhrase(), resp)
	}

	lease, err := e.relock(ctx, target)
	if err != nil {
		return err
	}
	defer lease.Release()
	e.notify(func() { e.app.OnResponse(ctx, target, resp) })
	return nil
}

// relock takes the permit of s again for an application callback. A session that is
// already gone gets a nil lease so no permit outlives it.
func (e *Engine) relock(ctx context.Context, s *session.Session) (*guard.Lease, error) {
	if !s.IsValid() || e.sessions.Get(s.ID()) == nil {
		return nil, nil
	}
	return e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
}

// applyResponse runs the response through its transaction and the state machine of the
// session it lands on, which is a derived session for a forked response.
func (e *Engine) applyResponse(ctx context.Context, s *session.Session, tx transaction.Transaction, resp *message.SIPMessage) (*session.Session, error) {
	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if tx != nil {
		if err := tx.ProcessMessage(resp); err != nil && !errors.Is(err, transaction.ErrAlreadyTerminated) {
			return nil, fmt.Errorf("process response: %w", err)
		}
	}

	target := s
	if tx != nil && isCreatingTransaction(s, tx) {
		if target, err = e.sessions.SessionForResponse(s, resp); err != nil {
			return nil, err
		}
		if target != s {
			derivedLease, err := e.guard.Acquire(ctx, target.ID(), target.ApplicationSessionID())
			if err != nil {
				return nil, err
			}
			defer derivedLease.Release()
		}
	}

	target.MarkAccessed()
	target.UpdateStateOnResponse(resp, true)
	return target, nil
}

// mirrorResponse answers the server transaction linked to tx with the same status. The
// body of src is carried over when present.
func (e *Engine) mirrorResponse(ctx context.Context, tx transaction.Transaction, code int, reason string, src *message.SIPMessage) {
	serverTx := e.registry.LinkedTransaction(tx)
	if serverTx == nil || serverTx.IsClient() || serverTx.GetFinalResponse() != nil {
		return
	}
	peer := e.sessions.Get(serverTx.SessionID())
	if peer == nil {
		return
	}

	var (
		out    *message.SIPMessage
		target = peer
		err    error
	)
	if isCreatingTransaction(peer, serverTx) {
		out, target, err = e.registry.CreateResponseToOriginalRequest(peer, code, reason)
		if err != nil {
			e.logger.Warn("Failed to mirror response", logging.SessionField(peer.ID()), logging.ErrorField(err))
			return
		}
	} else {
		out = message.NewResponse(serverTx.GetRequest(), code, reason, peer.LocalTag())
	}
	if src != nil && len(src.Body) > 0 {
		out.Body = append([]byte(nil), src.Body...)
		out.SetHeader(message.HeaderContentType, src.GetHeader(message.HeaderContentType))
		out.SetHeader(message.HeaderContentLength, strconv.Itoa(len(out.Body)))
	}
	if err := e.SendResponse(ctx, target, out); err != nil {
		e.logger.Warn("Failed to send mirrored response", logging.SessionField(target.ID()), logging.ErrorField(err))
	}
}

// SendResponse records a response on its server transaction, applies it to s and hands
// it to the stack.
func (e *Engine) SendResponse(ctx context.Context, s *session.Session, resp *message.SIPMessage) (err error) {
	ctx, span := e.tracer.Start(ctx, "SendResponse")
	span.SetAttributes(
		attribute.Int("sip.status_code", resp.GetStatusCode()),
		attribute.String("sip.method", resp.GetMethod()),
		attribute.String("sip.session_id", s.ID()),
	)
	defer endSpan(span, &err)
	ctx, _ = guard.WithScope(ctx)

	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return err
	}
	defer lease.Release()

	if tx := serverTransactionFor(s, resp); tx != nil {
		if err := tx.SendResponse(resp); err != nil {
			return fmt.Errorf("send response on %s: %w", tx.GetID(), err)
		}
	}
	s.UpdateStateOnResponse(resp, false)
	return e.sender.SendResponse(resp)
}

// SendRequest applies a request originated on s and hands it to the stack. tx may be
// nil, in which case a client transaction is created. ACKs never get one.
func (e *Engine) SendRequest(ctx context.Context, s *session.Session, req *message.SIPMessage, tx transaction.Transaction) (err error) {
	ctx, span := e.tracer.Start(ctx, "SendRequest")
	span.SetAttributes(
		attribute.String("sip.method", req.GetMethod()),
		attribute.String("sip.call_id", req.CallID()),
		attribute.String("sip.session_id", s.ID()),
	)
	defer endSpan(span, &err)
	ctx, _ = guard.WithScope(ctx)

	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return err
	}
	defer lease.Release()

	if req.GetMethod() == message.MethodACK {
		n, _ := req.CSeq()
		for _, t := range s.OngoingTransactions() {
			if t.IsClient() && t.GetMethod() == message.MethodINVITE {
				if m, _ := t.GetRequest().CSeq(); m == n {
					t.MarkAcknowledged()
				}
			}
		}
		s.UpdateStateOnSubsequentRequest(req, false)
		return e.sender.SendRequest(req)
	}

	if tx == nil {
		if tx, err = e.txs.CreateClientTransaction(req); err != nil {
			return fmt.Errorf("create client transaction: %w", err)
		}
		s.AddTransaction(tx)
	}
	tx.Commit()
	s.UpdateStateOnSubsequentRequest(req, false)
	return e.sender.SendRequest(req)
}

// SendLeg sends the initial request of a leg built by the B2BUA registry.
func (e *Engine) SendLeg(ctx context.Context, leg *b2bua.Leg) error {
	return e.SendRequest(ctx, leg.Session, leg.Request, leg.Transaction)
}

// Passivate moves an application session and its timers out of memory.
func (e *Engine) Passivate(ctx context.Context, appSessionID string) error {
	if e.timers != nil {
		e.timers.PassivateApplicationSession(appSessionID)
	}
	return e.sessions.Passivate(ctx, appSessionID)
}

// Sweep runs the periodic housekeeping: expired transactions and application sessions.
func (e *Engine) Sweep(now time.Time) {
	e.txs.CleanupExpired()
	if n := e.sessions.ExpireApplicationSessions(now); n > 0 {
		e.logger.Info("Expired application sessions", logging.IntField("count", n))
	}
}

func (e *Engine) onTransactionTerminated(tx transaction.Transaction) {
	if e.registry.OnTransactionTerminated(tx) {
		return
	}
	if s := e.sessions.Get(tx.SessionID()); s != nil {
		s.RemoveTransaction(tx.GetID())
	}
}

// onTransactionTimeout ends a dialog whose initial request or BYE went unanswered.
func (e *Engine) onTransactionTimeout(tx transaction.Transaction) {
	s := e.sessions.Get(tx.SessionID())
	if s == nil {
		return
	}
	ctx, _ := guard.WithScope(context.Background())
	if e.mirror && tx.IsClient() {
		e.mirrorResponse(ctx, tx, message.StatusRequestTimeout, "Request Timeout", nil)
	}

	lease, err := e.guard.Acquire(ctx, s.ID(), s.ApplicationSessionID())
	if err != nil {
		return
	}
	defer lease.Release()
	if err := tx.Terminate(); err != nil && !errors.Is(err, transaction.ErrAlreadyTerminated) {
		e.logger.Warn("Failed to terminate timed out transaction", logging.TransactionField(tx.GetID()), logging.ErrorField(err))
	}

	state := s.State()
	dialogLost := tx.GetMethod() == message.MethodBYE ||
		(isCreatingTransaction(s, tx) && (state == session.StateInitial || state == session.StateEarly))
	if !dialogLost {
		return
	}
	if err := s.OnDialogTimeout(); err != nil {
		e.logger.Debug("Dialog timeout deferred", logging.SessionField(s.ID()), logging.ErrorField(err))
	}
}

// notify runs an application callback; a panic is logged and counted.
func (e *Engine) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Application callback panicked", logging.StringField("panic", fmt.Sprint(r)))
			metrics.RecordListenerFailure("application")
		}
	}()
	fn()
}

func isCreatingTransaction(s *session.Session, tx transaction.Transaction) bool {
	c := s.CreatingTransaction()
	return c != nil && c.GetID() == tx.GetID()
}

// serverTransactionFor finds the server transaction a response answers.
func serverTransactionFor(s *session.Session, resp *message.SIPMessage) transaction.Transaction {
	_, method := resp.CSeq()
	branch := resp.Branch()
	match := func(tx transaction.Transaction) bool {
		return tx != nil && !tx.IsClient() && tx.GetMethod() == method && tx.GetRequest().Branch() == branch
	}
	for _, tx := range s.OngoingTransactions() {
		if match(tx) {
			return tx
		}
	}
	if c := s.CreatingTransaction(); match(c) {
		return c
	}
	return nil
}

func endSpan(span trace.Span, errp *error) {
	if err := *errp; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// appSessionPermits drops the permit of a destroyed application session.
type appSessionPermits struct{ g *guard.Guard }

func (appSessionPermits) ApplicationSessionCreated(*session.ApplicationSession) {}

func (p appSessionPermits) ApplicationSessionDestroyed(as *session.ApplicationSession) {
	p.g.Forget(as.ID())
}

type nopApplication struct{}

func (nopApplication) OnRequest(context.Context, *session.Session, *message.SIPMessage)  {}
func (nopApplication) OnResponse(context.Context, *session.Session, *message.SIPMessage) {}

// detachedSender is used until a SIP stack is attached.
type detachedSender struct {
	logger logging.Logger
}

func (d detachedSender) SendRequest(req *message.SIPMessage) error {
	d.logger.Debug("No SIP stack attached, request not sent",
		logging.MethodField(req.GetMethod()), logging.CallIDField(req.CallID()))
	return nil
}

func (d detachedSender) SendResponse(resp *message.SIPMessage) error {
	d.logger.Debug("No SIP stack attached, response not sent",
		logging.StatusField(resp.GetStatusCode()), logging.CallIDField(resp.CallID()))
	return nil
}
