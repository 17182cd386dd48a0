package session

import (
	"fmt"
	"strings"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/transaction"
)

// transitionLocked moves the session to a new state if the transition table allows it.
// s.mu must be held.
func (s *Session) transitionLocked(to State) bool {
	from := s.state
	if from == to {
		return false
	}
	if !canTransition(from, to) {
		s.manager.logger.Warn("Ignoring illegal session state transition",
			logging.SessionField(s.id),
			logging.StringField("from", from.String()),
			logging.StringField("to", to.String()))
		return false
	}
	s.state = to
	if to == StateTerminated && s.dialog != nil {
		s.dialog.Terminate()
	}
	metrics.RecordStateTransition(from.String(), to.String())
	s.manager.logger.Debug("Session state changed",
		logging.SessionField(s.id),
		logging.StringField("from", from.String()),
		logging.StateField(to))
	return true
}

// UpdateStateOnResponse applies a response sent (wasReceived=false) or received on the
// session to its state.
func (s *Session) UpdateStateOnResponse(resp *message.SIPMessage, wasReceived bool) {
	method := resp.GetMethod()
	code := resp.GetStatusCode()

	var terminated, ready bool

	s.mu.Lock()
	if code >= 200 {
		s.lastFinal = resp
	}
	from := s.state
	byeLike := method == message.MethodBYE || (code == message.StatusRequestTerminated && from != StateConfirmed)

	switch {
	case code >= 200 && byeLike && (from == StateConfirmed || from == StateTerminated):
		if len(s.subscriptions) > 0 {
			s.terminationDeferred = true
			s.manager.logger.Debug("Deferring termination until subscriptions end",
				logging.SessionField(s.id), logging.IntField("subscriptions", len(s.subscriptions)))
		} else {
			s.transitionLocked(StateTerminated)
			terminated = true
		}
	case message.IsDialogCreating(method):
		ready = s.applyDialogCreatingResponseLocked(resp, wasReceived)
		terminated = from != StateTerminated && s.state == StateTerminated
	default:
		// A linked leg stays bridged after its transaction ends.
		if s.dialog == nil && s.peerID == "" {
			s.key.ToTag = ""
			if code >= 200 && s.state == StateInitial && !s.keepAfterTransaction {
				ready = true
			}
		}
	}

	if method == message.MethodINVITE && code >= 200 && code < 300 {
		s.retained = append(s.retained, resp)
	}
	s.mu.Unlock()

	if wasReceived && code < 200 {
		s.maybeSendTentativeCancel(resp)
	}
	if terminated {
		s.OnTerminatedState()
	}
	if ready {
		s.markReadyToInvalidate()
	}
	s.manager.replicate(s)
}

// applyDialogCreatingResponseLocked handles responses to INVITE, SUBSCRIBE and REFER and
// reports whether the session became ready to invalidate.
func (s *Session) applyDialogCreatingResponseLocked(resp *message.SIPMessage, wasReceived bool) bool {
	code := resp.GetStatusCode()
	early := s.state == StateInitial || s.state == StateEarly

	switch {
	case code < 200:
		if code > 100 {
			s.bindDialogLocked(resp, wasReceived)
		}
		if s.state == StateInitial {
			s.transitionLocked(StateEarly)
		}
	case code >= 200 && code < 300:
		s.bindDialogLocked(resp, wasReceived)
		if early {
			s.transitionLocked(StateConfirmed)
			if s.role == RoleProxy && !s.recordRoute {
				return true
			}
		}
	case code >= 300:
		if !early {
			// A failed re-INVITE leaves the dialog as it was.
			return false
		}
		if s.role == RoleUAS {
			s.transitionLocked(StateTerminated)
			return false
		}
		s.transitionLocked(StateInitial)
		s.releaseEarlyDialogLocked()
	}
	return false
}

// bindDialogLocked creates or refreshes the dialog for a 101-299 response carrying a To tag.
func (s *Session) bindDialogLocked(resp *message.SIPMessage, wasReceived bool) {
	tag := resp.ToTag()
	if tag == "" || s.role == RoleProxy {
		return
	}
	if s.key.ToTag == "" {
		s.key.ToTag = tag
	}

	code := resp.GetStatusCode()
	orig := s.origRequest
	if orig == nil && s.creatingTx != nil {
		orig = s.creatingTx.GetRequest()
	}

	if s.dialog == nil {
		if orig == nil {
			return
		}
		n, _ := orig.CSeq()
		if wasReceived {
			s.dialog = s.manager.dialogs.Create(s.key.CallID,
				message.StripTag(orig.GetHeader(message.HeaderFrom)),
				message.StripTag(resp.GetHeader(message.HeaderTo)),
				s.key.FromTag, tag, n)
			s.dialog.SetRemoteTarget(message.ExtractURI(resp.GetHeader(message.HeaderContact)))
			s.dialog.SetRouteSet(reversed(resp.GetHeaders(message.HeaderRecordRoute)))
		} else {
			s.dialog = s.manager.dialogs.Create(s.key.CallID,
				message.StripTag(orig.GetHeader(message.HeaderTo)),
				message.StripTag(orig.GetHeader(message.HeaderFrom)),
				tag, s.key.FromTag, 0)
			s.dialog.UpdateRemoteCSeq(n)
			s.dialog.SetRemoteTarget(message.ExtractURI(orig.GetHeader(message.HeaderContact)))
			s.dialog.SetRouteSet(orig.GetHeaders(message.HeaderRecordRoute))
		}
	} else if wasReceived && code >= 200 && message.IsTargetRefresh(resp.GetMethod()) {
		if contact := resp.GetHeader(message.HeaderContact); contact != "" {
			s.dialog.SetRemoteTarget(message.ExtractURI(contact))
		}
	}

	if code >= 200 {
		s.dialog.Confirm()
	}
}

// releaseEarlyDialogLocked drops the early dialog after a failed initial request so a
// retry can establish a new one.
func (s *Session) releaseEarlyDialogLocked() {
	if s.dialog != nil {
		s.dialog.Terminate()
		s.manager.dialogs.Remove(s.dialog.ID)
		s.dialog = nil
	}
	if s.role != RoleUAS {
		s.key.ToTag = ""
	}
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// maybeSendTentativeCancel sends the CANCEL an application asked for before any
// provisional response had arrived.
func (s *Session) maybeSendTentativeCancel(resp *message.SIPMessage) {
	tx := s.findClientTransaction(resp)
	if tx == nil || !tx.CancelPending() || tx.GetFinalResponse() != nil {
		return
	}
	if !tx.TakeCancelPending() {
		return
	}
	cancel := message.NewCancel(tx.GetRequest())
	if err := s.manager.send(cancel); err != nil {
		s.manager.logger.Warn("Failed to send pending CANCEL",
			logging.SessionField(s.id), logging.TransactionField(tx.GetID()), logging.ErrorField(err))
		return
	}
	s.manager.logger.Debug("Sent pending CANCEL", logging.SessionField(s.id), logging.TransactionField(tx.GetID()))
}

// UpdateStateOnSubsequentRequest applies a request sent or received on the session.
func (s *Session) UpdateStateOnSubsequentRequest(req *message.SIPMessage, wasReceived bool) {
	var terminated bool

	switch req.GetMethod() {
	case message.MethodCANCEL:
		if !wasReceived {
			return
		}
		s.mu.Lock()
		var pending bool
		if s.role == RoleProxy {
			pending = !s.bestResponseChosen
		} else {
			pending = s.creatingTx == nil || s.creatingTx.GetFinalResponse() == nil
		}
		if pending && s.state != StateTerminated {
			terminated = s.transitionLocked(StateTerminated)
		}
		s.mu.Unlock()

	case message.MethodACK:
		if !wasReceived {
			return
		}
		s.mu.Lock()
		s.retained = nil
		s.mu.Unlock()
		n, _ := req.CSeq()
		for _, tx := range s.OngoingTransactions() {
			if !tx.IsClient() && tx.GetMethod() == message.MethodINVITE {
				if m, _ := tx.GetRequest().CSeq(); m == n {
					tx.MarkAcknowledged()
				}
			}
		}

	case message.MethodSUBSCRIBE:
		if ev := eventID(req); ev != "" {
			s.mu.Lock()
			s.subscriptions[ev] = struct{}{}
			s.mu.Unlock()
		}

	case message.MethodNOTIFY:
		state := strings.ToLower(strings.TrimSpace(req.GetHeader(message.HeaderSubscriptionState)))
		if !strings.HasPrefix(state, "terminated") {
			break
		}
		s.mu.Lock()
		delete(s.subscriptions, eventID(req))
		if len(s.subscriptions) == 0 && s.terminationDeferred {
			s.terminationDeferred = false
			s.transitionLocked(StateTerminated)
			terminated = s.state == StateTerminated
		}
		s.mu.Unlock()
	}

	if terminated {
		s.OnTerminatedState()
	}
	s.manager.replicate(s)
}

// eventID identifies a subscription by event package and id parameter.
func eventID(req *message.SIPMessage) string {
	value := strings.TrimSpace(req.GetHeader(message.HeaderEvent))
	if value == "" {
		return ""
	}
	pkg := strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
	if id, ok := message.HeaderParam(value, "id"); ok && id != "" {
		return pkg + ";id=" + id
	}
	return pkg
}

// OnDialogTimeout forces the session to TERMINATED once no transaction is active.
func (s *Session) OnDialogTimeout() error {
	for _, tx := range s.OngoingTransactions() {
		if tx.GetState() != transaction.StateTerminated {
			return fmt.Errorf("%w: session %s still has active transaction %s", ErrInvalidState, s.id, tx.GetID())
		}
	}

	s.mu.Lock()
	s.transitionLocked(StateTerminated)
	s.mu.Unlock()

	s.OnTerminatedState()
	s.manager.replicate(s)
	return nil
}

// OnTerminatedState marks a session without ongoing transactions ready to invalidate.
func (s *Session) OnTerminatedState() {
	if s.hasOngoingTransactions() {
		return
	}
	s.markReadyToInvalidate()
}

func (s *Session) markReadyToInvalidate() {
	s.mu.Lock()
	if s.readyToInvalidate {
		s.mu.Unlock()
		return
	}
	s.readyToInvalidate = true
	s.mu.Unlock()

	s.manager.onReadyToInvalidate(s)
}
