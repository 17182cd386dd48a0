package b2bua

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/transaction"
)

// overridableSystemHeaders may be set through HeaderOverrides on a new leg.
var overridableSystemHeaders = map[string]bool{
	message.HeaderCallID:      true,
	message.HeaderCSeq:        true,
	message.HeaderRecordRoute: true,
	message.HeaderPath:        true,
	message.HeaderRoute:       true,
	message.HeaderFrom:        true,
	message.HeaderTo:          true,
}

// Contact URI parameters that belong to the container.
var reservedContactParams = map[string]bool{
	"transport": true,
	"lr":        true,
	"maddr":     true,
	"sid":       true,
	"appname":   true,
}

// CreateRequest creates a new UAC leg for orig, which was received on origSession.
// With linked set the new leg replaces any earlier peer of origSession and the two
// transactions are paired.
func (r *Registry) CreateRequest(origSession *session.Session, orig *message.SIPMessage, linked bool, overrides HeaderOverrides) (*Leg, error) {
	if origSession == nil || orig == nil || !orig.IsRequest() {
		return nil, fmt.Errorf("%w: need a session and a request", session.ErrInvalidArgument)
	}
	as := r.sessions.GetApplicationSession(origSession.ApplicationSessionID())
	if as == nil || !as.IsValid() {
		return nil, fmt.Errorf("%w: application session %s is gone", session.ErrInvalidState, origSession.ApplicationSessionID())
	}
	if linked && (!origSession.IsValid() || origSession.State() == session.StateTerminated) {
		return nil, fmt.Errorf("%w: session %s cannot be linked in state %s",
			session.ErrInvalidState, origSession.ID(), origSession.State())
	}
	method := orig.GetMethod()
	appName := as.ApplicationName()

	req := orig.Clone()
	for _, h := range []string{message.HeaderCallID, message.HeaderCSeq, message.HeaderVia,
		message.HeaderRecordRoute, message.HeaderPath} {
		req.RemoveHeader(h)
	}
	if routes := req.GetHeaders(message.HeaderRoute); len(routes) > 0 {
		req.RemoveHeader(message.HeaderRoute)
		for _, rt := range r.sessions.FilterSelfRoutes(routes, appName) {
			req.AddHeader(message.HeaderRoute, rt)
		}
	}
	message.DecrementMaxForwards(req)

	req.SetHeader(message.HeaderCallID, message.GenerateCallID(r.sessions.ListeningPoint().Host))
	req.SetHeader(message.HeaderCSeq, message.FormatCSeq(1, method))
	req.SetHeader(message.HeaderTo, message.StripTag(req.GetHeader(message.HeaderTo)))
	req.SetHeader(message.HeaderFrom, message.StripTag(req.GetHeader(message.HeaderFrom)))
	req.SetHeader(message.HeaderVia, r.sessions.ViaHeader(appName, as.ID()))

	contactOverride := ""
	for _, name := range sortedHeaderNames(overrides) {
		values := overrides[name]
		if len(values) == 0 {
			continue
		}
		switch {
		case name == message.HeaderContact:
			contactOverride = values[0]
		case name == message.HeaderFrom || name == message.HeaderTo:
			req.SetHeader(name, message.StripTag(values[0]))
		case name == message.HeaderCSeq:
			n, _, err := message.ParseCSeq(values[0])
			if err != nil {
				return nil, fmt.Errorf("%w: CSeq override: %v", session.ErrInvalidArgument, err)
			}
			req.SetHeader(name, message.FormatCSeq(n, method))
		case message.IsSystemHeader(name) && !overridableSystemHeaders[name]:
			r.logger.Debug("Ignoring override of container header", logging.StringField("header", name))
		default:
			req.Headers[name] = append([]string(nil), values...)
		}
	}
	req.SetHeader(message.HeaderFrom, message.SetTag(req.GetHeader(message.HeaderFrom),
		message.GenerateTag(appName, as.ID())))

	if method == message.MethodREGISTER {
		contacts := req.GetHeaders(message.HeaderContact)
		req.RemoveHeader(message.HeaderContact)
		for _, c := range contacts {
			req.AddHeader(message.HeaderContact, mergeContact(c, contactOverride))
		}
	} else {
		req.SetHeader(message.HeaderContact, mergeContact(r.sessions.ContactHeader("", nil), contactOverride))
	}

	leg, err := r.sessions.CreateSession(as, req, session.RoleUAC)
	if err != nil {
		return nil, err
	}
	tx, err := r.txs.CreateClientTransaction(req)
	if err != nil {
		_ = leg.Invalidate(true)
		return nil, fmt.Errorf("create client transaction: %w", err)
	}
	leg.SetCreatingTransaction(tx)

	if _, ok := origSession.GetAttribute(session.OriginalRequestAttribute); !ok {
		if err := origSession.SetAttribute(session.OriginalRequestAttribute, orig); err != nil {
			r.logger.Warn("Failed to record original request", logging.SessionField(origSession.ID()), logging.ErrorField(err))
		}
	}

	if linked {
		_ = r.UnlinkSipSessions(origSession)
		if err := r.LinkSipSessions(origSession, leg); err != nil {
			r.discardLeg(leg, tx)
			return nil, err
		}
		if stx := r.txs.FindServerTransaction(orig); stx != nil {
			r.linkRequests(stx, tx)
		}
	}

	r.logger.Debug("Created B2BUA leg",
		logging.SessionField(leg.ID()),
		logging.StringField("origin_id", origSession.ID()),
		logging.MethodField(method),
		logging.CallIDField(req.CallID()))
	return &Leg{Session: leg, Request: req, Transaction: tx}, nil
}

// discardLeg drops a leg that could not be set up.
func (r *Registry) discardLeg(leg *session.Session, tx transaction.Transaction) {
	if err := tx.Terminate(); err != nil && !errors.Is(err, transaction.ErrAlreadyTerminated) {
		r.logger.Debug("Failed to terminate transaction of discarded leg",
			logging.TransactionField(tx.GetID()), logging.ErrorField(err))
	}
	if err := leg.Invalidate(true); err != nil {
		r.logger.Debug("Failed to invalidate discarded leg", logging.SessionField(leg.ID()), logging.ErrorField(err))
	}
}

// CreateRequestOnSession builds a subsequent request on s that carries the application
// headers of orig, and pairs it with the transaction orig arrived on.
func (r *Registry) CreateRequestOnSession(s *session.Session, orig *message.SIPMessage, overrides HeaderOverrides) (*Leg, []HeaderCopyResult, error) {
	if s == nil || orig == nil || !orig.IsRequest() {
		return nil, nil, fmt.Errorf("%w: need a session and a request", session.ErrInvalidArgument)
	}
	out, err := s.CreateRequest(orig.GetMethod())
	if err != nil {
		return nil, nil, err
	}
	req := out.Msg
	results := copyHeaders(req, orig)

	for _, name := range sortedHeaderNames(overrides) {
		values := overrides[name]
		if len(values) == 0 {
			continue
		}
		switch {
		case name == message.HeaderContact:
			if req.HasHeader(message.HeaderContact) {
				req.SetHeader(message.HeaderContact, mergeContact(req.GetHeader(message.HeaderContact), values[0]))
			}
		case !message.IsSystemHeader(name):
			req.Headers[name] = append([]string(nil), values...)
		}
	}

	tx, err := r.txs.CreateClientTransaction(req)
	if err != nil {
		return nil, results, fmt.Errorf("create client transaction: %w", err)
	}
	s.AddTransaction(tx)
	if stx := r.txs.FindServerTransaction(orig); stx != nil {
		r.linkRequests(stx, tx)
	}
	return &Leg{Session: s, Request: req, Transaction: tx}, results, nil
}

// CreateResponseToOriginalRequest answers the request s was created for. A 1xx or 2xx
// on a UAS leg that is already confirmed carries a new To tag and lands on a derived
// session, which is returned alongside the response.
func (r *Registry) CreateResponseToOriginalRequest(s *session.Session, status int, reason string) (*message.SIPMessage, *session.Session, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("%w: nil session", session.ErrInvalidArgument)
	}
	if !message.IsValidStatusCode(status) {
		return nil, nil, fmt.Errorf("%w: status %d", session.ErrInvalidArgument, status)
	}
	if !s.IsValid() {
		return nil, nil, fmt.Errorf("%w: session %s is invalid", session.ErrInvalidState, s.ID())
	}
	v, _ := s.GetAttribute(session.OriginalRequestAttribute)
	orig, ok := v.(*message.SIPMessage)
	if !ok || orig == nil {
		return nil, nil, fmt.Errorf("%w: session %s has no original request", session.ErrInvalidState, s.ID())
	}

	target, tag := s, s.LocalTag()
	dialogCreating := message.IsDialogCreating(orig.GetMethod()) && status > message.StatusTrying && status < 300
	if dialogCreating && s.Role() == session.RoleUAS && s.State() == session.StateConfirmed {
		d, newTag, err := r.sessions.ForkForResponse(s)
		if err != nil {
			return nil, nil, err
		}
		if err := d.SetAttribute(session.OriginalRequestAttribute, orig); err != nil {
			return nil, nil, err
		}
		if peer := r.GetLinkedSession(s); peer != nil {
			sibling := r.firstUnlinkedDerived(peer)
			if sibling == nil {
				sibling = peer
			}
			r.installDerived(d, sibling)
		}
		target, tag = d, newTag
	}

	resp := message.NewResponse(orig, status, reason, tag)
	if dialogCreating {
		user := ""
		if u, err := message.ParseURI(message.ExtractURI(orig.GetHeader(message.HeaderTo))); err == nil {
			user = u.User
		}
		resp.SetHeader(message.HeaderContact, r.sessions.ContactHeader(user, nil))
	}
	return resp, target, nil
}

// copyHeaders adds the application headers of src to dst unless dst already carries the
// same value.
func copyHeaders(dst, src *message.SIPMessage) []HeaderCopyResult {
	var results []HeaderCopyResult
	for _, name := range sortedHeaderNames(src.Headers) {
		for _, v := range src.Headers[name] {
			res := HeaderCopyResult{Name: name, Value: v}
			switch {
			case message.IsSystemHeader(name):
				res.Outcome = SystemHeader
			case containsValue(dst.GetHeaders(name), v):
				res.Outcome = AlreadyPresent
			default:
				dst.AddHeader(name, v)
				res.Outcome = Copied
			}
			results = append(results, res)
		}
	}
	return results
}

func containsValue(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}

// mergeContact applies the user part and the non-reserved parameters of override to
// contact. A wildcard contact is left alone.
func mergeContact(contact, override string) string {
	if override == "" || strings.TrimSpace(contact) == "*" {
		return contact
	}
	ou, err := message.ParseURI(message.ExtractURI(override))
	if err != nil {
		return contact
	}
	cu, err := message.ParseURI(message.ExtractURI(contact))
	if err != nil {
		return contact
	}
	if ou.User != "" {
		cu.User = ou.User
	}
	for _, p := range ou.Params {
		if reservedContactParams[strings.ToLower(p.Key)] {
			continue
		}
		cu.Params = setParam(cu.Params, p)
	}
	out := message.ReplaceURI(contact, cu.String())
	for _, p := range message.HeaderParams(override) {
		if strings.EqualFold(p.Key, "tag") {
			continue
		}
		out = message.SetHeaderParam(out, p.Key, p.Value)
	}
	return out
}

func setParam(params []message.Param, p message.Param) []message.Param {
	for i := range params {
		if strings.EqualFold(params[i].Key, p.Key) {
			params[i].Value = p.Value
			return params
		}
	}
	return append(params, p)
}
