package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zurustar/sipsession/internal/message"
)

// CreateRequest builds a subsequent request on the session. In-dialog requests come from
// the dialog; without a dialog the request is derived from the session's original request.
func (s *Session) CreateRequest(method string) (*Request, error) {
	switch method {
	case message.MethodACK, message.MethodPRACK, message.MethodCANCEL:
		return nil, fmt.Errorf("%w: %s cannot be created as a subsequent request", ErrInvalidArgument, method)
	}
	if !message.IsValidMethod(method) {
		return nil, fmt.Errorf("%w: malformed method %q", ErrInvalidArgument, method)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return nil, fmt.Errorf("%w: session %s is invalid", ErrInvalidState, s.id)
	}
	if s.role == RoleProxy {
		return nil, fmt.Errorf("%w: proxy session %s cannot originate requests", ErrInvalidState, s.id)
	}
	if s.state == StateTerminated && method != message.MethodBYE {
		return nil, fmt.Errorf("%w: session %s is terminated", ErrInvalidState, s.id)
	}

	var (
		msg     *message.SIPMessage
		initial bool
		err     error
	)
	if d := s.dialog; d != nil && (!d.IsTerminated() || method == message.MethodBYE) {
		msg = d.CreateRequest(method)
	} else {
		if s.state == StateTerminated {
			return nil, fmt.Errorf("%w: session %s has no dialog for %s", ErrInvalidState, s.id, method)
		}
		msg, err = s.transactionRequestLocked(method)
		if err != nil {
			return nil, err
		}
		if lf := s.lastFinal; lf != nil && lf.GetStatusCode() >= 400 && lf.GetStatusCode() < 500 {
			initial = true
		}
	}

	s.manager.prepareOutgoing(msg, s.key.ApplicationName, s.appSessionID)
	return &Request{Msg: msg, SessionID: s.id, Initial: initial}, nil
}

// transactionRequestLocked derives a request from the original request of a session
// without a dialog.
func (s *Session) transactionRequestLocked(method string) (*message.SIPMessage, error) {
	orig := s.origRequest
	if orig == nil {
		return nil, fmt.Errorf("%w: session %s has no request to derive from", ErrInvalidState, s.id)
	}

	if s.role == RoleUAC {
		if s.outCSeq == 0 {
			s.outCSeq, _ = orig.CSeq()
		}
		s.outCSeq++
		msg := orig.Clone()
		msg.SetHeader(message.HeaderCSeq, message.FormatCSeq(s.outCSeq, method))
		msg.SetMethod(method)
		msg.SetHeader(message.HeaderMaxForwards, strconv.Itoa(message.DefaultMaxForwards))
		return msg, nil
	}

	// UAS: the parties swap, tags are regenerated, other parameters carry over.
	origFrom := orig.GetHeader(message.HeaderFrom)
	origTo := orig.GetHeader(message.HeaderTo)

	to := copyHeaderParams(message.NameAddr(origFrom), origFrom)
	from := copyHeaderParams(message.NameAddr(origTo), origTo)
	from = message.SetTag(from, s.localTag)

	s.outCSeq++
	msg := message.NewRequestMessage(method, message.ExtractURI(origFrom))
	msg.SetHeader(message.HeaderFrom, from)
	msg.SetHeader(message.HeaderTo, to)
	msg.SetHeader(message.HeaderCallID, s.key.CallID)
	msg.SetHeader(message.HeaderCSeq, message.FormatCSeq(s.outCSeq, method))
	msg.SetHeader(message.HeaderMaxForwards, strconv.Itoa(message.DefaultMaxForwards))
	msg.SetHeader(message.HeaderContentLength, "0")
	return msg, nil
}

// copyHeaderParams appends every parameter of src except the tag to addr.
func copyHeaderParams(addr, src string) string {
	out := addr
	for _, p := range message.HeaderParams(src) {
		if strings.EqualFold(p.Key, "tag") {
			continue
		}
		out = message.SetHeaderParam(out, p.Key, p.Value)
	}
	return out
}

// prepareOutgoing regenerates Via and Contact and removes routes that point back at
// this application.
func (m *Manager) prepareOutgoing(msg *message.SIPMessage, appName, appSessionID string) {
	msg.RemoveHeader(message.HeaderVia)
	msg.SetHeader(message.HeaderVia, m.ViaHeader(appName, appSessionID))

	user := ""
	if u, err := message.ParseURI(message.ExtractURI(msg.GetHeader(message.HeaderFrom))); err == nil {
		user = u.User
	}
	msg.SetHeader(message.HeaderContact, m.ContactHeader(user, nil))

	routes := msg.GetHeaders(message.HeaderRoute)
	msg.RemoveHeader(message.HeaderRoute)
	for _, r := range m.FilterSelfRoutes(routes, appName) {
		msg.AddHeader(message.HeaderRoute, r)
	}
}

// ViaHeader returns a Via for this listening point with a fresh branch.
func (m *Manager) ViaHeader(appName, appSessionID string) string {
	lp := m.opts.ListeningPoint
	return message.NewVia(lp.Transport, lp.Host, lp.Port, message.GenerateBranch(appSessionID, appName))
}

// ListeningPoint returns the listening point used for generated headers.
func (m *Manager) ListeningPoint() ListeningPoint {
	return m.opts.ListeningPoint
}

// ContactHeader builds a Contact for this container, pointing at the load balancer of the
// listening point when one is configured.
func (m *Manager) ContactHeader(user string, params []message.Param) string {
	lp := m.opts.ListeningPoint
	host, port := lp.Host, lp.Port
	if lp.LoadBalancer != "" {
		host, port = splitHostPort(lp.LoadBalancer)
	}
	uri := message.SIPURI{Scheme: "sip", User: user, Host: host, Port: port}
	if t := strings.ToLower(lp.Transport); t != "" && t != "udp" {
		uri.Params = append(uri.Params, message.Param{Key: "transport", Value: t})
	}
	contact := "<" + uri.String() + ">"
	for _, p := range params {
		contact = message.SetHeaderParam(contact, p.Key, p.Value)
	}
	return contact
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// SelfRoute returns a Record-Route/Route value that identifies this server and application.
func (m *Manager) SelfRoute(appName string) string {
	lp := m.opts.ListeningPoint
	uri := message.SIPURI{
		Scheme: "sip",
		Host:   lp.Host,
		Port:   lp.Port,
		Params: []message.Param{
			{Key: "lr"},
			{Key: "sid", Value: m.opts.ServerID},
			{Key: "appname", Value: message.HashApplicationName(appName)},
		},
	}
	return "<" + uri.String() + ">"
}

// FilterSelfRoutes drops the routes that were added by this server for appName.
func (m *Manager) FilterSelfRoutes(routes []string, appName string) []string {
	hash := message.HashApplicationName(appName)
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		u, err := message.ParseURI(message.ExtractURI(r))
		if err == nil {
			sid, _ := u.Param("sid")
			app, _ := u.Param("appname")
			if sid == m.opts.ServerID && app == hash {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
