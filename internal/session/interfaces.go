package session

import (
	"github.com/zurustar/sipsession/internal/message"
)

// OriginalRequestAttribute holds the request a B2BUA leg was created for.
const OriginalRequestAttribute = "sipsession.original-request"

// internalAttributePrefix marks attributes that are never persisted.
const internalAttributePrefix = "sipsession."

// MessageSender hands a request built by the engine to the SIP stack.
type MessageSender interface {
	SendRequest(req *message.SIPMessage) error
}

// Request is a request built from a session, ready for the application to send.
type Request struct {
	Msg       *message.SIPMessage
	SessionID string
	// Initial is set when the request must be handled like an initial request, e.g. a
	// retry after a 4xx challenge.
	Initial bool
}

// SessionListener is notified when sessions are created and destroyed.
type SessionListener interface {
	SessionCreated(s *Session)
	SessionDestroyed(s *Session)
}

// ReadyToInvalidateListener is notified once a whole fork group is ready to be invalidated.
type ReadyToInvalidateListener interface {
	SessionReadyToInvalidate(s *Session)
}

// AttributeListener observes attribute changes on any session.
type AttributeListener interface {
	AttributeAdded(s *Session, name string, value any)
	AttributeRemoved(s *Session, name string, value any)
	AttributeReplaced(s *Session, name string, old any)
}

// BindingListener is implemented by attribute values that want to know when they are
// bound to or unbound from a session.
type BindingListener interface {
	ValueBound(s *Session, name string)
	ValueUnbound(s *Session, name string)
}

// ApplicationSessionListener is notified about application session lifecycle.
type ApplicationSessionListener interface {
	ApplicationSessionCreated(as *ApplicationSession)
	ApplicationSessionDestroyed(as *ApplicationSession)
}

// ListeningPoint describes where generated Via and Contact headers point.
type ListeningPoint struct {
	Transport    string
	Host         string
	Port         int
	LoadBalancer string
}
