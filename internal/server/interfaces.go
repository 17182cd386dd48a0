package server

import (
	"context"

	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/session"
)

// Server defines the interface for the session engine daemon
type Server interface {
	Start() error
	Stop() error
	LoadConfig(filename string) error
	RunWithSignalHandling() error
}

// Sender hands messages to the SIP stack that owns the transport.
type Sender interface {
	SendRequest(req *message.SIPMessage) error
	SendResponse(resp *message.SIPMessage) error
}

// Application is the service logic running on top of the engine. It sees each request
// and response after the engine applied it to the session.
type Application interface {
	OnRequest(ctx context.Context, s *session.Session, req *message.SIPMessage)
	OnResponse(ctx context.Context, s *session.Session, resp *message.SIPMessage)
}
