package b2bua

import (
	"fmt"

	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/transaction"
)

// ErrNoPendingInvite is returned by CreateCancel when nothing can be cancelled.
var ErrNoPendingInvite = fmt.Errorf("%w: no outstanding linked INVITE", session.ErrInvalidState)

// HeaderOverrides replaces header values on a request created for a new leg. System
// headers are only honoured where a leg may legitimately choose them.
type HeaderOverrides map[string][]string

// Mode selects which side of a session GetPendingMessages looks at.
type Mode int

const (
	ModeUAC Mode = iota
	ModeUAS
)

func (m Mode) String() string {
	if m == ModeUAS {
		return "UAS"
	}
	return "UAC"
}

// CopyOutcome describes what happened to one header during CreateRequestOnSession.
type CopyOutcome int

const (
	Copied CopyOutcome = iota
	// AlreadyPresent means the target already carried the same value.
	AlreadyPresent
	// SystemHeader means the header is managed by the container and was left alone.
	SystemHeader
)

func (o CopyOutcome) String() string {
	switch o {
	case Copied:
		return "copied"
	case AlreadyPresent:
		return "present"
	case SystemHeader:
		return "system"
	default:
		return "unknown"
	}
}

// HeaderCopyResult reports the outcome of copying one header value.
type HeaderCopyResult struct {
	Name    string
	Value   string
	Outcome CopyOutcome
}

// Leg is a new B2BUA leg created by CreateRequest.
type Leg struct {
	Session     *session.Session
	Request     *message.SIPMessage
	Transaction transaction.Transaction
}

// TransactionFactory is the part of the transaction layer the registry needs.
type TransactionFactory interface {
	CreateClientTransaction(req *message.SIPMessage) (transaction.Transaction, error)
	FindServerTransaction(req *message.SIPMessage) transaction.Transaction
	FindByID(id string) transaction.Transaction
}
