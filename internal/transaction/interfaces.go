package transaction

import (
	"errors"
	"time"

	"github.com/zurustar/sipsession/internal/message"
)

// ErrAlreadyTerminated is returned when a terminated transaction is asked to terminate again.
var ErrAlreadyTerminated = errors.New("transaction already terminated")

// TransactionState represents the state of a SIP transaction
type TransactionState int

const (
	StateTrying TransactionState = iota
	StateCalling
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

// String returns the string representation of the transaction state
func (ts TransactionState) String() string {
	switch ts {
	case StateTrying:
		return "Trying"
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Transaction is the view of a SIP transaction the session engine works with.
// Retransmission handling is left to the stack that owns the transport.
type Transaction interface {
	GetID() string
	IsClient() bool
	GetState() TransactionState
	GetMethod() string
	GetRequest() *message.SIPMessage
	GetLastResponse() *message.SIPMessage
	GetFinalResponse() *message.SIPMessage
	CreatedAt() time.Time

	// ProcessMessage feeds a received response (client) or ACK (server).
	ProcessMessage(msg *message.SIPMessage) error
	// SendResponse records a response sent on a server transaction.
	SendResponse(resp *message.SIPMessage) error
	Terminate() error

	SessionID() string
	SetSessionID(id string)

	// Commit marks the request of a client transaction as sent.
	Commit()
	IsCommitted() bool
	// MarkAcknowledged records the ACK for a 2xx to INVITE.
	MarkAcknowledged()
	IsAcknowledged() bool

	MarkCancelPending()
	// TakeCancelPending clears the cancel-pending flag and reports whether it was set.
	TakeCancelPending() bool
	CancelPending() bool
}

// TransactionManager defines the interface for managing SIP transactions
type TransactionManager interface {
	CreateClientTransaction(req *message.SIPMessage) (Transaction, error)
	CreateServerTransaction(req *message.SIPMessage) (Transaction, error)
	FindClientTransaction(resp *message.SIPMessage) Transaction
	FindServerTransaction(req *message.SIPMessage) Transaction
	FindByID(id string) Transaction
	OnTerminated(fn func(Transaction))
	OnTimeout(fn func(Transaction))
	CleanupExpired()
}
