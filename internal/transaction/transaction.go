package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/message"
)

// Timer constants as defined in RFC3261
const (
	TimerT1 = 500 * time.Millisecond
	TimerT4 = 5 * time.Second
	// TimerB is the INVITE client transaction timeout (64*T1).
	TimerB = 64 * TimerT1
)

// basicTransaction tracks the state of one client or server transaction.
type basicTransaction struct {
	id        string
	isClient  bool
	method    string
	state     TransactionState
	request   *message.SIPMessage
	last      *message.SIPMessage
	final     *message.SIPMessage
	sessionID string
	committed bool
	acked     bool
	cancel    bool
	created   time.Time
	completed time.Time
	mutex     sync.RWMutex

	onTerminate func(Transaction)
}

func newTransaction(req *message.SIPMessage, isClient bool) *basicTransaction {
	method := req.GetMethod()
	state := StateTrying
	switch {
	case isClient && method == message.MethodINVITE:
		state = StateCalling
	case !isClient && method == message.MethodINVITE:
		state = StateProceeding
	}
	return &basicTransaction{
		id:       transactionID(req.Branch(), method, isClient),
		isClient: isClient,
		method:   method,
		state:    state,
		request:  req,
		created:  time.Now(),
	}
}

// transactionID keys a transaction by branch, method and role. ACK to a non-2xx
// response belongs to the INVITE server transaction.
func transactionID(branch, method string, isClient bool) string {
	role := "s"
	if isClient {
		role = "c"
	}
	if method == message.MethodACK {
		method = message.MethodINVITE
	}
	return fmt.Sprintf("%s:%s:%s", role, branch, method)
}

func (t *basicTransaction) GetID() string {
	return t.id
}

func (t *basicTransaction) IsClient() bool {
	return t.isClient
}

func (t *basicTransaction) GetState() TransactionState {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state
}

func (t *basicTransaction) GetMethod() string {
	return t.method
}

func (t *basicTransaction) GetRequest() *message.SIPMessage {
	return t.request
}

func (t *basicTransaction) GetLastResponse() *message.SIPMessage {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.last
}

func (t *basicTransaction) GetFinalResponse() *message.SIPMessage {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.final
}

func (t *basicTransaction) CreatedAt() time.Time {
	return t.created
}

// ProcessMessage applies a received response to a client transaction, or an ACK to an
// INVITE server transaction.
func (t *basicTransaction) ProcessMessage(msg *message.SIPMessage) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state == StateTerminated {
		return ErrAlreadyTerminated
	}

	if t.isClient {
		if !msg.IsResponse() {
			return fmt.Errorf("client transaction %s cannot process request %s", t.id, msg.GetMethod())
		}
		t.recordResponse(msg)
		return nil
	}

	if msg.GetMethod() != message.MethodACK {
		// Retransmitted request; nothing changes.
		return nil
	}
	if t.state == StateCompleted {
		t.state = StateConfirmed
	}
	t.acked = true
	return nil
}

func (t *basicTransaction) SendResponse(resp *message.SIPMessage) error {
	if t.isClient {
		return fmt.Errorf("cannot send response on client transaction %s", t.id)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state == StateTerminated {
		return ErrAlreadyTerminated
	}
	if t.final != nil {
		return fmt.Errorf("transaction %s already sent final response %d", t.id, t.final.GetStatusCode())
	}
	t.recordResponse(resp)
	return nil
}

// recordResponse must be called with the mutex held.
func (t *basicTransaction) recordResponse(resp *message.SIPMessage) {
	code := resp.GetStatusCode()
	t.last = resp
	if code < 200 {
		if t.state == StateTrying || t.state == StateCalling {
			t.state = StateProceeding
		}
		return
	}
	if t.final == nil {
		t.final = resp
		t.completed = time.Now()
	}
	if t.state != StateConfirmed {
		t.state = StateCompleted
	}
}

// Terminate moves the transaction to Terminated and notifies the manager.
func (t *basicTransaction) Terminate() error {
	t.mutex.Lock()
	if t.state == StateTerminated {
		t.mutex.Unlock()
		return ErrAlreadyTerminated
	}
	t.state = StateTerminated
	hook := t.onTerminate
	t.mutex.Unlock()

	if hook != nil {
		hook(t)
	}
	return nil
}

func (t *basicTransaction) SessionID() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.sessionID
}

func (t *basicTransaction) SetSessionID(id string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.sessionID = id
}

func (t *basicTransaction) Commit() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.committed = true
}

func (t *basicTransaction) IsCommitted() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.committed
}

func (t *basicTransaction) MarkAcknowledged() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.acked = true
}

func (t *basicTransaction) IsAcknowledged() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.acked
}

func (t *basicTransaction) MarkCancelPending() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.cancel = true
}

func (t *basicTransaction) TakeCancelPending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	was := t.cancel
	t.cancel = false
	return was
}

func (t *basicTransaction) CancelPending() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.cancel
}

// expired reports whether the transaction should be reaped: completed ones after linger,
// unanswered ones after timeout. timedOut is true for the latter.
func (t *basicTransaction) expired(now time.Time, timeout, linger time.Duration) (expired, timedOut bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.state == StateTerminated {
		return true, false
	}
	if t.final != nil {
		return now.Sub(t.completed) > linger, false
	}
	if now.Sub(t.created) > timeout {
		return true, true
	}
	return false, false
}
