package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
)

// Manager implements the TransactionManager interface
type Manager struct {
	transactions map[string]Transaction
	mutex        sync.RWMutex
	logger       logging.Logger
	timeout      time.Duration
	linger       time.Duration

	hookMutex       sync.RWMutex
	terminatedHooks []func(Transaction)
	timeoutHooks    []func(Transaction)
}

// NewManager creates a new transaction manager. timeout bounds how long a transaction may
// wait for a final response; linger is how long a completed transaction is retained.
func NewManager(logger logging.Logger, timeout, linger time.Duration) *Manager {
	if timeout <= 0 {
		timeout = TimerB
	}
	if linger <= 0 {
		linger = TimerT4
	}
	return &Manager{
		transactions: make(map[string]Transaction),
		logger:       logger,
		timeout:      timeout,
		linger:       linger,
	}
}

// CreateClientTransaction creates a client transaction for an outgoing request
func (m *Manager) CreateClientTransaction(req *message.SIPMessage) (Transaction, error) {
	return m.create(req, true)
}

// CreateServerTransaction creates a server transaction for an incoming request
func (m *Manager) CreateServerTransaction(req *message.SIPMessage) (Transaction, error) {
	return m.create(req, false)
}

func (m *Manager) create(req *message.SIPMessage, isClient bool) (Transaction, error) {
	if !req.IsRequest() {
		return nil, fmt.Errorf("cannot create transaction for a response")
	}
	if req.GetMethod() == message.MethodACK {
		return nil, fmt.Errorf("ACK does not create a transaction")
	}
	if req.Branch() == "" {
		return nil, fmt.Errorf("request has no Via branch")
	}

	tx := newTransaction(req, isClient)
	tx.onTerminate = m.terminated

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if existing, ok := m.transactions[tx.id]; ok {
		return existing, nil
	}
	m.transactions[tx.id] = tx
	return tx, nil
}

// FindClientTransaction matches a response to the client transaction that sent the request
func (m *Manager) FindClientTransaction(resp *message.SIPMessage) Transaction {
	_, method := resp.CSeq()
	return m.FindByID(transactionID(resp.Branch(), method, true))
}

// FindServerTransaction matches a request (retransmission, ACK to non-2xx) to a server transaction
func (m *Manager) FindServerTransaction(req *message.SIPMessage) Transaction {
	return m.FindByID(transactionID(req.Branch(), req.GetMethod(), false))
}

// FindInviteForCancel returns the INVITE server transaction a CANCEL refers to
func (m *Manager) FindInviteForCancel(cancel *message.SIPMessage) Transaction {
	return m.FindByID(transactionID(cancel.Branch(), message.MethodINVITE, false))
}

// FindByID finds a transaction by its ID
func (m *Manager) FindByID(id string) Transaction {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.transactions[id]
}

// Remove drops a transaction without notifying listeners
func (m *Manager) Remove(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.transactions, id)
}

// OnTerminated registers a callback fired after a transaction terminates
func (m *Manager) OnTerminated(fn func(Transaction)) {
	m.hookMutex.Lock()
	defer m.hookMutex.Unlock()
	m.terminatedHooks = append(m.terminatedHooks, fn)
}

// OnTimeout registers a callback fired when a transaction times out without a final response
func (m *Manager) OnTimeout(fn func(Transaction)) {
	m.hookMutex.Lock()
	defer m.hookMutex.Unlock()
	m.timeoutHooks = append(m.timeoutHooks, fn)
}

func (m *Manager) terminated(tx Transaction) {
	m.Remove(tx.GetID())

	m.hookMutex.RLock()
	hooks := append([]func(Transaction){}, m.terminatedHooks...)
	m.hookMutex.RUnlock()
	for _, fn := range hooks {
		fn(tx)
	}
}

// CleanupExpired terminates transactions that completed more than linger ago and times out
// the ones that never received a final response.
func (m *Manager) CleanupExpired() {
	now := time.Now()

	type reap struct {
		tx       *basicTransaction
		timedOut bool
	}
	var expired []reap

	m.mutex.RLock()
	for _, tx := range m.transactions {
		bt, ok := tx.(*basicTransaction)
		if !ok {
			continue
		}
		if exp, timedOut := bt.expired(now, m.timeout, m.linger); exp {
			expired = append(expired, reap{tx: bt, timedOut: timedOut})
		}
	}
	m.mutex.RUnlock()

	for _, r := range expired {
		if r.timedOut {
			m.logger.Debug("Transaction timed out",
				logging.TransactionField(r.tx.GetID()),
				logging.MethodField(r.tx.GetMethod()))
			m.hookMutex.RLock()
			hooks := append([]func(Transaction){}, m.timeoutHooks...)
			m.hookMutex.RUnlock()
			for _, fn := range hooks {
				fn(r.tx)
			}
		}
		if err := r.tx.Terminate(); err != nil && !errors.Is(err, ErrAlreadyTerminated) {
			m.logger.Warn("Failed to terminate transaction", logging.TransactionField(r.tx.GetID()), logging.ErrorField(err))
		}
		m.Remove(r.tx.GetID())
	}
}

// GetTransactionCount returns the number of active transactions
func (m *Manager) GetTransactionCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.transactions)
}
