package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zurustar/sipsession/internal/dialog"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/transaction"
)

// Session tracks one SIP dialog leg. Relations to other sessions (parent, derived
// children, B2BUA peer) are held as IDs and resolved through the Manager.
type Session struct {
	id           string
	appSessionID string
	parentID     string
	manager      *Manager
	cseq         *CSeqTracker

	mu          sync.RWMutex
	key         Key
	state       State
	role        Role
	recordRoute bool
	localTag    string
	dialog      *dialog.Dialog
	derived     map[string]string // remote tag -> session id
	creatingTx  transaction.Transaction
	origRequest *message.SIPMessage
	outCSeq     uint32

	txMu    sync.RWMutex
	ongoing map[string]transaction.Transaction

	attrMu     sync.RWMutex
	attributes map[string]any

	subscriptions map[string]struct{}
	retained      []*message.SIPMessage
	lastFinal     *message.SIPMessage
	peerID        string

	valid                bool
	readyToInvalidate    bool
	readyNotified        bool
	invalidateWhenReady  bool
	keepAfterTransaction bool
	bestResponseChosen   bool
	pendingRemoval       bool
	terminationDeferred  bool

	createdAt    time.Time
	lastAccessed time.Time
}

func newSession(m *Manager, key Key, role Role) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:                  uuid.NewString(),
		appSessionID:        key.ApplicationSessionID,
		manager:             m,
		cseq:                newCSeqTracker(),
		key:                 key,
		state:               StateInitial,
		role:                role,
		derived:             make(map[string]string),
		ongoing:             make(map[string]transaction.Transaction),
		attributes:          make(map[string]any),
		subscriptions:       make(map[string]struct{}),
		valid:               true,
		invalidateWhenReady: true,
		createdAt:           now,
		lastAccessed:        now,
	}
	switch role {
	case RoleUAC:
		s.localTag = key.FromTag
	case RoleUAS:
		s.localTag = message.GenerateTag(key.ApplicationName, key.ApplicationSessionID)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) ApplicationSessionID() string { return s.appSessionID }

// ParentID returns the ID of the session this one was forked from, or "".
func (s *Session) ParentID() string { return s.parentID }

func (s *Session) Key() Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SetRecordRoute marks a proxy session as record-routing, keeping it on the dialog path.
func (s *Session) SetRecordRoute(rr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordRoute = rr
}

// LocalTag is the tag this side of the dialog uses; empty for proxy sessions.
func (s *Session) LocalTag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localTag
}

// RemoteTag is the tag of the peer UA.
func (s *Session) RemoteTag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.role == RoleUAS {
		return s.key.FromTag
	}
	return s.key.ToTag
}

func (s *Session) Dialog() *dialog.Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialog
}

// OriginalRequest returns the request that created the session.
func (s *Session) OriginalRequest() *message.SIPMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origRequest
}

// CreatingTransaction returns the dialog-creating transaction, if any.
func (s *Session) CreatingTransaction() transaction.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creatingTx
}

// SetCreatingTransaction records the transaction of the initial request.
func (s *Session) SetCreatingTransaction(tx transaction.Transaction) {
	s.mu.Lock()
	s.creatingTx = tx
	s.mu.Unlock()
	s.AddTransaction(tx)
}

// MarkBestResponseChosen records that a proxy session forwarded its best final response.
func (s *Session) MarkBestResponseChosen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bestResponseChosen = true
}

func (s *Session) LastFinalResponse() *message.SIPMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinal
}

// RetainedResponses returns the 2xx INVITE responses still waiting for their ACK.
func (s *Session) RetainedResponses() []*message.SIPMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*message.SIPMessage(nil), s.retained...)
}

// PeerID is the ID of the B2BUA peer session, or "".
func (s *Session) PeerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// SetPeerID installs or clears the peer link. Only the B2BUA registry calls this.
func (s *Session) SetPeerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerID = id
}

// DerivedIDs returns the IDs of sessions forked from this one, ordered by remote tag.
func (s *Session) DerivedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.derived))
	for tag := range s.derived {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	ids := make([]string, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, s.derived[tag])
	}
	return ids
}

// DerivedID returns the derived session for a remote tag.
func (s *Session) DerivedID(tag string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.derived[tag]
	return id, ok
}

func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for ev := range s.subscriptions {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

func (s *Session) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

func (s *Session) IsReadyToInvalidate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readyToInvalidate
}

func (s *Session) InvalidateWhenReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidateWhenReady
}

// SetInvalidateWhenReady controls whether the engine invalidates the session once its
// fork group is ready.
func (s *Session) SetInvalidateWhenReady(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateWhenReady = v
}

// SetKeepAfterTransaction keeps a dialog-less session alive after its first final
// response, for applications that send further requests on it.
func (s *Session) SetKeepAfterTransaction(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAfterTransaction = v
}

// MarkAccessed updates the last access time of the session and its application session.
func (s *Session) MarkAccessed() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastAccessed = now
	s.mu.Unlock()
	if as := s.manager.GetApplicationSession(s.appSessionID); as != nil {
		as.markAccessed(now)
	}
}

func (s *Session) LastAccessed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessed
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// CSeq exposes the tracker for received requests.
func (s *Session) CSeq() *CSeqTracker {
	return s.cseq
}

// ValidateCSeq checks a received request against the session's sequence space. A reject
// verdict comes with the 500 response to send back.
func (s *Session) ValidateCSeq(req *message.SIPMessage) (Verdict, *message.SIPMessage) {
	verdict := s.cseq.Validate(req)
	metrics.RecordCSeqVerdict(verdict.String())

	switch verdict {
	case VerdictDrop:
		s.manager.logger.Debug("Dropping retransmitted request",
			logging.SessionField(s.id), logging.MethodField(req.GetMethod()))
	case VerdictReject:
		s.manager.logger.Info("Rejecting out of order request",
			logging.SessionField(s.id), logging.MethodField(req.GetMethod()),
			logging.Field{Key: "cseq", Value: req.GetHeader(message.HeaderCSeq)})
		return verdict, message.NewResponse(req, message.StatusServerInternalError, "CSeq out of order", s.LocalTag())
	default:
		s.manager.replicate(s)
	}
	return verdict, nil
}

// AddTransaction registers an ongoing transaction on the session.
func (s *Session) AddTransaction(tx transaction.Transaction) {
	if tx == nil {
		return
	}
	tx.SetSessionID(s.id)
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.ongoing[tx.GetID()] = tx
}

// RemoveTransaction drops a finished transaction. A terminated session with no
// transactions left becomes ready to invalidate.
func (s *Session) RemoveTransaction(id string) {
	s.txMu.Lock()
	_, had := s.ongoing[id]
	delete(s.ongoing, id)
	s.txMu.Unlock()

	if !had {
		return
	}
	switch s.State() {
	case StateTerminated:
		s.OnTerminatedState()
	case StateInitial:
		s.readyAfterFailedInitial()
	}
}

// readyAfterFailedInitial releases a UAC or proxy session whose initial request failed
// and that nobody is retrying. Authentication challenges keep the session for the retry.
func (s *Session) readyAfterFailedInitial() {
	if s.hasOngoingTransactions() {
		return
	}
	s.mu.RLock()
	lf := s.lastFinal
	keep := s.keepAfterTransaction
	s.mu.RUnlock()
	if keep || lf == nil || !message.IsDialogCreating(lf.GetMethod()) {
		return
	}
	switch code := lf.GetStatusCode(); {
	case code < 300, code == message.StatusUnauthorized, code == message.StatusProxyAuthRequired:
		return
	}
	s.markReadyToInvalidate()
}

// OngoingTransactions returns the transactions still attached to the session.
func (s *Session) OngoingTransactions() []transaction.Transaction {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	out := make([]transaction.Transaction, 0, len(s.ongoing))
	for _, tx := range s.ongoing {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

func (s *Session) hasOngoingTransactions() bool {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	return len(s.ongoing) > 0
}

// findClientTransaction returns the ongoing client transaction a response belongs to.
func (s *Session) findClientTransaction(resp *message.SIPMessage) transaction.Transaction {
	branch := resp.Branch()
	_, method := resp.CSeq()
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	for _, tx := range s.ongoing {
		if tx.IsClient() && tx.GetMethod() == method && tx.GetRequest().Branch() == branch {
			return tx
		}
	}
	return nil
}

// Invalidate releases the session. A second call fails with ErrInvalidState unless
// bypassCheck is set, in which case it does nothing.
func (s *Session) Invalidate(bypassCheck bool) error {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		if bypassCheck {
			return nil
		}
		return fmt.Errorf("%w: session %s already invalidated", ErrInvalidState, s.id)
	}
	s.valid = false
	s.mu.Unlock()

	s.cleanup()
	s.manager.removeIfEligible(s)
	return nil
}

// cleanup unbinds attributes, clears subscriptions and notifies destroyed listeners.
func (s *Session) cleanup() {
	s.attrMu.Lock()
	attrs := s.attributes
	s.attributes = make(map[string]any)
	s.attrMu.Unlock()

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.manager.listeners.valueUnbound(s, name, attrs[name])
		s.manager.listeners.attributeRemoved(s, name, attrs[name])
	}

	s.mu.Lock()
	s.subscriptions = make(map[string]struct{})
	s.retained = nil
	s.mu.Unlock()

	s.manager.listeners.sessionDestroyed(s)
	s.manager.logger.Debug("Session invalidated", logging.SessionField(s.id))
}

// Info is a read-only view of a session for diagnostics.
type Info struct {
	ID                   string    `json:"id"`
	ApplicationSessionID string    `json:"application_session_id"`
	ParentID             string    `json:"parent_id,omitempty"`
	CallID               string    `json:"call_id"`
	FromTag              string    `json:"from_tag"`
	ToTag                string    `json:"to_tag,omitempty"`
	State                string    `json:"state"`
	Role                 string    `json:"role"`
	PeerID               string    `json:"peer_id,omitempty"`
	Derived              []string  `json:"derived,omitempty"`
	Subscriptions        []string  `json:"subscriptions,omitempty"`
	OngoingTransactions  int       `json:"ongoing_transactions"`
	Valid                bool      `json:"valid"`
	ReadyToInvalidate    bool      `json:"ready_to_invalidate"`
	CreatedAt            time.Time `json:"created_at"`
	LastAccessed         time.Time `json:"last_accessed"`
}

func (s *Session) Info() Info {
	derived := s.DerivedIDs()
	subs := s.Subscriptions()
	s.txMu.RLock()
	ongoing := len(s.ongoing)
	s.txMu.RUnlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                   s.id,
		ApplicationSessionID: s.appSessionID,
		ParentID:             s.parentID,
		CallID:               s.key.CallID,
		FromTag:              s.key.FromTag,
		ToTag:                s.key.ToTag,
		State:                s.state.String(),
		Role:                 s.role.String(),
		PeerID:               s.peerID,
		Derived:              derived,
		Subscriptions:        subs,
		OngoingTransactions:  ongoing,
		Valid:                s.valid,
		ReadyToInvalidate:    s.readyToInvalidate,
		CreatedAt:            s.createdAt,
		LastAccessed:         s.lastAccessed,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{%s %s %s}", s.id, s.Key(), s.State())
}
