// Package b2bua keeps track of linked B2BUA legs and builds the requests and responses
// that cross from one leg to the other.
package b2bua

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/transaction"
)

// Registry holds the links between B2BUA legs. Sessions are linked pairwise, derived
// sessions may carry their own link, and the transactions of two legs are paired so
// neither side releases its transaction while the other still depends on it.
//
// All tables are keyed by ID; sessions and transactions are resolved through their
// managers. The registry lock is never held while calling into a session.
type Registry struct {
	sessions *session.Manager
	txs      TransactionFactory
	logger   logging.Logger

	mu           sync.RWMutex
	sessionLinks map[string]string
	derivedLinks map[string]string
	// derivedBack holds the reverse of derived links whose target is not itself derived.
	// Such a target keeps its session link, so the reverse entries live apart from it.
	derivedBack  map[string]map[string]struct{}
	requestLinks map[string]string
	requests     map[string]transaction.Transaction
}

// NewRegistry creates a registry and hooks it into the session manager so links follow
// session removal and activation.
func NewRegistry(sessions *session.Manager, txs TransactionFactory, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Registry{
		sessions:     sessions,
		txs:          txs,
		logger:       logger,
		sessionLinks: make(map[string]string),
		derivedLinks: make(map[string]string),
		derivedBack:  make(map[string]map[string]struct{}),
		requestLinks: make(map[string]string),
		requests:     make(map[string]transaction.Transaction),
	}
	sessions.OnSessionRemoved(r.forget)
	sessions.OnSessionActivated(r.relink)
	return r
}

// LinkSipSessions links two legs of the same application session.
func (r *Registry) LinkSipSessions(a, b *session.Session) error {
	if a == nil || b == nil || a.ID() == b.ID() {
		return fmt.Errorf("%w: link needs two distinct sessions", session.ErrInvalidArgument)
	}
	for _, s := range []*session.Session{a, b} {
		if !s.IsValid() || s.State() == session.StateTerminated {
			return fmt.Errorf("%w: session %s cannot be linked in state %s", session.ErrInvalidState, s.ID(), s.State())
		}
	}
	if a.ApplicationSessionID() != b.ApplicationSessionID() {
		return fmt.Errorf("%w: sessions %s and %s belong to different application sessions",
			session.ErrInvalidArgument, a.ID(), b.ID())
	}

	r.mu.Lock()
	pa, linkedA := r.sessionLinks[a.ID()]
	pb, linkedB := r.sessionLinks[b.ID()]
	if linkedA && linkedB && pa == b.ID() && pb == a.ID() {
		r.mu.Unlock()
		return nil
	}
	if linkedA || linkedB {
		r.mu.Unlock()
		return fmt.Errorf("%w: session already linked to another peer", session.ErrInvalidArgument)
	}
	r.sessionLinks[a.ID()] = b.ID()
	r.sessionLinks[b.ID()] = a.ID()
	n := len(r.sessionLinks) / 2
	r.mu.Unlock()

	a.SetPeerID(b.ID())
	b.SetPeerID(a.ID())
	metrics.SetB2BUALinks(n)
	r.logger.Debug("Linked sessions", logging.SessionField(a.ID()), logging.StringField("peer_id", b.ID()))
	return nil
}

// UnlinkSipSessions removes the links of s in both directions.
func (r *Registry) UnlinkSipSessions(s *session.Session) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", session.ErrInvalidArgument)
	}
	peerID, derivedPeerID, ok := r.removeLinks(s.ID())
	if !ok {
		return fmt.Errorf("%w: session %s is not linked", session.ErrInvalidArgument, s.ID())
	}

	s.SetPeerID("")
	checkReady(s)
	for _, id := range []string{peerID, derivedPeerID} {
		if id == "" {
			continue
		}
		if peer := r.sessions.Get(id); peer != nil {
			if peer.PeerID() == s.ID() {
				peer.SetPeerID("")
			}
			checkReady(peer)
		}
	}
	r.logger.Debug("Unlinked session", logging.SessionField(s.ID()))
	return nil
}

// removeLinks drops the session and derived links of id and reports the former peers.
func (r *Registry) removeLinks(id string) (peerID, derivedPeerID string, ok bool) {
	r.mu.Lock()
	if p, linked := r.sessionLinks[id]; linked {
		delete(r.sessionLinks, id)
		if r.sessionLinks[p] == id {
			delete(r.sessionLinks, p)
		}
		peerID, ok = p, true
	}
	if p, linked := r.derivedLinks[id]; linked {
		delete(r.derivedLinks, id)
		if r.derivedLinks[p] == id {
			delete(r.derivedLinks, p)
		}
		if back := r.derivedBack[p]; back != nil {
			delete(back, id)
			if len(back) == 0 {
				delete(r.derivedBack, p)
			}
		}
		derivedPeerID, ok = p, true
	}
	for d := range r.derivedBack[id] {
		if r.derivedLinks[d] == id {
			delete(r.derivedLinks, d)
		}
		ok = true
	}
	delete(r.derivedBack, id)
	n := len(r.sessionLinks) / 2
	r.mu.Unlock()
	metrics.SetB2BUALinks(n)
	return peerID, derivedPeerID, ok
}

// GetLinkedSession returns the leg linked to s, or nil.
func (r *Registry) GetLinkedSession(s *session.Session) *session.Session {
	if s == nil {
		return nil
	}
	r.mu.RLock()
	id, ok := r.derivedLinks[s.ID()]
	if !ok {
		id, ok = r.sessionLinks[s.ID()]
	}
	r.mu.RUnlock()

	var peer *session.Session
	if ok {
		peer = r.sessions.Get(id)
	}
	if peer == nil && s.ParentID() != "" {
		peer = r.linkDerived(s)
	}
	if peer == nil {
		return nil
	}
	if peer.State() == session.StateTerminated {
		for _, did := range peer.DerivedIDs() {
			if d := r.sessions.Get(did); d != nil && d.State() != session.StateTerminated {
				return d
			}
		}
	}
	return peer
}

// linkDerived links a derived session to the matching sibling under its parent's peer.
func (r *Registry) linkDerived(s *session.Session) *session.Session {
	parent := r.sessions.Get(s.ParentID())
	if parent == nil {
		return nil
	}
	r.mu.RLock()
	peerID, ok := r.sessionLinks[parent.ID()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	parentPeer := r.sessions.Get(peerID)
	if parentPeer == nil {
		return nil
	}
	sibling := r.matchSibling(parentPeer, s.RemoteTag())
	if sibling == nil {
		return parentPeer
	}
	return r.installDerived(s, sibling)
}

// matchSibling picks a derived session of peer: the one with the given remote tag, or
// the first one without a derived link.
func (r *Registry) matchSibling(peer *session.Session, tag string) *session.Session {
	var first *session.Session
	for _, id := range peer.DerivedIDs() {
		if r.hasDerivedLink(id) {
			continue
		}
		d := r.sessions.Get(id)
		if d == nil {
			continue
		}
		if tag != "" && d.RemoteTag() == tag {
			return d
		}
		if first == nil {
			first = d
		}
	}
	return first
}

func (r *Registry) hasDerivedLink(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.derivedLinks[id]
	return ok
}

// installDerived links d to target in the derived table and returns the session d ends
// up linked to. The reverse entry of a target that is not itself derived goes to
// derivedBack so its own session link keeps pointing at the parent leg.
func (r *Registry) installDerived(d, target *session.Session) *session.Session {
	r.mu.Lock()
	if existing, ok := r.derivedLinks[d.ID()]; ok {
		r.mu.Unlock()
		if s := r.sessions.Get(existing); s != nil {
			return s
		}
		return target
	}
	r.derivedLinks[d.ID()] = target.ID()
	if target.ParentID() != "" {
		if _, taken := r.derivedLinks[target.ID()]; !taken {
			r.derivedLinks[target.ID()] = d.ID()
		}
	} else {
		back := r.derivedBack[target.ID()]
		if back == nil {
			back = make(map[string]struct{})
			r.derivedBack[target.ID()] = back
		}
		back[d.ID()] = struct{}{}
	}
	r.mu.Unlock()
	r.logger.Debug("Linked derived session", logging.SessionField(d.ID()), logging.StringField("peer_id", target.ID()))
	return target
}

// LinkedDerivedSessions returns the derived sessions whose derived link points at s.
func (r *Registry) LinkedDerivedSessions(s *session.Session) []*session.Session {
	if s == nil {
		return nil
	}
	r.mu.RLock()
	var ids []string
	for id := range r.derivedBack[s.ID()] {
		ids = append(ids, id)
	}
	if id, ok := r.derivedLinks[s.ID()]; ok && r.derivedLinks[id] == s.ID() {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if d := r.sessions.Get(id); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// firstUnlinkedDerived returns the first derived session of s without a derived link.
func (r *Registry) firstUnlinkedDerived(s *session.Session) *session.Session {
	for _, id := range s.DerivedIDs() {
		if r.hasDerivedLink(id) {
			continue
		}
		if d := r.sessions.Get(id); d != nil {
			return d
		}
	}
	return nil
}

// LinkCount returns the number of linked session pairs.
func (r *Registry) LinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessionLinks) / 2
}

// Links returns a copy of the session link table.
func (r *Registry) Links() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.sessionLinks))
	for k, v := range r.sessionLinks {
		out[k] = v
	}
	return out
}

// linkRequests pairs the transactions of two legs, replacing earlier pairings.
func (r *Registry) linkRequests(a, b transaction.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range []transaction.Transaction{a, b} {
		if old, ok := r.requestLinks[tx.GetID()]; ok {
			delete(r.requestLinks, old)
			delete(r.requests, old)
		}
	}
	r.requestLinks[a.GetID()] = b.GetID()
	r.requestLinks[b.GetID()] = a.GetID()
	r.requests[a.GetID()] = a
	r.requests[b.GetID()] = b
}

// LinkedTransaction returns the transaction paired with tx on the other leg.
func (r *Registry) LinkedTransaction(tx transaction.Transaction) transaction.Transaction {
	if tx == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.requestLinks[tx.GetID()]; ok {
		return r.requests[id]
	}
	return nil
}

func (r *Registry) isRequestLinked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.requestLinks[id]
	return ok
}

// UnlinkRequest releases a pair of linked transactions. Unless force is set both must
// be terminated. It reports whether the pair was released.
func (r *Registry) UnlinkRequest(id string, force bool) bool {
	r.mu.Lock()
	peerID, ok := r.requestLinks[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	tx, peer := r.requests[id], r.requests[peerID]
	if !force && !(terminated(tx) && terminated(peer)) {
		r.mu.Unlock()
		return false
	}
	delete(r.requestLinks, id)
	delete(r.requestLinks, peerID)
	delete(r.requests, id)
	delete(r.requests, peerID)
	r.mu.Unlock()

	r.release(tx)
	r.release(peer)
	return true
}

// OnTransactionTerminated is called for every terminated transaction. It reports whether
// the transaction is paired; unpaired transactions are left to the caller.
func (r *Registry) OnTransactionTerminated(tx transaction.Transaction) bool {
	if tx == nil || !r.isRequestLinked(tx.GetID()) {
		return false
	}
	r.UnlinkRequest(tx.GetID(), false)
	return true
}

func terminated(tx transaction.Transaction) bool {
	return tx == nil || tx.GetState() == transaction.StateTerminated
}

// release detaches a transaction from its session and tidies up a terminated dialog.
func (r *Registry) release(tx transaction.Transaction) {
	if tx == nil {
		return
	}
	s := r.sessions.Get(tx.SessionID())
	if s == nil {
		return
	}
	s.RemoveTransaction(tx.GetID())
	if d := s.Dialog(); d != nil && d.IsTerminated() {
		r.sessions.Dialogs().Remove(d.ID)
	}
	checkReady(s)
}

// checkReady marks a terminated session without transactions ready to invalidate.
func checkReady(s *session.Session) {
	if s == nil || !s.IsValid() {
		return
	}
	if s.State() == session.StateTerminated {
		s.OnTerminatedState()
	}
}

// forget drops every link of a removed session.
func (r *Registry) forget(id string) {
	peerID, derivedPeerID, _ := r.removeLinks(id)

	var orphans []transaction.Transaction
	r.mu.Lock()
	for txID, tx := range r.requests {
		if tx.SessionID() != id {
			continue
		}
		peerTxID := r.requestLinks[txID]
		if peer := r.requests[peerTxID]; peer != nil {
			orphans = append(orphans, peer)
		}
		delete(r.requestLinks, txID)
		delete(r.requestLinks, peerTxID)
		delete(r.requests, txID)
		delete(r.requests, peerTxID)
	}
	r.mu.Unlock()

	for _, pid := range []string{peerID, derivedPeerID} {
		if pid == "" {
			continue
		}
		if peer := r.sessions.Get(pid); peer != nil {
			if peer.PeerID() == id {
				peer.SetPeerID("")
			}
			checkReady(peer)
		}
	}
	for _, tx := range orphans {
		if terminated(tx) {
			r.release(tx)
		}
	}
}

// relink restores the link of an activated session once both legs are live again.
func (r *Registry) relink(s *session.Session) {
	peerID := s.PeerID()
	if peerID == "" {
		return
	}
	peer := r.sessions.Get(peerID)
	if peer == nil || peer.PeerID() != s.ID() {
		return
	}
	r.mu.Lock()
	r.sessionLinks[s.ID()] = peerID
	r.sessionLinks[peerID] = s.ID()
	n := len(r.sessionLinks) / 2
	r.mu.Unlock()
	metrics.SetB2BUALinks(n)
	r.logger.Debug("Restored link after activation", logging.SessionField(s.ID()), logging.StringField("peer_id", peerID))
}

// GetPendingMessages returns the messages of s that are still outstanding on the given
// side. ACK and PRACK are never reported.
func (r *Registry) GetPendingMessages(s *session.Session, mode Mode) []*message.SIPMessage {
	if s == nil {
		return nil
	}
	var out []*message.SIPMessage
	for _, tx := range s.OngoingTransactions() {
		switch tx.GetMethod() {
		case message.MethodACK, message.MethodPRACK:
			continue
		}
		switch mode {
		case ModeUAC:
			if !tx.IsClient() {
				continue
			}
			if !tx.IsCommitted() {
				out = append(out, tx.GetRequest())
				continue
			}
			if tx.GetMethod() != message.MethodINVITE || tx.IsAcknowledged() {
				continue
			}
			if final := tx.GetFinalResponse(); final != nil && final.GetStatusCode() < 300 {
				out = append(out, final)
			}
		case ModeUAS:
			if !tx.IsClient() && tx.GetFinalResponse() == nil {
				out = append(out, tx.GetRequest())
			}
		}
	}
	return out
}

// CreateCancel builds a CANCEL for the linked client INVITE of s that has not seen a
// final response yet.
func (r *Registry) CreateCancel(s *session.Session) (*message.SIPMessage, transaction.Transaction, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("%w: nil session", session.ErrInvalidArgument)
	}
	for _, tx := range s.OngoingTransactions() {
		if !tx.IsClient() || tx.GetMethod() != message.MethodINVITE || tx.GetFinalResponse() != nil {
			continue
		}
		if !r.isRequestLinked(tx.GetID()) {
			continue
		}
		return message.NewCancel(tx.GetRequest()), tx, nil
	}
	return nil, nil, fmt.Errorf("%w: session %s", ErrNoPendingInvite, s.ID())
}

func sortedHeaderNames(headers map[string][]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
