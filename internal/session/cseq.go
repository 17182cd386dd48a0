package session

import (
	"sync"

	"github.com/zurustar/sipsession/internal/message"
)

// Verdict is the outcome of CSeq validation for a received request.
type Verdict int

const (
	VerdictAccept Verdict = iota
	// VerdictDrop marks a retransmission that must be ignored silently.
	VerdictDrop
	// VerdictReject marks an out-of-order request answered with a 500.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	case VerdictReject:
		return "reject"
	default:
		return "unknown"
	}
}

// CSeqTracker validates the sequence numbers of requests received on one session and
// remembers which INVITEs have been acknowledged.
type CSeqTracker struct {
	mu          sync.Mutex
	local       uint32
	ackReceived map[uint32]bool
}

func newCSeqTracker() *CSeqTracker {
	return &CSeqTracker{ackReceived: make(map[uint32]bool)}
}

// Validate applies the CSeq rules to req and updates the tracker for accepted requests.
func (t *CSeqTracker) Validate(req *message.SIPMessage) Verdict {
	n, _ := req.CSeq()
	method := req.GetMethod()

	t.mu.Lock()
	defer t.mu.Unlock()

	if method == message.MethodACK {
		if t.ackReceived[n] {
			return VerdictDrop
		}
	} else {
		if n == t.local {
			return VerdictDrop
		}
		if n < t.local && method != message.MethodPRACK && method != message.MethodCANCEL {
			if method == message.MethodINVITE {
				t.ackReceived[n] = false
			}
			return VerdictReject
		}
	}

	if method == message.MethodACK {
		t.ackReceived[n] = true
		for seq, acked := range t.ackReceived {
			if seq < n && acked {
				delete(t.ackReceived, seq)
			}
		}
	}
	// PRACK and CANCEL below local fall through here without moving local back.
	if n > t.local {
		t.local = n
	}
	if method == message.MethodINVITE {
		t.ackReceived[n] = false
	}
	return VerdictAccept
}

// Local returns the highest accepted CSeq.
func (t *CSeqTracker) Local() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// AckReceived reports whether the ACK for cseq was seen. known is false when no entry exists.
func (t *CSeqTracker) AckReceived(cseq uint32) (acked, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acked, known = t.ackReceived[cseq]
	return acked, known
}

func (t *CSeqTracker) snapshot() (uint32, map[uint32]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acks := make(map[uint32]bool, len(t.ackReceived))
	for k, v := range t.ackReceived {
		acks[k] = v
	}
	return t.local, acks
}

func (t *CSeqTracker) restore(local uint32, acks map[uint32]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = local
	t.ackReceived = make(map[uint32]bool, len(acks))
	for k, v := range acks {
		t.ackReceived[k] = v
	}
}
