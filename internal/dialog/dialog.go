package dialog

import (
	"strconv"
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/message"
)

// State represents the state of a SIP dialog
type State string

const (
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Dialog represents one side of a SIP dialog (RFC 3261 §12).
type Dialog struct {
	ID           string
	CallID       string
	LocalTag     string
	RemoteTag    string
	LocalURI     string // From/To value of the local party, without tag
	RemoteURI    string // From/To value of the remote party, without tag
	RemoteTarget string // Contact URI of the remote party
	RouteSet     []string
	LocalCSeq    uint32
	RemoteCSeq   uint32
	state        State
	createdAt    time.Time
	updatedAt    time.Time
	mutex        sync.RWMutex
}

// Snapshot is the serializable form of a Dialog.
type Snapshot struct {
	ID           string    `json:"dialog_id"`
	CallID       string    `json:"call_id"`
	LocalTag     string    `json:"local_tag"`
	RemoteTag    string    `json:"remote_tag"`
	LocalURI     string    `json:"local_uri"`
	RemoteURI    string    `json:"remote_uri"`
	RemoteTarget string    `json:"remote_target"`
	RouteSet     []string  `json:"route_set"`
	LocalCSeq    uint32    `json:"local_cseq"`
	RemoteCSeq   uint32    `json:"remote_cseq"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NextLocalCSeq increments and returns the local sequence number
func (d *Dialog) NextLocalCSeq() uint32 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.LocalCSeq++
	d.updatedAt = time.Now().UTC()
	return d.LocalCSeq
}

// SetLocalCSeq raises the local sequence number to at least cseq
func (d *Dialog) SetLocalCSeq(cseq uint32) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if cseq > d.LocalCSeq {
		d.LocalCSeq = cseq
	}
}

// UpdateRemoteCSeq records a higher remote sequence number
func (d *Dialog) UpdateRemoteCSeq(cseq uint32) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if cseq > d.RemoteCSeq {
		d.RemoteCSeq = cseq
	}
}

func (d *Dialog) SetRemoteTag(tag string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.RemoteTag = tag
}

func (d *Dialog) SetRemoteTarget(contact string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.RemoteTarget = contact
}

func (d *Dialog) SetRouteSet(routes []string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.RouteSet = append([]string(nil), routes...)
}

// Confirm moves an early dialog to confirmed. Terminated dialogs stay terminated.
func (d *Dialog) Confirm() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state != StateTerminated {
		d.state = StateConfirmed
		d.updatedAt = time.Now().UTC()
	}
}

func (d *Dialog) Terminate() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = StateTerminated
	d.updatedAt = time.Now().UTC()
}

func (d *Dialog) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Dialog) IsConfirmed() bool {
	return d.State() == StateConfirmed
}

func (d *Dialog) IsTerminated() bool {
	return d.State() == StateTerminated
}

// CreateRequest builds an in-dialog request (RFC 3261 §12.2.1.1). ACK and CANCEL reuse the
// current local sequence number; every other method consumes a new one.
func (d *Dialog) CreateRequest(method string) *message.SIPMessage {
	var cseq uint32
	if method == message.MethodACK || method == message.MethodCANCEL {
		d.mutex.RLock()
		cseq = d.LocalCSeq
		d.mutex.RUnlock()
	} else {
		cseq = d.NextLocalCSeq()
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	target := d.RemoteTarget
	if target == "" {
		target = message.ExtractURI(d.RemoteURI)
	}
	req := message.NewRequestMessage(method, target)
	req.SetHeader(message.HeaderFrom, message.SetTag(d.LocalURI, d.LocalTag))
	to := d.RemoteURI
	if d.RemoteTag != "" {
		to = message.SetTag(to, d.RemoteTag)
	}
	req.SetHeader(message.HeaderTo, to)
	req.SetHeader(message.HeaderCallID, d.CallID)
	req.SetHeader(message.HeaderCSeq, message.FormatCSeq(cseq, method))
	req.SetHeader(message.HeaderMaxForwards, strconv.Itoa(message.DefaultMaxForwards))
	for _, r := range d.RouteSet {
		req.AddHeader(message.HeaderRoute, r)
	}
	req.SetHeader(message.HeaderContentLength, "0")
	return req
}

// Snapshot captures the dialog for persistence
func (d *Dialog) Snapshot() Snapshot {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return Snapshot{
		ID:           d.ID,
		CallID:       d.CallID,
		LocalTag:     d.LocalTag,
		RemoteTag:    d.RemoteTag,
		LocalURI:     d.LocalURI,
		RemoteURI:    d.RemoteURI,
		RemoteTarget: d.RemoteTarget,
		RouteSet:     append([]string(nil), d.RouteSet...),
		LocalCSeq:    d.LocalCSeq,
		RemoteCSeq:   d.RemoteCSeq,
		State:        d.state,
		CreatedAt:    d.createdAt,
		UpdatedAt:    d.updatedAt,
	}
}

// FromSnapshot rebuilds a dialog from its persisted form
func FromSnapshot(s Snapshot) *Dialog {
	return &Dialog{
		ID:           s.ID,
		CallID:       s.CallID,
		LocalTag:     s.LocalTag,
		RemoteTag:    s.RemoteTag,
		LocalURI:     s.LocalURI,
		RemoteURI:    s.RemoteURI,
		RemoteTarget: s.RemoteTarget,
		RouteSet:     append([]string(nil), s.RouteSet...),
		LocalCSeq:    s.LocalCSeq,
		RemoteCSeq:   s.RemoteCSeq,
		state:        s.State,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
	}
}
