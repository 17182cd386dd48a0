// Package store persists session, application-session and timer-task records so that
// a node can rebuild its state after a restart. Records carry keys only, never live
// references.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// KeyRecord is the persisted form of a session key.
type KeyRecord struct {
	CallID               string `json:"call_id"`
	FromTag              string `json:"from_tag"`
	ToTag                string `json:"to_tag,omitempty"`
	ApplicationName      string `json:"application_name"`
	ApplicationSessionID string `json:"application_session_id"`
}

// SessionRecord is the passivated form of a SIP session.
type SessionRecord struct {
	ID                   string                     `json:"id"`
	Key                  KeyRecord                  `json:"key"`
	ParentID             string                     `json:"parent_id,omitempty"`
	State                string                     `json:"state"`
	Role                 string                     `json:"role"`
	RecordRoute          bool                       `json:"record_route,omitempty"`
	Dialog               json.RawMessage            `json:"dialog,omitempty"`
	Derived              map[string]string          `json:"derived,omitempty"`
	Attributes           map[string]json.RawMessage `json:"attributes,omitempty"`
	Subscriptions        []string                   `json:"subscriptions,omitempty"`
	LocalCSeq            uint32                     `json:"local_cseq"`
	AckReceived          map[uint32]bool            `json:"ack_received,omitempty"`
	PeerID               string                     `json:"peer_id,omitempty"`
	Valid                bool                       `json:"valid"`
	ReadyToInvalidate    bool                       `json:"ready_to_invalidate,omitempty"`
	InvalidateWhenReady  bool                       `json:"invalidate_when_ready"`
	KeepAfterTransaction bool                       `json:"keep_after_transaction,omitempty"`
	OriginalRequest      json.RawMessage            `json:"original_request,omitempty"`
	OutCSeq              uint32                     `json:"out_cseq,omitempty"`
	LastFinal            json.RawMessage            `json:"last_final,omitempty"`
	LegRequest           json.RawMessage            `json:"leg_request,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	LastAccessed         time.Time                  `json:"last_accessed"`
}

// ApplicationSessionRecord is the passivated form of an application session.
type ApplicationSessionRecord struct {
	ID              string                     `json:"id"`
	ApplicationName string                     `json:"application_name"`
	SessionIDs      []string                   `json:"session_ids,omitempty"`
	TimerIDs        []string                   `json:"timer_ids,omitempty"`
	Attributes      map[string]json.RawMessage `json:"attributes,omitempty"`
	Expires         time.Time                  `json:"expires,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
}

// TimerTaskRecord describes a scheduled task well enough to rebuild it on another node.
type TimerTaskRecord struct {
	TaskID               string        `json:"task_id"`
	ApplicationSessionID string        `json:"application_session_id"`
	ApplicationName      string        `json:"application_name"`
	Payload              []byte        `json:"payload,omitempty"`
	Delay                time.Duration `json:"delay"`
	Period               time.Duration `json:"period,omitempty"`
	FixedRate            bool          `json:"fixed_rate,omitempty"`
	ScheduledStart       time.Time     `json:"scheduled_start"`
	NextRun              time.Time     `json:"next_run"`
}

// Store is the persistence seam used for passivation, replication hooks and timer recovery.
type Store interface {
	PutSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	PutApplicationSession(ctx context.Context, rec *ApplicationSessionRecord) error
	GetApplicationSession(ctx context.Context, id string) (*ApplicationSessionRecord, error)
	DeleteApplicationSession(ctx context.Context, id string) error

	PutTimerTask(ctx context.Context, rec *TimerTaskRecord) error
	DeleteTimerTask(ctx context.Context, id string) error
	ListTimerTasks(ctx context.Context) ([]*TimerTaskRecord, error)

	Close() error
}
