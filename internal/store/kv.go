package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	bucketSessions    = "sessions"
	bucketAppSessions = "app_sessions"
	bucketTimers      = "timers"
)

var allBuckets = []string{bucketSessions, bucketAppSessions, bucketTimers}

// kv is the primitive each backend provides. get returns ErrNotFound for a missing key.
type kv interface {
	put(ctx context.Context, bucket, key string, value []byte) error
	get(ctx context.Context, bucket, key string) ([]byte, error)
	del(ctx context.Context, bucket, key string) error
	list(ctx context.Context, bucket string) ([][]byte, error)
	close() error
}

// kvStore implements Store on top of a kv backend with JSON values.
type kvStore struct {
	backend kv
	name    string
}

func newKVStore(name string, backend kv) *kvStore {
	return &kvStore{backend: backend, name: name}
}

func putJSON(ctx context.Context, b kv, bucket, key string, v any) error {
	if key == "" {
		return fmt.Errorf("store: empty %s key", bucket)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", bucket, key, err)
	}
	return b.put(ctx, bucket, key, buf)
}

func getJSON(ctx context.Context, b kv, bucket, key string, v any) error {
	buf, err := b.get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *kvStore) PutSession(ctx context.Context, rec *SessionRecord) error {
	return putJSON(ctx, s.backend, bucketSessions, rec.ID, rec)
}

func (s *kvStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := getJSON(ctx, s.backend, bucketSessions, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *kvStore) DeleteSession(ctx context.Context, id string) error {
	return s.backend.del(ctx, bucketSessions, id)
}

func (s *kvStore) PutApplicationSession(ctx context.Context, rec *ApplicationSessionRecord) error {
	return putJSON(ctx, s.backend, bucketAppSessions, rec.ID, rec)
}

func (s *kvStore) GetApplicationSession(ctx context.Context, id string) (*ApplicationSessionRecord, error) {
	var rec ApplicationSessionRecord
	if err := getJSON(ctx, s.backend, bucketAppSessions, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *kvStore) DeleteApplicationSession(ctx context.Context, id string) error {
	return s.backend.del(ctx, bucketAppSessions, id)
}

func (s *kvStore) PutTimerTask(ctx context.Context, rec *TimerTaskRecord) error {
	return putJSON(ctx, s.backend, bucketTimers, rec.TaskID, rec)
}

func (s *kvStore) DeleteTimerTask(ctx context.Context, id string) error {
	return s.backend.del(ctx, bucketTimers, id)
}

// ListTimerTasks returns every persisted task ordered by next run time.
func (s *kvStore) ListTimerTasks(ctx context.Context) ([]*TimerTaskRecord, error) {
	values, err := s.backend.list(ctx, bucketTimers)
	if err != nil {
		return nil, fmt.Errorf("store: list timers: %w", err)
	}
	out := make([]*TimerTaskRecord, 0, len(values))
	for _, buf := range values {
		var rec TimerTaskRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, fmt.Errorf("store: decode timer: %w", err)
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out, nil
}

func (s *kvStore) Close() error {
	return s.backend.close()
}

// String names the backend, for logging.
func (s *kvStore) String() string {
	return s.name
}
