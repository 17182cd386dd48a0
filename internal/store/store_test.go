package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/config"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "state.bolt"))
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore("")
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := OpenRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
			require.NoError(t, err)
			return s
		},
	}
}

func sampleSession() *SessionRecord {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &SessionRecord{
		ID: "s1",
		Key: KeyRecord{
			CallID:               "call-1",
			FromTag:              "a1",
			ToTag:                "b1",
			ApplicationName:      "conference",
			ApplicationSessionID: "as1",
		},
		State:               "CONFIRMED",
		Role:                "UAS",
		Derived:             map[string]string{"b2": "s2"},
		Attributes:          map[string]json.RawMessage{"room": json.RawMessage(`"42"`)},
		Subscriptions:       []string{"presence"},
		LocalCSeq:           3,
		AckReceived:         map[uint32]bool{1: true, 3: false},
		Valid:               true,
		InvalidateWhenReady: true,
		CreatedAt:           now,
		LastAccessed:        now,
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			want := sampleSession()
			require.NoError(t, s.PutSession(ctx, want))

			got, err := s.GetSession(ctx, "s1")
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("session record mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, s.DeleteSession(ctx, "s1"))
			_, err = s.GetSession(ctx, "s1")
			assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
		})
	}
}

func TestStore_ApplicationSessionRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			want := &ApplicationSessionRecord{
				ID:              "as1",
				ApplicationName: "conference",
				SessionIDs:      []string{"s1", "s2"},
				TimerIDs:        []string{"t1"},
				CreatedAt:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.PutApplicationSession(ctx, want))

			got, err := s.GetApplicationSession(ctx, "as1")
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("application session mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, s.DeleteApplicationSession(ctx, "as1"))
			_, err = s.GetApplicationSession(ctx, "as1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_TimerTasks(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			late := &TimerTaskRecord{TaskID: "t-late", ApplicationSessionID: "as1", ApplicationName: "app",
				Delay: time.Second, ScheduledStart: base, NextRun: base.Add(time.Minute)}
			early := &TimerTaskRecord{TaskID: "t-early", ApplicationSessionID: "as1", ApplicationName: "app",
				Payload: []byte("tick"), Delay: time.Second, Period: 10 * time.Second, FixedRate: true,
				ScheduledStart: base, NextRun: base.Add(time.Second)}

			require.NoError(t, s.PutTimerTask(ctx, late))
			require.NoError(t, s.PutTimerTask(ctx, early))

			tasks, err := s.ListTimerTasks(ctx)
			require.NoError(t, err)
			if diff := cmp.Diff([]*TimerTaskRecord{early, late}, tasks); diff != "" {
				t.Errorf("timer list mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, s.DeleteTimerTask(ctx, "t-early"))
			tasks, err = s.ListTimerTasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "t-late", tasks[0].TaskID)
		})
	}
}

func TestStore_RejectsEmptyKey(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.PutSession(context.Background(), &SessionRecord{}))
}

func TestOpen_Factory(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Backend: config.StoreMemory})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{Backend: config.StoreBolt, Path: filepath.Join(t.TempDir(), "f.bolt")})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Backend: "mongo"})
	assert.Error(t, err)

	_, err = Open(ctx, config.StoreConfig{Backend: config.StoreSQLite})
	assert.Error(t, err, "sqlite requires a path")
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.PutSession(ctx, sampleSession()))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "call-1", got.Key.CallID)
}
