package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/logging"
)

func TestWatcher_ReloadKeepsConfigOnFailure(t *testing.T) {
	path := writeConfig(t, validYAML)
	manager := NewManager()
	initial, err := manager.Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, manager, logging.NewNopLogger())

	var calls int
	w.Subscribe(func(old, updated *Config) {
		calls++
		assert.Equal(t, "debug", old.Logging.Level)
		assert.Equal(t, "warn", updated.Logging.Level)
	})

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(validYAML, `level: "debug"`, `level: "warn"`, 1)), 0644))
	require.NoError(t, w.Reload())
	assert.Equal(t, "warn", w.Current().Logging.Level)
	assert.Equal(t, 1, calls)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(validYAML, "sip_application_session", "bogus", 1)), 0644))
	assert.Error(t, w.Reload())
	assert.Equal(t, "warn", w.Current().Logging.Level, "invalid config must not replace the current one")
	assert.Equal(t, 1, calls)
}

func TestWatcher_RunReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	manager := NewManager()
	initial, err := manager.Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, manager, logging.NewNopLogger())
	w.debounce = 10 * time.Millisecond

	var reloaded atomic.Int32
	w.Subscribe(func(_, _ *Config) { reloaded.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(validYAML, "workers: 2", "workers: 8", 1)), 0644))

	assert.Eventually(t, func() bool { return reloaded.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 8, w.Current().Timers.Workers)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_RunWithoutPath(t *testing.T) {
	w := NewWatcher("", GetDefaultConfig(), NewManager(), logging.NewNopLogger())
	assert.NoError(t, w.Run(context.Background()))
}
