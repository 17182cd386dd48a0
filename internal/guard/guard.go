// Package guard serializes the processing of messages that belong to the same session or
// application session.
package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/metrics"
)

// Mode selects what a permit is keyed by.
type Mode string

const (
	ModeNone               Mode = "none"
	ModeSipSession         Mode = "sip_session"
	ModeApplicationSession Mode = "sip_application_session"
)

// DefaultTimeout bounds how long Acquire waits before taking a permit by force.
const DefaultTimeout = 30 * time.Second

// ParseMode converts a configuration value to a Mode. An empty value means ModeNone.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeSipSession, ModeApplicationSession:
		return Mode(s), nil
	default:
		return ModeNone, fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// permit is a binary semaphore. An empty channel is a free permit.
type permit struct {
	ch chan struct{}
}

// Guard hands out keyed permits.
type Guard struct {
	mode    Mode
	timeout atomic.Int64
	logger  logging.Logger

	mu      sync.Mutex
	permits map[string]*permit
}

// New creates a guard. A non-positive timeout selects DefaultTimeout.
func New(mode Mode, timeout time.Duration, logger logging.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	g := &Guard{
		mode:    mode,
		logger:  logger,
		permits: make(map[string]*permit),
	}
	g.timeout.Store(int64(timeout))
	return g
}

func (g *Guard) Mode() Mode { return g.mode }

func (g *Guard) Timeout() time.Duration { return time.Duration(g.timeout.Load()) }

// SetTimeout changes the acquire timeout for later acquisitions. Non-positive values are
// ignored.
func (g *Guard) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout.Store(int64(d))
	}
}

func (g *Guard) key(sessionID, appSessionID string) string {
	switch g.mode {
	case ModeSipSession:
		if sessionID != "" {
			return sessionID
		}
		return appSessionID
	case ModeApplicationSession:
		if appSessionID != "" {
			return appSessionID
		}
		return sessionID
	default:
		return ""
	}
}

func (g *Guard) permit(key string) *permit {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.permits[key]
	if !ok {
		p = &permit{ch: make(chan struct{}, 1)}
		g.permits[key] = p
	}
	return p
}

// Acquire takes the permit for the session, or for its application session depending on
// the mode. Permits already held by the Scope in ctx are re-entered. When the permit is
// not released within the timeout it is taken anyway.
func (g *Guard) Acquire(ctx context.Context, sessionID, appSessionID string) (*Lease, error) {
	key := g.key(sessionID, appSessionID)
	if key == "" {
		return &Lease{}, nil
	}
	scope := ScopeFrom(ctx)
	if scope != nil && scope.reenter(key) {
		return &Lease{g: g, key: key, scope: scope}, nil
	}

	p := g.permit(key)
	timeout := g.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		g.logger.Warn("Timed out waiting for permit, proceeding without it",
			logging.StringField("key", key),
			logging.StringField("mode", string(g.mode)),
			logging.StringField("timeout", timeout.String()))
		metrics.RecordGuardTimeout()
	}

	if scope != nil {
		scope.enter(key)
	}
	return &Lease{g: g, key: key, scope: scope}, nil
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	p := g.permits[key]
	g.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case <-p.ch:
	default:
		// Someone forced their way in earlier and already freed it.
		g.logger.Warn("Released a permit that was already free", logging.StringField("key", key))
		metrics.RecordPermitDrift()
	}
}

// Forget drops the permit of a removed session or application session.
func (g *Guard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.permits, id)
}

// Permits returns the number of keys with a permit.
func (g *Guard) Permits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.permits)
}

// Lease is a held permit. Releasing it twice is a no-op.
type Lease struct {
	g     *Guard
	key   string
	scope *Scope
	once  sync.Once
}

// Release gives the permit back once the outermost holder in the scope is done.
func (l *Lease) Release() {
	if l == nil || l.g == nil {
		return
	}
	l.once.Do(func() {
		if l.scope != nil && !l.scope.leave(l.key) {
			return
		}
		l.g.release(l.key)
	})
}
