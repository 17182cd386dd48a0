package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/store"
)

// Task is a scheduled timer. It refers to its application session by ID; the live
// reference is only a cache and is dropped on passivation.
type Task struct {
	svc *Service
	id  string

	mu        sync.Mutex
	rec       store.TimerTaskRecord
	as        *session.ApplicationSession
	runs      int
	timer     *time.Timer
	cancelled bool
}

func newTask(svc *Service, rec store.TimerTaskRecord, as *session.ApplicationSession) *Task {
	t := &Task{svc: svc, id: rec.TaskID, rec: rec, as: as}
	if rec.Period > 0 && rec.NextRun.After(rec.ScheduledStart) {
		t.runs = int(rec.NextRun.Sub(rec.ScheduledStart) / rec.Period)
	}
	return t
}

func (t *Task) ID() string { return t.id }

// Record returns a copy of the persisted description of the task.
func (t *Task) Record() store.TimerTaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// IsLive reports whether the task holds a reference to its application session.
func (t *Task) IsLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.as != nil
}

// Passivate drops the application session reference. The task keeps its identity and
// record and resolves the application session again when it runs.
func (t *Task) Passivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.as = nil
}

func (t *Task) bind(as *session.ApplicationSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.as = as
}

func (t *Task) arm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() { t.svc.enqueue(t) })
}

func (t *Task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Run fires the listener of the task's application while holding the guard of its
// application session, then reschedules a periodic task or retires a one-shot one.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return nil
	}
	as, rec := t.as, t.rec
	t.mu.Unlock()

	if as == nil || !as.IsValid() {
		resolved, err := t.svc.sessions.ResolveApplicationSession(ctx, rec.ApplicationSessionID)
		if err != nil {
			return fmt.Errorf("timer %s: resolve application session %s: %w", t.id, rec.ApplicationSessionID, err)
		}
		t.bind(resolved)
	}

	listener := t.svc.listener(rec.ApplicationName)
	if listener == nil {
		return fmt.Errorf("%w %q", ErrNoListener, rec.ApplicationName)
	}

	lease, err := t.svc.guard.Acquire(ctx, "", rec.ApplicationSessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.runs++
	n := t.runs
	t.mu.Unlock()

	t.fire(WithApplicationName(ctx, rec.ApplicationName), listener, Info{
		ID:                   t.id,
		ApplicationSessionID: rec.ApplicationSessionID,
		ApplicationName:      rec.ApplicationName,
		Payload:              rec.Payload,
		Period:               rec.Period,
		FixedRate:            rec.FixedRate,
		Run:                  n,
	})
	lease.Release()
	metrics.RecordTimerFired()

	if rec.Period <= 0 {
		t.svc.finish(ctx, t)
		return nil
	}

	now := time.Now().UTC()
	delay := t.nextDelay(now)
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return nil
	}
	t.rec.NextRun = now.Add(delay)
	rec = t.rec
	t.mu.Unlock()
	t.svc.persist(ctx, &rec)
	t.arm(delay)
	return nil
}

func (t *Task) fire(ctx context.Context, l Listener, info Info) {
	defer func() {
		if r := recover(); r != nil {
			t.svc.logger.Error("Timer listener panicked",
				logging.StringField("timer_id", t.id),
				logging.StringField("application", info.ApplicationName),
				logging.StringField("panic", fmt.Sprint(r)))
			metrics.RecordListenerFailure("timer")
		}
	}()
	l.TimeOut(ctx, info)
}

// nextDelay is the wait before the next execution of a periodic task. Fixed-rate tasks
// stay aligned to their first start and catch up without waiting when they fell behind.
func (t *Task) nextDelay(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.rec.FixedRate {
		return t.rec.Period
	}
	next := t.rec.ScheduledStart.Add(time.Duration(t.runs) * t.rec.Period)
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}
