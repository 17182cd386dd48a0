package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zurustar/sipsession/internal/guard"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/metrics"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/store"
)

// Factory rebuilds live tasks from persisted records.
type Factory struct {
	svc   *Service
	group singleflight.Group
}

// NewTimerTask turns a persisted record into a scheduled task. It returns recovered=false
// without an error when the task is already live, or when application-session
// concurrency is in effect, where the guard already prevents duplicate execution.
func (f *Factory) NewTimerTask(ctx context.Context, rec *store.TimerTaskRecord) (*Task, bool, error) {
	if rec == nil || rec.TaskID == "" {
		return nil, false, fmt.Errorf("%w: empty timer record", session.ErrInvalidArgument)
	}
	if f.svc.guard.Mode() == guard.ModeApplicationSession {
		metrics.RecordTimerRecovery("skipped")
		return nil, false, nil
	}

	v, err, _ := f.group.Do(rec.TaskID, func() (any, error) {
		return f.build(ctx, rec)
	})
	if err != nil {
		return nil, false, err
	}
	t, _ := v.(*Task)
	if t == nil {
		return nil, false, nil
	}
	return t, true, nil
}

func (f *Factory) build(ctx context.Context, rec *store.TimerTaskRecord) (*Task, error) {
	as, err := f.svc.sessions.ResolveApplicationSession(ctx, rec.ApplicationSessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			metrics.RecordTimerRecovery("not_found")
		} else {
			metrics.RecordTimerRecovery("error")
		}
		return nil, fmt.Errorf("timer %s: %w", rec.TaskID, err)
	}

	if existing := f.svc.Get(rec.TaskID); existing != nil {
		if existing.IsLive() {
			metrics.RecordTimerRecovery("already_live")
			return nil, nil
		}
		existing.bind(as)
		metrics.RecordTimerRecovery("recovered")
		return existing, nil
	}

	if f.svc.listener(rec.ApplicationName) == nil {
		metrics.RecordTimerRecovery("error")
		return nil, fmt.Errorf("timer %s: %w %q", rec.TaskID, ErrNoListener, rec.ApplicationName)
	}
	if err := as.AddTimer(rec.TaskID); err != nil {
		metrics.RecordTimerRecovery("error")
		return nil, err
	}

	t := newTask(f.svc, *rec, as)
	f.svc.register(t)
	t.arm(time.Until(rec.NextRun))
	metrics.RecordTimerRecovery("recovered")
	f.svc.logger.Debug("Recovered timer",
		logging.StringField("timer_id", rec.TaskID),
		logging.ApplicationSessionField(rec.ApplicationSessionID),
		logging.StringField("application", rec.ApplicationName))
	return t, nil
}
