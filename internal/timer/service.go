package timer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zurustar/sipsession/internal/guard"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/store"
)

// Options configures a Service.
type Options struct {
	// Store keeps the timer records. Without one, timers live only in memory.
	Store    store.Store
	Sessions *session.Manager
	Guard    *guard.Guard
	// Workers is the number of goroutines running due tasks. Defaults to 4.
	Workers int
	Logger  logging.Logger
}

// Service owns the live timer tasks of a node.
type Service struct {
	store    store.Store
	sessions *session.Manager
	guard    *guard.Guard
	logger   logging.Logger
	workers  int
	factory  *Factory

	mu        sync.RWMutex
	live      map[string]*Task
	listeners map[string]Listener

	due      chan *Task
	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates a timer service and subscribes it to application session
// lifecycle, so that destroying an application session cancels its timers.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(guard.ModeNone, guard.DefaultTimeout, opts.Logger)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	s := &Service{
		store:     opts.Store,
		sessions:  opts.Sessions,
		guard:     opts.Guard,
		logger:    opts.Logger,
		workers:   opts.Workers,
		live:      make(map[string]*Task),
		listeners: make(map[string]Listener),
		due:       make(chan *Task, opts.Workers),
		stop:      make(chan struct{}),
	}
	s.factory = &Factory{svc: s}
	if opts.Sessions != nil {
		_ = opts.Sessions.AddListener(s)
	}
	return s
}

func (s *Service) Factory() *Factory { return s.factory }

// RegisterListener sets the listener for the timers of an application.
func (s *Service) RegisterListener(appName string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		delete(s.listeners, appName)
		return
	}
	s.listeners[appName] = l
}

func (s *Service) listener(appName string) Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listeners[appName]
}

// Schedule creates a timer owned by as. A period of zero makes a one-shot timer.
func (s *Service) Schedule(ctx context.Context, as *session.ApplicationSession, delay, period time.Duration, fixedRate bool, payload []byte) (*Task, error) {
	if as == nil || !as.IsValid() {
		return nil, fmt.Errorf("%w: application session is not valid", session.ErrInvalidState)
	}
	if delay < 0 || period < 0 {
		return nil, fmt.Errorf("%w: negative timer delay or period", session.ErrInvalidArgument)
	}

	start := time.Now().UTC().Add(delay)
	rec := store.TimerTaskRecord{
		TaskID:               uuid.NewString(),
		ApplicationSessionID: as.ID(),
		ApplicationName:      as.ApplicationName(),
		Payload:              payload,
		Delay:                delay,
		Period:               period,
		FixedRate:            fixedRate,
		ScheduledStart:       start,
		NextRun:              start,
	}
	if err := as.AddTimer(rec.TaskID); err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.PutTimerTask(ctx, &rec); err != nil {
			as.RemoveTimer(rec.TaskID)
			return nil, fmt.Errorf("persist timer %s: %w", rec.TaskID, err)
		}
	}

	t := newTask(s, rec, as)
	s.register(t)
	t.arm(delay)
	s.logger.Debug("Scheduled timer",
		logging.StringField("timer_id", rec.TaskID),
		logging.ApplicationSessionField(rec.ApplicationSessionID),
		logging.StringField("delay", delay.String()),
		logging.StringField("period", period.String()))
	return t, nil
}

// Cancel stops a timer and deletes its record.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t := s.unregister(id)
	if t == nil {
		return fmt.Errorf("%w: timer %s", session.ErrNotFound, id)
	}
	t.stop()
	s.retire(ctx, t)
	return nil
}

// Get returns a registered task, live or passivated.
func (s *Service) Get(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[id]
}

// Tasks returns the registered tasks ordered by ID.
func (s *Service) Tasks() []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Recover rebuilds tasks from every stored timer record and returns how many were
// recovered. Records whose application session no longer exists are deleted.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.ListTimerTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list timer records: %w", err)
	}
	n := 0
	for _, rec := range recs {
		_, recovered, err := s.factory.NewTimerTask(ctx, rec)
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.logger.Info("Dropping timer of vanished application session",
				logging.StringField("timer_id", rec.TaskID),
				logging.ApplicationSessionField(rec.ApplicationSessionID))
			s.deleteRecord(ctx, rec.TaskID)
		case err != nil:
			s.logger.Warn("Failed to recover timer",
				logging.StringField("timer_id", rec.TaskID), logging.ErrorField(err))
		case recovered:
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Recovered timers", logging.IntField("count", n))
	}
	return n, nil
}

// PassivateApplicationSession drops the live application session reference of its
// tasks. They keep running and activate the application session again when due.
func (s *Service) PassivateApplicationSession(appSessionID string) {
	for _, t := range s.tasksOf(appSessionID) {
		t.Passivate()
	}
}

func (s *Service) ApplicationSessionCreated(*session.ApplicationSession) {}

// ApplicationSessionDestroyed cancels the timers of an invalidated application session.
func (s *Service) ApplicationSessionDestroyed(as *session.ApplicationSession) {
	for _, t := range s.tasksOf(as.ID()) {
		if err := s.Cancel(context.Background(), t.id); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("Failed to cancel timer", logging.StringField("timer_id", t.id), logging.ErrorField(err))
		}
	}
}

// Run executes due tasks on the worker pool until ctx is done or the service is closed.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-s.stop:
					return nil
				case t := <-s.due:
					if err := t.Run(gctx); err != nil {
						s.logger.Warn("Timer task failed",
							logging.StringField("timer_id", t.id), logging.ErrorField(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Close stops every armed timer. Records stay in the store for recovery.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		for _, t := range s.Tasks() {
			t.stop()
		}
	})
}

func (s *Service) enqueue(t *Task) {
	select {
	case s.due <- t:
	case <-s.stop:
	}
}

func (s *Service) register(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[t.id] = t
}

func (s *Service) unregister(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.live[id]
	delete(s.live, id)
	return t
}

func (s *Service) tasksOf(appSessionID string) []*Task {
	var out []*Task
	for _, t := range s.Tasks() {
		if t.Record().ApplicationSessionID == appSessionID {
			out = append(out, t)
		}
	}
	return out
}

// finish retires a one-shot task after its run.
func (s *Service) finish(ctx context.Context, t *Task) {
	if s.unregister(t.id) == nil {
		return
	}
	s.retire(ctx, t)
}

func (s *Service) retire(ctx context.Context, t *Task) {
	s.deleteRecord(ctx, t.id)
	if as := s.sessions.GetApplicationSession(t.Record().ApplicationSessionID); as != nil {
		as.RemoveTimer(t.id)
	}
}

func (s *Service) persist(ctx context.Context, rec *store.TimerTaskRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.PutTimerTask(ctx, rec); err != nil {
		s.logger.Warn("Failed to persist timer", logging.StringField("timer_id", rec.TaskID), logging.ErrorField(err))
	}
}

func (s *Service) deleteRecord(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteTimerTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Failed to delete timer record", logging.StringField("timer_id", id), logging.ErrorField(err))
	}
}
