package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zurustar/sipsession/internal/b2bua"
	"github.com/zurustar/sipsession/internal/config"
	"github.com/zurustar/sipsession/internal/guard"
	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/session"
	"github.com/zurustar/sipsession/internal/store"
	"github.com/zurustar/sipsession/internal/timer"
	"github.com/zurustar/sipsession/internal/transaction"
	"github.com/zurustar/sipsession/internal/webadmin"
)

const shutdownTimeout = 30 * time.Second

var _ Server = (*SessionServer)(nil)

// SessionServer implements the Server interface
type SessionServer struct {
	configPath string
	config     *config.Config
	watcher    *config.Watcher
	logger     *logging.ZerologLogger

	store        store.Store
	transactions *transaction.Manager
	sessions     *session.Manager
	guard        *guard.Guard
	timers       *timer.Service
	registry     *b2bua.Registry
	engine       *Engine
	webAdmin     webadmin.WebAdminServer

	sender         Sender
	app            Application
	timerListeners map[string]timer.Listener

	// Shutdown coordination
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	mu      sync.RWMutex
}

// NewSessionServer creates a server. LoadConfig must be called before Start.
func NewSessionServer() *SessionServer {
	return &SessionServer{}
}

// LoadConfig loads and validates the server configuration
func (s *SessionServer) LoadConfig(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot load configuration while server is running")
	}

	configManager := config.NewManager()
	cfg, err := configManager.Load(filename)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	s.configPath = filename
	s.config = cfg
	return nil
}

// SetSender attaches the SIP stack. It must be called before Start.
func (s *SessionServer) SetSender(sender Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot change sender while server is running")
	}
	s.sender = sender
	return nil
}

// SetApplication installs the service logic. It must be called before Start.
func (s *SessionServer) SetApplication(app Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot change application while server is running")
	}
	s.app = app
	return nil
}

// RegisterTimerListener installs the timer listener of an application. Listeners
// registered before Start take part in timer recovery.
func (s *SessionServer) RegisterTimerListener(appName string, l timer.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerListeners == nil {
		s.timerListeners = make(map[string]timer.Listener)
	}
	s.timerListeners[appName] = l
	if s.timers != nil {
		s.timers.RegisterListener(appName, l)
	}
}

// Engine returns the running engine, or nil before Start.
func (s *SessionServer) Engine() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Timers returns the timer service, or nil before Start.
func (s *SessionServer) Timers() *timer.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timers
}

// Start initializes all components and starts the background work
func (s *SessionServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server is already running")
	}
	if s.config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.initializeComponents(ctx); err != nil {
		cancel()
		s.cleanup()
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	if s.config.Timers.RecoverOnStart {
		n, err := s.timers.Recover(ctx)
		if err != nil {
			cancel()
			s.cleanup()
			return fmt.Errorf("failed to recover timers: %w", err)
		}
		s.logger.Info("Timers recovered", logging.IntField("count", n))
	}

	if s.config.WebAdmin.Enabled {
		if err := s.webAdmin.Start(s.config.WebAdmin.Port); err != nil {
			cancel()
			s.cleanup()
			return fmt.Errorf("failed to start web admin server: %w", err)
		}
	}

	s.cancel = cancel
	s.startBackgroundTasks(ctx)

	s.started = true
	lp := s.sessions.ListeningPoint()
	s.logger.Info("Session server started",
		logging.StringField("server_id", s.config.Server.ServerID),
		logging.StringField("application", s.config.Application.Name),
		logging.StringField("listening_point", fmt.Sprintf("%s:%s:%d", lp.Transport, lp.Host, lp.Port)),
		logging.StringField("concurrency", string(s.guard.Mode())),
		logging.StringField("store", s.config.Store.Backend),
	)
	return nil
}

// Stop gracefully shuts down the server
func (s *SessionServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Initiating server shutdown...")
	s.cancel()

	if s.webAdmin != nil && s.config.WebAdmin.Enabled {
		if err := s.webAdmin.Stop(); err != nil {
			s.logger.Error("Error stopping web admin server", logging.ErrorField(err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	var err error
	select {
	case err = <-done:
		if err != nil {
			s.logger.Error("Background task failed", logging.ErrorField(err))
		} else {
			s.logger.Info("All background tasks completed")
		}
	case <-time.After(shutdownTimeout):
		s.logger.Warn("Timeout waiting for background tasks to complete")
	}

	s.cleanup()
	s.started = false
	s.logger.Info("Server shutdown completed")
	_ = s.logger.Close()
	return err
}

// initializeComponents initializes all server components in proper order
func (s *SessionServer) initializeComponents(ctx context.Context) error {
	var err error
	cfg := s.config

	// 1. Logger first
	s.logger, err = logging.NewLoggerFromConfig(logging.LoggerConfig{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// 2. Session store
	s.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.logger.Info("Store opened", logging.StringField("backend", cfg.Store.Backend))

	// 3. Transactions
	s.transactions = transaction.NewManager(
		s.logger.With(logging.ComponentField("transaction")),
		cfg.Transactions.Timeout,
		cfg.Transactions.Linger,
	)

	// 4. Sessions
	lp := cfg.Server.ListeningPoints[0]
	s.sessions = session.NewManager(session.Options{
		ApplicationName: cfg.Application.Name,
		ServerID:        cfg.Server.ServerID,
		ListeningPoint: session.ListeningPoint{
			Transport:    strings.ToUpper(lp.Transport),
			Host:         lp.Host,
			Port:         lp.Port,
			LoadBalancer: lp.LoadBalancer,
		},
		Store:               s.store,
		ReplicateOnMutation: cfg.Store.ReplicateOnMutation,
		Logger:              s.logger.With(logging.ComponentField("session")),
	})

	// 5. Concurrency guard
	mode, err := guard.ParseMode(cfg.Concurrency.Mode)
	if err != nil {
		return err
	}
	s.guard = guard.New(mode, cfg.Concurrency.AcquireTimeout, s.logger.With(logging.ComponentField("guard")))

	// 6. Timers
	s.timers = timer.NewService(timer.Options{
		Store:    s.store,
		Sessions: s.sessions,
		Guard:    s.guard,
		Workers:  cfg.Timers.Workers,
		Logger:   s.logger.With(logging.ComponentField("timer")),
	})
	for name, l := range s.timerListeners {
		s.timers.RegisterListener(name, l)
	}

	// 7. B2BUA and engine
	s.registry = b2bua.NewRegistry(s.sessions, s.transactions, s.logger.With(logging.ComponentField("b2bua")))
	s.engine = NewEngine(EngineOptions{
		Sessions:        s.sessions,
		Transactions:    s.transactions,
		Registry:        s.registry,
		Guard:           s.guard,
		Timers:          s.timers,
		Sender:          s.sender,
		Application:     s.app,
		MirrorResponses: cfg.Application.MirrorResponses,
		SessionExpires:  cfg.Application.SessionExpires,
		Logger:          s.logger.With(logging.ComponentField("engine")),
	})

	// 8. Web admin
	s.webAdmin = webadmin.NewServer(webadmin.Options{
		Sessions: s.sessions,
		Links:    s.registry,
		Timers:   s.timers,
		Logger:   s.logger.With(logging.ComponentField("webadmin")),
	})

	// 9. Config reloads
	s.watcher = config.NewWatcher(s.configPath, cfg, config.NewManager(), s.logger)
	s.watcher.Subscribe(s.applyConfig)
	return nil
}

// startBackgroundTasks starts the timer workers, housekeeping and the config watcher
func (s *SessionServer) startBackgroundTasks(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return s.timers.Run(gctx) })
	g.Go(func() error {
		s.housekeepingRoutine(gctx, s.config.Transactions.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		if err := s.watcher.Run(gctx); err != nil {
			// Reloading is optional; the server keeps running on the loaded config.
			s.logger.Warn("Config watcher stopped", logging.ErrorField(err))
		}
		return nil
	})
}

// housekeepingRoutine periodically reaps transactions and expired application sessions
func (s *SessionServer) housekeepingRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Housekeeping routine stopping")
			return
		case now := <-ticker.C:
			s.engine.Sweep(now)
		}
	}
}

// applyConfig takes over the settings that can change at runtime.
func (s *SessionServer) applyConfig(old, updated *config.Config) {
	if !strings.EqualFold(old.Logging.Level, updated.Logging.Level) {
		if level, err := logging.ParseLogLevel(updated.Logging.Level); err == nil {
			s.logger.SetLevel(level)
			s.logger.Info("Log level changed", logging.StringField("level", level.String()))
		}
	}
	if old.Concurrency.AcquireTimeout != updated.Concurrency.AcquireTimeout {
		s.guard.SetTimeout(updated.Concurrency.AcquireTimeout)
		s.logger.Info("Guard timeout changed",
			logging.StringField("timeout", updated.Concurrency.AcquireTimeout.String()))
	}
	if old.Store != updated.Store || old.Concurrency.Mode != updated.Concurrency.Mode ||
		old.Server.ServerID != updated.Server.ServerID {
		s.logger.Warn("Store, concurrency mode and server id changes take effect after a restart")
	}
}

// cleanup releases what initializeComponents acquired
func (s *SessionServer) cleanup() {
	if s.timers != nil {
		s.timers.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && s.logger != nil {
			s.logger.Error("Error closing store", logging.ErrorField(err))
		}
		s.store = nil
	}
}

// RunWithSignalHandling runs the server until SIGINT or SIGTERM. SIGHUP reloads the
// configuration.
func (s *SessionServer) RunWithSignalHandling() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			_ = s.watcher.Reload()
			continue
		}
		s.logger.Info("Received shutdown signal", logging.StringField("signal", sig.String()))
		break
	}
	return s.Stop()
}
