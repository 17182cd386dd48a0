package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manager implements the ConfigManager interface
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// Load reads the configuration file on top of the defaults and validates it.
func (m *Manager) Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := m.Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration values are valid
func (m *Manager) Validate(config *Config) error {
	if strings.TrimSpace(config.Server.ServerID) == "" {
		return fmt.Errorf("server id cannot be empty")
	}
	if len(config.Server.ListeningPoints) == 0 {
		return fmt.Errorf("at least one listening point is required")
	}
	for i, lp := range config.Server.ListeningPoints {
		if strings.TrimSpace(lp.Host) == "" {
			return fmt.Errorf("listening point %d: host cannot be empty", i)
		}
		if lp.Port < 0 || lp.Port > 65535 {
			return fmt.Errorf("listening point %d: invalid port %d (must be 0-65535)", i, lp.Port)
		}
		switch strings.ToUpper(lp.Transport) {
		case "UDP", "TCP", "TLS", "WS", "WSS":
		default:
			return fmt.Errorf("listening point %d: unsupported transport %q", i, lp.Transport)
		}
	}

	if strings.TrimSpace(config.Application.Name) == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if config.Application.SessionExpires < 0 {
		return fmt.Errorf("application session expiry cannot be negative")
	}

	switch config.Concurrency.Mode {
	case ConcurrencyNone, ConcurrencySipSession, ConcurrencyApplicationSession:
	default:
		return fmt.Errorf("invalid concurrency mode: %s (must be none, sip_session, or sip_application_session)", config.Concurrency.Mode)
	}
	if config.Concurrency.AcquireTimeout <= 0 {
		return fmt.Errorf("concurrency acquire timeout must be positive")
	}

	if config.Timers.Workers < 1 {
		return fmt.Errorf("timer workers must be at least 1, got %d", config.Timers.Workers)
	}

	if config.Transactions.Timeout <= 0 || config.Transactions.CleanupInterval <= 0 {
		return fmt.Errorf("transaction timeout and cleanup interval must be positive")
	}
	if config.Transactions.Linger < 0 {
		return fmt.Errorf("transaction linger cannot be negative")
	}

	switch config.Store.Backend {
	case StoreMemory:
	case StoreSQLite, StoreBolt, StoreBadger:
		if strings.TrimSpace(config.Store.Path) == "" {
			return fmt.Errorf("store path cannot be empty for backend %s", config.Store.Backend)
		}
	case StoreRedis:
		if strings.TrimSpace(config.Store.RedisAddr) == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", config.Store.Backend)
	}

	// Port 0 is allowed for testing
	if config.WebAdmin.Enabled {
		if config.WebAdmin.Port < 0 || config.WebAdmin.Port > 65535 {
			return fmt.Errorf("invalid web admin port: %d (must be 0-65535)", config.WebAdmin.Port)
		}
		for _, lp := range config.Server.ListeningPoints {
			if config.WebAdmin.Port > 0 && config.WebAdmin.Port == lp.Port {
				return fmt.Errorf("web admin port %d conflicts with SIP listening point", config.WebAdmin.Port)
			}
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	logLevel := strings.ToLower(config.Logging.Level)
	if !validLogLevels[logLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	return nil
}

// GetDefaultConfig returns a configuration with default values
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ServerID: "node1",
			ListeningPoints: []ListeningPointConfig{
				{Transport: "UDP", Host: "127.0.0.1", Port: 5060},
			},
		},
		Application: ApplicationConfig{
			Name:            "default",
			SessionExpires:  3 * time.Minute,
			MirrorResponses: true,
		},
		Concurrency: ConcurrencyConfig{
			Mode:           ConcurrencySipSession,
			AcquireTimeout: 30 * time.Second,
		},
		Timers: TimersConfig{
			Workers:        4,
			RecoverOnStart: true,
		},
		Transactions: TransactionsConfig{
			Timeout:         32 * time.Second,
			Linger:          5 * time.Second,
			CleanupInterval: time.Second,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
		},
		WebAdmin: WebAdminConfig{
			Port:    8080,
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
