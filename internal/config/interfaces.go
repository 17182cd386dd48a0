package config

import "time"

// Concurrency modes.
const (
	ConcurrencyNone               = "none"
	ConcurrencySipSession         = "sip_session"
	ConcurrencyApplicationSession = "sip_application_session"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

// Config represents the engine configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Application  ApplicationConfig  `yaml:"application"`
	Concurrency  ConcurrencyConfig  `yaml:"concurrency"`
	Timers       TimersConfig       `yaml:"timers"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Store        StoreConfig        `yaml:"store"`
	WebAdmin     WebAdminConfig     `yaml:"web_admin"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig identifies this node and the addresses it is reachable on.
type ServerConfig struct {
	ServerID        string                 `yaml:"server_id"`
	ListeningPoints []ListeningPointConfig `yaml:"listening_points"`
}

// ListeningPointConfig is one SIP listening point. When LoadBalancer is set,
// generated Contact headers point at it instead of Host:Port.
type ListeningPointConfig struct {
	Transport    string `yaml:"transport"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	LoadBalancer string `yaml:"load_balancer"`
}

type ApplicationConfig struct {
	Name string `yaml:"name"`
	// SessionExpires is the application-session lifetime; zero disables expiry.
	SessionExpires time.Duration `yaml:"session_expires"`
	// MirrorResponses relays responses between linked B2BUA legs.
	MirrorResponses bool `yaml:"mirror_responses"`
}

type ConcurrencyConfig struct {
	Mode           string        `yaml:"mode"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type TimersConfig struct {
	Workers        int  `yaml:"workers"`
	RecoverOnStart bool `yaml:"recover_on_start"`
}

type TransactionsConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	Linger          time.Duration `yaml:"linger"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type StoreConfig struct {
	Backend             string `yaml:"backend"`
	Path                string `yaml:"path"`
	RedisAddr           string `yaml:"redis_addr"`
	ReplicateOnMutation bool   `yaml:"replicate_on_mutation"`
}

type WebAdminConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	Load(filename string) (*Config, error)
	Validate(config *Config) error
}
