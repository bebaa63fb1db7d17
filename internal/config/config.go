// Package config provides Viper-based configuration loading for the session server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Persistence backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Transport authentication modes.
const (
	// AuthToken resolves login tokens against the session_tokens table.
	AuthToken = "token"
	// AuthTrust accepts the identity the client claims. Development only.
	AuthTrust = "trust"
)

// ServerConfig holds tick loop settings.
type ServerConfig struct {
	// TickInterval is the period of the session tick loop.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// ShutdownTimeout bounds the final flush of live sessions on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SessionConfig holds registry and disconnect detection settings.
type SessionConfig struct {
	// HeartbeatTimeout is how long a session may stay silent before it is dropped.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// InboundDepth bounds each session's receive queue.
	InboundDepth int `mapstructure:"inbound_depth"`
	// OutboundDepth bounds each session's send queue.
	OutboundDepth int `mapstructure:"outbound_depth"`
	// WorldTemplate is an optional YAML file holding the world new players start in.
	WorldTemplate string `mapstructure:"world_template"`
}

// PersistenceConfig holds snapshot storage and retry settings.
type PersistenceConfig struct {
	// Backend is one of "file", "postgres", "sqlite", "memory".
	Backend string `mapstructure:"backend"`
	// DataDir is the root directory of the file backend.
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path"`
	// Workers bounds concurrent snapshot writes per tick.
	Workers int `mapstructure:"workers"`
	// WriteTimeout bounds a single snapshot write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxAttempts is how many writes are tried before a session is force-purged.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// NATSConfig holds session event bus settings.
type NATSConfig struct {
	// Enabled publishes purge and loss events to NATS.
	Enabled bool `mapstructure:"enabled"`
	// Embedded starts an in-process NATS server on Host:Port instead of dialing URL.
	Embedded bool `mapstructure:"embedded"`
	// URL is the server to connect to when not embedded.
	URL string `mapstructure:"url"`
	// Host is the bind address of the embedded server.
	Host string `mapstructure:"host"`
	// Port is the port of the embedded server.
	Port int `mapstructure:"port"`
	// SubjectPrefix is prepended to every event subject.
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TransportConfig holds WebSocket listener settings.
type TransportConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP path that upgrades to WebSocket.
	Path string `mapstructure:"path"`
	// Auth is "token" or "trust".
	Auth string `mapstructure:"auth"`
	// WriteWait bounds a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long the peer may go without answering a ping.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// FlushInterval is how often outbound queues are drained to the socket.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// LoginTimeout bounds the wait for the hello frame.
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
}

// Addr returns the "host:port" listen address.
func (t TransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Health      HealthConfig      `mapstructure:"health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// NeedsDatabase reports whether any component requires PostgreSQL.
func (c Config) NeedsDatabase() bool {
	return c.Persistence.Backend == BackendPostgres || c.Transport.Auth == AuthToken
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	checks := []error{
		validateServer(c.Server),
		validateSession(c.Session),
		validatePersistence(c.Persistence),
		validateNATS(c.NATS),
		validateTransport(c.Transport),
		validateHealth(c.Health),
		validateLogging(c.Logging),
	}
	if c.NeedsDatabase() {
		checks = append(checks, validateDatabase(c.Database))
	}
	for _, err := range checks {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.TickInterval <= 0 {
		errs = append(errs, "server.tick_interval must be > 0")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be > 0")
	}
	return joined(errs)
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.HeartbeatTimeout <= 0 {
		errs = append(errs, "session.heartbeat_timeout must be > 0")
	}
	if s.InboundDepth < 1 {
		errs = append(errs, fmt.Sprintf("session.inbound_depth must be >= 1, got %d", s.InboundDepth))
	}
	if s.OutboundDepth < 1 {
		errs = append(errs, fmt.Sprintf("session.outbound_depth must be >= 1, got %d", s.OutboundDepth))
	}
	return joined(errs)
}

func validatePersistence(p PersistenceConfig) error {
	var errs []string
	switch p.Backend {
	case BackendFile:
		if p.DataDir == "" {
			errs = append(errs, "persistence.data_dir must not be empty for the file backend")
		}
	case BackendSQLite:
		if p.SQLitePath == "" {
			errs = append(errs, "persistence.sqlite_path must not be empty for the sqlite backend")
		}
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend must be one of [file, postgres, sqlite, memory], got %q", p.Backend))
	}
	if p.Workers < 1 {
		errs = append(errs, fmt.Sprintf("persistence.workers must be >= 1, got %d", p.Workers))
	}
	if p.WriteTimeout <= 0 {
		errs = append(errs, "persistence.write_timeout must be > 0")
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("persistence.max_attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.InitialBackoff < 0 {
		errs = append(errs, "persistence.initial_backoff must not be negative")
	}
	if p.MaxBackoff < p.InitialBackoff {
		errs = append(errs, "persistence.max_backoff must not be less than persistence.initial_backoff")
	}
	return joined(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joined(errs)
}

func validateNATS(n NATSConfig) error {
	if !n.Enabled {
		return nil
	}
	var errs []string
	if n.Embedded {
		if n.Port < -1 || n.Port > 65535 {
			errs = append(errs, fmt.Sprintf("nats.port must be -1 (random) or 0-65535, got %d", n.Port))
		}
	} else if n.URL == "" {
		errs = append(errs, "nats.url must not be empty unless nats.embedded is set")
	}
	if n.SubjectPrefix == "" {
		errs = append(errs, "nats.subject_prefix must not be empty")
	}
	return joined(errs)
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("transport.port must be 1-65535, got %d", t.Port))
	}
	if !strings.HasPrefix(t.Path, "/") {
		errs = append(errs, fmt.Sprintf("transport.path must start with '/', got %q", t.Path))
	}
	if t.Auth != AuthToken && t.Auth != AuthTrust {
		errs = append(errs, fmt.Sprintf("transport.auth must be one of [token, trust], got %q", t.Auth))
	}
	if t.WriteWait <= 0 {
		errs = append(errs, "transport.write_wait must be > 0")
	}
	if t.PongWait <= 0 {
		errs = append(errs, "transport.pong_wait must be > 0")
	}
	if t.FlushInterval <= 0 {
		errs = append(errs, "transport.flush_interval must be > 0")
	}
	if t.LoginTimeout <= 0 {
		errs = append(errs, "transport.login_timeout must be > 0")
	}
	return joined(errs)
}

func validateHealth(h HealthConfig) error {
	if h.Host == "" {
		return errors.New("health.host must not be empty")
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("health.port must be 1-65535, got %d", h.Port)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ENFARIA_ prefix
	v.SetEnvPrefix("ENFARIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.tick_interval", "50ms")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("session.heartbeat_timeout", "10s")
	v.SetDefault("session.inbound_depth", 256)
	v.SetDefault("session.outbound_depth", 256)
	v.SetDefault("session.world_template", "")

	v.SetDefault("persistence.backend", BackendFile)
	v.SetDefault("persistence.data_dir", ".")
	v.SetDefault("persistence.sqlite_path", "enfaria.db")
	v.SetDefault("persistence.workers", 8)
	v.SetDefault("persistence.write_timeout", "5s")
	v.SetDefault("persistence.max_attempts", 5)
	v.SetDefault("persistence.initial_backoff", "500ms")
	v.SetDefault("persistence.max_backoff", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "enfaria")
	v.SetDefault("database.password", "enfaria")
	v.SetDefault("database.name", "enfaria")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.host", "127.0.0.1")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.subject_prefix", "enfaria.session")

	v.SetDefault("transport.host", "0.0.0.0")
	v.SetDefault("transport.port", 7878)
	v.SetDefault("transport.path", "/ws")
	v.SetDefault("transport.auth", AuthToken)
	v.SetDefault("transport.write_wait", "10s")
	v.SetDefault("transport.pong_wait", "60s")
	v.SetDefault("transport.flush_interval", "50ms")
	v.SetDefault("transport.login_timeout", "10s")

	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
