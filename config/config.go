package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/maildrop/helpers"
)

// Store backends accepted in [store] backend.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// StoreConfig selects the maildrop store backend.
type StoreConfig struct {
	Backend        string `toml:"backend"`         // "postgres", "sqlite" or "memory"
	ConnectRetries int    `toml:"connect_retries"` // Attempts to reach the store at startup before giving up
	ConnectBackoff string `toml:"connect_backoff"` // Initial backoff between attempts (default: "1s")
}

// GetConnectBackoff parses the initial backoff between connection attempts.
func (c *StoreConfig) GetConnectBackoff() (time.Duration, error) {
	if c.ConnectBackoff == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectBackoff)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
}

// ConnString builds the pgx connection URL.
func (d *DatabaseConfig) ConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		d.User, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.Name, sslMode)
}

// RedactedConnString is ConnString without the password, for logs.
func (d *DatabaseConfig) RedactedConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s",
		d.User, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the timeout applied to single store calls.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// S3Config holds the optional object storage for message bodies.
type S3Config struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	UseSSL        bool   `toml:"use_ssl"`
	Trace         bool   `toml:"trace"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 32 bytes, hex encoded
}

// POP3ServerConfig holds the POP3 listener settings.
type POP3ServerConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	IdleTimeout         string `toml:"idle_timeout"`           // Inactivity interval before a session is dropped (default: 600s)
	MaxConnections      int    `toml:"max_connections"`        // 0 = unlimited
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // 0 = unlimited
	Debug               bool   `toml:"debug"`                  // Log every command line (passwords masked)
}

// Addr returns the host:port the listener binds.
func (c *POP3ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GetIdleTimeout parses the inactivity timeout.
func (c *POP3ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 600 * time.Second, nil
	}
	return helpers.ParseDuration(c.IdleTimeout)
}

// LMTPServerConfig holds the delivery listener settings.
type LMTPServerConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	Hostname        string   `toml:"hostname"`         // Greeting name (default: os.Hostname)
	MaxMessageSize  int64    `toml:"max_message_size"` // Bytes, 0 = unlimited
	MaxConnections  int      `toml:"max_connections"`  // 0 = unlimited
	ReadTimeout     string   `toml:"read_timeout"`     // default: 5m
	TrustedNetworks []string `toml:"trusted_networks"` // CIDRs allowed to deliver (default: localhost and private ranges)
	Debug           bool     `toml:"debug"`
}

// GetReadTimeout parses the per-command read timeout.
func (c *LMTPServerConfig) GetReadTimeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.ReadTimeout)
}

// HTTPAPIConfig holds the admin HTTP API settings.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Start           bool   `toml:"start"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"` // How often store gauges are refreshed (default: 1m)
}

// GetCollectInterval parses the gauge refresh interval.
func (c *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if c.CollectInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.CollectInterval)
}

// ServersConfig groups the network listeners.
type ServersConfig struct {
	POP3    POP3ServerConfig `toml:"pop3"`
	LMTP    LMTPServerConfig `toml:"lmtp"`
	HTTPAPI HTTPAPIConfig    `toml:"http_api"`
	Metrics MetricsConfig    `toml:"metrics"`
}

// Config holds the whole application configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Store    StoreConfig    `toml:"store"`
	Database DatabaseConfig `toml:"database"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	S3       S3Config       `toml:"s3"`
	Servers  ServersConfig  `toml:"servers"`
}

// NewDefaultConfig returns the configuration used when no file overrides it.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Store: StoreConfig{
			Backend:        BackendPostgres,
			ConnectRetries: 5,
			ConnectBackoff: "1s",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Name:            "maildrop",
			MaxConns:        50,
			MinConns:        2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		SQLite: SQLiteConfig{
			Path: "maildrop.db",
		},
		Servers: ServersConfig{
			POP3: POP3ServerConfig{
				Port:        110,
				IdleTimeout: "600s",
			},
			LMTP: LMTPServerConfig{
				Addr:           "127.0.0.1:24",
				MaxMessageSize: 50 * 1024 * 1024,
				ReadTimeout:    "5m",
			},
			HTTPAPI: HTTPAPIConfig{
				Addr: "127.0.0.1:8080",
			},
			Metrics: MetricsConfig{
				Addr:            ":9090",
				Path:            "/metrics",
				CollectInterval: "1m",
			},
		},
	}
}

// Validate rejects settings the servers cannot start with.
func (c *Config) Validate() error {
	if c.Servers.POP3.Port < 0 || c.Servers.POP3.Port > 65535 {
		return fmt.Errorf("invalid pop3 port %d: must be between 0 and 65535", c.Servers.POP3.Port)
	}

	timeout, err := c.Servers.POP3.GetIdleTimeout()
	if err != nil {
		return fmt.Errorf("invalid pop3 idle_timeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("invalid pop3 idle_timeout %s: must be greater than zero", timeout)
	}

	switch c.Store.Backend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.Backend == BackendSQLite && c.SQLite.Path == "" {
		return fmt.Errorf("sqlite backend requires sqlite.path")
	}

	if c.S3.Enabled {
		if c.Store.Backend != BackendPostgres {
			return fmt.Errorf("s3 body storage is only supported with the postgres backend")
		}
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 requires endpoint and bucket")
		}
		if c.S3.Encrypt {
			key, err := hex.DecodeString(c.S3.EncryptionKey)
			if err != nil || len(key) != 32 {
				return fmt.Errorf("s3 encryption_key must be 32 bytes (64 hex characters)")
			}
		}
	}

	if _, err := c.Servers.LMTP.GetReadTimeout(); err != nil {
		return fmt.Errorf("invalid lmtp read_timeout: %w", err)
	}
	if _, err := c.Servers.Metrics.GetCollectInterval(); err != nil {
		return fmt.Errorf("invalid metrics collect_interval: %w", err)
	}

	if c.Servers.HTTPAPI.Start && c.Servers.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api requires api_key")
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file over cfg, keeping defaults for absent keys.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Unknown keys are usually typos; they are reported but not fatal.
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	return fmt.Errorf("failed to parse configuration: %w", err)
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
