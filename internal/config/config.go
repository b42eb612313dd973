// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Remote() RemoteConfig
	Database() DatabaseConfig
	Server() ServerConfig
	Tracing() TracingConfig

	// Server Setters
	SetServerTransport(string)
	SetServerAddr(string)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	RemoteCfg   RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	TracingCfg  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Remote() RemoteConfig     { return c.RemoteCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Tracing() TracingConfig   { return c.TracingCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetServerTransport(t string) { c.ServerCfg.Transport = t }
func (c *Config) SetServerAddr(a string)      { c.ServerCfg.Addr = a }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for locally launched browsers and for the
// behavior shared by every session.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	DOMMaxLength    int           `mapstructure:"dom_max_length" yaml:"dom_max_length"`
	MaxSessions     int64         `mapstructure:"max_sessions" yaml:"max_sessions"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	ActionRate      float64       `mapstructure:"action_rate" yaml:"action_rate"`
	ActionBurst     int           `mapstructure:"action_burst" yaml:"action_burst"`
	CaptureBuffer   int           `mapstructure:"capture_buffer" yaml:"capture_buffer"`
}

// RemoteConfig controls attaching to browsers that are already running.
type RemoteConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// DatabaseConfig selects where session records and events are persisted.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the SQLite file; a leading ~ is expanded.
	Path string `mapstructure:"path" yaml:"path"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// ResolvedPath returns Path with the home directory expanded.
func (d DatabaseConfig) ResolvedPath() (string, error) {
	p, err := homedir.Expand(d.Path)
	if err != nil {
		return "", fmt.Errorf("failed to expand database path %q: %w", d.Path, err)
	}
	return p, nil
}

// Transports the server can speak MCP over.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig configures the MCP server and its listeners.
type ServerConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Transport string `mapstructure:"transport" yaml:"transport"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	// MetricsAddr, when set in stdio mode, serves /healthz and /metrics.
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TracingConfig toggles the span exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browser-instrumentation-mcp")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.settle_delay", "100ms")
	v.SetDefault("browser.action_timeout", "5s")
	v.SetDefault("browser.dom_max_length", 100000)
	v.SetDefault("browser.max_sessions", 0)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.action_rate", 0.0)
	v.SetDefault("browser.action_burst", 1)
	v.SetDefault("browser.capture_buffer", 1024)

	// -- Remote --
	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.connect_timeout", "10s")

	// -- Database --
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "~/.browser-instrumentation-mcp/sessions.db")
	v.SetDefault("database.url", "")

	// -- Server --
	v.SetDefault("server.name", "browser-instrumentation")
	v.SetDefault("server.transport", TransportStdio)
	v.SetDefault("server.addr", "127.0.0.1:8931")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Tracing --
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "browser-instrumentation-mcp")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Connection strings usually carry credentials; accept them from the environment.
	v.BindEnv("database.url", "BIMCP_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if c.RemoteCfg.ConnectTimeout < 0 {
		return fmt.Errorf("remote.connect_timeout must not be negative")
	}
	if err := c.DatabaseCfg.Validate(); err != nil {
		return fmt.Errorf("database configuration invalid: %w", err)
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.ViewportWidth <= 0 || b.ViewportHeight <= 0 {
		return fmt.Errorf("viewport_width and viewport_height must be positive integers")
	}
	if b.DOMMaxLength <= 0 {
		return fmt.Errorf("dom_max_length must be a positive integer")
	}
	if b.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if b.ActionRate < 0 {
		return fmt.Errorf("action_rate must not be negative")
	}
	if b.ActionTimeout < 0 {
		return fmt.Errorf("action_timeout must not be negative")
	}
	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch strings.ToLower(d.Driver) {
	case DriverSQLite:
		if d.Path == "" {
			return fmt.Errorf("path is required for the sqlite driver")
		}
	case DriverPostgres:
		if d.URL == "" {
			return fmt.Errorf("url is required for the postgres driver")
		}
	case DriverNone, "":
	default:
		return fmt.Errorf("unknown driver %q (want sqlite, postgres or none)", d.Driver)
	}
	return nil
}

// Validate checks the server settings.
func (s *ServerConfig) Validate() error {
	switch s.Transport {
	case TransportStdio:
	case TransportHTTP:
		if s.Addr == "" {
			return fmt.Errorf("addr is required for the http transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", s.Transport)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be a positive duration")
	}
	return nil
}
