/*
Package config loads service configuration.

SOURCES (later wins):
  1. Default()              built-in values
  2. TOML file              optional, --config flag
  3. .env file              optional, loaded into the process environment
  4. Environment variables  PORT, DB_PATH, LOG_LEVEL, ...

EXAMPLE FILE:
  [server]
  port = 8080
  cors_allowed_origins = ["http://localhost:5173"]

  [database]
  path = "./storecredit.db"

  [ledger]
  max_conflict_retries = 5

  [audit]
  enabled = true
  interval = "1h"
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Audit    AuditConfig    `toml:"audit"`
	Auth     AuthConfig     `toml:"auth"`
}

type ServerConfig struct {
	Port               int           `toml:"port" env:"PORT"`
	CORSAllowedOrigins []string      `toml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	ReadTimeout        Duration      `toml:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	WriteTimeout       Duration      `toml:"write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `toml:"-" env:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Path string `toml:"path" env:"DB_PATH"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"` // text or json
}

type LedgerConfig struct {
	MaxConflictRetries int `toml:"max_conflict_retries" env:"LEDGER_MAX_CONFLICT_RETRIES"`
}

type AuditConfig struct {
	Enabled  bool     `toml:"enabled" env:"AUDIT_ENABLED"`
	Interval Duration `toml:"interval" env:"AUDIT_INTERVAL"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET" json:"-"`
}

// Duration reads "90s"-style strings from TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               8080,
			CORSAllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:        Duration{15 * time.Second},
			WriteTimeout:       Duration{15 * time.Second},
			ShutdownTimeout:    30 * time.Second,
		},
		Database: DatabaseConfig{Path: "storecredit.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Ledger:   LedgerConfig{MaxConflictRetries: 5},
		Audit:    AuditConfig{Enabled: false, Interval: Duration{time.Hour}},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, an optional .env file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Ledger.MaxConflictRetries <= 0 {
		return fmt.Errorf("max_conflict_retries must be positive, got %d", c.Ledger.MaxConflictRetries)
	}
	if c.Audit.Enabled && c.Audit.Interval.Duration <= 0 {
		return errors.New("audit interval must be positive when audit is enabled")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

func (c Config) String() string {
	res, _ := json.Marshal(&c)
	return string(res)
}

// NewLogger builds the process logger.
func NewLogger(c LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(level)
	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return l, nil
}
