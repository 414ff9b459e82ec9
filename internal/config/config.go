// Package config loads ipakeeper settings: defaults, then a TOML file, then
// IPAKEEPER_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full application configuration.
type Config struct {
	DataDir string `toml:"data_dir"`
	// Passphrase unlocks the secret store. Environment only.
	Passphrase string `toml:"-"`

	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Auth      AuthConfig      `toml:"auth"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Database  DatabaseConfig  `toml:"database"`
	Downloads DownloadsConfig `toml:"downloads"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// StoreConfig tunes the protocol client.
type StoreConfig struct {
	Timeout   time.Duration `toml:"timeout"`
	UserAgent string        `toml:"user_agent"`
	// RequestsPerSecond caps catalog calls; 0 disables the cap.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// AuthConfig tunes the sign-in failure limiter.
type AuthConfig struct {
	FailureWindow time.Duration `toml:"failure_window"`
	MaxFailures   int           `toml:"max_failures"`
	BlockFor      time.Duration `toml:"block_for"`
}

type CatalogConfig struct {
	VersionsNewestFirst bool `toml:"versions_newest_first"`
	HistoryPage         int  `toml:"history_page"`
	AutoLicense         bool `toml:"auto_license"`
}

type DatabaseConfig struct {
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

type DownloadsConfig struct {
	PackagesDir     string        `toml:"packages_dir"`
	FlushInterval   time.Duration `toml:"flush_interval"`
	RetryAttempts   int           `toml:"retry_attempts"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	RetryMaxBackoff time.Duration `toml:"retry_max_backoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log:     LogConfig{Level: "info"},
		Store: StoreConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             3,
		},
		Auth: AuthConfig{
			FailureWindow: 15 * time.Minute,
			MaxFailures:   5,
			BlockFor:      15 * time.Minute,
		},
		Catalog: CatalogConfig{
			VersionsNewestFirst: true,
			HistoryPage:         3,
			AutoLicense:         true,
		},
		Database: DatabaseConfig{Driver: DriverSQLite, MaxConns: 4},
		Downloads: DownloadsConfig{
			FlushInterval:   time.Second,
			RetryAttempts:   5,
			RetryBackoff:    time.Second,
			RetryMaxBackoff: 30 * time.Second,
		},
	}
}

// DefaultDataDir is $XDG_DATA_HOME/ipakeeper or ~/.local/share/ipakeeper.
func DefaultDataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "ipakeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "ipakeeper")
}

// DefaultPath is $XDG_CONFIG_HOME/ipakeeper/config.toml or the ~/.config equivalent.
func DefaultPath() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ipakeeper", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ipakeeper", "config.toml")
}

// Load reads path over the defaults and applies environment overrides. An
// empty path means DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies IPAKEEPER_* variables.
func (c *Config) ApplyEnvOverrides() error {
	str := map[string]*string{
		"IPAKEEPER_DATA_DIR":     &c.DataDir,
		"IPAKEEPER_PASSPHRASE":   &c.Passphrase,
		"IPAKEEPER_LOG_LEVEL":    &c.Log.Level,
		"IPAKEEPER_DB_DRIVER":    &c.Database.Driver,
		"IPAKEEPER_DB_DSN":       &c.Database.DSN,
		"IPAKEEPER_PACKAGES_DIR": &c.Downloads.PackagesDir,
		"IPAKEEPER_USER_AGENT":   &c.Store.UserAgent,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	flags := map[string]*bool{
		"IPAKEEPER_LOG_DEV":               &c.Log.Development,
		"IPAKEEPER_AUTO_LICENSE":          &c.Catalog.AutoLicense,
		"IPAKEEPER_VERSIONS_NEWEST_FIRST": &c.Catalog.VersionsNewestFirst,
	}
	for env, dst := range flags {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = b
	}
	return nil
}

// Validate checks the configuration for values the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if c.Store.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("store.requests_per_second must not be negative"))
	}
	if c.Catalog.HistoryPage <= 0 {
		errs = append(errs, errors.New("catalog.history_page must be positive"))
	}
	if c.Downloads.FlushInterval <= 0 {
		errs = append(errs, errors.New("downloads.flush_interval must be positive"))
	}
	if c.Downloads.RetryAttempts < 0 {
		errs = append(errs, errors.New("downloads.retry_attempts must not be negative"))
	}
	if c.Auth.MaxFailures <= 0 {
		errs = append(errs, errors.New("auth.max_failures must be positive"))
	}
	return errors.Join(errs...)
}

// SecretsPath is the encrypted account store.
func (c *Config) SecretsPath() string { return filepath.Join(c.DataDir, "secrets.json") }

// DatabasePath is the SQLite job database.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "jobs.db") }

// LockPath guards the data directory.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir, "ipakeeper.lock") }

// PackagesPath is the artifact root.
func (c *Config) PackagesPath() string {
	if c.Downloads.PackagesDir != "" {
		return c.Downloads.PackagesDir
	}
	return filepath.Join(c.DataDir, "packages")
}

// Flags are the global command-line overrides.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath  string
	DataDir     string
	LogLevel    string
	Dev         bool
	Driver      string
	DSN         string
	PackagesDir string
}

// AddFlags registers the global flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "config file (default "+DefaultPath()+")")
	fs.StringVar(&f.DataDir, "data-dir", "", "data directory")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVar(&f.Dev, "dev", false, "human-readable logs")
	fs.StringVar(&f.Driver, "db-driver", "", "job database driver (sqlite or postgres)")
	fs.StringVar(&f.DSN, "db-dsn", "", "PostgreSQL DSN")
	fs.StringVar(&f.PackagesDir, "packages-dir", "", "artifact directory")
	return f
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("data-dir") {
		cfg.DataDir = f.DataDir
	}
	if f.fs.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if f.fs.Changed("dev") {
		cfg.Log.Development = f.Dev
	}
	if f.fs.Changed("db-driver") {
		cfg.Database.Driver = f.Driver
	}
	if f.fs.Changed("db-dsn") {
		cfg.Database.DSN = f.DSN
	}
	if f.fs.Changed("packages-dir") {
		cfg.Downloads.PackagesDir = f.PackagesDir
	}
}
