package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Fetch   FetchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	Bind string
	// BaseURL is the externally visible root used in feed ids and self links.
	BaseURL string
}

type StorageConfig struct {
	DataDir string
	// Retention is how long an unrequested record is kept; zero keeps
	// records forever.
	Retention     time.Duration
	PurgeInterval time.Duration
}

type FetchConfig struct {
	Timeout     time.Duration
	RetryCount  int
	UserAgent   string
	Concurrency int
}

type LogConfig struct {
	Level  string
	Format string
}

// DefaultUserAgent is sent to syosetu.com unless fetch.user_agent is set.
const DefaultUserAgent = "okkake (+https://github.com/kalambet/okkake)"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8080,
			Bind:    "127.0.0.1",
			BaseURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Fetch: FetchConfig{
			Timeout:     10 * time.Second,
			RetryCount:  2,
			UserAgent:   DefaultUserAgent,
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/okkake/config.toml, then applies OKKAKE_* environment
// variable overrides, then validates the result.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, fmt.Errorf("storage.retention %s must not be negative", c.Storage.Retention))
	}
	if c.Storage.PurgeInterval <= 0 {
		errs = append(errs, fmt.Errorf("storage.purge_interval %s must be positive", c.Storage.PurgeInterval))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout %s must be positive", c.Fetch.Timeout))
	}
	if c.Fetch.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("fetch.retry_count %d must not be negative", c.Fetch.RetryCount))
	}
	if c.Fetch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch.concurrency %d must be at least 1", c.Fetch.Concurrency))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the host:port the server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// NewLogger builds the slog logger described by the log settings.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return l, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "okkake-data"
		}
	}
	return filepath.Join(dir, "okkake")
}

// FilePath returns the location of the config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "okkake", "config.toml")
}
