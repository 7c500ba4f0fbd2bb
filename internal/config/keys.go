package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OKKAKE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "OKKAKE_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.base_url", typ: kString, env: "OKKAKE_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OKKAKE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.retention", typ: kDuration, env: "OKKAKE_STORAGE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Storage.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.Retention },
	},
	{
		key: "storage.purge_interval", typ: kDuration, env: "OKKAKE_STORAGE_PURGE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Storage.PurgeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.PurgeInterval },
	},
	{
		key: "fetch.timeout", typ: kDuration, env: "OKKAKE_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.Timeout },
	},
	{
		key: "fetch.retry_count", typ: kInt, env: "OKKAKE_FETCH_RETRY_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.RetryCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.RetryCount },
	},
	{
		key: "fetch.user_agent", typ: kString, env: "OKKAKE_FETCH_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Fetch.UserAgent },
	},
	{
		key: "fetch.concurrency", typ: kInt, env: "OKKAKE_FETCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "OKKAKE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "OKKAKE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
