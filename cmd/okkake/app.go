package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/okkake/internal/config"
	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/storage"
	"github.com/kalambet/okkake/internal/syosetu"
)

// app bundles the collaborators shared by the server, MCP and cache commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *storage.Store
	client *syosetu.Client
	engine *freshness.Engine
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return newApp(cfg, logger, store), nil
}

func newApp(cfg config.Config, logger *slog.Logger, store *storage.Store) *app {
	client := syosetu.New(
		syosetu.WithTimeout(cfg.Fetch.Timeout),
		syosetu.WithRetryCount(cfg.Fetch.RetryCount),
		syosetu.WithUserAgent(cfg.Fetch.UserAgent),
		syosetu.WithLogger(logger),
	)
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: client,
		engine: freshness.NewEngine(store, client, freshness.WithLogger(logger)),
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
