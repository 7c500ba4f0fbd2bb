package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/okkake/internal/api"
	"github.com/kalambet/okkake/internal/config"
	"github.com/kalambet/okkake/internal/janitor"
	"github.com/kalambet/okkake/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the okkake server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running okkake server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show okkake server and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve okkake tools over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "okkake.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "okkake.lock")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// acquireInstanceLock takes the per-data-dir lock so that only one server
// runs against a database.
func acquireInstanceLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	lock := flock.New(lockFilePath(dataDir))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, pidErr := readPIDFile(pidFilePath(dataDir)); pidErr == nil {
			return nil, fmt.Errorf("server already running (PID %d)", pid)
		}
		return nil, fmt.Errorf("server already running (lock %s held)", lock.Path())
	}
	return lock, nil
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "okkake version %s\n", version)

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	lock, err := acquireInstanceLock(cfg.Storage.DataDir)
	if err != nil {
		printWarning("%v", err)
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go janitor.New(a.store, cfg.Storage.Retention, cfg.Storage.PurgeInterval, logger).Run(ctx)

	handler := api.NewHandler(api.Deps{
		Novels:  a.engine,
		BaseURL: cfg.Server.BaseURL,
		Logger:  logger.With("component", "http"),
	})

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("okkake listening", "addr", addr, "base_url", cfg.Server.BaseURL, "data_dir", cfg.Storage.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Novels:  a.engine,
		BaseURL: cfg.Server.BaseURL,
		Version: version,
	})
	logger.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("okkake is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop okkake (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to okkake (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{baseURL: localURL(cfg), httpClient: &http.Client{Timeout: 2 * time.Second}}
	printStatus("Server", "%s", serverState(ctx, client, cfg.Server.Port))
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("PID", "%d", pid)
	}
	printStatus("Base URL", "%s", cfg.Server.BaseURL)

	if n, err := countCachedNovels(ctx, cfg); err == nil {
		printStatus("Cached novels", "%s", countLabel(n, statusCountLimit))
	} else {
		slog.Debug("counting cached novels", "error", err)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config file", "%s", config.FilePath())
	return nil
}

func serverState(ctx context.Context, client *apiClient, port int) string {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return "stopped"
	}
	var body map[string]string
	if err := decodeJSON(resp, &body); err != nil {
		return fmt.Sprintf("error (%v)", err)
	}
	if body["status"] != "ok" {
		return fmt.Sprintf("unhealthy (%q)", body["status"])
	}
	return fmt.Sprintf("running on port %d", port)
}

const statusCountLimit = 1000

func countCachedNovels(ctx context.Context, cfg config.Config) (int, error) {
	if _, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "okkake.db")); err != nil {
		return 0, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	recs, err := store.ListNovels(ctx, statusCountLimit, 0)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
