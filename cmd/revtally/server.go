package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avlott/revtally/internal/api"
	"github.com/avlott/revtally/internal/config"
	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/exclude"
	"github.com/avlott/revtally/internal/storage"
	"github.com/avlott/revtally/internal/syncer"
	"github.com/avlott/revtally/internal/tornapi"
	"github.com/avlott/revtally/internal/view"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the revtally daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running revtally daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "revtally.pid")
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

// daemon owns the wired components plus the active mode. The mode is the
// only piece of state the HTTP handlers and the backfill goroutine share
// directly, hence its own mutex.
type daemon struct {
	store    *storage.Store
	cursor   *syncer.Cursor
	engine   *view.Engine
	excl     *exclude.Manager
	playerID int64

	mu   sync.Mutex
	mode storage.Mode
}

func (d *daemon) activeMode() storage.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *daemon) switchMode(m storage.Mode) error {
	if err := d.store.PutSetting(storage.SettingActiveMode, string(m)); err != nil {
		return err
	}
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
	slog.Info("active mode switched", "mode", m)
	return nil
}

// reload recomputes the enriched set for the active mode and pushes it,
// plus the current exclusions, into the view engine.
func (d *daemon) reload() error {
	mode := d.activeMode()

	raw, err := d.store.GetAll(mode)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	d.engine.SetRecords(enrich.Enrich(raw, d.playerID))

	ex, err := d.excl.Get()
	if err != nil {
		return fmt.Errorf("loading exclusions: %w", err)
	}
	d.engine.SetExclusions(ex)
	return nil
}

// backfillAsync runs one backfill page fetch off the request path. The view
// engine triggers it when the user lands on the last page.
func (d *daemon) backfillAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mode := d.activeMode()
		merged, err := d.cursor.Backfill(ctx, mode)
		if err != nil {
			slog.Warn("background backfill failed", "mode", mode, "error", err)
			return
		}
		if merged == 0 {
			return
		}
		if err := d.reload(); err != nil {
			slog.Warn("reload after backfill failed", "error", err)
		}
	}()
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "revtally version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	token, err := config.EnsureLocalToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing local API token: %w", err)
	}

	// Refuse to start twice. The health probe catches a live daemon even if
	// the PID file went stale.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	apiKey, err := resolveAPIKey(cfg, store)
	if err != nil {
		return err
	}
	if apiKey == "" {
		printWarning("no game API key configured; sync will fail (set REVTALLY_API_KEY)")
	}

	source := tornapi.NewWithBaseURL(apiKey, cfg.API.BaseURL)
	source.SetPageSize(cfg.Sync.PageSize)

	playerID, err := resolvePlayerID(cfg, store)
	if err != nil {
		return err
	}

	d := &daemon{
		store:    store,
		cursor:   syncer.New(store, source),
		excl:     exclude.NewManager(store),
		playerID: playerID,
		mode:     loadActiveMode(store),
	}
	d.engine = view.NewEngine(view.BackfillFunc(d.backfillAsync))

	if err := d.reload(); err != nil {
		return err
	}

	handler := api.NewHandler(token, api.Deps{
		Store:      store,
		Engine:     d.engine,
		Cursor:     d.cursor,
		Exclusions: d.excl,
		Mode:       d.activeMode,
		SwitchMode: d.switchMode,
		Reload:     d.reload,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("revtally listening", "addr", addr, "mode", d.activeMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resolveAPIKey prefers the environment/secret config over the settings
// collection, so a key stored before the env var existed still works.
func resolveAPIKey(cfg config.Config, store *storage.Store) (string, error) {
	if cfg.API.Key != "" {
		return cfg.API.Key, nil
	}
	key, err := store.GetSetting(storage.SettingAPIKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading stored API key: %w", err)
	}
	return key, nil
}

func resolvePlayerID(cfg config.Config, store *storage.Store) (int64, error) {
	if cfg.Player.ID != 0 {
		return cfg.Player.ID, nil
	}
	raw, err := store.GetSetting(storage.SettingPlayerID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading stored player id: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored player id %q is not an integer", raw)
	}
	return id, nil
}

func loadActiveMode(store *storage.Store) storage.Mode {
	raw, err := store.GetSetting(storage.SettingActiveMode)
	if err != nil {
		return storage.ModeIndividual
	}
	mode, err := storage.ParseMode(raw)
	if err != nil {
		slog.Warn("ignoring invalid stored mode", "value", raw)
		return storage.ModeIndividual
	}
	return mode
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("revtally is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop revtally (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to revtally (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, clientErr := newAPIClient()
	if clientErr != nil {
		printStatus("Server", "stopped (%v)", clientErr)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var health struct {
		Status  string       `json:"status"`
		Mode    storage.Mode `json:"mode"`
		Records int          `json:"records"`
	}
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}

	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Mode", "%s", health.Mode)
	printStatus("Cached records", "%d", health.Records)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
