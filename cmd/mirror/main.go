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
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"telemirror/internal/config"
	"telemirror/internal/mirror"
	"telemirror/internal/storage"
	"telemirror/internal/telegram"
	"telemirror/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)

	if err := run(cfg, log); err != nil {
		log.Error("mirror stopped", "error", err)
		os.Exit(1)
	}
	log.Info("mirror stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	table, err := config.Build(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	gw, err := telegram.New(cfg.Telegram.BotToken, table.Sources(), log)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	engine := mirror.NewEngine(table, store, gw, throttle.New(cfg.Mirror.ThrottleInterval), log)
	dispatcher := mirror.NewDispatcher(engine, cfg.Mirror.Workers, cfg.Mirror.QueueSize, log)
	coalescer := mirror.NewCoalescer(dispatcher, cfg.Mirror.AlbumWindow, log)

	log.Info("starting mirror",
		"chats", len(table.Sources()),
		"storage", cfg.Storage.Backend,
		"mode", cfg.Mirror.Mode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Run(gctx, coalescer)
	})
	if cfg.Telegram.Deletions() {
		deletions, err := telegram.NewDeletionSource(telegram.DeletionConfig{
			AppID:       cfg.Telegram.APIID,
			AppHash:     cfg.Telegram.APIHash,
			SessionPath: cfg.Telegram.SessionPath,
		}, cfg.Telegram.BotToken, table.Sources(), log)
		if err != nil {
			return fmt.Errorf("create deletion source: %w", err)
		}
		g.Go(func() error {
			return deletions.Run(gctx, coalescer)
		})
	} else {
		log.Warn("TELEGRAM_API_ID and TELEGRAM_API_HASH not set, source deletions will not be mirrored")
	}
	if cfg.Health.Addr != "" {
		g.Go(func() error {
			return serveHealth(gctx, cfg.Health.Addr, log)
		})
	}
	err = g.Wait()

	// Buffered albums go to the dispatcher before its queues drain.
	coalescer.Close()
	dispatcher.Close()
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := storage.NewPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return storage.NewMemory(cfg.MemoryCapacity), nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
		store, err := storage.NewSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
		}
		return store, nil
	}
}

func serveHealth(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("health endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
