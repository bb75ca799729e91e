package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookpager/internal/keylock"
	"bookpager/internal/util"
	"bookpager/pkg/store"
	"bookpager/pkg/upstream"
	"bookpager/services/books/internal/app"
	"bookpager/services/books/internal/config"
	"bookpager/services/books/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	results, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer results.Close()

	var locker keylock.Locker = keylock.NewMemoryLocker()
	if cfg.StoreBackend == config.BackendRedis {
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = "bookpager"
		}
		redisLocker, err := keylock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, prefix+":lock", cfg.LockTTL())
		if err != nil {
			log.Fatalf("failed to init redis locker: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	appCore, err := app.New(app.Config{
		Store: results,
		Fetcher: upstream.NewGoogleBooks(upstream.GoogleBooksConfig{
			BaseURL:    cfg.BooksAPIURL,
			APIKey:     cfg.BooksAPIKey,
			MaxResults: cfg.BooksMaxResults,
			Timeout:    cfg.BooksTimeout(),
		}),
		Locker:    locker,
		PageSize:  cfg.PageSize,
		Retention: cfg.Retention(),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{App: appCore})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("books server listening", "addr", addr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return appCore.RunSweeper(gctx, cfg.SweepInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func openStore(cfg config.FileConfig) (store.ResultStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendPostgres, config.BackendSQLite:
		dsn, driver := cfg.DatabaseURL, store.DriverPostgres
		if cfg.StoreBackend == config.BackendSQLite {
			dsn, driver = cfg.SQLitePath, store.DriverSQLite
		}
		gormStore, err := store.NewGormStore(dsn, store.WithDriver(driver))
		if err != nil {
			return nil, err
		}
		return gormStore, nil
	case config.BackendRedis:
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
