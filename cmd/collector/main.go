package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/collector/server"
	"github.com/happy-eyeballs/he-webtester/internal/collector/store"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
)

func main() {
	logger, err := logging.New(getenvDefault("LOG_LEVEL", "info"), os.Stdout)
	if err != nil {
		logging.Discard().Fatalf("invalid LOG_LEVEL: %v", err)
	}
	if err := run(context.Background(), logger); err != nil {
		logger.WithError(err).Fatal("collector failed")
	}
}

func run(ctx context.Context, logger *log.Logger) error {
	st, cleanup, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	rateLimit, err := getenvFloat("UPLOAD_RATE")
	if err != nil {
		return err
	}
	burst, err := getenvInt("UPLOAD_BURST")
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:         getenvDefault("LISTEN_ADDR", ":40000"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		UploadRate:   rateLimit,
		UploadBurst:  burst,
	}, server.Dependencies{
		Logger: logger,
		Store:  st,
	})

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("starting collector on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return err
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	logger.Info("collector stopped")
	return nil
}

// openStore prefers PostgreSQL, then the results directory, then memory.
func openStore(ctx context.Context, logger log.Interface) (store.Store, func(), error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("collector using PostgreSQL store")
		return pgStore, pgStore.Close, nil
	}
	if dir := os.Getenv("RESULTS_DIR"); dir != "" {
		fileStore, err := store.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("dir", dir).Info("collector writing results to disk")
		return fileStore, func() {}, nil
	}
	logger.Warn("DATABASE_URL and RESULTS_DIR not set, using in-memory store (not for production)")
	return store.NewMemoryStore(), func() {}, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvFloat(key string) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, errors.New(key + " must be a number")
	}
	return f, nil
}

func getenvInt(key string) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
