package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/pairpad/internal/ai"
	"github.com/manpreetbhatti/pairpad/internal/api"
	"github.com/manpreetbhatti/pairpad/internal/config"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/document"
	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(cfg.Logger())

	if err := run(cfg); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	buckets, err := openBucketStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := buckets.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	limiter := ratelimit.NewWindowLimiter(buckets, cfg.AIRateLimit, cfg.AIRateWindow)
	sweeper := ratelimit.NewSweeper(limiter, cfg.BucketSweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	var backend ai.Backend = ai.Unavailable{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := ai.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return err
		}
		backend = gemini
	} else {
		slog.Warn("GEMINI_API_KEY not set, generation requests will fail")
	}

	cache := document.NewCache(database, cfg.PersistTimeout)
	hub := ws.NewHub(cache, ai.NewStreamer(backend, limiter), limiter, ws.Options{
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	r := mux.NewRouter()
	r.Use(api.LoggingMiddleware)
	r.Path("/ws").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	handlers := api.New(hub, database)
	if pinger, ok := buckets.(interface{ Ping(context.Context) error }); ok {
		handlers.AddHealthCheck("redis", pinger.Ping)
	}
	handlers.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.CORSMiddleware(cfg.CORSOrigin)(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pairpad server starting",
			"addr", cfg.Addr,
			"store", storeName(cfg),
			"rate_limit", cfg.AIRateLimit,
			"rate_window", cfg.AIRateWindow,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}

	stopHub()
	<-hub.Done()
	cache.Flush()
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*db.Database, error) {
	if cfg.UsePostgres() {
		return db.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return db.New(cfg.DBPath)
}

func openBucketStore(cfg config.Config) (ratelimit.BucketStore, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryStore(), nil
	}
	store, err := ratelimit.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("rate-limit buckets stored in redis")
	return store, nil
}

func storeName(cfg config.Config) string {
	if cfg.UsePostgres() {
		return "postgres"
	}
	return "sqlite:" + cfg.DBPath
}
