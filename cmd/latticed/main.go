// Command latticed runs one control-plane instance: the WebSocket
// gateway for viewers, the worker HTTP API, and the background loops
// (broadcast subscription, presence heartbeat, reaper sweeps).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Richardson2512/testlattice-backend-sub001/engine"
	"github.com/Richardson2512/testlattice-backend-sub001/runclient"
	redisstore "github.com/Richardson2512/testlattice-backend-sub001/store/redis"
)

func main() {
	var (
		addr     = flag.String("addr", envOr("LATTICE_ADDR", ":8080"), "listen address")
		redisURL = flag.String("redis", envOr("LATTICE_REDIS_ADDR", "localhost:6379"), "redis address")
		appURL   = flag.String("app-url", envOr("LATTICE_APP_URL", "http://localhost:3000"), "main application internal API base URL")
		logJSON  = flag.Bool("log-json", false, "log in JSON")
	)
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	client := goredis.NewClient(&goredis.Options{Addr: *redisURL})
	backend := redisstore.New(client, redisstore.WithLogger(logger))

	runs := runclient.New(*appURL,
		runclient.WithToken(os.Getenv("LATTICE_APP_TOKEN")),
		runclient.WithLogger(logger),
	)

	cp := engine.New(backend, runs, engine.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cp.Start(ctx); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           cp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", slog.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := cp.Stop(); err != nil {
		logger.Warn("control plane shutdown", slog.String("error", err.Error()))
	}
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.String("error", err.Error()))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
