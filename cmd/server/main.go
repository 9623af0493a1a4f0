// cmd/server is the database server entrypoint.
//
// Configuration comes from an optional YAML file plus BLAZEKV_* environment
// overrides:
//
//	./server --config blazekv.yaml
//	BLAZEKV_BIND_ADDR=:6380 ./server
//
// Startup order matters: state is recovered from the snapshot and the
// append-only log before the TCP listener binds, so clients never observe a
// partially recovered store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blazekv/internal/api"
	"blazekv/internal/config"
	"blazekv/internal/kv"
	"blazekv/internal/logging"
	"blazekv/internal/metrics"
	"blazekv/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	// Recovery happens inside Open; a failure here is fatal before any
	// listener binds.
	db, err := kv.Open(cfg, m, logger)
	if err != nil {
		return err
	}

	tcpServer := server.New(server.Options{
		BindAddr:       cfg.Server.BindAddr,
		IdleTimeout:    cfg.Server.ConnectionTimeout(),
		MaxConnections: cfg.Server.MaxConnections,
	}, db.Dispatcher(), m, logging.Component(logger, "server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tcpServer.ListenAndServe(ctx)
	})

	if addr := cfg.Observability.HTTPAddr; addr != "" {
		handler := api.NewHandler(db.Engine(), m, logging.Component(logger, "api"))
		httpSrv := &http.Server{
			Addr: addr,
			Handler: handler.Router(
				cfg.Observability.HealthEnabled,
				cfg.Observability.MetricsEnabled,
			),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	logger.Info("shutting down")

	// Final snapshot before the log writer drains, matching the periodic
	// cycle: publish state, then compact.
	if cfg.Persistence.SnapshotEnabled {
		if snapErr := db.Snapshot(); snapErr != nil {
			logger.Error("final snapshot failed", zap.Error(snapErr))
		}
	}
	if closeErr := db.Close(); closeErr != nil {
		logger.Error("close failed", zap.Error(closeErr))
	}

	return err
}
