package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"modelstore/internal/api"
	"modelstore/internal/bootstrap"
	"modelstore/internal/cache"
	"modelstore/internal/config"
	"modelstore/internal/engine"
	"modelstore/internal/eventlog"
	"modelstore/internal/reader"
	"modelstore/internal/state"
)

func main() {
	configPath := flag.String("config", os.Getenv("MS_CONFIG"), "path to TOML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	schema, err := config.LoadSchema(cfg.Schema)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	log, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.db"), logger.Named("eventlog"))
	if err != nil {
		return err
	}
	defer log.Close()

	st, err := state.Open(filepath.Join(cfg.DataDir, "state.db"), logger.Named("state"))
	if err != nil {
		return err
	}
	defer st.Close()

	// The log is the source of truth; bring the projection up to date
	// before serving anything.
	if err := st.Recover(log); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	ch, err := cache.New(cfg.CacheSize, clock.New(), reg)
	if err != nil {
		return err
	}
	writer := engine.New(log, st, ch, schema, logger.Named("writer"), clock.New(), reg)
	rd := reader.New(st, ch, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Load(ctx, writer, log.HighestID(), cfg.Bootstrap, logger.Named("bootstrap")); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(writer, rd, ch, logger.Named("api"), reg, cfg.DevMode),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("data_dir", cfg.DataDir),
			zap.Bool("dev_mode", cfg.DevMode))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
