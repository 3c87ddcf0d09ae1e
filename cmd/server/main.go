package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicstream/taxmart/internal/aggregate"
	"github.com/civicstream/taxmart/internal/api"
	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/coordinator"
	"github.com/civicstream/taxmart/internal/engine"
	"github.com/civicstream/taxmart/internal/sink"
	"github.com/civicstream/taxmart/internal/store"
	"github.com/civicstream/taxmart/internal/view"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/pipeline.yaml", "Path to pipeline YAML config")
	flag.Parse()

	if err := run(*addr, *cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr, cfgPath string) error {
	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	// ── Event store ──────────────────────────────────────────────────────────
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Init(context.Background()); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	logger.Info("store ready", zap.String("driver", cfg.Storage.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Views ────────────────────────────────────────────────────────────────
	var (
		views    []*view.View
		appliers []engine.Applier
	)
	for _, vc := range cfg.Views {
		v := view.New(vc.Name, vc.EntityType, vc.Strategy, st, logger)
		views = append(views, v)
		if vc.Strategy == view.StrategyStreaming {
			appliers = append(appliers, v)
			if err := v.Warm(ctx); err != nil {
				return fmt.Errorf("warm view %s: %w", vc.Name, err)
			}
		}
	}
	viewSet := coordinator.NewViewSet(views...)

	// ── Outputs and sink ─────────────────────────────────────────────────────
	defs, err := aggregate.Compile(cfg.Outputs)
	if err != nil {
		return fmt.Errorf("compile outputs: %w", err)
	}

	var pub aggregate.Publisher
	if cfg.Sink.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Sink.RedisAddr,
			Password: cfg.Sink.RedisPassword,
			DB:       cfg.Sink.RedisDB,
		})
		defer client.Close()
		pub = sink.NewPublisher(sink.NewRedisKV(client),
			cfg.Sink.KeyPrefix, time.Duration(cfg.Sink.TTLSeconds)*time.Second)
		logger.Info("sink enabled", zap.String("redis", cfg.Sink.RedisAddr))
	}

	agg := aggregate.NewEngine(defs, viewSet, st, pub, cfg.FiscalYearStartMonth, logger)

	// ── Ingest engine and coordinator ────────────────────────────────────────
	eng := engine.New(ctx, st, appliers, cfg.Engine, logger)

	coord := coordinator.New(viewSet, agg,
		cfg.Coordinator.Mode,
		time.Duration(cfg.Coordinator.IntervalSeconds)*time.Second,
		logger)
	coord.Start(ctx)

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			logger.Warn("hot-reload skipped: config invalid", zap.Error(err))
			return
		}
		newDefs, err := aggregate.Compile(newCfg.Outputs)
		if err != nil {
			logger.Warn("hot-reload skipped: output compile failed", zap.Error(err))
			return
		}
		agg.SwapDefs(newDefs)
		coord.SetMode(newCfg.Coordinator.Mode)
		logger.Info("outputs hot-reloaded", zap.Int("outputs", len(newDefs)))
		if viewsChanged(cfg.Views, newCfg.Views) {
			logger.Warn("view topology changed on disk; restart required to apply")
		}
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watcher unavailable (hot-reload disabled)", zap.Error(err))
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(eng, loader, viewSet, agg, coord, st, logger)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errC:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop the coordinator and worker pools
	eng.Shutdown()
	logger.Info("goodbye")
	return nil
}

func buildLogger(conf config.LogConf) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if conf.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(conf.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", conf.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func viewsChanged(old, next []config.ViewConf) bool {
	if len(old) != len(next) {
		return true
	}
	byName := make(map[string]config.ViewConf, len(old))
	for _, vc := range old {
		byName[vc.Name] = vc
	}
	for _, vc := range next {
		prev, ok := byName[vc.Name]
		if !ok || prev.EntityType != vc.EntityType || prev.Strategy != vc.Strategy {
			return true
		}
	}
	return false
}
