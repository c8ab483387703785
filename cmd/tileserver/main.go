package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/config"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/server"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/dataset"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/hitevents"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/logger"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/metrics"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tilecache"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	dirFlag := flag.String("dir", "", "directory of .parquet files (overrides GEOPARQUET_DIR)")
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		// logger is not configured yet
		zl := logger.Build(logger.Config{}, os.Stderr)
		logger.NewSlog(&zl, "tileserver").Error("invalid configuration", "err", err)
		return 2
	}
	if *dirFlag != "" {
		cfg.DataDir = *dirFlag
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	zl := logger.Build(logger.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		SampleN: cfg.LogSampleN,
		Version: Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl, "tileserver")

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting tileserver",
		"addr", cfg.Addr,
		"dir", cfg.DataDir,
		"cache_size", cfg.Cache.Size,
		"compression", cfg.Tile.Compression,
		"max_zoom", cfg.Tile.MaxZoom)

	codec, err := geoparquet.Codec(cfg.Tile.Compression)
	if err != nil {
		appLog.Error("tile compression", "err", err)
		return 2
	}
	policy, err := tilecache.NewPolicy(cfg.Cache.Size)
	if err != nil {
		appLog.Error("cache policy", "err", err)
		return 2
	}

	store := dataset.New(dataset.Config{
		Dir:     cfg.DataDir,
		Workers: cfg.Dataset.Workers,
		Logger:  appLog.With("component", "dataset"),
	})
	cache, err := tilecache.New(tilecache.Config{
		Loader: store,
		Codec:  codec,
		Policy: policy,
		Logger: appLog.With("component", "tilecache"),
	})
	if err != nil {
		appLog.Error("tile cache setup failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Dataset.Preload {
		if _, err := store.Load(ctx); err != nil {
			appLog.Error("dataset preload failed", "err", err)
			return 1
		}
	} else {
		warm := store.Warm(ctx)
		go func() {
			if err := <-warm; err != nil {
				// tile requests retry the load
				appLog.Warn("background dataset load failed", "err", err)
			}
		}()
	}

	deps := server.Deps{Tiles: cache, Ready: store}

	if cfg.Events.Enabled {
		pub, err := hitevents.NewPublisher(hitevents.Config{
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Events.Topic,
			Queue:   cfg.Events.Queue,
		}, appLog.With("component", "hitevents"))
		if err != nil {
			appLog.Error("tile events setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("tile events close", "err", err)
			}
		}()
		deps.Events = pub
		appLog.Info("tile events enabled", "topic", cfg.Events.Topic, "brokers", cfg.Events.Brokers)
	}

	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		p.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dataset_loaded",
			Help: "1 once the dataset has been loaded.",
		}, func() float64 {
			if store.Loaded() {
				return 1
			}
			return 0
		}))
		deps.Metrics = p.Handler()
		go func() {
			if err := p.Serve(ctx, appLog.With("component", "metrics")); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
