// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Addr     string `env:"ADDR" envDefault:":8000"`
		LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
		// LogConsole switches zerolog to the human readable console writer.
		LogConsole bool `env:"LOG_CONSOLE" envDefault:"false"`
		LogSampleN int  `env:"LOG_SAMPLE_N" envDefault:"0"`

		// DataDir holds the source .parquet files.
		DataDir string `env:"GEOPARQUET_DIR" envDefault:"./parquet"`

		Dataset DatasetCfg `envPrefix:"DATASET_"`
		Tile    TileCfg    `envPrefix:"TILE_"`
		Cache   CacheCfg   `envPrefix:"CACHE_"`
		Metrics MetricsCfg `envPrefix:"METRICS_"`
		Events  EventsCfg

		HTTP HTTPCfg `envPrefix:"HTTP_"`
	}

	DatasetCfg struct {
		Preload bool `env:"PRELOAD" envDefault:"false"`
		Workers int  `env:"LOAD_WORKERS" envDefault:"4"`
	}

	TileCfg struct {
		Compression string `env:"COMPRESSION" envDefault:"snappy"`
		MaxZoom     int    `env:"MAX_ZOOM" envDefault:"24"`
	}

	CacheCfg struct {
		// Size <= 0 keeps every computed tile.
		Size int `env:"SIZE" envDefault:"1000"`
	}

	MetricsCfg struct {
		Enabled bool   `env:"ENABLED" envDefault:"false"`
		Addr    string `env:"ADDR" envDefault:":9090"`
		Path    string `env:"PATH" envDefault:"/metrics"`
	}

	EventsCfg struct {
		Enabled bool     `env:"TILE_EVENTS_ENABLED" envDefault:"false"`
		Queue   int      `env:"TILE_EVENTS_QUEUE" envDefault:"1024"`
		Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
		Topic   string   `env:"KAFKA_TOPIC" envDefault:"tile-hits"`
	}

	HTTPCfg struct {
		ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
		ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}
)

// FromEnv loads an optional .env file from the working directory and then
// parses the process environment. Variables already set win over the file.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("GEOPARQUET_DIR must not be empty")
	}
	if c.Dataset.Workers < 1 {
		c.Dataset.Workers = 1
	}
	if c.Tile.MaxZoom < 0 || c.Tile.MaxZoom > 30 {
		return fmt.Errorf("TILE_MAX_ZOOM must be in [0,30], got %d", c.Tile.MaxZoom)
	}
	if c.Events.Queue <= 0 {
		c.Events.Queue = 1024
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return errors.New("TILE_EVENTS_ENABLED requires KAFKA_BROKERS")
	}
	return nil
}
