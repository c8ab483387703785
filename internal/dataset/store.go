// Package dataset owns the in-memory feature collection served by the tile
// pipeline. The collection is loaded once from a directory of GeoParquet files
// and shared read-only afterwards.
package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
)

const (
	DefaultExt     = ".parquet"
	DefaultWorkers = 4

	flightKey = "dataset"
)

// Reader decodes one source file.
type Reader interface {
	ReadFile(ctx context.Context, path string) (*geoparquet.Collection, error)
}

type ReaderFunc func(ctx context.Context, path string) (*geoparquet.Collection, error)

func (f ReaderFunc) ReadFile(ctx context.Context, path string) (*geoparquet.Collection, error) {
	return f(ctx, path)
}

// GeoParquetReader reads files with the geoparquet package.
var GeoParquetReader Reader = ReaderFunc(func(_ context.Context, path string) (*geoparquet.Collection, error) {
	return geoparquet.ReadFile(path)
})

type Config struct {
	Dir     string
	Ext     string
	Workers int
	Reader  Reader
	Logger  *slog.Logger
}

type Store struct {
	dir     string
	ext     string
	workers int
	reader  Reader
	log     *slog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	coll *geoparquet.Collection
}

func New(cfg Config) *Store {
	s := &Store{
		dir:     cfg.Dir,
		ext:     strings.ToLower(cfg.Ext),
		workers: cfg.Workers,
		reader:  cfg.Reader,
		log:     cfg.Logger,
	}
	if s.ext == "" {
		s.ext = DefaultExt
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.reader == nil {
		s.reader = GeoParquetReader
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// Loaded reports whether a load has completed successfully.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coll != nil
}

// Load returns the full collection, reading the directory on first use.
// Concurrent callers share one in-flight load. A failed load is not kept and
// the next call starts over. ctx only bounds how long this caller waits.
func (s *Store) Load(ctx context.Context) (*geoparquet.Collection, error) {
	if c := s.current(); c != nil {
		return c, nil
	}

	ch := s.group.DoChan(flightKey, func() (any, error) {
		if c := s.current(); c != nil {
			return c, nil
		}
		c, err := s.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.coll = c
		s.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c, _ := res.Val.(*geoparquet.Collection)
		return c, nil
	}
}

// Warm starts a load in the background so readiness does not wait for the
// first tile request. The returned channel yields the load result once and is
// then closed. A failed warm-up leaves the store retryable as with Load.
func (s *Store) Warm(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		_, err := s.Load(ctx)
		done <- err
	}()
	return done
}

func (s *Store) current() *geoparquet.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coll
}

func (s *Store) load(ctx context.Context) (*geoparquet.Collection, error) {
	start := time.Now()
	c, err := s.read(ctx)
	observability.ObserveDatasetLoad(c.Len(), err, time.Since(start).Seconds())
	if err != nil {
		s.log.Error("dataset load failed", "dir", s.dir, "err", err)
		return nil, err
	}

	b := c.Bound()
	s.log.Info("dataset loaded",
		"dir", s.dir,
		"features", c.Len(),
		"crs", c.CRS,
		"bounds", []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		"elapsed", time.Since(start).String(),
	)
	return c, nil
}

func (s *Store) read(ctx context.Context) (*geoparquet.Collection, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &LoadError{Path: s.dir, Err: err}
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), s.ext) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	if len(paths) == 0 {
		s.log.Warn("no source files found", "dir", s.dir, "ext", s.ext)
	}

	parts := make([]*geoparquet.Collection, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, p := range paths {
		g.Go(func() error {
			c, err := s.reader.ReadFile(gctx, p)
			if err != nil {
				return &LoadError{Path: p, Err: err}
			}
			if !geoparquet.IsLonLat(c.CRS) {
				s.log.Info("converting crs", "file", p, "from", c.CRS, "to", geoparquet.WGS84)
			}
			if err := c.ToWGS84(); err != nil {
				return &LoadError{Path: p, Err: err}
			}
			s.log.Debug("source file read", "file", p, "features", c.Len())
			parts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c, err := geoparquet.Concat(parts...)
	if err != nil {
		return nil, &LoadError{Path: s.dir, Err: fmt.Errorf("concat: %w", err)}
	}
	return c, nil
}
