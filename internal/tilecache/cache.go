// Package tilecache memoizes per-tile query results.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/query"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
)

// Result is the cached outcome for one tile. A nil Payload means no feature
// intersects the tile.
type Result struct {
	Payload  []byte
	Features int
	ETag     string
}

func (r Result) Absent() bool { return r.Payload == nil }

// Loader supplies the full collection; see dataset.Store.
type Loader interface {
	Load(ctx context.Context) (*geoparquet.Collection, error)
}

type FilterFunc func(c *geoparquet.Collection, b orb.Bound) *geoparquet.Collection

type Config struct {
	Loader Loader
	Filter FilterFunc
	Codec  compress.Codec
	Policy Policy
	Logger *slog.Logger
}

type call struct {
	done chan struct{}
	res  Result
	err  error
}

type Cache struct {
	loader Loader
	filter FilterFunc
	codec  compress.Codec
	log    *slog.Logger

	mu       sync.Mutex
	entries  Policy
	inflight map[tile.Coord]*call
}

func New(cfg Config) (*Cache, error) {
	if cfg.Loader == nil {
		return nil, errors.New("tilecache: loader is required")
	}
	c := &Cache{
		loader:   cfg.Loader,
		filter:   cfg.Filter,
		codec:    cfg.Codec,
		log:      cfg.Logger,
		entries:  cfg.Policy,
		inflight: make(map[tile.Coord]*call),
	}
	if c.filter == nil {
		c.filter = query.Filter
	}
	if c.entries == nil {
		c.entries = NewUnbounded()
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// GetOrCompute returns the result for key, computing it on first request.
func (c *Cache) GetOrCompute(ctx context.Context, key tile.Coord) (Result, error) {
	r, _, err := c.Fetch(ctx, key)
	return r, err
}

// Fetch is GetOrCompute that also reports how the result was obtained
// (observability.OutcomeHit, OutcomeMiss or OutcomeShared).
//
// Only one computation runs per key; concurrent callers wait for it. The
// computation is detached from ctx so an abandoned request still fills the
// cache. Errors are returned to every waiter and are not stored.
func (c *Cache) Fetch(ctx context.Context, key tile.Coord) (Result, string, error) {
	c.mu.Lock()
	if r, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		observability.IncTileCache(observability.OutcomeHit)
		return r, observability.OutcomeHit, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		observability.IncTileCache(observability.OutcomeShared)
		r, err := wait(ctx, cl)
		return r, observability.OutcomeShared, err
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	observability.IncTileCache(observability.OutcomeMiss)
	go c.run(context.WithoutCancel(ctx), key, cl)
	r, err := wait(ctx, cl)
	return r, observability.OutcomeMiss, err
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func wait(ctx context.Context, cl *call) (Result, error) {
	select {
	case <-cl.done:
		return cl.res, cl.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, key tile.Coord, cl *call) {
	defer func() {
		if rec := recover(); rec != nil {
			cl.err = fmt.Errorf("tile %s: panic: %v", key, rec)
		}
		c.mu.Lock()
		if cl.err == nil {
			c.entries.Add(key, cl.res)
		}
		delete(c.inflight, key)
		n := c.entries.Len()
		c.mu.Unlock()
		observability.SetTileCacheEntries(n)
		close(cl.done)
	}()
	cl.res, cl.err = c.compute(ctx, key)
}

func (c *Cache) compute(ctx context.Context, key tile.Coord) (Result, error) {
	start := time.Now()
	bound := tile.Bound(key.Z, key.X, key.Y)

	all, err := c.loader.Load(ctx)
	if err != nil {
		observability.ObserveTileCompute(-1, time.Since(start).Seconds())
		return Result{}, err
	}
	subset := c.filter(all, bound)
	c.log.DebugContext(ctx, "tile filtered",
		"tile", key.String(),
		"bbox", []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]},
		"total", all.Len(),
		"features", subset.Len(),
	)
	if subset.Len() == 0 {
		observability.ObserveTileCompute(0, time.Since(start).Seconds())
		return Result{}, nil
	}

	payload, err := geoparquet.Marshal(subset, c.codec)
	if err != nil {
		observability.ObserveTileCompute(-1, time.Since(start).Seconds())
		return Result{}, fmt.Errorf("encode tile %s: %w", key, err)
	}
	observability.ObserveTileCompute(subset.Len(), time.Since(start).Seconds())
	return Result{
		Payload:  payload,
		Features: subset.Len(),
		ETag:     fmt.Sprintf(`"%016x"`, xxhash.Sum64(payload)),
	}, nil
}
