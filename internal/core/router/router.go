// Package router holds the HTTP handlers of the tile server.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/dataset"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/hitevents"
	mylog "github.com/mohammed-shakir/geoparquet-tiles/internal/logger"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tilecache"
)

const (
	TileRoute   = "/tile/{z}/{x}/{y}"
	RootMessage = "GeoParquet Tile Server with Caching"

	contentTypeParquet = "application/octet-stream"
)

// TileService returns the cached result for a tile and the cache outcome.
type TileService interface {
	Fetch(ctx context.Context, key tile.Coord) (tilecache.Result, string, error)
}

type TileOptions struct {
	MaxZoom int
	Events  hitevents.Sink
}

func HandleTile(logger *slog.Logger, opts TileOptions, svc TileService) http.HandlerFunc {
	if opts.Events == nil {
		opts.Events = hitevents.Nop{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, TileRoute, sw.code, time.Since(start).Seconds())
		}()

		key, err := ParseCoord(r, opts.MaxZoom)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := mylog.WithTile(r.Context(), key.String())

		res, outcome, err := svc.Fetch(ctx, key)
		if err != nil {
			writeFetchError(ctx, logger, sw, err)
			return
		}
		ctx = mylog.WithHitClass(ctx, outcome)

		if res.Absent() {
			sw.WriteHeader(http.StatusNoContent)
			logger.DebugContext(ctx, "tile empty")
			opts.Events.Publish(hitevents.NewEvent(key, outcome, 0, 0))
			return
		}

		h := sw.Header()
		h.Set("ETag", res.ETag)
		if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
			sw.WriteHeader(http.StatusNotModified)
			opts.Events.Publish(hitevents.NewEvent(key, outcome, res.Features, 0))
			return
		}
		h.Set("Content-Type", contentTypeParquet)
		h.Set("Content-Disposition", "attachment; filename="+key.Filename())
		h.Set("Content-Length", strconv.Itoa(len(res.Payload)))
		sw.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			if _, err := sw.Write(res.Payload); err != nil {
				logger.DebugContext(ctx, "tile write", "err", err)
				return
			}
		}
		logger.DebugContext(ctx, "tile served",
			"features", res.Features,
			"bytes", len(res.Payload),
		)
		opts.Events.Publish(hitevents.NewEvent(key, outcome, res.Features, len(res.Payload)))
	}
}

// StatusClientClosed is recorded for requests whose client went away before a
// response was produced (nginx convention).
const StatusClientClosed = 499

func writeFetchError(ctx context.Context, logger *slog.Logger, w *statusWriter, err error) {
	var le *dataset.LoadError
	switch {
	case errors.As(err, &le):
		logger.ErrorContext(ctx, "dataset unavailable", "err", err)
		w.Header().Set("Retry-After", "5")
		http.Error(w, "dataset unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// nothing is written; only the metrics see the code
		w.code = StatusClientClosed
		logger.DebugContext(ctx, "tile request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "tile computation timed out", http.StatusGatewayTimeout)
	default:
		logger.ErrorContext(ctx, "tile computation failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// ParseCoord reads z, x and y from the route and rejects addresses outside
// the tile pyramid.
func ParseCoord(r *http.Request, maxZoom int) (tile.Coord, error) {
	var vals [3]int
	for i, name := range [...]string{"z", "x", "y"} {
		raw := chi.URLParam(r, name)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return tile.Coord{}, fmt.Errorf("invalid %s: %q is not an integer", name, raw)
		}
		vals[i] = n
	}
	c := tile.New(vals[0], vals[1], vals[2])
	if !c.Valid(maxZoom) {
		return tile.Coord{}, fmt.Errorf("tile %s is outside the pyramid (max zoom %d)", c, maxZoom)
	}
	return c, nil
}

func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for cand := range strings.SplitSeq(header, ",") {
		cand = strings.TrimSpace(cand)
		cand = strings.TrimPrefix(cand, "W/")
		if cand == "*" || cand == etag {
			return true
		}
	}
	return false
}

func HandleRoot() http.HandlerFunc {
	body, _ := json.Marshal(map[string]string{"message": RootMessage})
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		observability.ObserveHTTP(r.Method, "/", http.StatusOK, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.code = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
