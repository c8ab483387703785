package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/dataset"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/hitevents"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tilecache"
)

type fakeService struct {
	mu    sync.Mutex
	calls []tile.Coord
	res   tilecache.Result
	err   error
}

func (f *fakeService) Fetch(_ context.Context, key tile.Coord) (tilecache.Result, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	return f.res, observability.OutcomeMiss, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []hitevents.Event
}

func (s *recordingSink) Publish(ev hitevents.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serve(t *testing.T, svc TileService, sink hitevents.Sink, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/", HandleRoot())
	r.Get(TileRoute, HandleTile(testLogger(), TileOptions{MaxZoom: tile.DefaultMaxZoom, Events: sink}, svc))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestHandleRoot(t *testing.T) {
	rr := serve(t, &fakeService{}, nil, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != RootMessage {
		t.Fatalf("message=%q", body["message"])
	}
}

func TestHandleTile_Payload(t *testing.T) {
	payload := []byte("PAR1...PAR1")
	svc := &fakeService{res: tilecache.Result{Payload: payload, Features: 2, ETag: `"abc"`}}
	sink := &recordingSink{}

	rr := serve(t, svc, sink, httptest.NewRequest(http.MethodGet, "/tile/3/4/2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != "attachment; filename=tile_3_4_2.parquet" {
		t.Fatalf("Content-Disposition=%q", cd)
	}
	if rr.Header().Get("ETag") != `"abc"` {
		t.Fatalf("ETag=%q", rr.Header().Get("ETag"))
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("body=%q", rr.Body.Bytes())
	}
	if len(svc.calls) != 1 || svc.calls[0] != tile.New(3, 4, 2) {
		t.Fatalf("calls=%v", svc.calls)
	}
	if len(sink.events) != 1 || sink.events[0].Features != 2 || sink.events[0].Bytes != len(payload) {
		t.Fatalf("events=%+v", sink.events)
	}
}

func TestHandleTile_AbsentIsNoContent(t *testing.T) {
	sink := &recordingSink{}
	rr := serve(t, &fakeService{}, sink, httptest.NewRequest(http.MethodGet, "/tile/0/0/0", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("204 with body %q", rr.Body.String())
	}
	if len(sink.events) != 1 || sink.events[0].Features != 0 {
		t.Fatalf("events=%+v", sink.events)
	}
}

func TestHandleTile_IfNoneMatch(t *testing.T) {
	svc := &fakeService{res: tilecache.Result{Payload: []byte("x"), Features: 1, ETag: `"abc"`}}
	for _, inm := range []string{`"abc"`, `W/"abc"`, `"zzz", "abc"`, `*`} {
		req := httptest.NewRequest(http.MethodGet, "/tile/1/0/0", nil)
		req.Header.Set("If-None-Match", inm)
		rr := serve(t, svc, nil, req)
		if rr.Code != http.StatusNotModified {
			t.Fatalf("If-None-Match %s: status=%d want 304", inm, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Fatalf("304 with body")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/tile/1/0/0", nil)
	req.Header.Set("If-None-Match", `"other"`)
	if rr := serve(t, svc, nil, req); rr.Code != http.StatusOK {
		t.Fatalf("stale etag: status=%d want 200", rr.Code)
	}
}

func TestHandleTile_RejectsInvalidCoordinates(t *testing.T) {
	svc := &fakeService{}
	for _, path := range []string{
		"/tile/a/0/0",
		"/tile/1/x/0",
		"/tile/1/0/1.5",
		"/tile/-1/0/0",
		"/tile/1/2/0",
		"/tile/1/0/-1",
		"/tile/25/0/0",
	} {
		rr := serve(t, svc, nil, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", path, rr.Code)
		}
	}
	if len(svc.calls) != 0 {
		t.Fatalf("service called for invalid input: %v", svc.calls)
	}
}

func TestHandleTile_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"load error", &dataset.LoadError{Path: "/data", Err: errors.New("corrupt")}, http.StatusServiceUnavailable},
		{"wrapped load error", errors.Join(errors.New("ctx"), &dataset.LoadError{Path: "/data", Err: io.ErrUnexpectedEOF}), http.StatusServiceUnavailable},
		{"encode error", errors.New("encode tile 1/0/0: boom"), http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, &fakeService{err: tc.err}, nil, httptest.NewRequest(http.MethodGet, "/tile/1/0/0", nil))
			if rr.Code != tc.code {
				t.Fatalf("status=%d want %d", rr.Code, tc.code)
			}
		})
	}
}

func httpRequestsCount(t *testing.T, method, status string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range mf.Metric {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == TileRoute && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestHandleTile_CancelledRequestCountedAs499(t *testing.T) {
	before499 := httpRequestsCount(t, http.MethodGet, "499")
	before200 := httpRequestsCount(t, http.MethodGet, "200")

	rr := serve(t, &fakeService{err: context.Canceled}, nil, httptest.NewRequest(http.MethodGet, "/tile/1/0/0", nil))
	if rr.Body.Len() != 0 {
		t.Fatalf("body=%q want empty", rr.Body.String())
	}

	if got := httpRequestsCount(t, http.MethodGet, "499") - before499; got != 1 {
		t.Fatalf("499 count delta=%v want 1", got)
	}
	if got := httpRequestsCount(t, http.MethodGet, "200") - before200; got != 0 {
		t.Fatalf("200 count delta=%v want 0", got)
	}
}

func TestEtagMatches(t *testing.T) {
	if etagMatches("", `"a"`) || etagMatches(`"a"`, "") || etagMatches(`"b"`, `"a"`) {
		t.Fatal("unexpected match")
	}
	if !etagMatches(` "b" , "a"`, `"a"`) {
		t.Fatal("expected list match")
	}
}
