package dataset

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
)

// nullCRS makes writeSource record an explicit null crs
const nullCRS = "null"

func writeSource(t *testing.T, dir, name, crs string, pts ...orb.Point) {
	t.Helper()
	b, err := geoparquet.NewBuilder("geometry", geoparquet.Column{Name: "name", Kind: geoparquet.String})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	switch crs {
	case "":
	case nullCRS:
		b.WithCRS("")
	default:
		b.WithCRS(crs)
	}
	for i, p := range pts {
		if err := b.Add(p, name+string(rune('a'+i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	raw, err := geoparquet.Marshal(b.Collection(), nil)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoad_EmptyDirectoryIsEmptyCollection(t *testing.T) {
	s := New(Config{Dir: t.TempDir()})
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d want 0", c.Len())
	}
	if !s.Loaded() {
		t.Fatal("store should report loaded")
	}
}

func TestLoad_ConcatenatesMatchingFilesAndSkipsOthers(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.parquet", "", orb.Point{1, 1}, orb.Point{2, 2})
	writeSource(t, dir, "b.PARQUET", "", orb.Point{3, 3})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.parquet"), 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := New(Config{Dir: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("len=%d want 3", c.Len())
	}
	if c.CRS != geoparquet.WGS84 {
		t.Fatalf("crs=%q want %q", c.CRS, geoparquet.WGS84)
	}
	b := c.Bound()
	if b.Min != (orb.Point{1, 1}) || b.Max != (orb.Point{3, 3}) {
		t.Fatalf("bound=%v", b)
	}
}

func TestLoad_NormalizesWebMercator(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "merc.parquet", geoparquet.WebMercator, project.WGS84.ToMercator(orb.Point{10, 10}))

	c, err := New(Config{Dir: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := c.Features[0].Geometry.(orb.Point)
	if math.Abs(p.Lon()-10) > 1e-9 || math.Abs(p.Lat()-10) > 1e-9 {
		t.Fatalf("point=%v want ~(10,10)", p)
	}
}

func TestLoad_MissingDirectoryIsRetryable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	s := New(Config{Dir: dir})

	_, err := s.Load(context.Background())
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("err=%v want *LoadError", err)
	}
	if le.Path != dir {
		t.Fatalf("path=%q want %q", le.Path, dir)
	}
	if s.Loaded() {
		t.Fatal("failed load must not be cached")
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSource(t, dir, "a.parquet", "", orb.Point{0, 0})
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("retry Load: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("len=%d want 1", c.Len())
	}
}

func TestLoad_CorruptFileAbortsWholeLoad(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "good.parquet", "", orb.Point{0, 0})
	bad := filepath.Join(dir, "bad.parquet")
	if err := os.WriteFile(bad, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Dir: dir})
	_, err := s.Load(context.Background())
	var le *LoadError
	if !errors.As(err, &le) || le.Path != bad {
		t.Fatalf("err=%v want *LoadError for %s", err, bad)
	}

	if err := os.Remove(bad); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("retry Load: %v", err)
	}
}

func TestLoad_UnsupportedCRS(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "moll.parquet", "ESRI:54009", orb.Point{500000, 6000000})
	_, err := New(Config{Dir: dir}).Load(context.Background())
	var le *LoadError
	if !errors.As(err, &le) || !errors.Is(err, geoparquet.ErrUnsupportedCRS) {
		t.Fatalf("err=%v want *LoadError wrapping ErrUnsupportedCRS", err)
	}
}

func TestLoad_NullCRSFails(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "null.parquet", nullCRS, orb.Point{500000, 6000000})

	s := New(Config{Dir: dir})
	_, err := s.Load(context.Background())
	var le *LoadError
	if !errors.As(err, &le) || !errors.Is(err, geoparquet.ErrUnknownCRS) {
		t.Fatalf("err=%v want *LoadError wrapping ErrUnknownCRS", err)
	}
	if le.Path != filepath.Join(dir, "null.parquet") {
		t.Fatalf("path=%q", le.Path)
	}
	if s.Loaded() {
		t.Fatal("failed load must not be cached")
	}
}

func TestLoad_ConvertsUTM(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "utm.parquet", "EPSG:32633", orb.Point{500000, 4649776.22})

	c, err := New(Config{Dir: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := c.Features[0].Geometry.(orb.Point)
	if math.Abs(p.Lon()-15) > 1e-4 || math.Abs(p.Lat()-42) > 1e-4 {
		t.Fatalf("point=%v want ~(15,42)", p)
	}
}

func TestWarm_LoadsInBackground(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.parquet", "", orb.Point{1, 1})

	gate := make(chan struct{})
	reader := ReaderFunc(func(ctx context.Context, path string) (*geoparquet.Collection, error) {
		<-gate
		return GeoParquetReader.ReadFile(ctx, path)
	})
	s := New(Config{Dir: dir, Reader: reader})

	done := s.Warm(context.Background())
	if s.Loaded() {
		t.Fatal("loaded before the reader returned")
	}
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Warm: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("warm-up did not finish")
	}
	if !s.Loaded() {
		t.Fatal("store should report loaded after warm-up")
	}
	if _, ok := <-done; ok {
		t.Fatal("channel should be closed after the result")
	}
}

func TestWarm_FailureStaysRetryable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	s := New(Config{Dir: dir})

	var le *LoadError
	if err := <-s.Warm(context.Background()); !errors.As(err, &le) {
		t.Fatalf("err=%v want *LoadError", err)
	}
	if s.Loaded() {
		t.Fatal("failed warm-up must not be cached")
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := <-s.Warm(context.Background()); err != nil {
		t.Fatalf("second Warm: %v", err)
	}
	if !s.Loaded() {
		t.Fatal("store should be loaded after retry")
	}
}

func TestLoad_SingleFlightAcrossConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.parquet", "", orb.Point{0, 0})

	var calls atomic.Int32
	gate := make(chan struct{})
	reader := ReaderFunc(func(ctx context.Context, path string) (*geoparquet.Collection, error) {
		calls.Add(1)
		<-gate
		return GeoParquetReader.ReadFile(ctx, path)
	})
	s := New(Config{Dir: dir, Reader: reader})

	const n = 32
	var wg sync.WaitGroup
	results := make([]*geoparquet.Collection, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Load(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different collection", i)
		}
	}
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("reader calls=%d want 1", got)
	}
}

func TestLoad_CancelledWaiterDoesNotPoisonLoad(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "a.parquet", "", orb.Point{0, 0})

	gate := make(chan struct{})
	reader := ReaderFunc(func(ctx context.Context, path string) (*geoparquet.Collection, error) {
		<-gate
		return GeoParquetReader.ReadFile(ctx, path)
	})
	s := New(Config{Dir: dir, Reader: reader})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Load(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}

	close(gate)
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after cancel: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("len=%d want 1", c.Len())
	}
}
