// Package convert turns ESRI shapefiles into GeoParquet files.
package convert

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/axgle/mahonia"
	"github.com/jonas-p/go-shp"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
)

const geometryColumn = "geometry"

type Options struct {
	// Encoding of DBF text fields; empty or utf-8 leaves bytes untouched.
	Encoding string
	// CRS overrides the .prj sidecar, e.g. "EPSG:25832".
	CRS      string
	Codec    compress.Codec
	Logger   *slog.Logger
}

// Shapefile converts in (a .shp path) to a GeoParquet file at out and returns
// the number of features written.
func Shapefile(in, out string, opts Options) (int, error) {
	coll, err := ReadShapefile(in, opts)
	if err != nil {
		return 0, err
	}
	if opts.Codec == nil {
		opts.Codec = &parquet.Snappy
	}

	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := geoparquet.Encode(f, coll, opts.Codec); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("encode %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return coll.Len(), nil
}

// ReadShapefile decodes every record of a shapefile and its DBF table.
func ReadShapefile(in string, opts Options) (*geoparquet.Collection, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dec, err := textDecoder(opts.Encoding)
	if err != nil {
		return nil, err
	}

	// go-shp reports a missing table as zero fields
	if err := checkSidecar(in, ".dbf"); err != nil {
		return nil, err
	}
	r, err := shp.Open(in)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", in, err)
	}
	defer r.Close()

	fields := r.Fields()
	cols := make([]geoparquet.Column, len(fields))
	for i, f := range fields {
		name := dec(f.String())
		if name == geometryColumn {
			name = geometryColumn + "_attr"
		}
		cols[i] = geoparquet.Column{Name: name, Kind: columnKind(f)}
	}

	b, err := geoparquet.NewBuilder(geometryColumn, cols...)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", in, err)
	}
	crs := geoparquet.NormalizeCRS(opts.CRS)
	if crs == "" {
		if crs, err = readPRJ(in); err != nil {
			return nil, err
		}
	}
	if !geoparquet.SupportedCRS(crs) {
		log.Warn("crs has no lon/lat transform, tile server will reject it", "file", in, "crs", crs)
	}
	log.Debug("projection", "file", in, "crs", crs)
	b.WithCRS(crs)

	values := make([]any, len(fields))
	for r.Next() {
		n, shape := r.Shape()
		g, err := toGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		for i, f := range fields {
			values[i] = attribute(f, dec(r.Attribute(i)))
		}
		if err := b.Add(g, values...); err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", in, err)
	}

	coll := b.Collection()
	log.Info("shapefile read", "file", in, "features", coll.Len(), "columns", len(cols))
	return coll, nil
}

var ErrMissingSidecar = errors.New("shapefile sidecar missing")

func checkSidecar(shpPath, ext string) error {
	p := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ext
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingSidecar, p)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	return f.Close()
}

func textDecoder(encoding string) (func(string) string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return func(s string) string { return s }, nil
	}
	d := mahonia.NewDecoder(encoding)
	if d == nil {
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
	return d.ConvertString, nil
}

func columnKind(f shp.Field) geoparquet.Kind {
	switch f.Fieldtype {
	case 'N':
		if f.Precision == 0 {
			return geoparquet.Int64
		}
		return geoparquet.Double
	case 'F':
		return geoparquet.Double
	case 'L':
		return geoparquet.Bool
	}
	// C, D, M and anything unknown are kept as text
	return geoparquet.String
}

// attribute parses a trimmed DBF value. Blank or unparsable numbers and
// unknown logicals become nulls.
func attribute(f shp.Field, raw string) any {
	raw = strings.TrimRight(strings.TrimSpace(raw), "\x00")
	switch columnKind(f) {
	case geoparquet.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		// values wider than int64 or written with a decimal point
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return int64(v)
		}
		return nil
	case geoparquet.Double:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		return nil
	case geoparquet.Bool:
		switch strings.ToUpper(raw) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		}
		return nil
	}
	return raw
}

var (
	errPRJ = errors.New("read projection")

	// ErrUnknownProjection is returned when a .prj names no CRS we can map
	// to an authority code. Options.CRS overrides it.
	ErrUnknownProjection = errors.New("unrecognized projection")
)

// readPRJ maps the sidecar .prj WKT to a CRS code. A missing file means the
// coordinates are taken as lon/lat.
func readPRJ(shpPath string) (string, error) {
	prj := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".prj"
	raw, err := os.ReadFile(prj)
	if errors.Is(err, os.ErrNotExist) {
		return geoparquet.CRS84, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", errPRJ, prj, err)
	}
	crs := crsFromWKT(string(raw))
	if crs == "" {
		return "", fmt.Errorf("%w in %s, pass the crs explicitly", ErrUnknownProjection, prj)
	}
	return crs, nil
}

var (
	// outermost AUTHORITY (WKT1) or ID (WKT2) closes the root node
	wktAuthority = regexp.MustCompile(`(?:AUTHORITY\["EPSG","(\d+)"\]|ID\["EPSG",(\d+)\])\]$`)
	esriUTM      = regexp.MustCompile(`^PROJCS\["(WGS_1984|ETRS_1989)_UTM_ZONE_(\d{1,2})([NS])"`)
)

// esri .prj files carry names only
var esriNames = map[string]string{
	`PROJCS["ETRS_1989_LAEA"`:                         "EPSG:3035",
	`PROJCS["ETRS_1989_LAMBERT_AZIMUTHAL_EQUAL_AREA"`: "EPSG:3035",
	`PROJCS["BRITISH_NATIONAL_GRID"`:                  "EPSG:27700",
	`PROJCS["SWEREF99_TM"`:                            "EPSG:3006",
	`GEOGCS["GCS_ETRS_1989"`:                          "EPSG:4258",
}

func crsFromWKT(wkt string) string {
	w := strings.ToUpper(strings.Join(strings.Fields(wkt), ""))
	if m := wktAuthority.FindStringSubmatch(w); m != nil {
		return "EPSG:" + m[1] + m[2]
	}
	switch {
	case strings.Contains(w, "MERCATOR_AUXILIARY_SPHERE"),
		strings.Contains(w, "PSEUDO-MERCATOR"),
		strings.Contains(w, "PSEUDO_MERCATOR"),
		strings.Contains(w, "WEB_MERCATOR"):
		return geoparquet.WebMercator
	case strings.HasPrefix(w, "GEOGCS[") &&
		(strings.Contains(w, "WGS_1984") || strings.Contains(w, "WGS84") || strings.Contains(w, "WGS1984")):
		return geoparquet.WGS84
	}
	if m := esriUTM.FindStringSubmatch(w); m != nil {
		zone, _ := strconv.Atoi(m[2])
		if zone < 1 || zone > 60 {
			return ""
		}
		base := 32600
		switch {
		case m[1] == "ETRS_1989" && m[3] == "N":
			base = 25800
		case m[1] == "ETRS_1989":
			return ""
		case m[3] == "S":
			base = 32700
		}
		return "EPSG:" + strconv.Itoa(base+zone)
	}
	for prefix, crs := range esriNames {
		if strings.HasPrefix(w, prefix) {
			return crs
		}
	}
	return ""
}
