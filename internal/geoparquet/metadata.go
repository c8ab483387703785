// Package geoparquet reads and writes GeoParquet files as in-memory feature
// collections. Geometries are WKB encoded; attribute columns are kept as raw
// parquet rows so the source schema and column order survive a round trip.
package geoparquet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// MetadataKey is the parquet key/value metadata entry holding the geo JSON.
	MetadataKey = "geo"
	// Version is written into new files.
	Version = "1.0.0"

	EncodingWKB = "WKB"

	defaultGeometryColumn = "geometry"
)

var (
	ErrNoGeometry       = errors.New("geoparquet: no geometry column")
	ErrUnsupportedCodec = errors.New("geoparquet: unsupported geometry encoding")
	ErrNoSchema         = errors.New("geoparquet: collection has no schema")
	ErrSchemaMismatch   = errors.New("geoparquet: schema mismatch")
)

type Metadata struct {
	Version       string                    `json:"version"`
	PrimaryColumn string                    `json:"primary_column"`
	Columns       map[string]ColumnMetadata `json:"columns"`
}

type ColumnMetadata struct {
	Encoding      string   `json:"encoding"`
	GeometryTypes []string `json:"geometry_types"`
	// absent means OGC:CRS84, literal null means unknown
	CRS         json.RawMessage `json:"crs,omitempty"`
	Orientation string          `json:"orientation,omitempty"`
	Edges       string          `json:"edges,omitempty"`
	BBox        []float64       `json:"bbox,omitempty"`
	Epoch       *float64        `json:"epoch,omitempty"`
}

func parseMetadata(raw string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, fmt.Errorf("parse geo metadata: %w", err)
	}
	if m.PrimaryColumn == "" {
		m.PrimaryColumn = defaultGeometryColumn
	}
	col, ok := m.Columns[m.PrimaryColumn]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %q not described in geo metadata", ErrNoGeometry, m.PrimaryColumn)
	}
	if !strings.EqualFold(col.Encoding, EncodingWKB) {
		return Metadata{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, col.Encoding)
	}
	return m, nil
}

// metadata written for a plain parquet file carrying a WKB "geometry" column
func implicitMetadata() Metadata {
	return Metadata{
		Version:       Version,
		PrimaryColumn: defaultGeometryColumn,
		Columns: map[string]ColumnMetadata{
			defaultGeometryColumn: {Encoding: EncodingWKB, GeometryTypes: []string{}},
		},
	}
}

// builds the geo metadata describing c as it will be written
func (c *Collection) outputMetadata() (string, error) {
	m := Metadata{
		Version:       c.Meta.Version,
		PrimaryColumn: c.GeometryColumn,
		Columns:       make(map[string]ColumnMetadata, len(c.Meta.Columns)),
	}
	if m.Version == "" {
		m.Version = Version
	}
	for k, v := range c.Meta.Columns {
		m.Columns[k] = v
	}

	col := m.Columns[c.GeometryColumn]
	col.Encoding = EncodingWKB
	col.GeometryTypes = c.geometryTypes()
	col.CRS = encodeCRS(c.CRS)
	col.BBox = nil
	if c.Len() > 0 {
		b := c.Bound()
		col.BBox = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	m.Columns[c.GeometryColumn] = col

	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal geo metadata: %w", err)
	}
	return string(b), nil
}

func (c *Collection) geometryTypes() []string {
	seen := map[string]struct{}{}
	for _, f := range c.Features {
		if f.Geometry == nil {
			continue
		}
		seen[f.Geometry.GeoJSONType()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
