package geoparquet

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/project"
)

// Feature is one geometry plus the parquet row it was decoded from.
type Feature struct {
	Geometry orb.Geometry
	Bound    orb.Bound
	Row      parquet.Row
}

// Collection is a set of features sharing one schema and one CRS.
// A collection is not mutated once it has been handed to readers.
type Collection struct {
	Schema         *parquet.Schema
	Meta           Metadata
	GeometryColumn string
	CRS            string
	Features       []Feature

	geomIndex int
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Features)
}

// Bound is the union of all feature bounds; zero for an empty collection.
func (c *Collection) Bound() orb.Bound {
	var (
		b     orb.Bound
		found bool
	)
	for _, f := range c.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			b, found = f.Bound, true
			continue
		}
		b = b.Union(f.Bound)
	}
	return b
}

// Subset returns a collection with the same schema holding only features.
func (c *Collection) Subset(features []Feature) *Collection {
	return &Collection{
		Schema:         c.Schema,
		Meta:           c.Meta,
		GeometryColumn: c.GeometryColumn,
		CRS:            c.CRS,
		Features:       features,
		geomIndex:      c.geomIndex,
	}
}

// Columns lists the top-level column names in schema order.
func (c *Collection) Columns() []string {
	if c.Schema == nil {
		return nil
	}
	fields := c.Schema.Fields()
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Name())
	}
	return out
}

// Properties decodes the attribute columns of feature i. Nested columns are
// reported as nil.
func (c *Collection) Properties(i int) map[string]any {
	row := c.Features[i].Row
	props := make(map[string]any)
	for _, f := range c.Schema.Fields() {
		name := f.Name()
		if name == c.GeometryColumn {
			continue
		}
		if !f.Leaf() {
			props[name] = nil
			continue
		}
		leaf, ok := c.Schema.Lookup(name)
		if !ok {
			continue
		}
		v, ok := valueAt(row, leaf.ColumnIndex)
		if !ok {
			props[name] = nil
			continue
		}
		props[name] = decodeValue(v, f.Type())
	}
	return props
}

// index resolves the geometry column position in the schema.
func (c *Collection) index() error {
	leaf, ok := c.Schema.Lookup(c.GeometryColumn)
	if !ok || !leaf.Node.Leaf() || leaf.MaxRepetitionLevel > 0 {
		return fmt.Errorf("%w: %q", ErrNoGeometry, c.GeometryColumn)
	}
	if leaf.Node.Type().Kind() != parquet.ByteArray {
		return fmt.Errorf("%w: %q is %s, want BYTE_ARRAY", ErrNoGeometry, c.GeometryColumn, leaf.Node.Type())
	}
	c.geomIndex = leaf.ColumnIndex
	return nil
}

func (c *Collection) decodeFeature(row parquet.Row) (Feature, error) {
	f := Feature{Row: row}
	v, ok := valueAt(row, c.geomIndex)
	if !ok || v.IsNull() {
		return f, nil
	}
	g, err := wkb.Unmarshal(v.ByteArray())
	if err != nil {
		return Feature{}, fmt.Errorf("decode wkb: %w", err)
	}
	f.Geometry = g
	f.Bound = g.Bound()
	return f, nil
}

// ToWGS84 rewrites every geometry into EPSG:4326 lon/lat. A null CRS fails
// with ErrUnknownCRS since the axis units cannot be known.
func (c *Collection) ToWGS84() error {
	if IsLonLat(c.CRS) {
		c.CRS = WGS84
		return nil
	}
	proj, err := projection(c.CRS)
	if err != nil {
		return err
	}
	for i := range c.Features {
		f := &c.Features[i]
		if f.Geometry == nil {
			continue
		}
		g := project.Geometry(f.Geometry, proj)
		b, err := wkb.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode wkb: %w", err)
		}
		f.Geometry = g
		f.Bound = g.Bound()
		f.Row = replaceValue(f.Row, c.geomIndex, parquet.ByteArrayValue(b))
	}
	c.CRS = WGS84
	return nil
}

// Concat joins collections that share a schema layout and a CRS. Collections
// without a schema (empty directories) are skipped.
func Concat(parts ...*Collection) (*Collection, error) {
	var out *Collection
	for _, p := range parts {
		if p == nil || p.Schema == nil {
			continue
		}
		if out == nil {
			out = p.Subset(slices.Clip(p.Features))
			continue
		}
		if p.GeometryColumn != out.GeometryColumn || !sameLayout(out.Schema, p.Schema) {
			return nil, fmt.Errorf("%w: %s vs %s", ErrSchemaMismatch, out.Columns(), p.Columns())
		}
		if NormalizeCRS(p.CRS) != NormalizeCRS(out.CRS) {
			return nil, fmt.Errorf("%w: crs %q vs %q", ErrSchemaMismatch, out.CRS, p.CRS)
		}
		out.Features = append(out.Features, p.Features...)
	}
	if out == nil {
		return &Collection{CRS: WGS84, GeometryColumn: defaultGeometryColumn}, nil
	}
	return out, nil
}

func sameLayout(a, b *parquet.Schema) bool {
	ac, bc := a.Columns(), b.Columns()
	if len(ac) != len(bc) {
		return false
	}
	for i, path := range ac {
		if !slices.Equal(path, bc[i]) {
			return false
		}
		la, okA := a.Lookup(path...)
		lb, okB := b.Lookup(path...)
		if !okA || !okB {
			return false
		}
		if la.MaxDefinitionLevel != lb.MaxDefinitionLevel || la.MaxRepetitionLevel != lb.MaxRepetitionLevel {
			return false
		}
		if la.Node.Type().Kind() != lb.Node.Type().Kind() {
			return false
		}
	}
	return true
}

func valueAt(row parquet.Row, column int) (parquet.Value, bool) {
	for _, v := range row {
		if v.Column() == column {
			return v, true
		}
	}
	return parquet.Value{}, false
}

func replaceValue(row parquet.Row, column int, nv parquet.Value) parquet.Row {
	for i, v := range row {
		if v.Column() == column {
			row[i] = nv.Level(v.RepetitionLevel(), v.DefinitionLevel(), column)
			break
		}
	}
	return row
}

func decodeValue(v parquet.Value, t parquet.Type) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		if lt := t.LogicalType(); lt != nil && lt.UTF8 != nil {
			return string(v.ByteArray())
		}
		return bytes.Clone(v.ByteArray())
	default:
		return v.String()
	}
}
