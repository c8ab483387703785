package geoparquet

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Kind is the logical type of an attribute column created by a Builder.
type Kind int

const (
	String Kind = iota
	Int64
	Double
	Bool
)

type Column struct {
	Name string
	Kind Kind
}

// Builder assembles a Collection from geometries and attribute values.
// Attribute columns keep the order given to NewBuilder; the geometry column
// is written last.
type Builder struct {
	columns []Column
	index   []int
	coll    *Collection
}

func NewBuilder(geometryColumn string, columns ...Column) (*Builder, error) {
	if geometryColumn == "" {
		geometryColumn = defaultGeometryColumn
	}
	seen := map[string]struct{}{geometryColumn: {}}
	fields := make([]reflect.StructField, 0, len(columns)+1)
	for i, col := range columns {
		if err := checkColumnName(col.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[col.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
		typ, err := goType(col.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		fields = append(fields, reflect.StructField{
			Name: fmt.Sprintf("F%d", i),
			Type: typ,
			Tag:  reflect.StructTag(fmt.Sprintf(`parquet:"%s,optional"`, col.Name)),
		})
	}
	if err := checkColumnName(geometryColumn); err != nil {
		return nil, err
	}
	fields = append(fields, reflect.StructField{
		Name: "Geometry",
		Type: reflect.TypeOf([]byte(nil)),
		Tag:  reflect.StructTag(fmt.Sprintf(`parquet:"%s,optional"`, geometryColumn)),
	})

	model := reflect.New(reflect.StructOf(fields)).Interface()
	schema := parquet.NewSchema("features", parquet.SchemaOf(model))

	b := &Builder{
		columns: columns,
		index:   make([]int, len(columns)),
		coll: &Collection{
			Schema:         schema,
			Meta:           implicitMetadata(),
			GeometryColumn: geometryColumn,
			CRS:            WGS84,
		},
	}
	b.coll.Meta.PrimaryColumn = geometryColumn
	b.coll.Meta.Columns = map[string]ColumnMetadata{geometryColumn: {Encoding: EncodingWKB}}
	for i, col := range columns {
		leaf, ok := schema.Lookup(col.Name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from schema", col.Name)
		}
		b.index[i] = leaf.ColumnIndex
	}
	if err := b.coll.index(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithCRS sets the CRS recorded for the built collection.
func (b *Builder) WithCRS(crs string) *Builder {
	b.coll.CRS = NormalizeCRS(crs)
	return b
}

// Add appends one feature. values follow the column order; nil is a null.
func (b *Builder) Add(g orb.Geometry, values ...any) error {
	if len(values) != len(b.columns) {
		return fmt.Errorf("got %d values for %d columns", len(values), len(b.columns))
	}
	row := make(parquet.Row, len(b.columns)+1)
	for i, col := range b.columns {
		idx := b.index[i]
		if values[i] == nil {
			row[idx] = parquet.NullValue().Level(0, 0, idx)
			continue
		}
		v, err := toValue(col.Kind, values[i])
		if err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[idx] = v.Level(0, 1, idx)
	}

	gi := b.coll.geomIndex
	feat := Feature{Geometry: g}
	if g == nil {
		row[gi] = parquet.NullValue().Level(0, 0, gi)
	} else {
		raw, err := wkb.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode wkb: %w", err)
		}
		row[gi] = parquet.ByteArrayValue(raw).Level(0, 1, gi)
		feat.Bound = g.Bound()
	}
	feat.Row = row
	b.coll.Features = append(b.coll.Features, feat)
	return nil
}

// Collection returns the built collection. The builder must not be used after.
func (b *Builder) Collection() *Collection { return b.coll }

func checkColumnName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty column name")
	}
	if strings.ContainsAny(name, ",\"`\\") {
		return fmt.Errorf("column name %q has reserved characters", name)
	}
	return nil
}

func goType(k Kind) (reflect.Type, error) {
	switch k {
	case String:
		return reflect.TypeOf(""), nil
	case Int64:
		return reflect.TypeOf(int64(0)), nil
	case Double:
		return reflect.TypeOf(float64(0)), nil
	case Bool:
		return reflect.TypeOf(false), nil
	}
	return nil, fmt.Errorf("unknown column kind %d", k)
}

func toValue(k Kind, v any) (parquet.Value, error) {
	switch k {
	case String:
		s, ok := v.(string)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want string, got %T", v)
		}
		return parquet.ByteArrayValue([]byte(s)), nil
	case Int64:
		switch n := v.(type) {
		case int:
			return parquet.Int64Value(int64(n)), nil
		case int32:
			return parquet.Int64Value(int64(n)), nil
		case int64:
			return parquet.Int64Value(n), nil
		}
		return parquet.Value{}, fmt.Errorf("want integer, got %T", v)
	case Double:
		switch n := v.(type) {
		case float64:
			return parquet.DoubleValue(n), nil
		case float32:
			return parquet.DoubleValue(float64(n)), nil
		case int:
			return parquet.DoubleValue(float64(n)), nil
		case int64:
			return parquet.DoubleValue(float64(n)), nil
		}
		return parquet.Value{}, fmt.Errorf("want number, got %T", v)
	case Bool:
		bv, ok := v.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want bool, got %T", v)
		}
		return parquet.BooleanValue(bv), nil
	}
	return parquet.Value{}, fmt.Errorf("unknown column kind %d", k)
}
