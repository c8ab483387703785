package geoparquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

const readBatch = 256

// Decode reads a whole GeoParquet file into memory.
func Decode(r io.ReaderAt, size int64) (*Collection, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	meta := implicitMetadata()
	if raw, ok := f.Lookup(MetadataKey); ok {
		meta, err = parseMetadata(raw)
		if err != nil {
			return nil, err
		}
	}
	crs, err := parseCRS(meta.Columns[meta.PrimaryColumn].CRS)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		Schema:         f.Schema(),
		Meta:           meta,
		GeometryColumn: meta.PrimaryColumn,
		CRS:            crs,
	}
	if err := c.index(); err != nil {
		return nil, err
	}

	rows, err := readRows(f)
	if err != nil {
		return nil, err
	}
	c.Features = make([]Feature, 0, len(rows))
	for i, row := range rows {
		feat, err := c.decodeFeature(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		c.Features = append(c.Features, feat)
	}
	return c, nil
}

// ReadFile decodes the GeoParquet file at path.
func ReadFile(path string) (*Collection, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	c, err := Decode(fh, st.Size())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return c, nil
}

func readRows(f *parquet.File) ([]parquet.Row, error) {
	out := make([]parquet.Row, 0, f.NumRows())
	buf := make([]parquet.Row, readBatch)
	for _, rg := range f.RowGroups() {
		if err := func() error {
			rows := rg.Rows()
			defer rows.Close()
			for {
				n, err := rows.ReadRows(buf)
				for _, row := range buf[:n] {
					out = append(out, row.Clone())
				}
				if errors.Is(err, io.EOF) || (err == nil && n == 0) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("read rows: %w", err)
				}
			}
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
