package geoparquet

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Codec returns the parquet compression codec for name. An empty name is snappy.
func Codec(name string) (compress.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

// Encode writes c as a GeoParquet file using the collection's own schema.
func Encode(w io.Writer, c *Collection, codec compress.Codec) error {
	if c == nil || c.Schema == nil {
		return ErrNoSchema
	}
	if codec == nil {
		codec = &parquet.Snappy
	}
	geo, err := c.outputMetadata()
	if err != nil {
		return err
	}

	pw := parquet.NewWriter(w,
		c.Schema,
		parquet.Compression(codec),
		parquet.KeyValueMetadata(MetadataKey, geo),
	)
	rows := make([]parquet.Row, len(c.Features))
	for i, f := range c.Features {
		rows[i] = f.Row
	}
	if _, err := pw.WriteRows(rows); err != nil {
		_ = pw.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// Marshal encodes c into an owned byte slice.
func Marshal(c *Collection, codec compress.Codec) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c, codec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
