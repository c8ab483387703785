package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/convert"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	encoding := flag.String("encoding", "", "charset of DBF text fields (e.g. gbk, big5); default utf-8")
	crs := flag.String("crs", "", "source CRS (e.g. EPSG:25832); overrides the .prj sidecar")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <input_shapefile> <output_geoparquet>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		return 1
	}
	in, out := flag.Arg(0), flag.Arg(1)

	zl := logger.Build(logger.Config{Level: *logLevel, Console: true}, os.Stderr)
	log := logger.NewSlog(&zl, "shp2geoparquet")

	n, err := convert.Shapefile(in, out, convert.Options{
		Encoding: *encoding,
		CRS:      *crs,
		Codec:    &parquet.Snappy,
		Logger:   log,
	})
	if err != nil {
		log.Error("conversion failed", "in", in, "err", err)
		return 1
	}
	fmt.Printf("Conversion complete. %d features written to %s\n", n, out)
	return 0
}
