package geoparquet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/wroge/wgs84"
)

const (
	CRS84       = "OGC:CRS84"
	WGS84       = "EPSG:4326"
	WebMercator = "EPSG:3857"
)

var (
	ErrUnsupportedCRS = errors.New("geoparquet: unsupported crs")
	ErrUnknownCRS     = fmt.Errorf("%w: crs is null", ErrUnsupportedCRS)
)

var epsg = wgs84.EPSG()

// mercator aliases skip the generic transform
var mercatorAliases = map[string]orb.Projection{
	WebMercator:   project.Mercator.ToWGS84,
	"EPSG:900913": project.Mercator.ToWGS84,
	"EPSG:102100": project.Mercator.ToWGS84,
	"EPSG:102113": project.Mercator.ToWGS84,
}

// projection returns the mapping from crs coordinates to lon/lat degrees.
func projection(crs string) (orb.Projection, error) {
	crs = NormalizeCRS(crs)
	if crs == "" {
		return nil, ErrUnknownCRS
	}
	if p, ok := mercatorAliases[crs]; ok {
		return p, nil
	}
	auth, code, _ := strings.Cut(crs, ":")
	n, err := strconv.Atoi(code)
	if auth != "EPSG" || err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, crs)
	}
	from := epsg.Code(n)
	if from == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, crs)
	}
	f := wgs84.Transform(from, epsg.Code(4326))
	return func(p orb.Point) orb.Point {
		lon, lat, _ := f(p[0], p[1], 0)
		return orb.Point{lon, lat}
	}, nil
}

// SupportedCRS reports whether ToWGS84 can convert from crs.
func SupportedCRS(crs string) bool {
	if IsLonLat(crs) {
		return true
	}
	_, err := projection(crs)
	return err == nil
}

type projJSON struct {
	Name string `json:"name"`
	ID   *struct {
		Authority string          `json:"authority"`
		Code      json.RawMessage `json:"code"`
	} `json:"id"`
}

// parseCRS turns the geo metadata crs member into a normalized code.
// An empty result means the CRS is explicitly unknown.
func parseCRS(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return CRS84, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("parse crs string: %w", err)
		}
		return NormalizeCRS(s), nil
	}

	var p projJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("parse projjson: %w", err)
	}
	if p.ID == nil || p.ID.Authority == "" {
		return "", fmt.Errorf("%w: projjson without id (%q)", ErrUnsupportedCRS, p.Name)
	}
	code := strings.Trim(string(bytes.TrimSpace(p.ID.Code)), `"`)
	return NormalizeCRS(p.ID.Authority + ":" + code), nil
}

// NormalizeCRS upper-cases an AUTHORITY:CODE string and folds the CRS84 aliases.
func NormalizeCRS(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "CRS84", "OGC:CRS84", "OGC:1.3:CRS84", "URN:OGC:DEF:CRS:OGC:1.3:CRS84":
		return CRS84
	}
	return s
}

// IsLonLat reports whether coordinates in crs are already lon/lat degrees.
func IsLonLat(crs string) bool {
	switch NormalizeCRS(crs) {
	case CRS84, WGS84:
		return true
	}
	return false
}

func encodeCRS(crs string) json.RawMessage {
	switch {
	case crs == "":
		return json.RawMessage("null")
	case IsLonLat(crs):
		return nil
	}
	auth, code, ok := strings.Cut(crs, ":")
	if !ok {
		return json.RawMessage("null")
	}
	codeJSON := strconv.Quote(code)
	if _, err := strconv.Atoi(code); err == nil {
		codeJSON = code
	}
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"id":{"authority":%q,"code":%s}}`, crs, auth, codeJSON))
}
