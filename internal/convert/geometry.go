package convert

import (
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// toGeometry maps a shapefile record to an orb geometry. Z and M values are
// dropped. A null shape yields a nil geometry.
func toGeometry(s shp.Shape) (orb.Geometry, error) {
	switch v := s.(type) {
	case nil, *shp.Null:
		return nil, nil
	case *shp.Point:
		return orb.Point{v.X, v.Y}, nil
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}, nil
	case *shp.PointM:
		return orb.Point{v.X, v.Y}, nil
	case *shp.MultiPoint:
		return multiPoint(v.Points), nil
	case *shp.MultiPointZ:
		return multiPoint(v.Points), nil
	case *shp.MultiPointM:
		return multiPoint(v.Points), nil
	case *shp.PolyLine:
		return lines(v.Parts, v.Points), nil
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points), nil
	case *shp.PolyLineM:
		return lines(v.Parts, v.Points), nil
	case *shp.Polygon:
		return polygons(v.Parts, v.Points), nil
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points), nil
	case *shp.PolygonM:
		return polygons(v.Parts, v.Points), nil
	}
	return nil, fmt.Errorf("unsupported shape %T", s)
}

func multiPoint(pts []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// split cuts points at the part start offsets.
func split(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			continue
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.Geometry {
	segs := split(parts, pts)
	if len(segs) == 1 {
		return orb.LineString(segs[0])
	}
	mls := make(orb.MultiLineString, len(segs))
	for i, s := range segs {
		mls[i] = orb.LineString(s)
	}
	return mls
}

// polygons groups rings into polygons. Shapefile outer rings run clockwise;
// each counter-clockwise ring is a hole of the first outer ring containing it.
func polygons(parts []int32, pts []shp.Point) orb.Geometry {
	var (
		outers []orb.Polygon
		holes  []orb.Ring
	)
	for _, seg := range split(parts, pts) {
		r := orb.Ring(seg)
		if len(r) == 0 {
			continue
		}
		if !r.Closed() {
			r = append(r, r[0])
		}
		if r.Orientation() == orb.CCW {
			holes = append(holes, r)
			continue
		}
		outers = append(outers, orb.Polygon{r})
	}

	if len(outers) == 0 {
		// winding ignored by the writer; treat every ring as a shell
		for _, h := range holes {
			outers = append(outers, orb.Polygon{h})
		}
		holes = nil
	}

	for _, h := range holes {
		placed := false
		for i := range outers {
			if planar.RingContains(outers[i][0], h[0]) {
				outers[i] = append(outers[i], h)
				placed = true
				break
			}
		}
		if !placed {
			outers = append(outers, orb.Polygon{h})
		}
	}

	switch len(outers) {
	case 0:
		return nil
	case 1:
		return outers[0]
	}
	return orb.MultiPolygon(outers)
}
