// Package query selects the features of a collection that touch a bound.
package query

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/geoparquet"
)

// Buffer pads the query bound so features lying exactly on a tile edge are
// kept by both neighbours despite floating point rounding.
const Buffer = 1e-6

// Filter returns the features of c intersecting b padded by Buffer. The scan
// is linear and keeps the collection order. An empty result is not an error.
func Filter(c *geoparquet.Collection, b orb.Bound) *geoparquet.Collection {
	if c == nil {
		return &geoparquet.Collection{}
	}
	if c.Len() == 0 {
		return c.Subset(nil)
	}
	padded := b.Pad(Buffer)
	var out []geoparquet.Feature
	for _, f := range c.Features {
		if f.Geometry == nil || !f.Bound.Intersects(padded) {
			continue
		}
		if Intersects(f.Geometry, padded) {
			out = append(out, f)
		}
	}
	return c.Subset(out)
}

// Intersects reports whether g shares at least one point with b. Boundaries
// count as shared.
func Intersects(g orb.Geometry, b orb.Bound) bool {
	if g == nil || !g.Bound().Intersects(b) {
		return false
	}
	switch g := g.(type) {
	case orb.Point:
		return b.Contains(g)
	case orb.MultiPoint:
		for _, p := range g {
			if b.Contains(p) {
				return true
			}
		}
		return false
	case orb.LineString:
		return lineIntersects(g, b)
	case orb.MultiLineString:
		for _, ls := range g {
			if lineIntersects(ls, b) {
				return true
			}
		}
		return false
	case orb.Ring:
		return polygonIntersects(orb.Polygon{g}, b)
	case orb.Polygon:
		return polygonIntersects(g, b)
	case orb.MultiPolygon:
		for _, p := range g {
			if polygonIntersects(p, b) {
				return true
			}
		}
		return false
	case orb.Collection:
		for _, sub := range g {
			if Intersects(sub, b) {
				return true
			}
		}
		return false
	case orb.Bound:
		// bounds already overlap
		return true
	}
	return false
}

func lineIntersects(ls orb.LineString, b orb.Bound) bool {
	for _, p := range ls {
		if b.Contains(p) {
			return true
		}
	}
	for i := 1; i < len(ls); i++ {
		if segmentCrossesBound(ls[i-1], ls[i], b) {
			return true
		}
	}
	return false
}

func polygonIntersects(p orb.Polygon, b orb.Bound) bool {
	if len(p) == 0 {
		return false
	}
	for _, r := range p {
		if lineIntersects(orb.LineString(r), b) {
			return true
		}
	}
	// no edge touches the bound, so it is either fully inside or outside
	return planar.PolygonContains(p, b.Center())
}

func segmentCrossesBound(a, c orb.Point, b orb.Bound) bool {
	corners := [4]orb.Point{
		{b.Min[0], b.Min[1]},
		{b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]},
		{b.Min[0], b.Max[1]},
	}
	for i := range corners {
		if segmentsIntersect(a, c, corners[i], corners[(i+1)%4]) {
			return true
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// c is collinear with a-b; reports whether it lies within the segment
func onSegment(a, b, c orb.Point) bool {
	return c[0] >= min(a[0], b[0]) && c[0] <= max(a[0], b[0]) &&
		c[1] >= min(a[1], b[1]) && c[1] <= max(a[1], b[1])
}
