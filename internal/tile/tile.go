// Package tile maps slippy-map tile addresses to geographic bounds.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// DefaultMaxZoom is the deepest zoom accepted when no limit is configured.
const DefaultMaxZoom = 24

// World is the bound of the single zoom 0 tile.
var World = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// Coord addresses one tile in the power-of-two pyramid. It is comparable and
// used directly as a cache key.
type Coord struct {
	Z, X, Y int
}

func New(z, x, y int) Coord { return Coord{Z: z, X: x, Y: y} }

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Filename is the attachment name used when the tile is served.
func (c Coord) Filename() string {
	return fmt.Sprintf("tile_%d_%d_%d.parquet", c.Z, c.X, c.Y)
}

// Valid reports whether x and y lie in [0, 2^z) and z is in [0, maxZoom].
func (c Coord) Valid(maxZoom int) bool {
	if c.Z < 0 || c.Z > maxZoom || c.Z > 62 {
		return false
	}
	n := 1 << uint(c.Z)
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

func (c Coord) Bound() orb.Bound { return Bound(c.Z, c.X, c.Y) }

// Bound returns the lon/lat bound of tile (z, x, y). Zoom 0 is the whole
// world. Out-of-range x/y are computed through and give an off-world bound.
func Bound(z, x, y int) orb.Bound {
	if z == 0 {
		return World
	}
	n := math.Exp2(float64(z))
	west := float64(x)/n*360.0 - 180.0
	east := float64(x+1)/n*360.0 - 180.0
	north := rowLat(float64(y), n)
	south := rowLat(float64(y+1), n)
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}
}

// inverse web mercator for the top edge of row r
func rowLat(r, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*r/n)))
	return rad * 180.0 / math.Pi
}
