// Package costmap provides the 2D cost grid view the planners run against and
// the footprint safety checker built on top of it. The grid itself is
// maintained externally; this package only reads, windows and (for recovery)
// clears it.
package costmap

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Costmap cell value conventions, matching the inflation layer contract.
const (
	FreeSpace                 uint8 = 0
	InscribedInflatedObstacle uint8 = 253
	LethalObstacle            uint8 = 254
	NoInformation             uint8 = 255
)

// Costmap is a dense planar cost grid anchored at a world origin.
type Costmap struct {
	sizeX      int
	sizeY      int
	resolution float64
	originX    float64
	originY    float64
	costs      []uint8
}

// New returns a costmap of the given cell dimensions filled with free space.
func New(sizeX, sizeY int, resolution, originX, originY float64) *Costmap {
	return &Costmap{
		sizeX:      sizeX,
		sizeY:      sizeY,
		resolution: resolution,
		originX:    originX,
		originY:    originY,
		costs:      make([]uint8, sizeX*sizeY),
	}
}

// SizeX returns the grid width in cells.
func (c *Costmap) SizeX() int { return c.sizeX }

// SizeY returns the grid height in cells.
func (c *Costmap) SizeY() int { return c.sizeY }

// Resolution returns meters per cell.
func (c *Costmap) Resolution() float64 { return c.resolution }

// OriginX returns the world x of cell (0,0).
func (c *Costmap) OriginX() float64 { return c.originX }

// OriginY returns the world y of cell (0,0).
func (c *Costmap) OriginY() float64 { return c.originY }

// InBounds reports whether the cell coordinate lies on the grid.
func (c *Costmap) InBounds(mx, my int) bool {
	return mx >= 0 && my >= 0 && mx < c.sizeX && my < c.sizeY
}

// Cost returns the cell cost, or NoInformation off-grid.
func (c *Costmap) Cost(mx, my int) uint8 {
	if !c.InBounds(mx, my) {
		return NoInformation
	}
	return c.costs[my*c.sizeX+mx]
}

// SetCost writes one cell.
func (c *Costmap) SetCost(mx, my int, cost uint8) {
	if !c.InBounds(mx, my) {
		return
	}
	c.costs[my*c.sizeX+mx] = cost
}

// WorldToMap converts a world coordinate to a cell coordinate.
func (c *Costmap) WorldToMap(wx, wy float64) (int, int, bool) {
	if wx < c.originX || wy < c.originY {
		return 0, 0, false
	}
	mx := int((wx - c.originX) / c.resolution)
	my := int((wy - c.originY) / c.resolution)
	if mx >= c.sizeX || my >= c.sizeY {
		return 0, 0, false
	}
	return mx, my, true
}

// MapToWorld returns the world coordinate of a cell center.
func (c *Costmap) MapToWorld(mx, my int) (float64, float64) {
	wx := c.originX + (float64(mx)+0.5)*c.resolution
	wy := c.originY + (float64(my)+0.5)*c.resolution
	return wx, wy
}

// Copy returns a deep copy, used to snapshot the static map overlay.
func (c *Costmap) Copy() *Costmap {
	dup := New(c.sizeX, c.sizeY, c.resolution, c.originX, c.originY)
	copy(dup.costs, c.costs)
	return dup
}

// SetRectCost stamps a world-frame axis-aligned rectangle with a cost.
// Used by tests and by obstacle injection.
func (c *Costmap) SetRectCost(minX, minY, maxX, maxY float64, cost uint8) {
	x0 := max(int(math.Floor((minX-c.originX)/c.resolution)), 0)
	y0 := max(int(math.Floor((minY-c.originY)/c.resolution)), 0)
	x1 := min(int(math.Floor((maxX-c.originX)/c.resolution)), c.sizeX-1)
	y1 := min(int(math.Floor((maxY-c.originY)/c.resolution)), c.sizeY-1)
	for my := y0; my <= y1; my++ {
		for mx := x0; mx <= x1; mx++ {
			c.SetCost(mx, my, cost)
		}
	}
}

// ClearFootprint frees the cells under the robot footprint at the given pose,
// grown by extend meters on every side. Recovery uses this to unstick the
// robot from stale obstacle marks.
func (c *Costmap) ClearFootprint(x, y, yaw float64, footprint []r2.Point, extend float64) {
	if len(footprint) < 3 {
		return
	}
	oriented := orientFootprint(x, y, yaw, footprint, extend, extend)
	minX, minY := oriented[0].X, oriented[0].Y
	maxX, maxY := minX, minY
	for _, p := range oriented[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	for wy := minY; wy <= maxY; wy += c.resolution {
		for wx := minX; wx <= maxX; wx += c.resolution {
			if !pointInPolygon(r2.Point{X: wx, Y: wy}, oriented) {
				continue
			}
			if mx, my, ok := c.WorldToMap(wx, wy); ok {
				c.SetCost(mx, my, FreeSpace)
			}
		}
	}
}

// orientFootprint transforms a base-frame footprint polygon to a world pose,
// optionally growing it along the robot axes.
func orientFootprint(x, y, yaw float64, footprint []r2.Point, extendX, extendY float64) []r2.Point {
	cosY, sinY := math.Cos(yaw), math.Sin(yaw)
	oriented := make([]r2.Point, len(footprint))
	for i, p := range footprint {
		px := p.X
		py := p.Y
		if px != 0 {
			px += math.Copysign(extendX, px)
		}
		if py != 0 {
			py += math.Copysign(extendY, py)
		}
		oriented[i] = r2.Point{
			X: x + px*cosY - py*sinY,
			Y: y + px*sinY + py*cosY,
		}
	}
	return oriented
}

func pointInPolygon(pt r2.Point, poly []r2.Point) bool {
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) &&
			pt.X < (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// ErrOutOfBounds reports a world coordinate outside the grid.
var ErrOutOfBounds = errors.New("coordinate outside costmap bounds")
