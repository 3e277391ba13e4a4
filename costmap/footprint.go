package costmap

import (
	"math"

	"github.com/golang/geo/r2"
)

// Sentinel return values of the cost queries. Anything negative means the
// queried placement is not drivable; the bands let callers distinguish a
// merely inscribed placement (backing through inflation is tolerated) from a
// lethal or unknown one (never drivable, goal rejected outright).
const (
	CostInscribed = -1.0
	CostLethal    = -254.0
	CostUnknown   = -255.0
)

// RecoveryYawNotFound is returned by RecoveryCircleCost when no rotation
// yields a collision-free footprint.
const RecoveryYawNotFound = 2 * math.Pi

// Checker answers footprint and circle-center safety queries against either
// the live costmap or a static map-only overlay.
type Checker struct {
	live      *Costmap
	static    *Costmap
	useStatic bool
}

// NewChecker returns a checker over the live costmap.
func NewChecker(live *Costmap) *Checker {
	return &Checker{live: live}
}

// SetLive repoints the checker at a fresh live costmap snapshot.
func (ch *Checker) SetLive(live *Costmap) {
	if live != nil {
		ch.live = live
	}
}

// SetStaticCostmap installs the static overlay and selects which map
// subsequent queries use.
func (ch *Checker) SetStaticCostmap(static *Costmap, useStatic bool) {
	if static != nil {
		ch.static = static
	}
	ch.useStatic = useStatic && ch.static != nil
}

// UsingStatic reports whether queries currently run against the static map.
func (ch *Checker) UsingStatic() bool { return ch.useStatic }

func (ch *Checker) grid() *Costmap {
	if ch.useStatic {
		return ch.static
	}
	return ch.live
}

func cellCostValue(grid *Costmap, wx, wy float64) float64 {
	mx, my, ok := grid.WorldToMap(wx, wy)
	if !ok {
		return CostUnknown
	}
	switch cost := grid.Cost(mx, my); cost {
	case NoInformation:
		return CostUnknown
	case LethalObstacle:
		return CostLethal
	case InscribedInflatedObstacle:
		return CostInscribed
	default:
		return float64(cost)
	}
}

// CircleCenterCost checks the covering disks of the robot at a pose and
// returns the worst cell cost under any center. Negative means unsafe; the
// extend offsets grow the placement along the robot axes.
func (ch *Checker) CircleCenterCost(x, y, yaw float64, centers []r2.Point, extendX, extendY float64) float64 {
	grid := ch.grid()
	cosY, sinY := math.Cos(yaw), math.Sin(yaw)
	worst := 0.0
	for _, c := range centers {
		cx := c.X
		cy := c.Y
		if cx != 0 {
			cx += math.Copysign(extendX, cx)
		}
		if cy != 0 {
			cy += math.Copysign(extendY, cy)
		}
		wx := x + cx*cosY - cy*sinY
		wy := y + cx*sinY + cy*cosY
		v := cellCostValue(grid, wx, wy)
		if v < worst {
			worst = v
		} else if worst >= 0 && v > worst {
			worst = v
		}
	}
	return worst
}

// FootprintCost rasterizes the footprint polygon perimeter at a pose and
// returns the worst cell cost crossed. Negative means the footprint touches
// an inscribed, lethal or unknown cell.
func (ch *Checker) FootprintCost(x, y, yaw float64, footprint []r2.Point, extendX, extendY float64) float64 {
	if len(footprint) < 3 {
		return CostUnknown
	}
	grid := ch.grid()
	oriented := orientFootprint(x, y, yaw, footprint, extendX, extendY)
	worst := 0.0
	step := grid.Resolution() / 2
	for i := 0; i < len(oriented); i++ {
		a := oriented[i]
		b := oriented[(i+1)%len(oriented)]
		length := math.Hypot(b.X-a.X, b.Y-a.Y)
		n := int(length/step) + 1
		for s := 0; s <= n; s++ {
			t := float64(s) / float64(n)
			v := cellCostValue(grid, a.X+t*(b.X-a.X), a.Y+t*(b.Y-a.Y))
			if v < worst {
				worst = v
			} else if worst >= 0 && v > worst {
				worst = v
			}
		}
	}
	return worst
}

// BroaderFootprintCost grows the footprint by the extend margins before
// checking, catching obstacles the nominal footprint barely clears. The
// growth itself happens in orientFootprint, which pushes every vertex
// outward along the robot axes.
func (ch *Checker) BroaderFootprintCost(x, y, yaw float64, footprint []r2.Point, extendX, extendY float64) float64 {
	return ch.FootprintCost(x, y, yaw, footprint, extendX, extendY)
}

// RecoveryCircleCost searches rotations around the pose for a collision-free
// footprint. It returns the yaw to rotate to and a goal position offset along
// that yaw, or RecoveryYawNotFound when every rotation collides.
func (ch *Checker) RecoveryCircleCost(x, y, yaw float64, footprint []r2.Point) (targetYaw, goalX, goalY float64) {
	const yawStep = math.Pi / 8
	const forwardOffset = 0.5
	for i := 0; i < 16; i++ {
		// alternate left/right around the current heading
		delta := float64((i+1)/2) * yawStep
		if i%2 == 1 {
			delta = -delta
		}
		sampleYaw := yaw + delta
		if ch.FootprintCost(x, y, sampleYaw, footprint, 0, 0) < 0 {
			continue
		}
		gx := x + forwardOffset*math.Cos(sampleYaw)
		gy := y + forwardOffset*math.Sin(sampleYaw)
		if ch.FootprintCost(gx, gy, sampleYaw, footprint, 0, 0) < 0 {
			continue
		}
		return sampleYaw, gx, gy
	}
	return RecoveryYawNotFound, x, y
}
