package lattice

import (
	"math"

	"github.com/pkg/errors"
)

// DefaultNumAngles is the number of heading bins in the lattice.
const DefaultNumAngles = 16

// DefaultPrimsPerAngle is how many motion templates leave each heading bin.
const DefaultPrimsPerAngle = 7

const numIntermPoints = 10

// canonical unit displacements for the 16 heading bins; each lands exactly on
// a lattice cell.
var angleOffsets = [16][2]int{
	{1, 0}, {2, 1}, {1, 1}, {1, 2},
	{0, 1}, {-1, 2}, {-1, 1}, {-2, 1},
	{-1, 0}, {-2, -1}, {-1, -1}, {-1, -2},
	{0, -1}, {1, -2}, {1, -1}, {2, -1},
}

// IntermPoint is one interpolated sample along a primitive, relative to the
// primitive's start cell center.
type IntermPoint struct {
	X     float64
	Y     float64
	Theta float64
}

// Primitive is a precomputed short trajectory template leaving one heading
// bin. Cost is the base traversal cost in milliseconds already scaled by the
// primitive class multiplier; the search multiplies it by the worst cell cost
// crossed.
type Primitive struct {
	StartTheta  int
	EndTheta    int
	DX          int
	DY          int
	Cost        int
	TurnInPlace bool
	// RotateDirection is +1/-1 for turning primitives, 0 for straight ones.
	RotateDirection int
	Radius          float64
	Interm          []IntermPoint
}

// Cell3D is a lattice cell coordinate, used for affected-predecessor offsets.
type Cell3D struct {
	X     int
	Y     int
	Theta int
}

// PrimitiveSet holds the full primitive table plus the cost scale shared with
// the heuristic.
type PrimitiveSet struct {
	NumAngles  int
	Resolution float64

	// CellTimeMs is the time cost of traversing one cell straight at nominal
	// velocity; the heuristic uses the same scale so it stays admissible.
	CellTimeMs int

	perAngle [][]*Primitive
	affected []Cell3D
}

// PrimitiveConfig parameterizes primitive generation.
type PrimitiveConfig struct {
	NumAngles                int
	Resolution               float64
	NominalVel               float64
	TimeToTurn45DegsInPlace  float64
	ForwardCostMult          int
	ForwardAndTurnCostMult   int
	TurnInPlaceCostMult      int
}

// NewPrimitiveSet precomputes the motion primitive table.
func NewPrimitiveSet(cfg PrimitiveConfig) (*PrimitiveSet, error) {
	if cfg.NumAngles != DefaultNumAngles {
		return nil, errors.Errorf("unsupported number of heading bins %d", cfg.NumAngles)
	}
	if cfg.Resolution <= 0 || cfg.NominalVel <= 0 {
		return nil, errors.New("resolution and nominal velocity must be positive")
	}
	ps := &PrimitiveSet{
		NumAngles:  cfg.NumAngles,
		Resolution: cfg.Resolution,
		CellTimeMs: int(math.Round(1000 * cfg.Resolution / cfg.NominalVel)),
	}
	if ps.CellTimeMs < 1 {
		ps.CellTimeMs = 1
	}
	// one heading bin of 16 is half of 45 degrees
	turnTimeMs := int(math.Round(1000 * cfg.TimeToTurn45DegsInPlace / 2))
	if turnTimeMs < 1 {
		turnTimeMs = 1
	}

	ps.perAngle = make([][]*Primitive, cfg.NumAngles)
	for a := 0; a < cfg.NumAngles; a++ {
		prims := make([]*Primitive, 0, DefaultPrimsPerAngle)
		off := angleOffsets[a]

		// short and long straight moves
		prims = append(prims,
			ps.makeMove(a, a, off[0], off[1], cfg.ForwardCostMult, 0),
			ps.makeMove(a, a, 4*off[0], 4*off[1], cfg.ForwardCostMult, 0),
			ps.makeMove(a, a, 8*off[0], 8*off[1], cfg.ForwardCostMult, 0),
		)

		// forward while turning one bin either way; endpoint follows the
		// outgoing heading
		left := (a + 1) % cfg.NumAngles
		right := (a - 1 + cfg.NumAngles) % cfg.NumAngles
		loff := angleOffsets[left]
		roff := angleOffsets[right]
		prims = append(prims,
			ps.makeMove(a, left, off[0]+loff[0], off[1]+loff[1], cfg.ForwardAndTurnCostMult, 1),
			ps.makeMove(a, right, off[0]+roff[0], off[1]+roff[1], cfg.ForwardAndTurnCostMult, -1),
		)

		// turn in place one bin either way
		prims = append(prims,
			ps.makeTurnInPlace(a, left, cfg.TurnInPlaceCostMult*turnTimeMs, 1),
			ps.makeTurnInPlace(a, right, cfg.TurnInPlaceCostMult*turnTimeMs, -1),
		)
		ps.perAngle[a] = prims
	}
	ps.computeAffectedPredCells()
	return ps, nil
}

// ForAngle returns the primitives leaving the given heading bin.
func (ps *PrimitiveSet) ForAngle(theta int) []*Primitive {
	return ps.perAngle[theta]
}

// EndingAtAngle returns the primitives arriving at the given heading bin.
func (ps *PrimitiveSet) EndingAtAngle(theta int) []*Primitive {
	prims := make([]*Primitive, 0, DefaultPrimsPerAngle)
	for a := 0; a < ps.NumAngles; a++ {
		for _, p := range ps.perAngle[a] {
			if p.EndTheta == theta {
				prims = append(prims, p)
			}
		}
	}
	return prims
}

// AffectedPredCells returns the cell offsets whose outgoing primitives can
// cross a changed cell, used to seed incremental repair.
func (ps *PrimitiveSet) AffectedPredCells() []Cell3D {
	return ps.affected
}

func (ps *PrimitiveSet) binAngle(bin int) float64 {
	return 2 * math.Pi * float64(bin) / float64(ps.NumAngles)
}

func (ps *PrimitiveSet) makeMove(startTheta, endTheta, dx, dy, costMult, rotateDir int) *Primitive {
	dist := math.Hypot(float64(dx), float64(dy)) * ps.Resolution
	cost := costMult * int(math.Ceil(math.Hypot(float64(dx), float64(dy))))
	if cost < costMult {
		cost = costMult
	}
	cost *= ps.CellTimeMs
	p := &Primitive{
		StartTheta:      startTheta,
		EndTheta:        endTheta,
		DX:              dx,
		DY:              dy,
		Cost:            cost,
		RotateDirection: rotateDir,
		Radius:          turningRadius(dist, startTheta, endTheta, ps.NumAngles),
	}
	startAngle := ps.binAngle(startTheta)
	endAngle := ps.binAngle(endTheta)
	dTheta := shortestAngularDiff(startAngle, endAngle)
	ex := float64(dx) * ps.Resolution
	ey := float64(dy) * ps.Resolution
	p.Interm = make([]IntermPoint, numIntermPoints+1)
	for i := 0; i <= numIntermPoints; i++ {
		t := float64(i) / float64(numIntermPoints)
		p.Interm[i] = IntermPoint{
			X:     ex * t,
			Y:     ey * t,
			Theta: normalizeAngle(startAngle + dTheta*t),
		}
	}
	return p
}

func (ps *PrimitiveSet) makeTurnInPlace(startTheta, endTheta, cost, rotateDir int) *Primitive {
	p := &Primitive{
		StartTheta:      startTheta,
		EndTheta:        endTheta,
		Cost:            cost,
		TurnInPlace:     true,
		RotateDirection: rotateDir,
		Radius:          0,
	}
	startAngle := ps.binAngle(startTheta)
	dTheta := shortestAngularDiff(startAngle, ps.binAngle(endTheta))
	p.Interm = make([]IntermPoint, numIntermPoints+1)
	for i := 0; i <= numIntermPoints; i++ {
		t := float64(i) / float64(numIntermPoints)
		p.Interm[i] = IntermPoint{Theta: normalizeAngle(startAngle + dTheta*t)}
	}
	return p
}

func (ps *PrimitiveSet) computeAffectedPredCells() {
	seen := map[Cell3D]struct{}{}
	for _, prims := range ps.perAngle {
		for _, prim := range prims {
			for _, ip := range prim.Interm {
				cx := int(math.Round(ip.X / ps.Resolution))
				cy := int(math.Round(ip.Y / ps.Resolution))
				off := Cell3D{X: -cx, Y: -cy, Theta: prim.StartTheta}
				if _, ok := seen[off]; !ok {
					seen[off] = struct{}{}
					ps.affected = append(ps.affected, off)
				}
			}
			off := Cell3D{X: -prim.DX, Y: -prim.DY, Theta: prim.StartTheta}
			if _, ok := seen[off]; !ok {
				seen[off] = struct{}{}
				ps.affected = append(ps.affected, off)
			}
		}
	}
}

func turningRadius(dist float64, startTheta, endTheta, numAngles int) float64 {
	if startTheta == endTheta {
		return 10.0
	}
	dTheta := math.Abs(shortestAngularDiff(
		2*math.Pi*float64(startTheta)/float64(numAngles),
		2*math.Pi*float64(endTheta)/float64(numAngles)))
	if dTheta == 0 {
		return 10.0
	}
	return dist / dTheta
}

func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

func shortestAngularDiff(from, to float64) float64 {
	d := math.Mod(to-from, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
