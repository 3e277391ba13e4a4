package lattice

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// EnvConfig parameterizes the lattice environment.
type EnvConfig struct {
	SizeX                          int
	SizeY                          int
	Resolution                     float64
	LethalCost                     uint8
	InscribedInflatedCost          uint8
	CostPossiblyCircumscribedThresh uint8
	NominalVel                     float64
	TimeToTurn45DegsInPlace        float64
	Footprint                      []r2.Point
	CircleCenters                  []r2.Point
	NumAngles                      int
	ForwardCostMult                int
	ForwardAndTurnCostMult         int
	TurnInPlaceCostMult            int
}

// Environment owns the lattice entry arena, the windowed cost grid the search
// runs against, and the goal-directed heuristic. Entries are materialized
// lazily on first touch and invalidated wholesale via iteration counters.
type Environment struct {
	cfg    EnvConfig
	logger golog.Logger

	prims *PrimitiveSet

	costs []uint8

	entries map[int]*Entry

	goal  *Entry
	start *Entry

	heuristic      []int
	heuristicValid bool
}

// NewEnvironment builds the environment and precomputes primitives.
func NewEnvironment(cfg EnvConfig, logger golog.Logger) (*Environment, error) {
	if cfg.SizeX <= 0 || cfg.SizeY <= 0 {
		return nil, errors.New("lattice size must be positive")
	}
	if cfg.NumAngles == 0 {
		cfg.NumAngles = DefaultNumAngles
	}
	prims, err := NewPrimitiveSet(PrimitiveConfig{
		NumAngles:               cfg.NumAngles,
		Resolution:              cfg.Resolution,
		NominalVel:              cfg.NominalVel,
		TimeToTurn45DegsInPlace: cfg.TimeToTurn45DegsInPlace,
		ForwardCostMult:         cfg.ForwardCostMult,
		ForwardAndTurnCostMult:  cfg.ForwardAndTurnCostMult,
		TurnInPlaceCostMult:     cfg.TurnInPlaceCostMult,
	})
	if err != nil {
		return nil, err
	}
	return &Environment{
		cfg:     cfg,
		logger:  logger,
		prims:   prims,
		costs:   make([]uint8, cfg.SizeX*cfg.SizeY),
		entries: make(map[int]*Entry),
	}, nil
}

// Primitives exposes the primitive table.
func (env *Environment) Primitives() *PrimitiveSet { return env.prims }

// NumAngles returns the heading bin count.
func (env *Environment) NumAngles() int { return env.cfg.NumAngles }

// SizeX returns the window width in cells.
func (env *Environment) SizeX() int { return env.cfg.SizeX }

// SizeY returns the window height in cells.
func (env *Environment) SizeY() int { return env.cfg.SizeY }

// Resolution returns meters per cell.
func (env *Environment) Resolution() float64 { return env.cfg.Resolution }

func (env *Environment) entryIndex(x, y, theta int) int {
	return (x*env.cfg.NumAngles + theta) + y*env.cfg.SizeX*env.cfg.NumAngles
}

func (env *Environment) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < env.cfg.SizeX && y < env.cfg.SizeY
}

// GetEnvEntry returns the entry for a lattice cell, creating it on first
// touch. Nil when the cell is off the window.
func (env *Environment) GetEnvEntry(x, y, theta int) *Entry {
	if !env.inBounds(x, y) {
		return nil
	}
	theta = ((theta % env.cfg.NumAngles) + env.cfg.NumAngles) % env.cfg.NumAngles
	idx := env.entryIndex(x, y, theta)
	if e, ok := env.entries[idx]; ok {
		return e
	}
	e := &Entry{
		X: x, Y: y, Theta: theta,
		G: InfiniteCost, RHS: InfiniteCost,
		VisitedIteration: -1, ClosedIteration: -1,
		heapIndex: -1,
	}
	env.entries[idx] = e
	return e
}

// DiscretizeTheta maps a continuous heading onto its bin.
func (env *Environment) DiscretizeTheta(theta float64) int {
	bin := int(math.Round(normalizeAngle(theta) / (2 * math.Pi / float64(env.cfg.NumAngles))))
	return bin % env.cfg.NumAngles
}

// ContinuousTheta returns the center heading of a bin.
func (env *Environment) ContinuousTheta(bin int) float64 {
	return 2 * math.Pi * float64(bin) / float64(env.cfg.NumAngles)
}

// DiscretizeCoord maps a window-relative world coordinate onto a cell index.
func (env *Environment) DiscretizeCoord(c float64) int {
	return int(c / env.cfg.Resolution)
}

// ContinuousCoord returns the window-relative world coordinate of a cell
// center.
func (env *Environment) ContinuousCoord(cell int) float64 {
	return float64(cell)*env.cfg.Resolution + env.cfg.Resolution/2
}

// SetStart installs the search start, invalidating the heuristic when it
// moved, and returns its entry. The goal must be set first: the heuristic is
// anchored at the start the backward search terminates on.
func (env *Environment) SetStart(x, y, theta float64) *Entry {
	e := env.GetEnvEntry(env.DiscretizeCoord(x), env.DiscretizeCoord(y), env.DiscretizeTheta(theta))
	if e == nil {
		env.logger.Errorw("start pose outside lattice window", "x", x, "y", y)
		return nil
	}
	if env.start == nil || env.start.X != e.X || env.start.Y != e.Y {
		env.heuristicValid = false
	}
	env.start = e
	return e
}

// SetGoal installs the search goal and returns its entry.
func (env *Environment) SetGoal(x, y, theta float64) *Entry {
	e := env.GetEnvEntry(env.DiscretizeCoord(x), env.DiscretizeCoord(y), env.DiscretizeTheta(theta))
	if e == nil {
		env.logger.Errorw("goal pose outside lattice window", "x", x, "y", y)
		return nil
	}
	env.goal = e
	return e
}

// Goal returns the current goal entry.
func (env *Environment) Goal() *Entry { return env.goal }

// Start returns the current start entry.
func (env *Environment) Start() *Entry { return env.start }

// GetCost returns the transformed cost of a window cell.
func (env *Environment) GetCost(x, y int) uint8 {
	if !env.inBounds(x, y) {
		return env.cfg.LethalCost
	}
	return env.costs[y*env.cfg.SizeX+x]
}

// UpdateCost writes a transformed cost and invalidates the heuristic.
func (env *Environment) UpdateCost(x, y int, cost uint8) {
	if !env.inBounds(x, y) {
		return
	}
	env.costs[y*env.cfg.SizeX+x] = cost
	env.heuristicValid = false
}

// ReInitialize drops all entries so the next search starts from scratch.
func (env *Environment) ReInitialize() {
	env.entries = make(map[int]*Entry)
	if env.goal != nil {
		env.goal = env.GetEnvEntry(env.goal.X, env.goal.Y, env.goal.Theta)
	}
	if env.start != nil {
		env.start = env.GetEnvEntry(env.start.X, env.start.Y, env.start.Theta)
	}
}

// GetAffectedPredCells returns the offsets whose predecessor set a unit cell
// change can invalidate.
func (env *Environment) GetAffectedPredCells() []Cell3D {
	return env.prims.AffectedPredCells()
}

// traverse walks a primitive from a source cell, returning the worst cell
// cost crossed, or false when the motion is blocked or leaves the window.
func (env *Environment) traverse(srcX, srcY int, prim *Primitive) (int, bool) {
	maxCost := 0
	for _, ip := range prim.Interm {
		cx := srcX + int(math.Round(ip.X/env.cfg.Resolution))
		cy := srcY + int(math.Round(ip.Y/env.cfg.Resolution))
		if !env.inBounds(cx, cy) {
			return 0, false
		}
		cost := env.costs[cy*env.cfg.SizeX+cx]
		if cost >= env.cfg.InscribedInflatedCost {
			return 0, false
		}
		if cost >= env.cfg.CostPossiblyCircumscribedThresh {
			wx := env.ContinuousCoord(srcX) + ip.X
			wy := env.ContinuousCoord(srcY) + ip.Y
			if !env.footprintClear(wx, wy, ip.Theta) {
				return 0, false
			}
		}
		if int(cost) > maxCost {
			maxCost = int(cost)
		}
	}
	return maxCost, true
}

// footprintClear samples the footprint polygon perimeter against the window
// grid; used only for cells in the possibly-circumscribed band.
func (env *Environment) footprintClear(x, y, theta float64) bool {
	if len(env.cfg.Footprint) < 3 {
		return true
	}
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	n := len(env.cfg.Footprint)
	for i := 0; i < n; i++ {
		a := env.cfg.Footprint[i]
		b := env.cfg.Footprint[(i+1)%n]
		steps := int(math.Hypot(b.X-a.X, b.Y-a.Y)/(env.cfg.Resolution/2)) + 1
		for s := 0; s <= steps; s++ {
			t := float64(s) / float64(steps)
			px := a.X + t*(b.X-a.X)
			py := a.Y + t*(b.Y-a.Y)
			wx := x + px*cosT - py*sinT
			wy := y + px*sinT + py*cosT
			cx := env.DiscretizeCoord(wx)
			cy := env.DiscretizeCoord(wy)
			if !env.inBounds(cx, cy) {
				return false
			}
			if env.costs[cy*env.cfg.SizeX+cx] >= env.cfg.InscribedInflatedCost {
				return false
			}
		}
	}
	return true
}

// GetSuccs expands the primitives leaving an entry. Returned costs are the
// primitive base cost scaled by the worst cell cost crossed.
func (env *Environment) GetSuccs(e *Entry) ([]*Entry, []int, []*Primitive) {
	prims := env.prims.ForAngle(e.Theta)
	succs := make([]*Entry, 0, len(prims))
	costs := make([]int, 0, len(prims))
	used := make([]*Primitive, 0, len(prims))
	for _, prim := range prims {
		maxCellCost, ok := env.traverse(e.X, e.Y, prim)
		if !ok {
			continue
		}
		succ := env.GetEnvEntry(e.X+prim.DX, e.Y+prim.DY, prim.EndTheta)
		if succ == nil {
			continue
		}
		mult := maxCellCost
		if mult < 1 {
			mult = 1
		}
		succs = append(succs, succ)
		costs = append(costs, prim.Cost*mult)
		used = append(used, prim)
	}
	return succs, costs, used
}

// GetPreds expands, by primitive reversal, the entries that can reach e.
func (env *Environment) GetPreds(e *Entry) ([]*Entry, []int) {
	prims := env.prims.EndingAtAngle(e.Theta)
	preds := make([]*Entry, 0, len(prims))
	costs := make([]int, 0, len(prims))
	for _, prim := range prims {
		srcX := e.X - prim.DX
		srcY := e.Y - prim.DY
		maxCellCost, ok := env.traverse(srcX, srcY, prim)
		if !ok {
			continue
		}
		pred := env.GetEnvEntry(srcX, srcY, prim.StartTheta)
		if pred == nil {
			continue
		}
		mult := maxCellCost
		if mult < 1 {
			mult = 1
		}
		preds = append(preds, pred)
		costs = append(costs, prim.Cost*mult)
	}
	return preds, costs
}
