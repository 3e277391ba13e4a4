package lattice

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

func testEnv(t *testing.T) *Environment {
	t.Helper()
	env, err := NewEnvironment(EnvConfig{
		SizeX:                           100,
		SizeY:                           100,
		Resolution:                      0.05,
		LethalCost:                      20,
		InscribedInflatedCost:           19,
		CostPossiblyCircumscribedThresh: 18,
		NominalVel:                      0.4,
		TimeToTurn45DegsInPlace:         0.6,
		Footprint: []r2.Point{
			{X: 0.1, Y: 0.1}, {X: -0.1, Y: 0.1}, {X: -0.1, Y: -0.1}, {X: 0.1, Y: -0.1},
		},
		CircleCenters:          []r2.Point{{X: 0, Y: 0}},
		ForwardCostMult:        1,
		ForwardAndTurnCostMult: 2,
		TurnInPlaceCostMult:    50,
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return env
}

func testPlanner(t *testing.T, env *Environment) *Planner {
	t.Helper()
	return NewPlanner(env, PlannerConfig{
		AllocatedTime:     4 * time.Second,
		InitialEpsilon:    3,
		ForceScratchLimit: 500,
		MapSize:           100,
		LethalCost:        20,
	}, golog.NewTestLogger(t))
}

func TestDiscretizeRoundTrip(t *testing.T) {
	env := testEnv(t)
	for bin := 0; bin < env.NumAngles(); bin++ {
		test.That(t, env.DiscretizeTheta(env.ContinuousTheta(bin)), test.ShouldEqual, bin)
	}
	for cell := 0; cell < 40; cell++ {
		test.That(t, env.DiscretizeCoord(env.ContinuousCoord(cell)), test.ShouldEqual, cell)
	}
}

func TestPrimitiveSet(t *testing.T) {
	env := testEnv(t)
	ps := env.Primitives()

	for a := 0; a < ps.NumAngles; a++ {
		prims := ps.ForAngle(a)
		test.That(t, len(prims), test.ShouldEqual, DefaultPrimsPerAngle)
		for _, p := range prims {
			test.That(t, p.StartTheta, test.ShouldEqual, a)
			test.That(t, p.Cost, test.ShouldBeGreaterThan, 0)
			test.That(t, len(p.Interm), test.ShouldBeGreaterThan, 1)
			if p.TurnInPlace {
				test.That(t, p.DX, test.ShouldEqual, 0)
				test.That(t, p.DY, test.ShouldEqual, 0)
				test.That(t, p.RotateDirection, test.ShouldNotEqual, 0)
			}
			// interpolation ends where the endpoint cell is
			last := p.Interm[len(p.Interm)-1]
			test.That(t, last.X, test.ShouldAlmostEqual, float64(p.DX)*ps.Resolution, 1e-9)
			test.That(t, last.Y, test.ShouldAlmostEqual, float64(p.DY)*ps.Resolution, 1e-9)
		}
	}
	test.That(t, len(ps.AffectedPredCells()), test.ShouldBeGreaterThan, 0)
}

func TestOpenList(t *testing.T) {
	o := newOpenList()
	a := &Entry{Key: entryKey{k1: 3}, heapIndex: -1}
	b := &Entry{Key: entryKey{k1: 1}, heapIndex: -1}
	c := &Entry{Key: entryKey{k1: 2}, heapIndex: -1}

	o.Push(a)
	o.Push(b)
	o.Push(c)
	test.That(t, o.Contains(a), test.ShouldBeTrue)
	test.That(t, o.Top(), test.ShouldEqual, b)

	// key adjusted in place
	a.Key = entryKey{k1: 0.5}
	o.Adjust(a)
	test.That(t, o.Top(), test.ShouldEqual, a)

	o.Erase(c)
	test.That(t, o.Contains(c), test.ShouldBeFalse)

	test.That(t, o.Pop(), test.ShouldEqual, a)
	test.That(t, o.Pop(), test.ShouldEqual, b)
	test.That(t, o.Empty(), test.ShouldBeTrue)

	// lexicographic tie-break on k2
	d := &Entry{Key: entryKey{k1: 1, k2: 2}, heapIndex: -1}
	e := &Entry{Key: entryKey{k1: 1, k2: 1}, heapIndex: -1}
	o.Push(d)
	o.Push(e)
	test.That(t, o.Pop(), test.ShouldEqual, e)
}

func TestSearchStraightLine(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	path := navpath.NewPath()

	start := navpath.Pose{X: 1.0, Y: 1.0, Theta: 0}
	goal := navpath.Pose{X: 2.0, Y: 1.0, Theta: 0}
	err := p.MakePlan(grid, start, goal, path, false, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path.Empty(), test.ShouldBeFalse)

	// the path stays near the straight corridor and reaches the goal
	for _, pt := range path.Points() {
		test.That(t, math.Abs(pt.Y-1.0), test.ShouldBeLessThan, 0.2)
	}
	last := path.Points()[len(path.Points())-1]
	test.That(t, last.Distance(goal), test.ShouldBeLessThan, 0.01)
	test.That(t, path.Length(), test.ShouldBeLessThan, 1.5)
}

func TestSearchInvariants(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	path := navpath.NewPath()

	err := p.MakePlan(grid, navpath.Pose{X: 1, Y: 1}, navpath.Pose{X: 2, Y: 1}, path, false, false)
	test.That(t, err, test.ShouldBeNil)

	// open membership: queued iff inconsistent and not closed this iteration
	for _, e := range env.entries {
		if e.VisitedIteration != p.environmentIteration {
			continue
		}
		inOpen := p.open.Contains(e)
		if inOpen {
			test.That(t, e.G, test.ShouldNotEqual, e.RHS)
			test.That(t, e.ClosedIteration, test.ShouldNotEqual, p.iteration)
		}
		if e.G != e.RHS && e.ClosedIteration != p.iteration {
			_, incons := p.incons[e]
			test.That(t, inOpen || incons, test.ShouldBeTrue)
		}
	}

	// queued keys match the key formula at the final epsilon
	for _, e := range p.open.All() {
		key := e.Key
		recomputed := e.computeKey(p.eps, env.GetHeuristic(e.X, e.Y))
		test.That(t, recomputed.k1, test.ShouldAlmostEqual, key.k1, 1e-9)
		test.That(t, recomputed.k2, test.ShouldAlmostEqual, key.k2, 1e-9)
	}

	// anytime loop tightened epsilon all the way down
	test.That(t, p.epsilonSatisfied, test.ShouldEqual, 1.0)
}

func TestSearchFailsWhenWalled(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	// wall the goal region off completely
	grid.SetRectCost(1.5, 0, 1.6, 5.0, costmap.LethalObstacle)
	path := navpath.NewPath()

	err := p.MakePlan(grid, navpath.Pose{X: 1, Y: 1}, navpath.Pose{X: 2, Y: 1}, path, false, false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, path.Empty(), test.ShouldBeTrue)
}

func TestSearchAvoidsObstacleAfterCostChange(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	path := navpath.NewPath()

	start := navpath.Pose{X: 1.0, Y: 1.0}
	goal := navpath.Pose{X: 3.0, Y: 1.0}
	err := p.MakePlan(grid, start, goal, path, false, false)
	test.That(t, err, test.ShouldBeNil)

	// drop a block onto the corridor and replan with the same goal
	grid.SetRectCost(1.9, 0.8, 2.1, 1.2, costmap.LethalObstacle)
	path2 := navpath.NewPath()
	err = p.MakePlan(grid, start, goal, path2, false, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path2.Empty(), test.ShouldBeFalse)

	for _, pt := range path2.Points() {
		inX := pt.X > 1.85 && pt.X < 2.15
		inY := pt.Y > 0.75 && pt.Y < 1.25
		test.That(t, inX && inY, test.ShouldBeFalse)
	}
}

func TestBroaderGoalSeedsHalo(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	path := navpath.NewPath()

	err := p.MakePlan(grid, navpath.Pose{X: 1, Y: 1}, navpath.Pose{X: 2, Y: 1}, path, true, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(p.goalEntryList), test.ShouldBeGreaterThan, 1)
	test.That(t, path.Empty(), test.ShouldBeFalse)
}

func TestTransformCostmapCost(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)

	test.That(t, p.TransformCostmapCost(costmap.LethalObstacle), test.ShouldEqual, uint8(20))
	test.That(t, p.TransformCostmapCost(costmap.InscribedInflatedObstacle), test.ShouldEqual, uint8(19))
	test.That(t, p.TransformCostmapCost(costmap.NoInformation), test.ShouldEqual, uint8(0))
	test.That(t, p.TransformCostmapCost(0), test.ShouldEqual, uint8(0))
	mid := p.TransformCostmapCost(128)
	test.That(t, mid, test.ShouldBeGreaterThan, uint8(0))
	test.That(t, mid, test.ShouldBeLessThan, uint8(19))
}

func TestHeuristicAdmissibleOnOpenGrid(t *testing.T) {
	env := testEnv(t)
	p := testPlanner(t, env)
	grid := costmap.New(100, 100, 0.05, 0, 0)
	path := navpath.NewPath()

	start := navpath.Pose{X: 1, Y: 1}
	goal := navpath.Pose{X: 2, Y: 1}
	err := p.MakePlan(grid, start, goal, path, false, false)
	test.That(t, err, test.ShouldBeNil)

	// the start's rhs is the full path cost of the backward search; the
	// heuristic at the goal cell must not exceed it
	goalEntry := p.goalEntry
	h := env.GetHeuristic(goalEntry.X, goalEntry.Y)
	test.That(t, h, test.ShouldBeLessThanOrEqualTo, p.startEntry.RHS)
}
