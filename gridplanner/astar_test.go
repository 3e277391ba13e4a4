package gridplanner

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

func TestMakePlanStraight(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := New(golog.NewTestLogger(t))

	start := navpath.Pose{X: 1, Y: 1}
	goal := navpath.Pose{X: 8, Y: 1}
	plan, err := p.MakePlan(grid, start, goal)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(plan), test.ShouldBeGreaterThan, 2)
	test.That(t, plan[0].Pose, test.ShouldResemble, start)
	test.That(t, plan[len(plan)-1].Pose, test.ShouldResemble, goal)

	length := 0.0
	for i := 0; i+1 < len(plan); i++ {
		length += plan[i].DistanceToPoint(plan[i+1])
	}
	test.That(t, length, test.ShouldBeLessThan, 7.5)
}

func TestMakePlanAroundObstacle(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	// wall with a gap at the top
	grid.SetRectCost(4.0, 0, 4.2, 8.0, costmap.LethalObstacle)
	p := New(golog.NewTestLogger(t))

	plan, err := p.MakePlan(grid, navpath.Pose{X: 1, Y: 1}, navpath.Pose{X: 8, Y: 1})
	test.That(t, err, test.ShouldBeNil)
	for _, pt := range plan {
		if pt.X > 4.0 && pt.X < 4.25 {
			test.That(t, pt.Y, test.ShouldBeGreaterThan, 7.9)
		}
	}
}

func TestMakePlanNoPath(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	// seal the goal inside a box
	grid.SetRectCost(6.0, 0.0, 6.2, 10.0, costmap.LethalObstacle)
	grid.SetRectCost(6.0, 0.0, 10.0, 0.2, costmap.LethalObstacle)
	grid.SetRectCost(6.0, 9.8, 10.0, 10.0, costmap.LethalObstacle)
	grid.SetRectCost(9.8, 0.0, 10.0, 10.0, costmap.LethalObstacle)
	p := New(golog.NewTestLogger(t))

	start := navpath.Pose{X: 1, Y: 1}
	_, err := p.MakePlan(grid, start, navpath.Pose{X: 8, Y: 5})
	test.That(t, err, test.ShouldEqual, ErrNoPath)

	// the frontier closest to the goal is just shy of the wall
	ex, ey := p.ExtendPoint()
	test.That(t, ex, test.ShouldBeGreaterThan, start.X)
	test.That(t, math.Hypot(ex-8, ey-5), test.ShouldBeLessThan, math.Hypot(start.X-8, start.Y-5))
}
