package localplanner

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CircleCenters = []r2.Point{{X: 0.1, Y: 0}, {X: -0.1, Y: 0}}
	return cfg
}

func testPlanner(t *testing.T, grid *costmap.Costmap) *Planner {
	t.Helper()
	return NewPlanner(testConfig(), costmap.NewChecker(grid), golog.NewTestLogger(t))
}

func straightPlan(n int, step float64) []navpath.PathPoint {
	p := navpath.NewPath()
	pts := make([]navpath.PathPoint, n)
	for i := range pts {
		pts[i] = navpath.PoseToPathPoint(navpath.Pose{X: 1 + float64(i)*step, Y: 1})
	}
	p.SetPath(pts, false, true)
	return p.Points()
}

func TestComputeVelocityDrivesForward(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	test.That(t, p.SetPlan(straightPlan(40, 0.1)), test.ShouldBeNil)
	cmd, err := p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1, Y: 1}, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd.LinearX, test.ShouldBeGreaterThan, 0)
}

func TestComputeVelocityFailsWhenBlocked(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	// box the robot in completely
	grid.SetRectCost(0.5, 0.5, 1.5, 1.5, costmap.LethalObstacle)
	p := testPlanner(t, grid)

	test.That(t, p.SetPlan(straightPlan(40, 0.1)), test.ShouldBeNil)
	_, err := p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1, Y: 1}, Twist{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, p.IsFootprintSafe(), test.ShouldBeFalse)
}

func TestGoalLatchAndRotate(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	// short plan ending at (1.4, 1) facing +y
	pts := straightPlan(5, 0.1)
	pts[len(pts)-1].Theta = math.Pi / 2
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)

	// inside xy tolerance while stopped: rotate in place toward the goal yaw
	pose := navpath.Pose{X: 1.35, Y: 1, Theta: 0}
	cmd, err := p.ComputeVelocityCommands(TrajectoryPlanner, pose, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd.LinearX, test.ShouldEqual, 0.0)
	test.That(t, cmd.AngularZ, test.ShouldBeGreaterThan, 0)
	test.That(t, p.IsGoalXYLatched(), test.ShouldBeTrue)
	test.That(t, p.IsGoalReached(), test.ShouldBeFalse)

	// yaw aligned: goal reached, command zero
	pose.Theta = math.Pi / 2
	cmd, err = p.ComputeVelocityCommands(TrajectoryPlanner, pose, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Twist{})
	test.That(t, p.IsGoalReached(), test.ShouldBeTrue)

	p.ResetPlanner()
	test.That(t, p.IsGoalReached(), test.ShouldBeFalse)
	test.That(t, p.IsGoalXYLatched(), test.ShouldBeFalse)
}

func TestStopWithAccLimitsBeforeRotating(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	pts := straightPlan(5, 0.1)
	pts[len(pts)-1].Theta = math.Pi / 2
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)

	// arriving fast: shed speed before rotating
	cmd, err := p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1.35, Y: 1}, Twist{LinearX: 0.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd.AngularZ, test.ShouldEqual, 0.0)
	test.That(t, cmd.LinearX, test.ShouldBeLessThan, 0.5)
	test.That(t, cmd.LinearX, test.ShouldBeGreaterThanOrEqualTo, 0.0)
}

func TestCornerRotatesInPlace(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	pts := straightPlan(40, 0.1)
	for i := 0; i < 5; i++ {
		pts[i].Corner = navpath.CornerStruct{
			CornerPoint:     true,
			Anchor:          true,
			ThetaOut:        math.Pi / 2,
			RotateDirection: 1,
		}
	}
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)

	pose := navpath.Pose{X: 1, Y: 1, Theta: 0}
	cmd, err := p.ComputeVelocityCommands(TrajectoryPlanner, pose, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd.LinearX, test.ShouldEqual, 0.0)
	test.That(t, cmd.AngularZ, test.ShouldBeGreaterThan, 0)

	// once aligned within 0.1 rad, translation resumes
	pose.Theta = math.Pi/2 - 0.05
	cmd, err = p.ComputeVelocityCommands(TrajectoryPlanner, pose, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.IsRotatingToGoalDone(), test.ShouldBeTrue)
}

func TestRotateDirectionMemoryResetOnTargetChange(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	pts := straightPlan(40, 0.1)
	pts[0].Corner = navpath.CornerStruct{CornerPoint: true, Anchor: true, ThetaOut: math.Pi / 2, RotateDirection: 1}
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)

	_, err := p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1, Y: 1}, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.lastRotateToGoalDir, test.ShouldEqual, 1)

	// the corner's outgoing heading flips mid-rotation
	pts[0].Corner.ThetaOut = -math.Pi / 2
	pts[0].Corner.RotateDirection = -1
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)
	_, err = p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1, Y: 1}, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.lastRotateToGoalDir, test.ShouldEqual, -1)
}

func TestShortPlanExtended(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	test.That(t, p.SetPlan(straightPlan(5, 0.1)), test.ShouldBeNil)
	test.That(t, p.finalGoalExtended, test.ShouldBeTrue)
	test.That(t, len(p.plan), test.ShouldEqual, 15)

	test.That(t, p.SetPlan(straightPlan(40, 0.1)), test.ShouldBeNil)
	test.That(t, p.finalGoalExtended, test.ShouldBeFalse)
}

func TestRotateSpeedClampedAndBraked(t *testing.T) {
	grid := costmap.New(200, 200, 0.05, 0, 0)
	p := testPlanner(t, grid)

	pts := straightPlan(5, 0.1)
	pts[len(pts)-1].Theta = math.Pi
	test.That(t, p.SetPlan(pts), test.ShouldBeNil)

	cfg := testConfig()
	cmd, err := p.ComputeVelocityCommands(TrajectoryPlanner, navpath.Pose{X: 1.35, Y: 1}, Twist{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.Abs(cmd.AngularZ), test.ShouldBeLessThanOrEqualTo, cfg.MaxVelTheta)
	test.That(t, math.Abs(cmd.AngularZ), test.ShouldBeGreaterThanOrEqualTo, cfg.MinVelAbsTheta)
}
