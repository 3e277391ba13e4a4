package navigator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

var errCurveFailed = errors.New("curve generation failed")

// the drive tests tick at 100 Hz; a quiet logger keeps their output readable
var quietLogger, _ = zap.Config{
	Level:             zap.NewAtomicLevelAt(zap.ErrorLevel),
	Encoding:          "console",
	EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
	DisableStacktrace: true,
	OutputPaths:       []string{"stdout"},
	ErrorOutputPaths:  []string{"stderr"},
}.Build()

func testOptions() Options {
	opts := DefaultOptions()
	opts.ControllerFrequency = 100
	opts.PlannerPatience = 1
	opts.ControllerPatience = 1
	opts.StopDuration = 0.3
	opts.GoalSafeCheckDuration = 0.3
	opts.LocalizationDuration = 0.2
	opts.MapSize = 100
	opts.AllocatedTime = 1
	opts.CircleCenter = []XYPoint{{X: 0.1, Y: 0}, {X: -0.1, Y: 0}}
	opts.Footprint = []XYPoint{
		{X: 0.15, Y: 0.15}, {X: -0.15, Y: 0.15}, {X: -0.15, Y: -0.15}, {X: 0.15, Y: -0.15},
	}
	return opts
}

type harness struct {
	controller *Controller
	base       *fakeBase
	costmaps   *fakeCostmaps
	status     *fakeStatus
	rotate     *fakeRotate
	protector  *fakeProtector
}

func newHarness(t *testing.T, opts Options, start navpath.Pose) *harness {
	t.Helper()
	base := newFakeBase(start, 1.0/opts.ControllerFrequency)
	costmaps := newFakeCostmaps(costmap.New(200, 200, 0.05, 0, 0))
	status := &fakeStatus{}
	rotate := &fakeRotate{}
	protector := &fakeProtector{}

	logger := golog.Logger(quietLogger.Sugar())
	c, err := NewController(opts, Deps{
		Poses:     base,
		Velocity:  base,
		Costmaps:  costmaps,
		Rotate:    rotate,
		Protector: protector,
		Curve:     &fakeCurve{},
		Status:    status,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, c.Close(), test.ShouldBeNil)
	})
	return &harness{controller: c, base: base, costmaps: costmaps, status: status, rotate: rotate, protector: protector}
}

func TestDecodeOptions(t *testing.T) {
	opts, err := DecodeOptions(map[string]interface{}{
		"controller_frequency": 20,
		"max_vel_x":            0.8,
		"use_farther_planner":  false,
		"circle_center":        []map[string]interface{}{{"x": 0.1, "y": 0.0}},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.ControllerFrequency, test.ShouldEqual, 20.0)
	test.That(t, opts.MaxVelX, test.ShouldEqual, 0.8)
	test.That(t, opts.UseFartherPlanner, test.ShouldBeFalse)
	test.That(t, len(opts.CircleCenter), test.ShouldEqual, 1)
	// untouched values keep their defaults
	test.That(t, opts.PlannerPatience, test.ShouldEqual, 5.0)

	_, err = DecodeOptions(map[string]interface{}{"no_such_option": 1})
	test.That(t, err, test.ShouldNotBeNil)

	// circle centers are mandatory
	_, err = DecodeOptions(map[string]interface{}{"controller_frequency": 20})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGoalInWallIsUnreachable(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 1, Y: 1})
	h.controller.SetLocalizationValid(true)

	// solid wall around the goal
	h.costmaps.Costmap().SetRectCost(4.5, 4.5, 5.5, 5.5, costmap.LethalObstacle)

	status, err := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 5, Y: 5}, GoalTypeNormal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusGoalUnreachable)
	test.That(t, h.status.saw(StatusGoalUnreachable), test.ShouldBeTrue)
	cmd, published := h.base.lastCmd()
	test.That(t, published, test.ShouldBeFalse)
	_ = cmd
}

func TestGoalAlreadyReached(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 2, Y: 2})
	h.controller.SetLocalizationValid(true)

	status, err := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 2.1, Y: 2}, GoalTypeNormal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusGoalReached)
	test.That(t, h.status.saw(StatusGoalReached), test.ShouldBeTrue)
}

func TestLostLocalizationTerminates(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 1, Y: 1})
	// localization never becomes valid; the rotate recovery finishes but
	// does not help
	status, err := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 5, Y: 1}, GoalTypeNormal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusLocationInvalid)
	test.That(t, h.status.saw(StatusLocationInvalid), test.ShouldBeTrue)
	test.That(t, h.rotate.started, test.ShouldBeGreaterThan, 0)
}

func TestDriveToGoal(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 1, Y: 1})
	h.controller.SetLocalizationValid(true)

	done := make(chan Status, 1)
	go func() {
		status, _ := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 2.5, Y: 1}, GoalTypeNormal))
		done <- status
	}()

	select {
	case status := <-done:
		test.That(t, status, test.ShouldEqual, StatusGoalReached)
	case <-time.After(20 * time.Second):
		h.controller.Cancel()
		t.Fatal("drive did not reach the goal in time")
	}

	pose := h.base.currentPose()
	test.That(t, pose.Distance(navpath.Pose{X: 2.5, Y: 1}), test.ShouldBeLessThan, 1.0)
	test.That(t, h.status.saw(StatusGoalHeading), test.ShouldBeTrue)
	test.That(t, h.status.saw(StatusGoalReached), test.ShouldBeTrue)
}

func TestObstacleAheadStopsAndReports(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 1, Y: 1})
	h.controller.SetLocalizationValid(true)

	done := make(chan Status, 1)
	go func() {
		status, _ := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 4, Y: 1}, GoalTypeNormal))
		done <- status
	}()

	// let the drive start, then drop a wall right in front of the robot
	waitFor(t, 5*time.Second, func() bool {
		return h.status.saw(StatusGoalHeading)
	})
	h.costmaps.Costmap().SetRectCost(1.3, 0.0, 1.6, 2.0, costmap.LethalObstacle)

	waitFor(t, 10*time.Second, func() bool {
		return h.status.saw(StatusPathNotSafe)
	})

	h.controller.Cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop after cancel")
	}

	// once the wall was seen the published commands wind down to zero
	cmd, ok := h.base.lastCmd()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.Abs(cmd.LinearX), test.ShouldBeLessThanOrEqualTo, 0.001)
}

func TestCancelStopsGoal(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 1, Y: 1})
	h.controller.SetLocalizationValid(true)

	done := make(chan Status, 1)
	go func() {
		status, _ := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 8, Y: 8}, GoalTypeNormal))
		done <- status
	}()

	waitFor(t, 5*time.Second, func() bool {
		return h.controller.Running()
	})
	h.controller.Cancel()

	select {
	case status := <-done:
		test.That(t, status, test.ShouldEqual, StatusGoalUnreached)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not terminate the goal")
	}
	test.That(t, h.controller.Running(), test.ShouldBeFalse)
}

func TestChargingGoalOffsetsPose(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts, navpath.Pose{X: 2, Y: 2})
	h.controller.SetLocalizationValid(true)

	// charging goal right at the robot: effective goal moves forward by the
	// inscribed radius, still within the reached check
	status, err := h.controller.ExecuteGoal(context.Background(), NewGoal(navpath.Pose{X: 2.05, Y: 2}, GoalTypeCharging))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusGoalReached)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func mathSinCos(theta float64) (float64, float64) {
	return math.Sin(theta), math.Cos(theta)
}
