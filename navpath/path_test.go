package navpath

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func straightPoints(n int, step float64) []PathPoint {
	pts := make([]PathPoint, n)
	for i := range pts {
		pts[i] = PoseToPathPoint(Pose{X: float64(i) * step})
	}
	return pts
}

func TestNormalizeAngle(t *testing.T) {
	test.That(t, NormalizeAngle(0), test.ShouldEqual, 0.0)
	test.That(t, NormalizeAngle(2*math.Pi), test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, NormalizeAngle(3*math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-9)
	test.That(t, NormalizeAngle(-3*math.Pi/2), test.ShouldAlmostEqual, math.Pi/2, 1e-9)
}

func TestShortestAngularDistance(t *testing.T) {
	test.That(t, ShortestAngularDistance(0, math.Pi/2), test.ShouldAlmostEqual, math.Pi/2, 1e-9)
	test.That(t, ShortestAngularDistance(math.Pi-0.1, -math.Pi+0.1), test.ShouldAlmostEqual, 0.2, 1e-9)
	test.That(t, ShortestAngularDistance(0.1, -0.1), test.ShouldAlmostEqual, -0.2, 1e-9)
}

func TestLength(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(11, 0.1), false, true)
	test.That(t, p.Length(), test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestSetFixPathDetectsCorners(t *testing.T) {
	// L-shaped path: 1m along +x, then 1m along +y
	pts := make([]PathPoint, 0, 20)
	for i := 0; i < 10; i++ {
		pts = append(pts, PoseToPathPoint(Pose{X: float64(i) * 0.1}))
	}
	for i := 1; i <= 10; i++ {
		pts = append(pts, PoseToPathPoint(Pose{X: 0.9, Y: float64(i) * 0.1}))
	}
	p := NewPath()
	p.SetFixPath(Pose{X: -0.1}, pts, true)

	corners := 0
	anchors := 0
	for _, pt := range p.Points() {
		if pt.Corner.CornerPoint {
			corners++
		}
		if pt.Corner.Anchor {
			anchors++
		}
	}
	test.That(t, anchors, test.ShouldBeGreaterThan, 0)
	test.That(t, corners, test.ShouldBeGreaterThan, anchors)

	// corner runs must be contiguous
	inRun := false
	runs := 0
	for _, pt := range p.Points() {
		if pt.Corner.CornerPoint && !inRun {
			runs++
			inRun = true
		} else if !pt.Corner.CornerPoint {
			inRun = false
		}
	}
	test.That(t, runs, test.ShouldEqual, 1)
}

func TestCornerPropagationIdempotent(t *testing.T) {
	pts := straightPoints(30, 0.05)
	pts[15].Corner.Anchor = true
	pts[15].Corner.CornerPoint = true
	pts[15].Corner.ThetaOut = math.Pi / 2
	pts[15].Corner.RotateDirection = 1

	p := NewPath()
	p.SetPath(pts, false, false)
	first := make([]CornerStruct, len(p.Points()))
	for i, pt := range p.Points() {
		first[i] = pt.Corner
	}

	// re-running propagation must not widen the window
	p.SetPath(p.Points(), false, false)
	test.That(t, len(p.Points()), test.ShouldEqual, len(first))
	for i, pt := range p.Points() {
		test.That(t, pt.Corner, test.ShouldResemble, first[i])
	}
}

func TestPruneIdempotent(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(40, 0.05), false, true)
	cur := Pose{X: 0.5, Y: 0.0}

	ok := p.Prune(cur, 0.7, 1.2, true)
	test.That(t, ok, test.ShouldBeTrue)
	afterFirst := len(p.Points())

	ok = p.Prune(cur, 0.7, 1.2, true)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(p.Points()), test.ShouldEqual, afterFirst)
}

func TestPruneFailsWhenOffroad(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(40, 0.05), false, true)
	before := len(p.Points())

	ok := p.Prune(Pose{X: 0.5, Y: 5.0}, 0.7, 1.2, true)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(p.Points()), test.ShouldEqual, before)

	// non-strict pruning succeeds vacuously
	ok = p.Prune(Pose{X: 0.5, Y: 5.0}, 0.7, 1.2, false)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestPruneRespectsYaw(t *testing.T) {
	pts := straightPoints(40, 0.05)
	p := NewPath()
	p.SetPath(pts, false, true)

	ok := p.Prune(Pose{X: 0.5, Theta: math.Pi}, 0.7, 1.2, true)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInsertMiddlePath(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(21, 0.1), false, true)

	// detour between x=0.5 and x=1.5 through y=0.3
	detour := []PathPoint{
		PoseToPathPoint(Pose{X: 0.5}),
		PoseToPathPoint(Pose{X: 0.7, Y: 0.3}),
		PoseToPathPoint(Pose{X: 1.3, Y: 0.3}),
		PoseToPathPoint(Pose{X: 1.5}),
	}
	oldLen := p.Length()
	p.InsertMiddlePath(detour, Pose{X: 0.5}, Pose{X: 1.5})

	test.That(t, p.Length(), test.ShouldBeGreaterThan, oldLen)
	// the detour interior replaced the straight interior
	sawDetour := false
	for _, pt := range p.Points() {
		test.That(t, pt.Y, test.ShouldBeLessThanOrEqualTo, 0.3)
		if pt.Y == 0.3 {
			sawDetour = true
		}
	}
	test.That(t, sawDetour, test.ShouldBeTrue)
	// endpoints survive
	test.That(t, p.Points()[0].X, test.ShouldAlmostEqual, 0.0)
	test.That(t, p.Points()[len(p.Points())-1].X, test.ShouldAlmostEqual, 2.0)
}

func TestInsertBeginPath(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(21, 0.1), false, true)

	segment := []PathPoint{
		PoseToPathPoint(Pose{X: 0.1, Y: 0.4}),
		PoseToPathPoint(Pose{X: 0.5, Y: 0.2}),
		PoseToPathPoint(Pose{X: 1.0}),
	}
	p.InsertBeginPath(segment, Pose{X: 0.1, Y: 0.4}, Pose{X: 1.0}, false, math.Pi/3)

	test.That(t, p.Points()[0].Y, test.ShouldAlmostEqual, 0.4)
	// tail beyond the splice goal survives
	test.That(t, p.Points()[len(p.Points())-1].X, test.ShouldAlmostEqual, 2.0)
}

func TestPruneCornerOnStart(t *testing.T) {
	pts := straightPoints(20, 0.05)
	for i := 0; i < 5; i++ {
		pts[i].Corner.Anchor = true
		pts[i].Corner.CornerPoint = true
		pts[i].Corner.ThetaOut = math.Pi / 2
	}
	p := NewPath()
	p.SetPath(pts, false, false)

	p.PruneCornerOnStart()
	test.That(t, p.Points()[0].Corner.CornerPoint, test.ShouldBeFalse)
}

func TestEraseToPointAndFinish(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(21, 0.1), false, true)

	p.EraseToPoint(Pose{X: 1.0})
	test.That(t, p.Points()[0].X, test.ShouldAlmostEqual, 1.0)

	p.FinishPath()
	test.That(t, p.Empty(), test.ShouldBeTrue)
}

func TestCheckCurPoseOnPath(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(21, 0.1), false, true)

	test.That(t, p.CheckCurPoseOnPath(Pose{X: 0.32, Y: 0.05}, 0.3, 0.6), test.ShouldBeTrue)
	test.That(t, p.CheckCurPoseOnPath(Pose{X: 0.32, Y: 2.0}, 0.3, 0.6), test.ShouldBeFalse)
	test.That(t, p.CheckCurPoseOnPath(Pose{X: 0.32, Theta: math.Pi}, 0.3, 0.6), test.ShouldBeFalse)
}

func TestExtendPath(t *testing.T) {
	p := NewPath()
	p.SetPath(straightPoints(11, 0.1), false, true)

	ext := []PathPoint{
		PoseToPathPoint(Pose{X: 1.0}),
		PoseToPathPoint(Pose{X: 1.2}),
		PoseToPathPoint(Pose{X: 1.4}),
	}
	p.ExtendPath(ext)
	test.That(t, p.Points()[len(p.Points())-1].X, test.ShouldAlmostEqual, 1.4)
}

func TestCornerVelCap(t *testing.T) {
	pts := straightPoints(30, 0.05)
	pts[15].Corner.Anchor = true
	pts[15].Corner.CornerPoint = true
	p := NewPath()
	p.SetPath(pts, false, false)

	for _, pt := range p.Points() {
		if pt.Corner.CornerPoint {
			test.That(t, pt.MaxVel, test.ShouldBeLessThanOrEqualTo, CornerMaxVel)
		}
	}
}
