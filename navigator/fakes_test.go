package navigator

import (
	"context"
	"sync"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/localplanner"
	"github.com/gobotics/navcore/navpath"
)

// fakeCostmaps serves a live grid and a static copy.
type fakeCostmaps struct {
	mu     sync.Mutex
	live   *costmap.Costmap
	static *costmap.Costmap
}

func newFakeCostmaps(live *costmap.Costmap) *fakeCostmaps {
	return &fakeCostmaps{live: live, static: live.Copy()}
}

func (f *fakeCostmaps) Costmap() *costmap.Costmap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeCostmaps) StaticCostmap() *costmap.Costmap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.static
}

func (f *fakeCostmaps) IsCurrent() bool { return true }

// fakeBase integrates published velocity commands into a pose, acting as both
// the pose provider and the velocity publisher.
type fakeBase struct {
	mu   sync.Mutex
	pose navpath.Pose
	dt   float64
	cmds []localplanner.Twist
}

func newFakeBase(start navpath.Pose, dt float64) *fakeBase {
	return &fakeBase{pose: start, dt: dt}
}

func (f *fakeBase) RobotPose(ctx context.Context) (navpath.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose, nil
}

func (f *fakeBase) PublishVelocity(cmd localplanner.Twist) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	sin, cos := mathSinCos(f.pose.Theta)
	f.pose.X += cmd.LinearX * cos * f.dt
	f.pose.Y += cmd.LinearX * sin * f.dt
	f.pose.Theta = navpath.NormalizeAngle(f.pose.Theta + cmd.AngularZ*f.dt)
}

func (f *fakeBase) lastCmd() (localplanner.Twist, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return localplanner.Twist{}, false
	}
	return f.cmds[len(f.cmds)-1], true
}

func (f *fakeBase) currentPose() navpath.Pose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose
}

// fakeRotate completes any requested rotation immediately.
type fakeRotate struct {
	mu       sync.Mutex
	started  int
	finished bool
}

func (f *fakeRotate) StartRotate(ctx context.Context, degrees float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.finished = true
	return nil
}

func (f *fakeRotate) StopRotate(ctx context.Context) error { return nil }

func (f *fakeRotate) RotateFinished(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished, nil
}

// fakeProtector is a quiet safety bar.
type fakeProtector struct {
	mu        sync.Mutex
	triggered bool
	value     uint32
}

func (f *fakeProtector) ProtectorStatus(ctx context.Context) (bool, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggered, f.value, nil
}

// fakeCurve samples a straight segment between start and goal.
type fakeCurve struct {
	fail bool
}

func (f *fakeCurve) MakePlan(start, goal navpath.Pose, limitLength bool) ([]navpath.PathPoint, error) {
	if f.fail {
		return nil, errCurveFailed
	}
	const step = 0.05
	dist := start.Distance(goal)
	n := int(dist/step) + 1
	pts := make([]navpath.PathPoint, 0, n+1)
	for i := 0; i <= n; i++ {
		t := float64(i) / float64(n)
		pts = append(pts, navpath.PoseToPathPoint(navpath.Pose{
			X: start.X + t*(goal.X-start.X),
			Y: start.Y + t*(goal.Y-start.Y),
		}))
	}
	return pts, nil
}

// fakeStatus records everything published.
type fakeStatus struct {
	mu       sync.Mutex
	statuses []Status
	reached  []navpath.Pose
	plans    int
}

func (f *fakeStatus) PublishStatus(goalID string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeStatus) PublishGoalReached(goalID string, pose navpath.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reached = append(f.reached, pose)
}

func (f *fakeStatus) PublishPlan(plan []navpath.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans++
}

func (f *fakeStatus) saw(status Status) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.statuses {
		if s == status {
			return true
		}
	}
	return false
}
