package localplanner

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// lookaheadPlanner chases a carrot point one highlight distance ahead on the
// plan, pure-pursuit style. Much cheaper than the rollout planner, used when
// the supervisor wants smooth tracking on an already-validated path.
type lookaheadPlanner struct {
	cfg     Config
	checker *costmap.Checker
	centers []r2.Point

	plan []navpath.Pose
}

func newLookaheadPlanner(cfg Config, checker *costmap.Checker) *lookaheadPlanner {
	return &lookaheadPlanner{cfg: cfg, checker: checker, centers: cfg.CircleCenters}
}

// UpdatePlan refreshes the tracked plan for this tick.
func (lp *lookaheadPlanner) UpdatePlan(plan []navpath.Pose) {
	lp.plan = plan
}

// GeneratePath produces one velocity command toward the carrot point.
func (lp *lookaheadPlanner) GeneratePath(pose navpath.Pose, vel Twist, trajVel, highlight float64) Trajectory {
	if len(lp.plan) == 0 {
		return Trajectory{Cost: -1}
	}
	carrot := lp.plan[len(lp.plan)-1]
	accu := 0.0
	for i := 1; i < len(lp.plan); i++ {
		accu += lp.plan[i].Distance(lp.plan[i-1])
		if accu >= highlight {
			carrot = lp.plan[i]
			break
		}
	}

	headingErr := navpath.ShortestAngularDistance(pose.Theta, navpath.CalculateDirection(pose, carrot))

	// slow down proportionally to how far off-axis the carrot is
	vx := math.Min(trajVel, lp.cfg.MaxVelX) * math.Max(0.2, 1-math.Abs(headingErr)/(math.Pi/2))
	vx = clamp(vx, lp.cfg.MinVelX, lp.cfg.MaxVelX)
	vx = clampAccel(vx, vel.LinearX, lp.cfg.AccLimX*lp.cfg.SimPeriod)

	w := clamp(lp.cfg.RotateToGoalK*headingErr, lp.cfg.MinVelTheta, lp.cfg.MaxVelTheta)
	w = clampAccel(w, vel.AngularZ, lp.cfg.AccLimTheta*lp.cfg.SimPeriod)

	if !lp.CheckTrajectory(pose, vx, 0, w) {
		return Trajectory{Cost: -1}
	}
	return Trajectory{XV: vx, ThetaV: w, Cost: 0, IsFootprintSafe: true}
}

// CheckTrajectory validates one candidate by forward simulation.
func (lp *lookaheadPlanner) CheckTrajectory(pose navpath.Pose, vx, vy, vtheta float64) bool {
	steps := int(lp.cfg.SimTime/lp.cfg.SimGranularity) + 1
	x, y, th := pose.X, pose.Y, pose.Theta
	for i := 0; i < steps; i++ {
		if lp.checker.CircleCenterCost(x, y, th, lp.centers, 0, 0) < 0 {
			return false
		}
		dt := lp.cfg.SimGranularity
		x += (vx*math.Cos(th) - vy*math.Sin(th)) * dt
		y += (vx*math.Sin(th) + vy*math.Cos(th)) * dt
		th += vtheta * dt
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// clampAccel bounds a command to what the acceleration limit allows from the
// current velocity within one control period.
func clampAccel(target, current, maxDelta float64) float64 {
	return clamp(target, current-maxDelta, current+maxDelta)
}
