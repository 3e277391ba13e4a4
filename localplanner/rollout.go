package localplanner

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/floats"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// rolloutPlanner samples a grid of (v, w) candidates bounded by the
// acceleration limits, simulates each forward and scores it against the plan.
type rolloutPlanner struct {
	cfg     Config
	checker *costmap.Checker
	centers []r2.Point

	goal navpath.Pose
	plan []navpath.Pose
}

func newRolloutPlanner(cfg Config, checker *costmap.Checker) *rolloutPlanner {
	return &rolloutPlanner{cfg: cfg, checker: checker, centers: cfg.CircleCenters}
}

// UpdateGoalAndPlan refreshes the scoring targets for this tick.
func (rp *rolloutPlanner) UpdateGoalAndPlan(goal navpath.Pose, plan []navpath.Pose) {
	rp.goal = goal
	rp.plan = plan
}

// simulate rolls a candidate forward, returning the accumulated obstacle cost
// and whether every sampled footprint stayed clear.
func (rp *rolloutPlanner) simulate(pose navpath.Pose, vx, vy, vtheta, simTime float64) (float64, []navpath.Pose, bool) {
	steps := int(simTime/rp.cfg.SimGranularity) + 1
	x, y, th := pose.X, pose.Y, pose.Theta
	occCost := 0.0
	points := make([]navpath.Pose, 0, steps)
	for i := 0; i < steps; i++ {
		cellCost := rp.checker.CircleCenterCost(x, y, th, rp.centers, 0, 0)
		if cellCost < 0 {
			return 0, nil, false
		}
		occCost = math.Max(occCost, cellCost)
		points = append(points, navpath.Pose{X: x, Y: y, Theta: th})
		dt := rp.cfg.SimGranularity
		x += (vx*math.Cos(th) - vy*math.Sin(th)) * dt
		y += (vx*math.Sin(th) + vy*math.Cos(th)) * dt
		th += vtheta * dt
	}
	return occCost, points, true
}

func (rp *rolloutPlanner) pathDistance(p navpath.Pose) float64 {
	best := math.Inf(1)
	for _, pt := range rp.plan {
		if d := pt.Distance(p); d < best {
			best = d
		}
	}
	return best
}

// FindBestPath scores all valid candidates and returns the cheapest. The
// returned trajectory has negative cost when every candidate collided.
func (rp *rolloutPlanner) FindBestPath(pose navpath.Pose, vel Twist, trajVel, highlight float64) Trajectory {
	maxVel := math.Min(rp.cfg.MaxVelX, trajVel)
	minVel := rp.cfg.MinVelX

	// window reachable within one control period
	maxReachableVel := math.Min(maxVel, vel.LinearX+rp.cfg.AccLimX*rp.cfg.SimPeriod)
	minReachableVel := math.Max(minVel, vel.LinearX-rp.cfg.AccLimX*rp.cfg.SimPeriod)
	maxReachableW := math.Min(rp.cfg.MaxVelTheta, vel.AngularZ+rp.cfg.AccLimTheta*rp.cfg.SimPeriod)
	minReachableW := math.Max(rp.cfg.MinVelTheta, vel.AngularZ-rp.cfg.AccLimTheta*rp.cfg.SimPeriod)

	// local goal: the plan point one highlight distance ahead
	goal := rp.goal
	accu := 0.0
	for i := 1; i < len(rp.plan); i++ {
		accu += rp.plan[i].Distance(rp.plan[i-1])
		if accu >= highlight {
			goal = rp.plan[i]
			break
		}
	}

	vxSamples := rp.cfg.VXSamples
	if vxSamples < 2 {
		vxSamples = 2
	}
	wSamples := rp.cfg.VThetaSamples
	if wSamples < 3 {
		wSamples = 3
	}

	best := Trajectory{Cost: -1}
	costs := make([]float64, 0, vxSamples*wSamples)
	for i := 0; i < vxSamples; i++ {
		vx := minReachableVel + float64(i)*(maxReachableVel-minReachableVel)/float64(vxSamples-1)
		if vx < 0 {
			continue
		}
		for j := 0; j < wSamples; j++ {
			w := minReachableW + float64(j)*(maxReachableW-minReachableW)/float64(wSamples-1)
			occ, points, valid := rp.simulate(pose, vx, 0, w, rp.cfg.SimTime)
			if !valid || len(points) == 0 {
				continue
			}
			end := points[len(points)-1]
			pdist := rp.pathDistance(end)
			gdist := end.Distance(goal)
			cost := rp.cfg.PDistScale*pdist + rp.cfg.GDistScale*gdist + rp.cfg.OccDistScale*occ
			costs = append(costs, cost)
			if best.Cost < 0 || cost < best.Cost {
				best = Trajectory{XV: vx, ThetaV: w, Cost: cost, IsFootprintSafe: true, Points: points}
			}
		}
	}
	if len(costs) > 0 {
		// the winner carries the minimum of every scored candidate
		best.Cost = floats.Min(costs)
	}
	if best.Cost < 0 {
		best.IsFootprintSafe = false
	}
	return best
}

// CheckTrajectory validates a single candidate over the planner's sim time.
func (rp *rolloutPlanner) CheckTrajectory(pose navpath.Pose, vx, vy, vtheta float64) bool {
	_, _, valid := rp.simulate(pose, vx, vy, vtheta, rp.cfg.SimTime)
	return valid
}

// CheckTrajectoryWithSimTime validates a candidate over an explicit horizon,
// used when decelerating to check the braking trajectory over its own
// horizon instead of the stock sim time.
func (rp *rolloutPlanner) CheckTrajectoryWithSimTime(pose navpath.Pose, vx, vy, vtheta, simTime float64) bool {
	_, _, valid := rp.simulate(pose, vx, vy, vtheta, simTime)
	return valid
}
