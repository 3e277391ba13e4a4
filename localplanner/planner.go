package localplanner

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// Planner errors surfaced to the supervisor; all are retried at the next tick
// until controller patience runs out.
var (
	ErrNoPlan          = errors.New("no plan installed")
	ErrStopFailed      = errors.New("cannot decelerate without collision")
	ErrRotateBlocked   = errors.New("rotate in place is blocked")
	ErrAllInvalid      = errors.New("all simulated trajectories collide")
)

// Config is the local planner parameter surface.
type Config struct {
	AccLimX     float64
	AccLimY     float64
	AccLimTheta float64

	MaxVelX                 float64
	MinVelX                 float64
	MaxVelTheta             float64
	MinVelTheta             float64
	MinInPlaceRotationalVel float64
	MinVelAbsTheta          float64

	SimTime        float64
	SimGranularity float64
	SimPeriod      float64
	VXSamples      int
	VThetaSamples  int

	PDistScale   float64
	GDistScale   float64
	OccDistScale float64

	XYGoalTolerance      float64
	YawGoalTolerance     float64
	LatchXYGoalTolerance bool

	RotateToGoalK     float64
	MaxRotateTryTimes int

	FinalGoalDisTh float64

	CircleCenters []r2.Point
}

// DefaultConfig fills the tuning values the original controller ships with.
func DefaultConfig() Config {
	return Config{
		AccLimX:                 2.5,
		AccLimY:                 2.5,
		AccLimTheta:             3.2,
		MaxVelX:                 0.5,
		MinVelX:                 0.08,
		MaxVelTheta:             0.6,
		MinVelTheta:             -0.6,
		MinInPlaceRotationalVel: 0.1,
		MinVelAbsTheta:          0.1,
		SimTime:                 1.5,
		SimGranularity:          0.025,
		SimPeriod:               0.1,
		VXSamples:               6,
		VThetaSamples:           20,
		PDistScale:              0.6,
		GDistScale:              0.8,
		OccDistScale:            0.01,
		XYGoalTolerance:         0.5,
		YawGoalTolerance:        0.05,
		LatchXYGoalTolerance:    true,
		RotateToGoalK:           0.9,
		MaxRotateTryTimes:       1,
		FinalGoalDisTh:          1.0,
	}
}

// Planner wraps the two velocity backends behind one per-tick entry point and
// owns the goal-reach and rotate-in-place state. It never blocks: each call
// returns within one control period.
type Planner struct {
	cfg    Config
	logger golog.Logger

	rollout   *rolloutPlanner
	lookahead *lookaheadPlanner

	plan       []navpath.PathPoint
	globalGoal navpath.Pose

	xyGoalTolerance  float64
	yawGoalTolerance float64

	xyToleranceLatch   bool
	reachedGoal        bool
	rotatingToGoal     bool
	rotatingToGoalDone bool
	finalGoalExtended  bool

	lastRotateToGoalDir int
	lastTargetYaw       float64
	tryRotate           int

	isFootprintSafe bool
}

// NewPlanner builds the local planner over a footprint checker.
func NewPlanner(cfg Config, checker *costmap.Checker, logger golog.Logger) *Planner {
	return &Planner{
		cfg:              cfg,
		logger:           logger,
		rollout:          newRolloutPlanner(cfg, checker),
		lookahead:        newLookaheadPlanner(cfg, checker),
		xyGoalTolerance:  cfg.XYGoalTolerance,
		yawGoalTolerance: cfg.YawGoalTolerance,
		isFootprintSafe:  true,
	}
}

// XYGoalTolerance returns the effective xy tolerance.
func (p *Planner) XYGoalTolerance() float64 { return p.xyGoalTolerance }

// YawGoalTolerance returns the effective yaw tolerance.
func (p *Planner) YawGoalTolerance() float64 { return p.yawGoalTolerance }

// SetGoalTolerance tightens the tolerances, used for docking goals.
func (p *Planner) SetGoalTolerance(xy, yaw float64) {
	p.xyGoalTolerance = xy
	p.yawGoalTolerance = yaw
}

// ResetGoalTolerance restores the configured tolerances.
func (p *Planner) ResetGoalTolerance() {
	p.xyGoalTolerance = p.cfg.XYGoalTolerance
	p.yawGoalTolerance = p.cfg.YawGoalTolerance
}

// IsGoalReached reports the flag set when the goal yaw was met.
func (p *Planner) IsGoalReached() bool { return p.reachedGoal }

// IsGoalXYLatched reports whether the xy tolerance has latched.
func (p *Planner) IsGoalXYLatched() bool { return p.xyToleranceLatch }

// IsRotatingToGoalDone reports a finished rotate-in-place.
func (p *Planner) IsRotatingToGoalDone() bool { return p.rotatingToGoalDone }

// ResetRotatingToGoalDone clears the rotate-done flag after the supervisor
// consumed it.
func (p *Planner) ResetRotatingToGoalDone() { p.rotatingToGoalDone = false }

// IsFootprintSafe reports whether the last chosen trajectory stayed clear.
func (p *Planner) IsFootprintSafe() bool { return p.isFootprintSafe }

// ResetPlanner clears all per-goal latches; called whenever a new plan or a
// new goal arrives.
func (p *Planner) ResetPlanner() {
	p.reachedGoal = false
	p.rotatingToGoal = false
	p.rotatingToGoalDone = false
	p.xyToleranceLatch = false
	p.finalGoalExtended = false
	p.lastTargetYaw = 0
	p.lastRotateToGoalDir = 0
	p.tryRotate = 0
}

// SetPlan installs the path to track. Plans ending closer than the final-goal
// threshold are extended along their overall direction so the robot does not
// shake while converging on the last point.
func (p *Planner) SetPlan(points []navpath.PathPoint) error {
	if len(points) == 0 {
		return ErrNoPlan
	}
	p.globalGoal = points[len(points)-1].Pose

	plan := make([]navpath.PathPoint, len(points))
	copy(plan, points)
	length := 0.0
	for i := 0; i+1 < len(plan); i++ {
		length += plan[i].DistanceToPoint(plan[i+1])
	}
	if length < p.cfg.FinalGoalDisTh && len(plan) > 2 {
		yaw := navpath.CalculateDirection(plan[0].Pose, plan[len(plan)-1].Pose)
		for i := 0; i < 10; i++ {
			ext := plan[len(plan)-1]
			ext.X += 0.05 * math.Cos(yaw)
			ext.Y += 0.05 * math.Sin(yaw)
			plan = append(plan, ext)
		}
		p.finalGoalExtended = true
	} else {
		p.finalGoalExtended = false
	}
	p.plan = plan
	return nil
}

// ComputeVelocityCommands runs one control tick: goal latch handling, corner
// rotation, then the selected backend.
func (p *Planner) ComputeVelocityCommands(ptype PlannerType, pose navpath.Pose, vel Twist) (Twist, error) {
	if len(p.plan) == 0 {
		return Twist{}, ErrNoPlan
	}

	goal := p.plan[len(p.plan)-1].Pose
	if p.finalGoalExtended {
		goal = p.globalGoal
	}
	poses := make([]navpath.Pose, len(p.plan))
	for i, pt := range p.plan {
		poses[i] = pt.Pose
	}

	// goal position reached: stop, then rotate to the goal yaw
	if p.xyToleranceLatch || (pose.Distance(goal) <= p.xyGoalTolerance && len(p.plan) <= 100) {
		if p.cfg.LatchXYGoalTolerance {
			p.xyToleranceLatch = true
		}
		angle := navpath.ShortestAngularDistance(pose.Theta, goal.Theta)
		if math.Abs(angle) <= p.yawGoalTolerance {
			p.rotatingToGoal = false
			p.xyToleranceLatch = false
			p.reachedGoal = true
			p.rotatingToGoalDone = true
			return Twist{}, nil
		}
		p.updateBackends(goal, poses)
		if !p.rotatingToGoal && !stopped(vel) {
			cmd, ok := p.stopWithAccLimits(ptype, pose, vel)
			if !ok {
				return Twist{}, ErrStopFailed
			}
			return cmd, nil
		}
		p.rotatingToGoal = true
		p.rotatingToGoalDone = false
		cmd, ok := p.rotateToGoal(ptype, pose, vel, goal.Theta, 0)
		if !ok {
			return Twist{}, ErrRotateBlocked
		}
		return cmd, nil
	}

	p.updateBackends(goal, poses)

	// corner: rotate in place to the outgoing heading before translating
	if front := p.plan[0]; front.IsCornerPoint() {
		targetYaw := front.Corner.ThetaOut
		if math.Abs(targetYaw-p.lastTargetYaw) > 1e-6 {
			// target changed mid-rotation, drop the direction memory
			p.lastRotateToGoalDir = 0
			p.tryRotate = 0
			p.lastTargetYaw = targetYaw
		}
		angleDiff := navpath.ShortestAngularDistance(pose.Theta, targetYaw)
		if math.Abs(angleDiff) > 0.1 {
			p.rotatingToGoal = true
			p.rotatingToGoalDone = false
			cmd, ok := p.rotateToGoal(ptype, pose, vel, targetYaw, front.Corner.RotateDirection)
			if !ok {
				return Twist{}, ErrRotateBlocked
			}
			return cmd, nil
		}
		p.rotatingToGoal = false
		p.rotatingToGoalDone = true
	}

	p.lastTargetYaw = 0
	p.lastRotateToGoalDir = 0
	p.tryRotate = 0

	trajVel := p.plan[0].MaxVel
	highlight := p.plan[0].Highlight
	var traj Trajectory
	switch ptype {
	case TrajectoryPlanner:
		traj = p.rollout.FindBestPath(pose, vel, trajVel, highlight)
	case LookaheadPlanner:
		traj = p.lookahead.GeneratePath(pose, vel, trajVel, highlight)
	}
	p.isFootprintSafe = traj.IsFootprintSafe
	if traj.Cost < 0 {
		return Twist{}, ErrAllInvalid
	}
	return Twist{LinearX: traj.XV, AngularZ: traj.ThetaV}, nil
}

func (p *Planner) updateBackends(goal navpath.Pose, poses []navpath.Pose) {
	p.rollout.UpdateGoalAndPlan(goal, poses)
	p.lookahead.UpdatePlan(poses)
}

// stopWithAccLimits sheds speed at the acceleration limits, refusing commands
// whose braking trajectory would collide.
func (p *Planner) stopWithAccLimits(ptype PlannerType, pose navpath.Pose, vel Twist) (Twist, bool) {
	vx := sign(vel.LinearX) * math.Max(0, math.Abs(vel.LinearX)-p.cfg.AccLimX*p.cfg.SimPeriod)
	vy := sign(vel.LinearY) * math.Max(0, math.Abs(vel.LinearY)-p.cfg.AccLimY*p.cfg.SimPeriod)
	vth := sign(vel.AngularZ) * math.Max(0, math.Abs(vel.AngularZ)-p.cfg.AccLimTheta*p.cfg.SimPeriod)

	var valid bool
	switch ptype {
	case TrajectoryPlanner:
		valid = p.rollout.CheckTrajectoryWithSimTime(pose, vx, vy, vth, 2.0)
	case LookaheadPlanner:
		valid = p.lookahead.CheckTrajectory(pose, vx, vy, vth)
	}
	if !valid {
		return Twist{}, false
	}
	return Twist{LinearX: vx, LinearY: vy, AngularZ: vth}, true
}

// rotateToGoal rotates in place toward targetYaw, honoring a forced rotate
// direction and remembering the chosen one so the robot does not dither.
func (p *Planner) rotateToGoal(ptype PlannerType, pose navpath.Pose, vel Twist, targetYaw float64, rotateDirection int) (Twist, bool) {
	angDiff := navpath.ShortestAngularDistance(pose.Theta, targetYaw)
	if rotateDirection != 0 &&
		(p.lastRotateToGoalDir == 0 || p.lastRotateToGoalDir*rotateDirection > 0) &&
		angDiff*float64(rotateDirection) < 0 {
		angDiff += -1 * sign(angDiff) * 2 * math.Pi
	}
	if p.lastRotateToGoalDir != 0 && angDiff*float64(p.lastRotateToGoalDir) < 0 {
		angDiff = sign(angDiff) * (math.Abs(angDiff) - 2*math.Pi)
	}
	if angDiff < 0 {
		p.lastRotateToGoalDir = -1
	} else {
		p.lastRotateToGoalDir = 1
	}

	var vThetaSamp float64
	if angDiff > 0 {
		vThetaSamp = math.Min(p.cfg.MaxVelTheta, math.Max(p.cfg.MinInPlaceRotationalVel, angDiff*p.cfg.RotateToGoalK))
	} else {
		vThetaSamp = math.Max(p.cfg.MinVelTheta, math.Min(-p.cfg.MinInPlaceRotationalVel, angDiff*p.cfg.RotateToGoalK))
	}

	// acceleration window around the current angular speed
	maxAccVel := math.Abs(vel.AngularZ) + p.cfg.AccLimTheta*p.cfg.SimPeriod
	minAccVel := math.Abs(vel.AngularZ) - p.cfg.AccLimTheta*p.cfg.SimPeriod
	vThetaSamp = sign(vThetaSamp) * math.Min(math.Max(math.Abs(vThetaSamp), minAccVel), maxAccVel)

	// square-root braking profile so we can stop exactly on the goal yaw
	maxSpeedToStop := math.Sqrt(2 * p.cfg.AccLimTheta * math.Abs(angDiff))
	vThetaSamp = sign(vThetaSamp) * math.Min(maxSpeedToStop, math.Abs(vThetaSamp))

	if vThetaSamp > 0 {
		vThetaSamp = math.Min(p.cfg.MaxVelTheta, math.Max(p.cfg.MinInPlaceRotationalVel, vThetaSamp))
	} else {
		vThetaSamp = math.Max(p.cfg.MinVelTheta, math.Min(-p.cfg.MinInPlaceRotationalVel, vThetaSamp))
	}

	angleDiff := navpath.ShortestAngularDistance(pose.Theta, targetYaw)
	if math.Abs(angleDiff) < 0.15 {
		vThetaSamp *= 0.30
	} else if math.Abs(angleDiff) < 0.35 {
		vThetaSamp *= 0.45
	}
	if math.Abs(vThetaSamp) < p.cfg.MinVelAbsTheta {
		vThetaSamp = sign(vThetaSamp) * p.cfg.MinVelAbsTheta
	}

	var valid bool
	switch ptype {
	case TrajectoryPlanner:
		valid = p.rollout.CheckTrajectory(pose, 0, 0, vThetaSamp)
	case LookaheadPlanner:
		valid = p.lookahead.CheckTrajectory(pose, 0, 0, vThetaSamp)
	}
	if valid {
		p.tryRotate = 0
		return Twist{AngularZ: vThetaSamp}, true
	}
	if p.tryRotate >= p.cfg.MaxRotateTryTimes {
		p.lastRotateToGoalDir *= -1
	}
	p.tryRotate++
	return Twist{}, false
}

func stopped(vel Twist) bool {
	return math.Abs(vel.LinearX) <= 0.1 && math.Abs(vel.LinearY) <= 0.1 && math.Abs(vel.AngularZ) <= 0.1
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
