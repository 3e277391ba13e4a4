package navigator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/gridplanner"
	"github.com/gobotics/navcore/lattice"
	"github.com/gobotics/navcore/localplanner"
	"github.com/gobotics/navcore/navpath"
)

// supervisor states.
type state int

const (
	statePlanning state = iota
	stateControlling
	stateClearing
)

// recovery triggers dispatched in the clearing state.
type recoveryTrigger int

const (
	triggerPlanning recoveryTrigger = iota
	triggerLocationRecovery
	triggerBackwardRecovery
	triggerLocalPlannerRecovery
	triggerGlobalPlannerRecovery
	triggerGetNewGoal
	triggerOscillation
)

// planningState tells the worker how to splice its next result into the
// installed path.
type planningState int

const (
	insertingNone planningState = iota
	insertingBegin
	insertingEnd
	insertingMiddle
	insertingSBPL
)

// Controller couples the planner worker with the navigation supervisor. The
// supervisor runs in the caller's goroutine via ExecuteGoal; the worker runs
// in a background goroutine for the controller's lifetime.
type Controller struct {
	opts   Options
	logger golog.Logger
	clock  clock.Clock

	deps    Deps
	checker *costmap.Checker

	sbplPlanner  *lattice.Planner
	gridPlanner  *gridplanner.Planner
	localPlanner *localplanner.Planner

	footprint         []r2.Point
	unpaddedFootprint []r2.Point
	circleCenters     []r2.Point
	backwardCenters   []r2.Point
	footprintCenters  []r2.Point
	inscribedRadius   float64

	// plan cell: everything in this block is shared with the worker and is
	// read or written only while holding planMu. That includes the machine
	// state itself: the worker moves it when a plan lands or planning times
	// out, so unguarded supervisor access would race.
	planMu          sync.Mutex
	planCond        *sync.Cond
	runPlanner      bool
	plannerGoal     navpath.Pose
	takenGlobalGoal bool
	planningState   planningState
	newGlobalPlan   bool
	fixpatternPath  *navpath.Path
	frontPath       *navpath.Path
	frontGoal       navpath.Pose
	switchPath      bool
	state           state
	recoveryTrigger recoveryTrigger
	lastValidPlan   time.Time

	// worker-private planning scratch
	astarPath       *navpath.Path
	plannerStart    navpath.Pose
	sbplPlannerGoal navpath.Pose

	runFlag           atomic.Bool
	localizationValid atomic.Bool

	globalGoal     navpath.Pose
	globalGoalType GoalType
	chargingGoal   navpath.Pose
	goalID         string

	usingSbplDirectly bool
	lastUsingBezier   bool
	replanDirectly    bool
	sbplBroader       bool
	usingStaticCostmap bool
	gotInitPlan       bool
	firstRunControllerFlag bool

	astarPlannerTimeoutCnt  int
	localPlannerTimeoutCnt  int
	fixLocalPlannerErrorCnt int
	frontSafeCheckCnt       int
	originPathSafeCnt       int
	tryRecoveryTimes        int
	plannerGoalIndex        int
	obstacleIndex           int
	frontGoalIndex          int

	cmdVelRatio     float64
	lastValidCmdVel localplanner.Twist

	lastValidControl     time.Time
	lastOscillationReset time.Time
	oscillationPose      navpath.Pose

	rotateRecoveryTargetYaw [7]float64

	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewController wires the planners and starts the worker goroutine.
func NewController(opts Options, deps Deps, logger golog.Logger) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Poses == nil || deps.Velocity == nil || deps.Costmaps == nil {
		return nil, errors.New("pose, velocity and costmap collaborators are required")
	}

	grid := deps.Costmaps.Costmap()
	if grid.SizeX() < opts.MapSize || grid.SizeY() < opts.MapSize {
		return nil, errors.New("map_size exceeds the costmap dimensions")
	}

	c := &Controller{
		opts:           opts,
		logger:         logger,
		clock:          clock.New(),
		deps:           deps,
		checker:        costmap.NewChecker(grid),
		footprint:      toR2(opts.Footprint),
		circleCenters:  toR2(opts.CircleCenter),
		backwardCenters: toR2(opts.BackwardCenterPoints),
		footprintCenters: toR2(opts.FootprintCenterPoints),
		fixpatternPath: navpath.NewPath(),
		frontPath:      navpath.NewPath(),
		astarPath:      navpath.NewPath(),
		cmdVelRatio:    1.0,
		state:          statePlanning,
		recoveryTrigger: triggerPlanning,
	}
	c.planCond = sync.NewCond(&c.planMu)

	if len(c.unpaddedFootprint) == 0 {
		c.unpaddedFootprint = c.footprint
	}
	if len(c.backwardCenters) == 0 {
		c.backwardCenters = c.circleCenters
	}
	if len(c.footprintCenters) == 0 {
		c.footprintCenters = c.circleCenters
	}
	c.inscribedRadius = inscribedRadius(c.footprint)

	lethal := uint8(opts.LethalCost)
	env, err := lattice.NewEnvironment(lattice.EnvConfig{
		SizeX:                           opts.MapSize,
		SizeY:                           opts.MapSize,
		Resolution:                      grid.Resolution(),
		LethalCost:                      lethal,
		InscribedInflatedCost:           lethal - 1,
		CostPossiblyCircumscribedThresh: lethal - 2,
		NominalVel:                      opts.NominalVelMPerSecs,
		TimeToTurn45DegsInPlace:         opts.TimeToTurn45DegsInPlaceSecs,
		Footprint:                       c.footprint,
		CircleCenters:                   c.circleCenters,
		ForwardCostMult:                 opts.ForwardCostMult,
		ForwardAndTurnCostMult:          opts.ForwardAndTurnCostMult,
		TurnInPlaceCostMult:             opts.TurnInPlaceCostMult,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.sbplPlanner = lattice.NewPlanner(env, lattice.PlannerConfig{
		AllocatedTime:     secs(opts.AllocatedTime),
		InitialEpsilon:    opts.InitialEpsilon,
		ForceScratchLimit: opts.ForceScratchLimit,
		MapSize:           opts.MapSize,
		LethalCost:        lethal,
	}, logger)
	c.gridPlanner = gridplanner.New(logger)

	lpCfg := localplanner.DefaultConfig()
	lpCfg.AccLimX = opts.AccLimX
	lpCfg.AccLimY = opts.AccLimY
	lpCfg.AccLimTheta = opts.AccLimTheta
	lpCfg.MaxVelX = opts.MaxVelX
	lpCfg.MinVelX = opts.MinVelX
	lpCfg.MaxVelTheta = opts.MaxVelTheta
	lpCfg.MinVelTheta = opts.MinVelTheta
	lpCfg.MinInPlaceRotationalVel = opts.MinInPlaceRotationalVel
	lpCfg.SimTime = opts.SimTime
	lpCfg.SimGranularity = opts.SimGranularity
	lpCfg.VThetaSamples = opts.VThetaSamples
	lpCfg.PDistScale = opts.PDistScale
	lpCfg.GDistScale = opts.GDistScale
	lpCfg.OccDistScale = opts.OccDistScale
	lpCfg.XYGoalTolerance = opts.XYGoalTolerance
	lpCfg.YawGoalTolerance = opts.YawGoalTolerance
	lpCfg.SimPeriod = 1.0 / opts.ControllerFrequency
	lpCfg.CircleCenters = c.circleCenters
	c.localPlanner = localplanner.NewPlanner(lpCfg, c.checker, logger)

	c.cancelCtx, c.cancelFunc = context.WithCancel(context.Background())
	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(c.planThread, c.activeBackgroundWorkers.Done)

	return c, nil
}

// Close stops the worker and zeroes the base.
func (c *Controller) Close() error {
	c.runFlag.Store(false)
	c.cancelFunc()
	c.planMu.Lock()
	c.runPlanner = true
	c.planCond.Broadcast()
	c.planMu.Unlock()
	c.activeBackgroundWorkers.Wait()
	c.publishZeroVelocity()
	return nil
}

// SetLocalizationValid feeds the localization validity stream.
func (c *Controller) SetLocalizationValid(valid bool) {
	c.localizationValid.Store(valid)
}

// Cancel aborts the active goal; ExecuteGoal returns after the current tick.
func (c *Controller) Cancel() {
	c.runFlag.Store(false)
}

// Running reports whether a goal is being pursued.
func (c *Controller) Running() bool {
	return c.runFlag.Load()
}

// transition moves the state machine under the plan mutex.
func (c *Controller) transition(s state, trigger recoveryTrigger) {
	c.planMu.Lock()
	c.state = s
	c.recoveryTrigger = trigger
	c.planMu.Unlock()
}

func (c *Controller) currentState() state {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	return c.state
}

// pathSnapshot copies the installed path's poses out of the plan cell.
func (c *Controller) pathSnapshot() []navpath.Pose {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	return c.fixpatternPath.GeometryPath()
}

// pathPoints copies the installed path's points out of the plan cell.
func (c *Controller) pathPoints() []navpath.PathPoint {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	pts := c.fixpatternPath.Points()
	out := make([]navpath.PathPoint, len(pts))
	copy(out, pts)
	return out
}

func (c *Controller) pathLength() float64 {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	return c.fixpatternPath.Length()
}

func (c *Controller) switchPathFlag() bool {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	return c.switchPath
}

func (c *Controller) setSwitchPath(v bool) {
	c.planMu.Lock()
	c.switchPath = v
	c.planMu.Unlock()
}

func (c *Controller) publishStatus(status Status) {
	if c.deps.Status != nil {
		c.deps.Status.PublishStatus(c.goalID, status)
	}
}

func (c *Controller) publishGoalReached(pose navpath.Pose) {
	if c.deps.Status != nil {
		c.deps.Status.PublishGoalReached(c.goalID, pose)
	}
}

func (c *Controller) publishPlan() {
	if c.deps.Status != nil {
		c.deps.Status.PublishPlan(c.pathSnapshot())
	}
}

func (c *Controller) publishVelocity(cmd localplanner.Twist) {
	c.deps.Velocity.PublishVelocity(cmd)
	c.lastValidCmdVel = cmd
}

func (c *Controller) publishZeroVelocity() {
	if math.Abs(c.lastValidCmdVel.LinearX) > 0.001 ||
		math.Abs(c.lastValidCmdVel.AngularZ) > 0.001 {
		c.cmdVelRatio = 1.0
		c.publishVelocity(localplanner.Twist{})
	}
}

// publishVelWithAcc sheds linear speed stepwise at the given deceleration,
// yielding to cancellation and to a blocked front.
func (c *Controller) publishVelWithAcc(ctx context.Context, velAcc float64) {
	if math.Abs(c.lastValidCmdVel.LinearX) <= 0.001 {
		return
	}
	cmd := c.lastValidCmdVel
	cmd.LinearY = 0
	cmd.AngularZ = 0
	for math.Abs(cmd.LinearX) > 0.001 && c.canForward(ctx, 0.05) && c.runFlag.Load() {
		if cmd.LinearX-velAcc < 0.05 {
			cmd.LinearX = 0
		} else {
			cmd.LinearX -= velAcc
		}
		c.publishVelocity(cmd)
		if !c.sleep(ctx, 100*time.Millisecond) {
			break
		}
	}
	c.publishZeroVelocity()
}

// sleep waits on the injected clock, returning false on cancellation.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.cancelCtx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) currentPose(ctx context.Context) (navpath.Pose, bool) {
	pose, err := c.deps.Poses.RobotPose(ctx)
	if err != nil {
		c.logger.Errorw("unable to get robot pose", "error", err)
		return navpath.Pose{}, false
	}
	return pose, true
}

// refreshChecker repoints the footprint checker at this tick's costmap
// snapshot, preserving the static-overlay selection.
func (c *Controller) refreshChecker() {
	c.checker.SetLive(c.deps.Costmaps.Costmap())
}

// setCheckerStatic selects between the live map and the static overlay.
func (c *Controller) setCheckerStatic(useStatic bool) {
	c.checker.SetStaticCostmap(c.deps.Costmaps.StaticCostmap(), useStatic)
}

// ExecuteGoal drives the robot to the goal, blocking until a terminal status.
// The caller's goroutine is the supervisor thread.
func (c *Controller) ExecuteGoal(ctx context.Context, goal Goal) (Status, error) {
	c.goalID = goal.ID.String()
	c.runFlag.Store(true)
	c.refreshChecker()

	c.globalGoalType = goal.Type
	if goal.Type == GoalTypeCharging {
		c.localPlanner.SetGoalTolerance(0.05, 0.05)
		c.chargingGoal = goal.Pose
		c.globalGoal = navpath.Pose{
			X:     goal.Pose.X + c.inscribedRadius*math.Cos(goal.Pose.Theta),
			Y:     goal.Pose.Y + c.inscribedRadius*math.Sin(goal.Pose.Theta),
			Theta: goal.Pose.Theta,
		}
	} else {
		c.globalGoal = goal.Pose
	}

	// goal inside unknown space or a wall is rejected before any planning
	if c.isGoalUnreachable(c.globalGoal) {
		c.publishStatus(StatusGoalUnreachable)
		c.runFlag.Store(false)
		return StatusGoalUnreachable, nil
	}

	c.clearFootprintInCostmap(c.globalGoal, 0.15, true)
	if !c.isGoalSafe(ctx, c.globalGoal, 0.10, 0.10, true) && !c.isGoalSafe(ctx, c.globalGoal, 0.10, 0.10, false) {
		c.publishStatus(StatusGoalUnreachable)
		c.runFlag.Store(false)
		return StatusGoalUnreachable, nil
	}
	c.setCheckerStatic(false)

	// localization must be valid before moving
	tryCount := 0
	for !c.localizationRecovery(ctx) {
		tryCount++
		if tryCount >= 3 {
			c.publishStatus(StatusLocationInvalid)
			c.runFlag.Store(false)
			return StatusLocationInvalid, nil
		}
		c.sleep(ctx, 500*time.Millisecond)
	}

	pose, ok := c.currentPose(ctx)
	if !ok {
		c.runFlag.Store(false)
		return StatusGoalUnreached, errors.New("no robot pose")
	}

	if c.isGlobalGoalReached(pose, c.globalGoal) {
		c.publishGoalReached(c.globalGoal)
		c.publishStatus(StatusGoalReached)
		c.runFlag.Store(false)
		return StatusGoalReached, nil
	}

	// back out and escape when starting jammed against an obstacle
	if c.handleGoingBack(ctx, &pose, c.opts.BackwardCheckDis+0.05) {
		if p, ok := c.currentPose(ctx); ok {
			pose = p
		}
	}
	if c.checker.FootprintCost(pose.X, pose.Y, pose.Theta, c.unpaddedFootprint, 0, 0) < 0 ||
		c.checker.BroaderFootprintCost(pose.X, pose.Y, pose.Theta, c.footprint,
			c.opts.RecoveryFootprintExtendX+0.03, c.opts.RecoveryFootprintExtendY+0.03) < 0 {
		if !c.escapeRecovery(ctx, pose) {
			c.clearFootprintInCostmap(pose, 0.05, true)
		}
	}

	now := c.clock.Now()
	c.planMu.Lock()
	c.gotInitPlan = false
	c.usingStaticCostmap = true
	c.plannerGoal = c.globalGoal
	c.takenGlobalGoal = true
	c.planningState = insertingNone
	c.state = statePlanning
	c.recoveryTrigger = triggerPlanning
	c.switchPath = false
	c.lastValidPlan = now
	c.planMu.Unlock()

	c.localPlanner.ResetPlanner()
	c.firstRunControllerFlag = true
	c.usingSbplDirectly = false
	c.lastUsingBezier = false
	c.replanDirectly = false
	c.cmdVelRatio = 1.0
	c.astarPlannerTimeoutCnt = 0
	c.localPlannerTimeoutCnt = 0
	c.fixLocalPlannerErrorCnt = 0
	c.frontSafeCheckCnt = 0
	c.tryRecoveryTimes = 0
	c.obstacleIndex = 0

	c.lastValidControl = now
	c.lastOscillationReset = now

	ticker := c.clock.Ticker(c.opts.ControlPeriod())
	defer ticker.Stop()
	for {
		if !c.runFlag.Load() {
			c.planMu.Lock()
			c.fixpatternPath.EraseToPoint(c.globalGoal)
			c.planMu.Unlock()
			c.resetState()
			c.localPlanner.ResetPlanner()
			c.planMu.Lock()
			c.fixpatternPath.FinishPath()
			c.planMu.Unlock()
			c.logger.Warn("control terminated, stopping")
			return StatusGoalUnreached, nil
		}

		done, status := c.executeCycle(ctx)
		if done {
			c.runFlag.Store(false)
			return status, nil
		}

		select {
		case <-ctx.Done():
			c.runFlag.Store(false)
			c.publishZeroVelocity()
			return StatusGoalUnreached, ctx.Err()
		case <-c.cancelCtx.Done():
			c.runFlag.Store(false)
			c.publishZeroVelocity()
			return StatusGoalUnreached, errors.New("controller closed")
		case <-ticker.C:
		}
	}
}

func (c *Controller) resetState() {
	c.planMu.Lock()
	c.runPlanner = false
	c.state = statePlanning
	c.recoveryTrigger = triggerPlanning
	c.frontPath.FinishPath()
	c.switchPath = false
	c.planMu.Unlock()

	c.publishZeroVelocity()
	c.originPathSafeCnt = 0
	c.plannerGoalIndex = 0
	c.cmdVelRatio = 1.0
	c.astarPlannerTimeoutCnt = 0
	c.tryRecoveryTimes = 0
	c.obstacleIndex = 0
	c.usingSbplDirectly = false
	c.lastUsingBezier = false
	c.replanDirectly = false
	c.localizationValid.Store(false)
	c.firstRunControllerFlag = true
	c.gotInitPlan = false
	if c.globalGoalType == GoalTypeCharging {
		c.localPlanner.ResetGoalTolerance()
	}
}

func (c *Controller) isGlobalGoalReached(pose, goal navpath.Pose) bool {
	poseDiff := pose.Distance(goal)
	yawDiff := navpath.ShortestAngularDistance(pose.Theta, goal.Theta)
	return poseDiff <= 1.0 && math.Abs(yawDiff) <= math.Pi/3
}

// executeCycle runs one supervisor tick. It returns done=true with the
// terminal status when the goal lifecycle finished.
func (c *Controller) executeCycle(ctx context.Context) (bool, Status) {
	c.refreshChecker()

	pose, ok := c.currentPose(ctx)
	if !ok {
		return false, 0
	}
	curGoalDistance := pose.Distance(c.globalGoal)

	// reset the oscillation window once the robot has actually moved
	if pose.Distance(c.oscillationPose) >= c.opts.OscillationDistance {
		c.lastOscillationReset = c.clock.Now()
		c.oscillationPose = pose
	}

	if !c.deps.Costmaps.IsCurrent() {
		c.logger.Warn("sensor data out of date, not commanding the base")
		c.publishZeroVelocity()
		return false, 0
	}

	c.planMu.Lock()
	newPlan := c.newGlobalPlan
	c.newGlobalPlan = false
	if !c.localizationValid.Load() {
		c.state = stateClearing
		c.recoveryTrigger = triggerLocationRecovery
	}
	curState := c.state
	lastValidPlan := c.lastValidPlan
	c.planMu.Unlock()
	if newPlan {
		// new plan may carry a different rotate direction
		c.localPlanner.ResetPlanner()
		if c.gotInitPlan {
			c.setCheckerStatic(false)
		}
	}

	switch curState {
	case statePlanning:
		c.planMu.Lock()
		c.runPlanner = true
		c.planCond.Signal()
		c.planMu.Unlock()
		if c.clock.Now().After(lastValidPlan.Add(secs(c.opts.PlannerPatience))) {
			c.planMu.Lock()
			c.runPlanner = false
			c.planningState = insertingBegin
			c.state = stateClearing
			c.recoveryTrigger = triggerGlobalPlannerRecovery
			c.planMu.Unlock()
			c.publishZeroVelocity()
			c.astarPlannerTimeoutCnt++
			c.logger.Errorw("no plan within planner patience", "timeouts", c.astarPlannerTimeoutCnt)
			if !c.gotInitPlan && c.astarPlannerTimeoutCnt > 4 {
				c.publishStatus(StatusGoalUnreachable)
				return true, StatusGoalUnreachable
			}
		}
		return false, 0

	case stateControlling:
		return c.controllingCycle(ctx, pose, curGoalDistance)

	case stateClearing:
		return c.clearingCycle(ctx, pose)

	default:
		c.logger.Error("unknown supervisor state, aborting")
		c.resetState()
		return true, StatusGoalUnreached
	}
}

// controllingCycle is the per-tick safety pipeline of the controlling state.
func (c *Controller) controllingCycle(ctx context.Context, pose navpath.Pose, curGoalDistance float64) (bool, Status) {
	// goal reached check
	if c.localPlanner.IsGoalReached() {
		c.publishZeroVelocity()
		c.resetState()
		c.localPlanner.ResetPlanner()
		c.planMu.Lock()
		c.fixpatternPath.FinishPath()
		c.planMu.Unlock()
		if !c.isGlobalGoalReached(pose, c.globalGoal) {
			c.publishZeroVelocity()
			c.transition(stateClearing, triggerGetNewGoal)
			c.logger.Warn("local goal reached but global goal not, clearing for a new goal")
			return false, 0
		}
		if c.globalGoalType == GoalTypeCharging {
			c.headingChargingGoal(ctx, c.chargingGoal)
			c.localPlanner.ResetGoalTolerance()
		}
		c.publishGoalReached(c.globalGoal)
		c.publishStatus(StatusGoalReached)
		return true, StatusGoalReached
	}

	// switch back to the stashed front path when it became attractive again
	c.handleSwitchingPath(pose, false)

	// prune the traveled head so front-safety triggers never drive us backward
	if c.firstRunControllerFlag {
		c.firstRunControllerFlag = false
	} else if !c.localPlanner.IsGoalXYLatched() {
		if c.localPlanner.IsRotatingToGoalDone() {
			c.planMu.Lock()
			c.fixpatternPath.PruneCornerOnStart()
			c.planMu.Unlock()
			c.localPlanner.ResetRotatingToGoalDone()
		} else {
			c.planMu.Lock()
			pruned := c.fixpatternPath.Prune(pose, c.opts.MaxOffroadDis, c.opts.MaxOffroadYaw, true)
			c.planMu.Unlock()
			if !pruned {
				c.logger.Warn("prune failed, clearing for a new goal")
				c.publishZeroVelocity()
				c.transition(stateClearing, triggerGetNewGoal)
				return false, 0
			}
		}
	}

	// oscillation watchdog
	if c.opts.OscillationTimeout > 0 &&
		c.clock.Now().After(c.lastOscillationReset.Add(secs(c.opts.OscillationTimeout))) {
		c.publishZeroVelocity()
		c.transition(stateClearing, triggerOscillation)
		return false, 0
	}

	// hardware protector
	if c.checkProtector(ctx, &pose, true) {
		c.transition(stateClearing, triggerGetNewGoal)
		return false, 0
	}

	// front-safety scan along the installed path
	terminal, tickDone, status := c.frontSafetyCheck(ctx, pose, curGoalDistance)
	if terminal {
		return true, status
	}
	if tickDone || c.currentState() != stateControlling {
		return false, 0
	}

	// hand the plan to the local planner
	if err := c.localPlanner.SetPlan(c.pathPoints()); err != nil {
		c.logger.Errorw("failed to pass plan to the local planner, aborting", "error", err)
		c.resetState()
		return true, StatusGoalUnreached
	}
	c.publishPlan()

	cmdVel, err := c.localPlanner.ComputeVelocityCommands(localplanner.TrajectoryPlanner, pose, c.lastValidCmdVel)
	if err != nil {
		c.fixLocalPlannerErrorCnt++
		cmdVel = c.lastValidCmdVel
		c.logger.Warnw("local planner error", "count", c.fixLocalPlannerErrorCnt, "error", err)
		if cmdVel.LinearX > 0.10 && c.needBackward(pose, 0.05) {
			c.publishZeroVelocity()
			c.transition(stateClearing, triggerGetNewGoal)
			return false, 0
		}
	} else {
		c.fixLocalPlannerErrorCnt = 0
		c.localPlannerTimeoutCnt = 0
		c.lastValidCmdVel = cmdVel
	}

	if c.fixLocalPlannerErrorCnt < 3 {
		c.lastValidControl = c.clock.Now()
		cmdVel.LinearX *= c.cmdVelRatio
		cmdVel.AngularZ *= c.cmdVelRatio
		if c.fixLocalPlannerErrorCnt > 0 {
			cmdVel.LinearX *= 0.75
			cmdVel.AngularZ *= 0.75
		}
		// very slow spins stall the base; snap them to a usable speed
		if math.Abs(cmdVel.AngularZ) < 0.18 && math.Abs(cmdVel.AngularZ) > 0.08 {
			cmdVel.AngularZ = math.Copysign(0.18, cmdVel.AngularZ)
		}
		c.publishVelocity(cmdVel)
		c.publishStatus(StatusGoalHeading)
	} else {
		attemptEnd := c.lastValidControl.Add(secs(c.opts.ControllerPatience))
		if c.clock.Now().After(attemptEnd) {
			c.localPlannerTimeoutCnt++
			c.publishZeroVelocity()
			c.transition(stateClearing, triggerBackwardRecovery)
			c.logger.Warnw("controller patience exceeded", "timeouts", c.localPlannerTimeoutCnt)
		} else {
			c.publishZeroVelocity()
		}
	}
	return false, 0
}

// clearingCycle dispatches the recovery hierarchy. The trigger is read once
// under the plan mutex and cascaded locally; every committed move goes back
// through transition.
func (c *Controller) clearingCycle(ctx context.Context, pose navpath.Pose) (bool, Status) {
	c.planMu.Lock()
	trigger := c.recoveryTrigger
	plannerGoal := c.plannerGoal
	c.planMu.Unlock()

	if trigger == triggerOscillation {
		// oscillation resolves by replanning from a fresh goal
		trigger = triggerGetNewGoal
	}

	if trigger == triggerLocationRecovery {
		end := c.clock.Now().Add(secs(c.opts.LocalizationDuration))
		for c.clock.Now().Before(end) && !c.localizationValid.Load() && c.runFlag.Load() {
			if !c.sleep(ctx, 100*time.Millisecond) {
				break
			}
		}
		if c.localizationRecovery(ctx) {
			c.publishZeroVelocity()
			c.transition(stateClearing, triggerGetNewGoal)
		}
		return false, 0
	}

	if trigger == triggerBackwardRecovery {
		c.publishStatus(StatusPathNotSafe)
		if c.handleGoingBack(ctx, &pose, c.opts.BackwardCheckDis) {
			c.publishZeroVelocity()
			c.transition(stateClearing, triggerGetNewGoal)
			return false, 0
		}
		trigger = triggerLocalPlannerRecovery
	}

	if trigger == triggerLocalPlannerRecovery {
		c.publishStatus(StatusPathNotSafe)
		if c.localPlannerTimeoutCnt > 10 {
			c.publishStatus(StatusGoalUnreachable)
			return true, StatusGoalUnreachable
		} else if c.localPlannerTimeoutCnt > 5 || c.fixLocalPlannerErrorCnt > 7 {
			c.clearFootprintInCostmap(pose, 0.05, false)
			c.transition(stateControlling, triggerLocalPlannerRecovery)
			return false, 0
		}
		trigger = triggerGlobalPlannerRecovery
	}

	if trigger == triggerGlobalPlannerRecovery {
		c.handleGoingBack(ctx, &pose, c.opts.BackwardCheckDis+0.05)
		if p, ok := c.currentPose(ctx); ok {
			pose = p
		}
		if c.checker.FootprintCost(pose.X, pose.Y, pose.Theta, c.unpaddedFootprint, 0, 0) < 0 ||
			c.checker.BroaderFootprintCost(pose.X, pose.Y, pose.Theta, c.footprint,
				c.opts.RecoveryFootprintExtendX, c.opts.RecoveryFootprintExtendY) < 0 {
			c.publishStatus(StatusPathNotSafe)
			c.escapeRecovery(ctx, pose)
			c.transition(stateClearing, triggerGetNewGoal)
			return false, 0
		}
		if (c.astarPlannerTimeoutCnt > 12 || c.tryRecoveryTimes > 8) && !c.opts.UseFartherPlanner {
			c.publishStatus(StatusGoalUnreachable)
			return true, StatusGoalUnreachable
		}
		if c.tryRecoveryTimes > 7 {
			c.clearFootprintInCostmap(pose, 0.05, false)
		}
		if c.astarPlannerTimeoutCnt > 2 {
			c.rotateRecovery(ctx)
		}
		c.transition(stateClearing, triggerGetNewGoal)
		return false, 0
	}

	if trigger == triggerGetNewGoal {
		c.publishZeroVelocity()
		newGoalGot := false
		if c.tryRecoveryTimes > 6 && c.opts.UseFartherPlanner && c.isGoalSafe(ctx, c.globalGoal, 0.10, 0.15, false) {
			c.tryRecoveryTimes = 0
			newGoalGot = true
			c.planMu.Lock()
			c.plannerGoal = c.globalGoal
			c.takenGlobalGoal = true
			c.planMu.Unlock()
		} else if c.astarPlannerTimeoutCnt > 5 {
			if goal, ok := c.getAStarTempGoal(plannerGoal, 1.0); ok {
				c.planMu.Lock()
				c.plannerGoal = goal
				c.takenGlobalGoal = false
				c.planMu.Unlock()
				newGoalGot = true
			}
		}
		if !newGoalGot {
			end := c.clock.Now().Add(secs(c.opts.StopDuration / 2))
			for c.clock.Now().Before(end) && c.runFlag.Load() {
				if res, ok := c.getAStarGoal(pose, 0, 0, 0); ok {
					c.planMu.Lock()
					c.plannerGoal = res.goal
					c.takenGlobalGoal = res.takenGlobal
					c.planMu.Unlock()
					c.plannerGoalIndex = res.goalIndex
					newGoalGot = true
					break
				}
				c.lastValidControl = c.clock.Now()
				if !c.sleep(ctx, 100*time.Millisecond) {
					break
				}
			}
			if !newGoalGot {
				if goal, ok := c.getAStarTempGoal(plannerGoal, 1.0); ok {
					c.planMu.Lock()
					c.plannerGoal = goal
					c.takenGlobalGoal = false
					c.planMu.Unlock()
					newGoalGot = true
				}
			}
		}

		if newGoalGot {
			c.planMu.Lock()
			c.state = statePlanning
			c.recoveryTrigger = triggerPlanning
			c.lastValidPlan = c.clock.Now()
			if c.takenGlobalGoal {
				c.planningState = insertingNone
			} else {
				c.planningState = insertingBegin
			}
			c.planMu.Unlock()
		} else {
			// no safe goal found: stay in clearing and try again next tick
			c.transition(stateClearing, triggerGetNewGoal)
		}
	}
	return false, 0
}

func toR2(points []XYPoint) []r2.Point {
	out := make([]r2.Point, len(points))
	for i, p := range points {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

func inscribedRadius(footprint []r2.Point) float64 {
	if len(footprint) < 3 {
		return 0.3
	}
	min := math.Inf(1)
	n := len(footprint)
	for i := 0; i < n; i++ {
		a := footprint[i]
		b := footprint[(i+1)%n]
		// distance from the origin to edge ab
		dx, dy := b.X-a.X, b.Y-a.Y
		norm := math.Hypot(dx, dy)
		if norm == 0 {
			continue
		}
		d := math.Abs(dx*a.Y-dy*a.X) / norm
		if d < min {
			min = d
		}
	}
	if math.IsInf(min, 1) {
		return 0.3
	}
	return min
}
