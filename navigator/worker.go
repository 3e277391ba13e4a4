package navigator

import (
	"context"
	"math"
	"time"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// planThread is the planner worker: it sleeps on the plan-cell condition
// variable, snapshots the goal under the mutex, plans with the mutex
// released, and installs the result back under the mutex.
func (c *Controller) planThread() {
	c.logger.Debug("planner worker starting")
	ctx := c.cancelCtx
	waitForWake := false

	c.planMu.Lock()
	for {
		for waitForWake || !c.runPlanner {
			if ctx.Err() != nil {
				c.planMu.Unlock()
				return
			}
			c.planCond.Wait()
			waitForWake = false
			c.lastValidPlan = c.clock.Now()
		}
		if ctx.Err() != nil {
			c.planMu.Unlock()
			return
		}

		if !c.gotInitPlan && c.astarPlannerTimeoutCnt < 1 {
			c.usingStaticCostmap = true
		} else {
			c.usingStaticCostmap = false
			c.setCheckerStatic(false)
		}
		cycleStart := c.clock.Now()
		tempGoal := c.plannerGoal
		curState := c.state
		curPlanningState := c.planningState
		c.planMu.Unlock()

		start, gotStartPose := c.currentPose(ctx)
		gotPlan := false
		if curState == stateControlling {
			switch curPlanningState {
			case insertingMiddle:
				if !c.getAStarStart(c.opts.FrontSafeCheckDis, 0, 0, 0) {
					c.logger.Warn("no replanning start on path, splicing from the head instead")
					c.planMu.Lock()
					c.planningState = insertingBegin
					curPlanningState = insertingBegin
					c.planMu.Unlock()
				} else {
					start = c.plannerStart
				}
			case insertingSBPL:
				start = c.sbplPlannerGoal
				if goal, ok := c.getAStarTempGoal(c.sbplPlannerGoal, c.opts.SBPLMaxDistance-0.5); ok {
					c.sbplPlannerGoal = goal
					tempGoal = goal
				}
			}
		}
		c.plannerStart = start

		if gotStartPose {
			if curState == statePlanning {
				c.publishStatus(StatusGoalPlanning)
			}
			gotPlan = c.makePlan(ctx, start, tempGoal, curState) && !c.astarPath.Empty()
			if c.replanDirectly {
				// curve planning failed once, retry with the next selection
				c.replanDirectly = false
				gotPlan = c.makePlan(ctx, start, tempGoal, curState) && !c.astarPath.Empty()
			}
		}

		if gotPlan {
			c.logger.Debugw("planner got plan", "took", c.clock.Now().Sub(cycleStart))
			c.installPlan(ctx, start, tempGoal, curState, curPlanningState)
		} else if curState == statePlanning {
			c.planMu.Lock()
			attemptEnd := c.lastValidPlan.Add(secs(c.opts.PlannerPatience))
			if c.clock.Now().After(attemptEnd) && c.runPlanner {
				c.runPlanner = false
				c.publishZeroVelocity()
				c.state = stateClearing
				c.recoveryTrigger = triggerGlobalPlannerRecovery
				c.planningState = insertingBegin
				c.astarPlannerTimeoutCnt++
				c.logger.Errorw("no plan until planner patience, entering recovery",
					"timeouts", c.astarPlannerTimeoutCnt)
				if !c.gotInitPlan && c.astarPlannerTimeoutCnt > 4 {
					c.publishStatus(StatusGoalUnreachable)
					c.runFlag.Store(false)
				}
			} else if c.runPlanner {
				c.planMu.Unlock()
				c.sleep(ctx, 500*time.Millisecond)
				c.planMu.Lock()
			}
			c.planMu.Unlock()
		} else {
			c.logger.Warn("mid-drive replan failed, keeping current path")
			c.planMu.Lock()
			c.runPlanner = false
			c.frontSafeCheckCnt = 0
			c.state = stateControlling
			c.planMu.Unlock()
		}

		c.planMu.Lock()
		if c.opts.PlannerFrequency > 0 {
			sleepTime := cycleStart.Add(secs(1.0 / c.opts.PlannerFrequency)).Sub(c.clock.Now())
			if sleepTime > 0 {
				waitForWake = true
				c.clock.AfterFunc(sleepTime, func() {
					c.planMu.Lock()
					c.planCond.Signal()
					c.planMu.Unlock()
				})
			}
		}
	}
}

// planningGrid selects the live or static costmap for the current cycle.
func (c *Controller) planningGrid() *costmap.Costmap {
	if c.usingStaticCostmap {
		if s := c.deps.Costmaps.StaticCostmap(); s != nil {
			return s
		}
	}
	return c.deps.Costmaps.Costmap()
}

// makePlan runs the planner selection ladder by distance to the goal:
// trivial two-point, curve, lattice search, or coarse grid search.
func (c *Controller) makePlan(ctx context.Context, start, goal navpath.Pose, curState state) bool {
	c.replanDirectly = false
	grid := c.planningGrid()
	dist := start.Distance(goal)

	switch {
	case dist <= 0.25:
		c.usingSbplDirectly = true
		c.lastUsingBezier = false
		c.logger.Debug("goal close enough, taking start and goal as the plan")
		points := []navpath.PathPoint{
			navpath.PoseToPathPoint(start),
			navpath.PoseToPathPoint(goal),
		}
		c.astarPath.SetShortSBPLPath(start, points)
		return true

	case !c.lastUsingBezier && dist <= 2.0 && c.deps.Curve != nil:
		c.usingSbplDirectly = true
		c.lastUsingBezier = true
		points, err := c.deps.Curve.MakePlan(start, goal, true)
		if err != nil || len(points) == 0 {
			// latch stays set so the immediate retry takes the next branch
			c.logger.Warnw("curve planner failed, replanning directly", "error", err)
			c.replanDirectly = true
			return false
		}
		c.astarPath.SetBezierPath(start, points, curState == statePlanning)
		if !c.isPathFootprintSafe(c.astarPath.GeometryPath(), c.opts.FrontSafeCheckDis, c.opts.SBPLFootprintPadding) {
			c.logger.Info("curve path not safe, replanning directly")
			c.replanDirectly = true
			return false
		}
		return true

	case dist <= c.opts.SBPLMaxDistance:
		c.usingSbplDirectly = true
		c.lastUsingBezier = false
		err := c.sbplPlanner.MakePlan(grid, start, goal, c.astarPath, c.sbplBroader, curState != statePlanning)
		if err != nil {
			c.logger.Errorw("lattice planner failed", "goalX", goal.X, "goalY", goal.Y, "error", err)
			return false
		}
		c.gotInitPlan = true
		c.logger.Debugw("lattice plan", "points", len(c.astarPath.Points()), "length", c.astarPath.Length())
		return true

	default:
		c.usingSbplDirectly = false
		c.lastUsingBezier = false
		plan, err := c.gridPlanner.MakePlan(grid, start, goal)
		if err != nil {
			extendX, extendY := c.gridPlanner.ExtendPoint()
			c.logger.Errorw("grid planner failed",
				"goalX", goal.X, "goalY", goal.Y,
				"extendX", extendX, "extendY", extendY,
				"extendDis", math.Hypot(extendX-start.X, extendY-start.Y))
			return false
		}
		fixPath := c.sampleInitialPath(plan)
		c.astarPath.SetFixPath(start, fixPath, true)
		c.logger.Debugw("grid plan sampled", "points", len(fixPath), "length", c.astarPath.Length())
		return true
	}
}

// installPlan splices the worker's fresh path into the installed one
// according to the planning sub-state, then decides the next supervisor
// state.
func (c *Controller) installPlan(ctx context.Context, start, tempGoal navpath.Pose, curState state, curPlanningState planningState) {
	curPos, ok := c.currentPose(ctx)
	if ok && curState == statePlanning && len(c.astarPath.Points()) > 0 {
		if curPos.Distance(c.astarPath.Points()[0].Pose) > 0.3 {
			c.logger.Warn("robot drifted from plan start, replanning")
			return
		}
	}

	c.rotateRecoveryDirReset()
	c.tryRecoveryTimes = 0
	c.astarPlannerTimeoutCnt = 0

	c.planMu.Lock()

	c.lastValidPlan = c.clock.Now()
	c.newGlobalPlan = true
	c.frontPath.SetPath(c.fixpatternPath.Points(), false, false)
	c.frontGoal = tempGoal

	gotPlan := true
	needRecheck := false
	if c.takenGlobalGoal || curPlanningState == insertingNone {
		if c.usingSbplDirectly {
			c.fixpatternPath.SetSBPLPath(start, c.astarPath.Points(), true)
		} else {
			c.fixpatternPath.SetPath(c.astarPath.Points(), false, false)
			needRecheck = true
		}
		c.takenGlobalGoal = false
		c.gotInitPlan = true
		c.firstRunControllerFlag = true
		c.switchPath = true
		c.originPathSafeCnt = 0
		c.setCheckerStatic(false)
	} else {
		switch curPlanningState {
		case insertingBegin:
			cornerYawDiff := math.Pi / 3.0
			if curState == statePlanning {
				cornerYawDiff = math.Pi / 36.0
			}
			c.fixpatternPath.InsertBeginPath(c.astarPath.Points(), start, tempGoal, false, cornerYawDiff)
			c.firstRunControllerFlag = true
			c.switchPath = true
			c.originPathSafeCnt = 0
		case insertingEnd:
			c.fixpatternPath.InsertEndPath(c.astarPath.Points())
			c.firstRunControllerFlag = true
		case insertingMiddle:
			c.fixpatternPath.InsertMiddlePath(c.astarPath.Points(), start, tempGoal)
			c.frontSafeCheckCnt = 0
			c.switchPath = true
			c.originPathSafeCnt = 0
		case insertingSBPL:
			// result consumed by the next cycle's chained goal
		default:
			gotPlan = false
			c.runPlanner = false
			c.switchPath = false
			c.state = stateClearing
			c.recoveryTrigger = triggerGlobalPlannerRecovery
			c.logger.Error("unknown planning sub-state, entering recovery")
		}
	}

	c.planMu.Unlock()

	if needRecheck {
		// the recheck runs the lattice search, so it must not hold the lock
		if c.recheckFixPath(start, c.usingStaticCostmap) {
			c.logger.Debug("initial path recheck passed")
		} else {
			c.logger.Warn("initial path recheck failed")
		}
	}

	c.planMu.Lock()
	defer c.planMu.Unlock()
	if !gotPlan {
		return
	}

	pathLengthDiff := c.fixpatternPath.Length() - c.frontPath.Length()
	if c.frontPath.Length() > 0.5 && pathLengthDiff > c.opts.MaxPathLengthDiff {
		if c.opts.UseFartherPlanner {
			c.plannerGoal = c.globalGoal
			c.takenGlobalGoal = true
			c.newGlobalPlan = false
			c.state = statePlanning
			c.logger.Warn("new path much longer than the old one, retrying with the global goal")
		} else {
			c.astarPlannerTimeoutCnt++
			c.runPlanner = false
			c.switchPath = false
			c.state = stateClearing
			c.recoveryTrigger = triggerGlobalPlannerRecovery
			c.logger.Error("new path much longer than the old one, entering recovery")
		}
		return
	}
	c.runPlanner = false
	c.state = stateControlling
}

func (c *Controller) rotateRecoveryDirReset() {
	c.rotateRecoveryTargetYaw = [7]float64{}
}
