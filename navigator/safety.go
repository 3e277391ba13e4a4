package navigator

import (
	"context"
	"math"
	"time"

	"github.com/gobotics/navcore/navpath"
)

// isGoalUnreachable rejects goals placed on lethal cells, in unknown space or
// off the map before any planning happens.
func (c *Controller) isGoalUnreachable(goal navpath.Pose) bool {
	return c.checker.CircleCenterCost(goal.X, goal.Y, goal.Theta, c.circleCenters, 0, 0) < -100.0
}

// isGoalSafe checks the goal footprint plus a short straight run through it.
func (c *Controller) isGoalSafe(ctx context.Context, goal navpath.Pose, frontCheckDis, backCheckDis float64, useStatic bool) bool {
	c.setCheckerStatic(useStatic)
	defer c.setCheckerStatic(false)

	if !c.isGoalFootprintSafe(0.5, 0.0, goal) {
		return false
	}
	resolution := c.deps.Costmaps.Costmap().Resolution()
	frontSteps := int(frontCheckDis / resolution)
	backSteps := -int(backCheckDis / resolution)
	for i := backSteps; i <= frontSteps; i++ {
		x := goal.X + float64(i)*resolution*math.Cos(goal.Theta)
		y := goal.Y + float64(i)*resolution*math.Sin(goal.Theta)
		if c.checker.CircleCenterCost(x, y, goal.Theta, c.circleCenters, 0, 0) < 0 {
			return false
		}
	}
	return true
}

// isGoalFootprintSafe verifies the installed path is clear for safeDisA
// before and safeDisB after the path point matching pose.
func (c *Controller) isGoalFootprintSafe(safeDisA, safeDisB float64, pose navpath.Pose) bool {
	path := c.pathSnapshot()
	goalIndex := -1
	for i := range path {
		if path[i].Distance(pose) < 0.0001 {
			goalIndex = i
			break
		}
	}
	if goalIndex == -1 {
		return true
	}
	freeDisA := 0.0
	for i := goalIndex - 1; i >= 0; i -= 5 {
		if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, 0, 0) < 0 {
			return false
		}
		if i+5 < len(path) {
			freeDisA += path[i].Distance(path[i+5])
		}
		if freeDisA >= safeDisA {
			break
		}
	}
	freeDisB := 0.0
	for i := goalIndex + 1; i < len(path); i += 5 {
		if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, 0, 0) < 0 {
			return false
		}
		if i-5 >= 0 {
			freeDisB += path[i].Distance(path[i-5])
		}
		if freeDisB >= safeDisB {
			break
		}
	}
	return true
}

// isPosePathFootprintSafe walks the pose list with the given circle centers
// for up to length meters.
func (c *Controller) isPosePathFootprintSafe(path []navpath.Pose, centers []XYPoint, length float64) bool {
	r2centers := toR2(centers)
	accuDis := 0.0
	for i := 0; i < len(path); i += 5 {
		if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, r2centers, 0, 0) < 0 {
			return false
		}
		if i != 0 {
			accuDis += path[i].Distance(path[i-5])
		}
		if accuDis >= length {
			return true
		}
	}
	return true
}

// isPathFootprintSafe retries an unsafe path with the circle centers padded
// sideways, tolerating slightly conservative inflation.
func (c *Controller) isPathFootprintSafe(path []navpath.Pose, length, padding float64) bool {
	if c.isPosePathFootprintSafe(path, c.opts.CircleCenter, length) {
		return true
	}
	if math.Abs(padding) < 1e-9 {
		return false
	}
	up := make([]XYPoint, len(c.opts.CircleCenter))
	down := make([]XYPoint, len(c.opts.CircleCenter))
	for i, p := range c.opts.CircleCenter {
		up[i] = XYPoint{X: p.X, Y: p.Y + padding}
		down[i] = XYPoint{X: p.X, Y: p.Y - padding}
	}
	if c.isPosePathFootprintSafe(path, up, length) {
		return true
	}
	return c.isPosePathFootprintSafe(path, down, length)
}

// checkFixPathFrontSafe walks the path ahead and returns the clear distance
// before the first unsafe placement, remembering where the obstacle sits and
// a candidate re-join index roughly 1.5 m out.
func (c *Controller) checkFixPathFrontSafe(path []navpath.Pose, frontSafeCheckDis, extendX, extendY float64, beginIndex int) float64 {
	accuDis := 0.0
	crossObstacle := false
	tempGoalIndex := 0
	var i int
	for i = beginIndex; i < len(path); i += 5 {
		if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, extendX, extendY) < 0 {
			crossObstacle = true
			c.obstacleIndex = i
			break
		}
		if i != 0 {
			accuDis += path[i].Distance(path[i-5])
		}
		if tempGoalIndex == 0 && accuDis >= 1.5 {
			tempGoalIndex = i
		}
		if accuDis >= frontSafeCheckDis {
			break
		}
	}
	if !crossObstacle && i >= len(path) {
		accuDis = frontSafeCheckDis + 0.001
	}
	c.frontGoalIndex = tempGoalIndex
	return accuDis
}

// needBackward reports an obstacle directly ahead within distance.
func (c *Controller) needBackward(pose navpath.Pose, distance float64) bool {
	resolution := c.deps.Costmaps.Costmap().Resolution() / 3.0
	numStep := int(distance / resolution)
	for i := 0; i <= numStep; i++ {
		x := pose.X + float64(i)*resolution*math.Cos(pose.Theta)
		y := pose.Y + float64(i)*resolution*math.Sin(pose.Theta)
		if c.checker.CircleCenterCost(x, y, pose.Theta, c.footprintCenters, 0, 0) < 0 {
			return true
		}
	}
	return false
}

// canForward checks the straight run ahead, skipping the robot's own cells.
func (c *Controller) canForward(ctx context.Context, distance float64) bool {
	pose, ok := c.currentPose(ctx)
	if !ok {
		return false
	}
	resolution := c.deps.Costmaps.Costmap().Resolution()
	numStep := int(distance / resolution)
	const skip = 2
	for i := skip; i <= numStep+skip-1; i++ {
		x := pose.X + float64(i)*resolution*math.Cos(pose.Theta)
		y := pose.Y + float64(i)*resolution*math.Sin(pose.Theta)
		if c.checker.CircleCenterCost(x, y, pose.Theta, c.circleCenters, 0, 0) < 0 {
			return false
		}
	}
	return true
}

// canBackward checks the straight run behind; only hard lethal or unknown
// cells forbid backing up.
func (c *Controller) canBackward(ctx context.Context, distance float64) bool {
	pose, ok := c.currentPose(ctx)
	if !ok {
		return false
	}
	resolution := c.deps.Costmaps.Costmap().Resolution()
	numStep := int(distance / resolution)
	const skip = 3
	for i := skip; i <= numStep+skip-1; i++ {
		x := pose.X - float64(i)*resolution*math.Cos(pose.Theta)
		y := pose.Y - float64(i)*resolution*math.Sin(pose.Theta)
		if c.checker.CircleCenterCost(x, y, pose.Theta, c.backwardCenters, 0, 0) < -1.1 {
			return false
		}
	}
	return true
}

// canRotate samples a short arc in the given direction, tolerating up to two
// blocked samples out of four.
func (c *Controller) canRotate(x, y, yaw float64, dir int) bool {
	failures := 0
	for i := 1; i <= 4; i++ {
		if c.checker.CircleCenterCost(x, y, yaw+float64(dir)*0.1*float64(i), c.circleCenters, 0, 0) < 0 {
			failures++
		}
	}
	return failures < 3
}

// frontSafetyCheck is step 10 of the controlling pipeline: scan clearance
// ahead and stop, scale, wait, replan, or terminate depending on how close
// the obstruction is. terminal reports a finished goal lifecycle with its
// status; tickDone reports that this control tick is consumed and the local
// planner must not run.
func (c *Controller) frontSafetyCheck(ctx context.Context, pose navpath.Pose, curGoalDistance float64) (terminal bool, tickDone bool, status Status) {
	c.cmdVelRatio = 1.0
	fixPath := c.pathSnapshot()
	frontSafeDis := c.checkFixPathFrontSafe(fixPath, c.opts.FrontSafeCheckDis, 0, 0, 0)

	if curGoalDistance < c.opts.GoalSafeCheckDis &&
		frontSafeDis < c.opts.FrontSafeCheckDis &&
		!c.isGoalSafe(ctx, c.globalGoal, 0.10, 0.15, false) {
		if frontSafeDis < 0.35 {
			c.publishVelWithAcc(ctx, c.opts.StopToZeroAcc)
			c.publishStatus(StatusGoalNotSafe)
			isGoalSafe := false
			checkEnd := c.clock.Now().Add(secs(c.opts.GoalSafeCheckDuration))
			safeCnt := 0
			for c.clock.Now().Before(checkEnd) && c.runFlag.Load() {
				if c.isGoalSafe(ctx, c.globalGoal, 0.10, 0.15, false) {
					safeCnt++
					if safeCnt > 5 {
						isGoalSafe = true
						break
					}
				} else {
					safeCnt = 0
					c.publishStatus(StatusGoalNotSafe)
				}
				if !c.sleep(ctx, 100*time.Millisecond) {
					break
				}
			}
			if !isGoalSafe {
				if c.runFlag.Load() {
					c.publishGoalReached(pose)
				}
				c.publishStatus(StatusGoalUnreached)
				c.planMu.Lock()
				c.runPlanner = false
				c.fixpatternPath.FinishPath()
				c.planMu.Unlock()
				c.resetState()
				c.localPlanner.ResetPlanner()
				return true, true, StatusGoalUnreached
			}
		}
		return false, false, 0
	}

	if frontSafeDis >= c.opts.FrontSafeCheckDis {
		c.frontSafeCheckCnt = 0
		return false, false, 0
	}

	if frontSafeDis <= 0.6 {
		c.frontSafeCheckCnt = 0
		if frontSafeDis <= 0.2 {
			c.publishZeroVelocity()
		} else {
			c.publishVelWithAcc(ctx, c.opts.StopToZeroAcc)
		}
		endTime := c.clock.Now().Add(secs(c.opts.StopDuration))
		startPlanTime := c.clock.Now().Add(secs(c.opts.StopDuration - 0.7))
		frontSafe := false
		frontSafeCnt := 0
		waitingCnt := 0
		c.setSwitchPath(false)
		if p, ok := c.currentPose(ctx); ok {
			pose = p
		}
		for c.clock.Now().Before(endTime) && c.runFlag.Load() {
			frontSafeDis = c.checkFixPathFrontSafe(fixPath, c.opts.FrontSafeCheckDis, 0, 0, 0)
			c.publishStatus(StatusPathNotSafe)
			if frontSafeDis > 1.0 {
				frontSafeCnt++
				if frontSafeCnt > 2 {
					frontSafe = true
					break
				}
			} else {
				waitingCnt++
				c.planMu.Lock()
				running := c.runPlanner
				switching := c.switchPath
				c.planMu.Unlock()
				if waitingCnt > 3 && c.clock.Now().After(startPlanTime) && !running && !switching {
					if res, ok := c.getAStarGoal(pose, 0, 0, c.obstacleIndex); ok {
						c.plannerGoalIndex = res.goalIndex
						c.planMu.Lock()
						c.plannerGoal = res.goal
						c.takenGlobalGoal = res.takenGlobal
						c.planningState = insertingBegin
						c.runPlanner = true
						c.planCond.Signal()
						c.planMu.Unlock()
					}
				}
			}
			if !c.sleep(ctx, 100*time.Millisecond) {
				break
			}
		}
		if !frontSafe {
			c.publishZeroVelocity()
			if p, ok := c.currentPose(ctx); ok {
				pose = p
			}
			frontDist := math.Inf(1)
			if pts := c.pathSnapshot(); len(pts) > 0 {
				frontDist = pose.Distance(pts[0])
			}
			if c.handleGoingBack(ctx, &pose, 0) || !c.switchPathFlag() || frontDist > 0.07 {
				c.transition(stateClearing, triggerGetNewGoal)
			}
		} else if c.switchPathFlag() {
			// clear local planner error count so the resumed drive is clean
			c.fixLocalPlannerErrorCnt = 0
			c.handleSwitchingPath(pose, true)
		}
		return false, true, 0
	}

	if frontSafeDis < 1.0 {
		c.cmdVelRatio = 0.5
	} else if frontSafeDis < 1.7 {
		c.cmdVelRatio = 0.7
	}
	c.planMu.Lock()
	running := c.runPlanner
	c.planMu.Unlock()
	if !running {
		c.frontSafeCheckCnt++
		if c.frontSafeCheckCnt > 10 {
			if frontSafeDis < 0.6 {
				if frontSafeDis <= 0.3 {
					c.publishZeroVelocity()
				} else {
					c.publishVelWithAcc(ctx, c.opts.StopToZeroAcc)
				}
			} else if frontSafeDis < 1.5 {
				if res, ok := c.getAStarGoal(pose, 0, 0, c.obstacleIndex); ok {
					c.plannerGoalIndex = res.goalIndex
					c.planMu.Lock()
					c.plannerGoal = res.goal
					c.takenGlobalGoal = res.takenGlobal
					c.planningState = insertingMiddle
					c.runPlanner = true
					c.planCond.Signal()
					c.planMu.Unlock()
				}
			} else {
				c.frontSafeCheckCnt--
			}
		}
	}
	return false, false, 0
}
