package navigator

import (
	"math"

	"github.com/gobotics/navcore/navpath"
)

// astarGoalResult is a safe replanning goal picked off the installed path.
type astarGoalResult struct {
	goal        navpath.Pose
	goalIndex   int
	takenGlobal bool
}

// getAStarGoal picks a safe replanning goal on the installed path: over at
// most four rounds with a shrinking stand-off distance, the first point whose
// footprint and surrounding clearance are safe and that is far enough from
// the robot. Near the global goal the global goal itself is preferred. The
// caller installs the result into the plan cell under the plan mutex.
func (c *Controller) getAStarGoal(curPose navpath.Pose, extendX, extendY float64, beginIndex int) (astarGoalResult, bool) {
	curGoalDis := curPose.Distance(c.globalGoal)
	c.planMu.Lock()
	c.fixpatternPath.Prune(curPose, c.opts.MaxOffroadDis, c.opts.MaxOffroadYaw, true)
	path := c.fixpatternPath.GeometryPath()
	pathLen := c.fixpatternPath.Length()
	c.planMu.Unlock()

	if beginIndex == 0 && (curGoalDis < 3.5 ||
		pathLen < c.opts.FrontSafeCheckDis ||
		len(path) <= 5) {
		if c.isGoalFootprintSafe(0.5, 0.0, c.globalGoal) {
			return astarGoalResult{goal: c.globalGoal, goalIndex: len(path) - 1, takenGlobal: true}, true
		}
		accDis := 0.0
		for i := len(path) - 1; i >= 2; i -= 2 {
			if c.isGoalFootprintSafe(0.5, 0.3, path[i]) {
				return astarGoalResult{goal: path[i], goalIndex: i}, true
			}
			accDis += path[i].Distance(path[i-2])
			if accDis > curGoalDis {
				return astarGoalResult{}, false
			}
		}
		return astarGoalResult{}, false
	}

	goalIndex := -1
	for round := 0; round < 4; round++ {
		crossObstacle := false
		disAccu := 0.0
		goalIndex = -1
		goalSafeDisA := c.opts.GoalSafeDisA - float64(round)*0.2
		goalSafeDisB := c.opts.GoalSafeDisB
		var i int
		for i = beginIndex; i < len(path); i += 2 {
			if i > beginIndex {
				disAccu += path[i].Distance(path[i-2])
			}
			if disAccu <= goalSafeDisA {
				continue
			}
			if curPose.Distance(path[i]) <= goalSafeDisA {
				continue
			}
			if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, extendX, extendY) < 0 ||
				!c.isGoalFootprintSafe(goalSafeDisA, goalSafeDisB, path[i]) {
				crossObstacle = true
				continue
			}
			goalIndex = i
			break
		}
		if goalIndex != -1 {
			break
		}
		if !crossObstacle && i >= len(path) {
			goalIndex = len(path) - 1
			break
		}
	}
	if goalIndex < 0 || goalIndex >= len(path) {
		return astarGoalResult{}, false
	}
	return astarGoalResult{goal: path[goalIndex], goalIndex: goalIndex}, true
}

// getAStarTempGoal picks the first safe point past offsetDis with fixed
// conservative clearance margins; a fallback when the main selection fails.
func (c *Controller) getAStarTempGoal(from navpath.Pose, offsetDis float64) (navpath.Pose, bool) {
	const goalSafeDisA = 0.4
	const goalSafeDisB = 0.3
	path := c.pathSnapshot()
	crossObstacle := false
	disAccu := 0.0
	goalIndex := -1
	var i int
	for i = 0; i < len(path); i++ {
		if i > 0 {
			disAccu += path[i].Distance(path[i-1])
		}
		if disAccu <= offsetDis {
			continue
		}
		if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, 0, 0) < 0 ||
			!c.isGoalFootprintSafe(goalSafeDisA, goalSafeDisB, path[i]) {
			crossObstacle = true
			continue
		}
		goalIndex = i
		break
	}
	if !crossObstacle && i >= len(path) {
		goalIndex = len(path) - 1
	}
	if goalIndex < 0 || goalIndex >= len(path) {
		return navpath.Pose{}, false
	}
	return path[goalIndex], true
}

// getAStarStart backs off from the obstacle toward the robot to find a
// replanning start with some stand-off, proportional to the clear distance.
func (c *Controller) getAStarStart(frontSafeCheckDis, extendX, extendY float64, obstacleIndex int) bool {
	path := c.pathSnapshot()
	accuDis := 0.0
	offObstacleDis := 0.0
	crossObstacle := false
	startGot := false
	if obstacleIndex >= len(path) {
		obstacleIndex = 0
	}
	if obstacleIndex == 0 {
		for i := 0; i < len(path); i += 5 {
			if c.checker.CircleCenterCost(path[i].X, path[i].Y, path[i].Theta, c.circleCenters, extendX, extendY) < 0 {
				crossObstacle = true
				obstacleIndex = i
				break
			}
			if i != 0 {
				accuDis += path[i].Distance(path[i-5])
			}
			if accuDis >= frontSafeCheckDis {
				break
			}
		}
	} else {
		crossObstacle = true
		accuDis = 1.1
	}
	if !crossObstacle {
		return false
	}

	var startDis float64
	switch {
	case accuDis > 1.2:
		startDis = 1.0
	case accuDis > 1.0:
		startDis = 0.8
	case accuDis > 0.7:
		startDis = 0.6
	default:
		startDis = 0.0
	}
	if startDis > 0 {
		for j := obstacleIndex; j > 2; j -= 2 {
			offObstacleDis += path[j].Distance(path[j-2])
			if offObstacleDis > startDis {
				c.plannerStart = path[j]
				startGot = true
				break
			}
		}
	} else if len(path) > 0 {
		c.plannerStart = path[0]
	}
	return startGot
}

// sampleInitialPath thins a dense grid-planner result into fix-path points,
// keeping every heading break and at least every fifth point.
func (c *Controller) sampleInitialPath(plan []navpath.PathPoint) []navpath.PathPoint {
	if len(plan) == 0 {
		return nil
	}
	fixPath := make([]navpath.PathPoint, 0, len(plan)/4+2)
	fixPath = append(fixPath, plan[0])
	prePose := plan[0].Pose
	accDis := 0.0
	accCount := 0
	for i := 1; i+1 < len(plan); i++ {
		accDis += plan[i-1].DistanceToPoint(plan[i])
		yawDiff := navpath.ShortestAngularDistance(prePose.Theta, plan[i].Theta)
		if accDis > c.opts.InitPathSampleDis || math.Abs(yawDiff) > c.opts.InitPathSampleYaw || accCount%5 == 0 {
			accDis = 0.0
			accCount = 0
			fixPath = append(fixPath, plan[i])
			prePose = plan[i].Pose
		}
		accCount++
	}
	fixPath = append(fixPath, plan[len(plan)-1])
	return fixPath
}

// recheckFixPath repairs an initial grid path by splicing lattice-planner
// detours over every unsafe stretch, up to a bounded number of passes.
func (c *Controller) recheckFixPath(globalStart navpath.Pose, useStatic bool) bool {
	c.setCheckerStatic(useStatic)
	defer c.setCheckerStatic(false)

	grid := c.deps.Costmaps.Costmap()
	if useStatic {
		if s := c.deps.Costmaps.StaticCostmap(); s != nil {
			grid = s
		}
	}

	for tryCount := 9; tryCount > 0; tryCount-- {
		pathLen := c.pathLength()
		frontSafeDis := c.checkFixPathFrontSafe(
			c.pathSnapshot(), pathLen,
			0.0, c.opts.InitPathCircleCenterExtendY, 0)
		if frontSafeDis >= pathLen-0.30 {
			return true
		}
		res, ok := c.getAStarGoal(globalStart, 0.0, c.opts.InitPathCircleCenterExtendY, c.obstacleIndex)
		if !ok {
			continue
		}
		c.getAStarStart(pathLen, 0.0, c.opts.InitPathCircleCenterExtendY, c.obstacleIndex)

		goal := res.goal
		repair := navpath.NewPath()
		if err := c.sbplPlanner.MakePlan(grid, c.plannerStart, goal, repair, false, false); err != nil {
			c.logger.Errorw("repair plan failed", "error", err)
			continue
		}
		c.planMu.Lock()
		c.fixpatternPath.InsertMiddlePath(repair.Points(), c.plannerStart, goal)
		c.planMu.Unlock()
	}
	c.logger.Warn("path still unsafe after bounded repair passes")
	return false
}

// handleSwitchingPath swaps the installed path back to the stashed front path
// once it is shorter, safe and consistent with the robot's heading. Corner
// heads are held to tighter tolerances than straight ones. Both paths belong
// to the plan cell, so the whole comparison runs under the plan mutex.
func (c *Controller) handleSwitchingPath(pose navpath.Pose, switchDirectly bool) bool {
	c.planMu.Lock()
	defer c.planMu.Unlock()
	if c.switchPath && switchDirectly {
		c.fixpatternPath.SetPath(c.frontPath.Points(), false, false)
		return true
	}
	if !c.switchPath {
		return false
	}
	if len(c.frontPath.Points()) < 30 || c.frontPath.Length() < 1.0 ||
		c.plannerStart.Distance(pose) > 1.5 ||
		c.frontGoal.Distance(pose) < 1.5 {
		c.switchPath = false
		return false
	}

	c.frontPath.Prune(pose, 0.8, math.Pi/2, false)
	points := c.fixpatternPath.Points()
	if len(points) == 0 {
		c.switchPath = false
		return false
	}

	if points[0].IsCornerPoint() {
		if c.frontPath.CheckCurPoseOnPath(pose, c.opts.SwitchCornerDisDiff, c.opts.SwitchCornerYawDiff) {
			if c.checkFixPathFrontSafe(c.frontPath.GeometryPath(), c.opts.FrontSafeCheckDis, 0, c.opts.InitPathCircleCenterExtendY, 0) > 2.0 &&
				c.frontPath.Length() < c.fixpatternPath.Length() {
				c.originPathSafeCnt++
				if c.originPathSafeCnt > 2 {
					c.fixpatternPath.SetFixPath(pose, c.frontPath.Points(), false)
					c.firstRunControllerFlag = true
					c.switchPath = false
				}
			}
		} else {
			// rotated too far from the stashed path, abandon it
			c.switchPath = false
		}
		return true
	}

	if c.checkFixPathFrontSafe(c.frontPath.GeometryPath(), c.opts.FrontSafeCheckDis, 0, c.opts.InitPathCircleCenterExtendY, 0) > 2.0 &&
		c.frontPath.Length() < c.fixpatternPath.Length() {
		if c.frontPath.CheckCurPoseOnPath(pose, c.opts.SwitchNormalDisDiff, c.opts.SwitchNormalYawDiff) {
			c.fixpatternPath.SetFixPath(pose, c.frontPath.Points(), false)
			c.switchPath = false
			return true
		}
		if c.deps.Curve != nil &&
			c.frontGoalIndex > 0 && c.frontGoalIndex < len(c.frontPath.Points()) {
			joinGoal := c.frontPath.Points()[c.frontGoalIndex].Pose
			if curvePts, err := c.deps.Curve.MakePlan(pose, joinGoal, false); err == nil && len(curvePts) > 0 {
				c.astarPath.SetBezierPath(pose, curvePts, false)
				c.frontPath.InsertBeginPath(c.astarPath.Points(), pose, joinGoal, false, math.Pi/3)
				c.originPathSafeCnt++
				if c.originPathSafeCnt > 10 &&
					c.checkFixPathFrontSafe(c.frontPath.GeometryPath(), c.opts.FrontSafeCheckDis, 0, c.opts.InitPathCircleCenterExtendY, 0) > 2.0 &&
					c.frontPath.Length() < c.fixpatternPath.Length() {
					c.fixpatternPath.SetFixPath(pose, c.frontPath.Points(), false)
					c.firstRunControllerFlag = true
					c.switchPath = false
				}
			}
		}
		c.switchPath = false
	}
	return true
}
