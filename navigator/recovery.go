package navigator

import (
	"context"
	"math"
	"time"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/localplanner"
	"github.com/gobotics/navcore/navpath"
)

// clearFootprintInCostmap stamps free space under a pose on the live map and,
// when asked, on the static overlay too.
func (c *Controller) clearFootprintInCostmap(pose navpath.Pose, clearExtendDis float64, includeStatic bool) {
	c.deps.Costmaps.Costmap().ClearFootprint(pose.X, pose.Y, pose.Theta, c.footprint, clearExtendDis)
	if includeStatic {
		if static := c.deps.Costmaps.StaticCostmap(); static != nil {
			static.ClearFootprint(pose.X, pose.Y, pose.Theta, c.footprint, clearExtendDis)
		}
	}
}

// checkProtector reads the hardware safety bar. A triggered front bit backs
// the robot out immediately.
func (c *Controller) checkProtector(ctx context.Context, pose *navpath.Pose, detectFront bool) bool {
	if c.deps.Protector == nil {
		return false
	}
	triggered, value, err := c.deps.Protector.ProtectorStatus(ctx)
	if err != nil {
		c.logger.Warnw("protector status read failed", "error", err)
		return false
	}
	frontDetected := true
	if triggered && detectFront {
		frontDetected = false
		for _, bit := range c.opts.FrontProtectorList {
			if value&(1<<uint(bit)) != 0 {
				frontDetected = true
				c.logger.Errorw("front protector bit detected", "bit", bit)
			}
		}
		if frontDetected {
			c.handleGoingBack(ctx, pose, c.opts.BackwardCheckDis+0.05)
		}
	}
	return triggered && frontDetected
}

// localizationRecovery rotates in place via the hardware service until the
// localization bit recovers or the rotation completes.
func (c *Controller) localizationRecovery(ctx context.Context) bool {
	if c.localizationValid.Load() {
		return true
	}
	if c.deps.Rotate == nil {
		return c.localizationValid.Load()
	}
	c.logger.Warn("localization lost, recovering by rotating in place")
	if err := c.deps.Rotate.StartRotate(ctx, 360); err != nil {
		c.logger.Errorw("start rotate failed", "error", err)
		return c.localizationValid.Load()
	}
	for {
		c.publishStatus(StatusLocationInvalid)
		finished, err := c.deps.Rotate.RotateFinished(ctx)
		if err != nil {
			c.logger.Errorw("rotate status failed", "error", err)
			break
		}
		if finished || c.localizationValid.Load() || !c.runFlag.Load() {
			break
		}
		if !c.sleep(ctx, 100*time.Millisecond) {
			break
		}
	}
	if err := c.deps.Rotate.StopRotate(ctx); err != nil {
		c.logger.Errorw("stop rotate failed", "error", err)
	}
	c.publishZeroVelocity()
	c.sleep(ctx, 500*time.Millisecond)
	return c.localizationValid.Load()
}

// handleGoingBack backs the robot up when the space directly ahead is
// blocked. It reports whether backing up was needed and refreshes pose.
func (c *Controller) handleGoingBack(ctx context.Context, pose *navpath.Pose, backwardDis float64) bool {
	if backwardDis <= 0.01 {
		backwardDis = c.opts.BackwardCheckDis
	}

	// confirm over a short window before committing to the maneuver
	endTime := c.clock.Now().Add(secs(c.opts.StopDuration / 5))
	needBackward := true
	for c.clock.Now().Before(endTime) && c.runFlag.Load() {
		if !c.needBackward(*pose, backwardDis) {
			needBackward = false
			break
		}
		c.publishZeroVelocity()
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, 100*time.Millisecond) {
			break
		}
	}

	for c.runFlag.Load() && needBackward &&
		c.needBackward(*pose, backwardDis+0.05) && c.canBackward(ctx, backwardDis+0.15) {
		if p, ok := c.currentPose(ctx); ok {
			*pose = p
		}
		c.publishVelocity(localplanner.Twist{LinearX: -0.1})
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, c.opts.ControlPeriod()) {
			break
		}
	}
	return needBackward
}

// escapeRecovery rotates toward a collision-free yaw found by the recovery
// circle search and then drives out; falls back to short straight moves.
func (c *Controller) escapeRecovery(ctx context.Context, pose navpath.Pose) bool {
	targetYaw, goalX, goalY := c.checker.RecoveryCircleCost(pose.X, pose.Y, pose.Theta, c.footprint)
	if targetYaw < costmap.RecoveryYawNotFound {
		targetDis := math.Hypot(goalX-pose.X, goalY-pose.Y)
		if c.rotateToYaw(ctx, targetYaw) {
			if c.goingForward(ctx, targetDis/3.5) {
				return true
			}
		}
	}
	if c.goingForward(ctx, 0.20) {
		return true
	}
	return c.goingBackward(ctx, 0.20)
}

func (c *Controller) updateRecoveryYaw(pose navpath.Pose) {
	yaw := pose.Theta
	c.rotateRecoveryTargetYaw = [7]float64{
		yaw + math.Pi/4,
		yaw + math.Pi/2,
		yaw,
		yaw - math.Pi/4,
		yaw - math.Pi/2,
		yaw - math.Pi/4,
		yaw,
	}
}

// rotateToYaw spins in place toward targetYaw while the sampled arc ahead of
// the rotation stays clear.
func (c *Controller) rotateToYaw(ctx context.Context, targetYaw float64) bool {
	pose, ok := c.currentPose(ctx)
	if !ok {
		return false
	}
	angleDiff := navpath.ShortestAngularDistance(pose.Theta, targetYaw)
	for math.Abs(angleDiff) > 0.1 && c.runFlag.Load() {
		dir := 1
		if angleDiff < 0 {
			dir = -1
		}
		if !c.canRotate(pose.X, pose.Y, pose.Theta, dir) {
			break
		}
		c.publishVelocity(localplanner.Twist{AngularZ: math.Copysign(0.3, angleDiff)})
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, c.opts.ControlPeriod()) {
			break
		}
		if pose, ok = c.currentPose(ctx); !ok {
			return false
		}
		angleDiff = navpath.ShortestAngularDistance(pose.Theta, targetYaw)
	}
	return math.Abs(angleDiff) <= 0.1
}

// goingBackward creeps backward for the given distance at 0.1 m/s while it
// stays safe.
func (c *Controller) goingBackward(ctx context.Context, distance float64) bool {
	if !c.canBackward(ctx, 0.20) {
		return false
	}
	endTime := c.clock.Now().Add(time.Duration(distance / 0.1 * float64(time.Second)))
	for c.clock.Now().Before(endTime) && c.canBackward(ctx, 0.20) && c.runFlag.Load() {
		c.publishVelocity(localplanner.Twist{LinearX: -0.1})
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, c.opts.ControlPeriod()) {
			break
		}
	}
	return true
}

// goingForward creeps forward for the given distance while it stays safe.
func (c *Controller) goingForward(ctx context.Context, distance float64) bool {
	if !c.canForward(ctx, 0.05) {
		return false
	}
	endTime := c.clock.Now().Add(time.Duration(distance / 0.15 * float64(time.Second)))
	for c.clock.Now().Before(endTime) && c.canForward(ctx, 0.05) && c.runFlag.Load() {
		c.publishVelocity(localplanner.Twist{LinearX: 0.15})
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, c.opts.ControlPeriod()) {
			break
		}
	}
	return true
}

// rotateRecovery rotates through a bounded fan of target yaws across
// successive recovery attempts, falling back to straight moves when rotation
// is blocked.
func (c *Controller) rotateRecovery(ctx context.Context) bool {
	pose, ok := c.currentPose(ctx)
	if !ok {
		return false
	}
	if c.tryRecoveryTimes == 0 {
		c.updateRecoveryYaw(pose)
	} else if c.tryRecoveryTimes > 6 {
		c.tryRecoveryTimes++
		return true
	}

	currentYaw := pose.Theta
	targetYaw := c.rotateRecoveryTargetYaw[c.tryRecoveryTimes]
	c.tryRecoveryTimes++
	granularity := 0.1
	if targetYaw <= currentYaw {
		granularity = -0.1
	}
	numStep := int(math.Pi / 4 / math.Abs(granularity))
	if numStep == 0 {
		numStep = 1
	}

	footprintSafe := true
	for i := 1; i <= numStep; i++ {
		sampleYaw := navpath.NormalizeAngle(currentYaw + float64(i)*granularity)
		if c.checker.CircleCenterCost(pose.X, pose.Y, sampleYaw, c.circleCenters, 0, 0) < 0 {
			footprintSafe = false
			break
		}
	}
	if footprintSafe && c.rotateToYaw(ctx, targetYaw) {
		return true
	}
	if c.goingForward(ctx, 0.20) {
		return true
	}
	return c.goingBackward(ctx, 0.20)
}

// headingChargingGoal backs the robot the last few centimeters onto the dock.
func (c *Controller) headingChargingGoal(ctx context.Context, chargingGoal navpath.Pose) bool {
	for c.runFlag.Load() {
		pose, ok := c.currentPose(ctx)
		if !ok {
			return false
		}
		if c.checkProtector(ctx, &pose, false) {
			break
		}
		if pose.Distance(chargingGoal) <= 0.03 {
			c.publishZeroVelocity()
			break
		}
		c.publishVelocity(localplanner.Twist{LinearX: -0.1})
		c.lastValidControl = c.clock.Now()
		if !c.sleep(ctx, c.opts.ControlPeriod()) {
			break
		}
	}
	return true
}
