package navigator

import (
	"context"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/localplanner"
	"github.com/gobotics/navcore/navpath"
)

// PoseProvider yields the robot pose in the global frame.
type PoseProvider interface {
	RobotPose(ctx context.Context) (navpath.Pose, error)
}

// VelocityPublisher pushes velocity commands to the base. The supervisor is
// its only caller.
type VelocityPublisher interface {
	PublishVelocity(cmd localplanner.Twist)
}

// CostmapProvider hands out pointer-stable snapshots of the live costmap and
// the static map-only overlay. Maintenance of the grids is external.
type CostmapProvider interface {
	Costmap() *costmap.Costmap
	StaticCostmap() *costmap.Costmap
	IsCurrent() bool
}

// RotateService drives the hardware in-place rotation used by localization
// recovery.
type RotateService interface {
	StartRotate(ctx context.Context, degrees float64) error
	StopRotate(ctx context.Context) error
	RotateFinished(ctx context.Context) (bool, error)
}

// ProtectorService reads the hardware bumper/safety bar bitmask.
type ProtectorService interface {
	ProtectorStatus(ctx context.Context) (triggered bool, value uint32, err error)
}

// CurvePlanner generates the short smooth curve used for near goals; curve
// generation itself lives outside this module.
type CurvePlanner interface {
	MakePlan(start, goal navpath.Pose, limitLength bool) ([]navpath.PathPoint, error)
}

// StatusPublisher receives supervisor lifecycle output.
type StatusPublisher interface {
	PublishStatus(goalID string, status Status)
	PublishGoalReached(goalID string, pose navpath.Pose)
	PublishPlan(plan []navpath.Pose)
}

// Deps bundles the external collaborators injected into the controller.
type Deps struct {
	Poses     PoseProvider
	Velocity  VelocityPublisher
	Costmaps  CostmapProvider
	Rotate    RotateService
	Protector ProtectorService
	Curve     CurvePlanner
	Status    StatusPublisher
}
