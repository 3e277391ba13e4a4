// Package localplanner turns the installed path plus the robot's current pose
// and velocity into velocity commands. Two backends share one validity
// predicate: a rollout planner that samples and scores (v, w) candidates, and
// a cheaper lookahead planner that chases a carrot point on the path.
package localplanner

import "github.com/gobotics/navcore/navpath"

// PlannerType selects the velocity backend for one control tick.
type PlannerType int

// The available backends.
const (
	TrajectoryPlanner PlannerType = iota
	LookaheadPlanner
)

// Twist is a planar velocity command.
type Twist struct {
	LinearX  float64
	LinearY  float64
	AngularZ float64
}

// Trajectory is one simulated candidate rollout.
type Trajectory struct {
	XV     float64
	YV     float64
	ThetaV float64

	Cost            float64
	IsFootprintSafe bool

	Points []navpath.Pose
}
