// Package navigator couples the global planner worker with the supervising
// state machine that drives the robot along planned paths, watches safety,
// and runs layered recovery when driving fails.
package navigator

import (
	"github.com/google/uuid"

	"github.com/gobotics/navcore/navpath"
)

// Status enumerates the codes published while a goal is pursued.
type Status uint32

// The published status codes.
const (
	StatusGoalPlanning Status = iota + 1
	StatusGoalHeading
	StatusGoalReached
	StatusGoalUnreached
	StatusGoalUnreachable
	StatusPathNotSafe
	StatusGoalNotSafe
	StatusLocationInvalid
)

func (s Status) String() string {
	switch s {
	case StatusGoalPlanning:
		return "goal_planning"
	case StatusGoalHeading:
		return "goal_heading"
	case StatusGoalReached:
		return "goal_reached"
	case StatusGoalUnreached:
		return "goal_unreached"
	case StatusGoalUnreachable:
		return "goal_unreachable"
	case StatusPathNotSafe:
		return "path_not_safe"
	case StatusGoalNotSafe:
		return "goal_not_safe"
	case StatusLocationInvalid:
		return "location_invalid"
	default:
		return "unknown"
	}
}

// GoalType selects how the supervisor treats the goal pose.
type GoalType int

// The goal kinds.
const (
	GoalTypeNormal GoalType = iota
	GoalTypeOrigin
	GoalTypeCharging
)

// Goal is one navigation request.
type Goal struct {
	ID   uuid.UUID
	Pose navpath.Pose
	Type GoalType
}

// NewGoal tags a pose with a fresh identity.
func NewGoal(pose navpath.Pose, goalType GoalType) Goal {
	return Goal{ID: uuid.New(), Pose: pose, Type: goalType}
}
