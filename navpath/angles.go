package navpath

import "math"

// Pose is a planar robot pose in the global frame.
type Pose struct {
	X     float64
	Y     float64
	Theta float64
}

// Distance returns the euclidean distance to other, ignoring heading.
func (p Pose) Distance(other Pose) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// NormalizeAngle maps an angle into (-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// ShortestAngularDistance returns the signed smallest rotation from one angle to another.
func ShortestAngularDistance(from, to float64) float64 {
	return NormalizeAngle(to - from)
}

// CalculateDirection returns the heading of the segment from one pose to another.
func CalculateDirection(from, to Pose) float64 {
	return math.Atan2(to.Y-from.Y, to.X-from.X)
}
