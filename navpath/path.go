// Package navpath models the typed path driven by the navigation supervisor:
// an ordered point sequence carrying per-point speed caps, highlight distances
// and corner markers that tell the local planner where to rotate in place.
package navpath

import (
	"math"

	"github.com/pkg/errors"
)

// Corner windows: points within MinBeforeCornerLength before a corner anchor,
// and within afterCornerShrink × MinAfterCornerLength after it, inherit the
// corner marking so the local planner slows down and holds heading.
const (
	MinBeforeCornerLength = 0.3
	MinAfterCornerLength  = 0.4
)

// Defaults applied by the constructors when a point carries no explicit cap.
const (
	DefaultMaxVel       = 0.6
	CornerMaxVel        = 0.15
	DefaultHighlight    = 1.0
	MinHighlightDis     = 0.5
	cornerYawThreshold  = math.Pi / 6
	poseMatchTolerance  = 0.001
	pruneSearchWindow   = 20
	afterCornerShrink   = 0.25
)

// CornerStruct marks a point as part of a corner window. Anchor is the
// waypoint at which the robot actually rotates; CornerPoint covers the whole
// window around it.
type CornerStruct struct {
	CornerPoint     bool
	Anchor          bool
	ThetaOut        float64
	RotateDirection int
}

// PathPoint is one waypoint of a navigation path.
type PathPoint struct {
	Pose
	MaxVel    float64
	Highlight float64
	Radius    float64
	Corner    CornerStruct
}

// DistanceToPoint returns the planar distance between two path points.
func (p PathPoint) DistanceToPoint(other PathPoint) float64 {
	return p.Pose.Distance(other.Pose)
}

// IsCornerPoint reports whether the point lies inside a corner window.
func (p PathPoint) IsCornerPoint() bool {
	return p.Corner.CornerPoint
}

// PoseToPathPoint wraps a pose into a path point with default caps.
func PoseToPathPoint(pose Pose) PathPoint {
	return PathPoint{Pose: pose, MaxVel: DefaultMaxVel, Highlight: DefaultHighlight, Radius: 0.5}
}

// Path is an ordered waypoint sequence owned by the navigation supervisor.
// It is not safe for concurrent use; the supervisor serializes access under
// its plan mutex.
type Path struct {
	points []PathPoint
}

// NewPath returns an empty path.
func NewPath() *Path {
	return &Path{}
}

// Points returns the underlying point sequence.
func (p *Path) Points() []PathPoint {
	return p.points
}

// GeometryPath returns the poses of all points.
func (p *Path) GeometryPath() []Pose {
	poses := make([]Pose, len(p.points))
	for i, pt := range p.points {
		poses[i] = pt.Pose
	}
	return poses
}

// Empty reports whether the path has no points.
func (p *Path) Empty() bool {
	return len(p.points) == 0
}

// Length returns the sum of euclidean segment lengths.
func (p *Path) Length() float64 {
	length := 0.0
	for i := 0; i+1 < len(p.points); i++ {
		length += p.points[i].DistanceToPoint(p.points[i+1])
	}
	return length
}

func (p *Path) lengthFrom(index int) float64 {
	length := 0.0
	for i := index; i+1 < len(p.points); i++ {
		length += p.points[i].DistanceToPoint(p.points[i+1])
	}
	return length
}

// SetFixPath installs a sampled global-planner path. Headings are recomputed
// from segment directions and corners detected from heading breaks when
// detectCorners is set.
func (p *Path) SetFixPath(start Pose, points []PathPoint, detectCorners bool) {
	pts := make([]PathPoint, 0, len(points)+1)
	pts = append(pts, PoseToPathPoint(start))
	pts = append(pts, points...)
	assignHeadings(pts)
	if detectCorners {
		markCornersFromHeadings(pts, cornerYawThreshold)
	}
	p.points = pts
	p.finalize()
}

// SetPath replaces the path wholesale, keeping the points' own headings
// unless recomputeHeadings is set.
func (p *Path) SetPath(points []PathPoint, detectCorners, recomputeHeadings bool) {
	pts := make([]PathPoint, len(points))
	copy(pts, points)
	if recomputeHeadings {
		assignHeadings(pts)
	}
	if detectCorners {
		markCornersFromHeadings(pts, cornerYawThreshold)
	}
	p.points = pts
	p.finalize()
}

// SetSBPLPath installs a lattice-planner path whose points already carry
// corner anchors from the primitive expansion.
func (p *Path) SetSBPLPath(start Pose, points []PathPoint, prependStart bool) {
	pts := make([]PathPoint, 0, len(points)+1)
	if prependStart {
		pts = append(pts, PoseToPathPoint(start))
	}
	pts = append(pts, points...)
	p.points = pts
	p.finalize()
}

// SetShortSBPLPath installs a trivial two-point path used for goals closer
// than the planner's minimum useful distance.
func (p *Path) SetShortSBPLPath(start Pose, points []PathPoint) {
	pts := make([]PathPoint, len(points))
	copy(pts, points)
	assignHeadings(pts)
	p.points = pts
	p.finalize()
}

// SetBezierPath installs a curve-planner path. No corner detection: the curve
// is smooth by construction.
func (p *Path) SetBezierPath(start Pose, points []PathPoint, prependStart bool) {
	pts := make([]PathPoint, 0, len(points)+1)
	if prependStart {
		pts = append(pts, PoseToPathPoint(start))
	}
	pts = append(pts, points...)
	assignHeadings(pts)
	p.points = pts
	p.finalize()
}

// InsertBeginPath splices a fresh segment in front of the existing path. The
// surviving tail begins at the point closest to goal; cornerYawDiff controls
// how aggressively the splice point is marked as a corner.
func (p *Path) InsertBeginPath(segment []PathPoint, start, goal Pose, detectCorners bool, cornerYawDiff float64) {
	keepFrom := p.closestIndexTo(goal, 0)
	pts := make([]PathPoint, 0, len(segment)+len(p.points))
	pts = append(pts, segment...)
	if keepFrom >= 0 {
		pts = append(pts, p.points[keepFrom:]...)
	}
	if detectCorners {
		markCornersFromHeadings(pts, cornerYawDiff)
	} else if keepFrom >= 0 && len(segment) > 0 {
		markSpliceCorner(pts, len(segment), cornerYawDiff)
	}
	p.points = pts
	p.finalize()
}

// InsertEndPath appends a segment, discarding any old points past the
// segment's start.
func (p *Path) InsertEndPath(segment []PathPoint) {
	if len(segment) == 0 {
		return
	}
	cut := p.closestIndexTo(segment[0].Pose, 0)
	if cut >= 0 {
		p.points = p.points[:cut]
	}
	p.points = append(p.points, segment...)
	p.finalize()
}

// InsertMiddlePath splices segment between the path points closest to start
// and goal, discarding the replaced interior.
func (p *Path) InsertMiddlePath(segment []PathPoint, start, goal Pose) {
	if len(segment) == 0 || len(p.points) == 0 {
		return
	}
	from := p.closestIndexTo(start, 0)
	to := p.closestIndexTo(goal, from)
	if from < 0 || to < 0 || to < from {
		return
	}
	pts := make([]PathPoint, 0, from+len(segment)+len(p.points)-to)
	pts = append(pts, p.points[:from]...)
	pts = append(pts, segment...)
	pts = append(pts, p.points[to+1:]...)
	p.points = pts
	p.finalize()
}

// ExtendPath appends another planner result to the current path, joining at
// the segment point closest to the current tail.
func (p *Path) ExtendPath(segment []PathPoint) {
	if len(segment) == 0 {
		return
	}
	if len(p.points) == 0 {
		p.points = append(p.points, segment...)
		p.finalize()
		return
	}
	back := p.points[len(p.points)-1].Pose
	join := 0
	best := math.Inf(1)
	for i, pt := range segment {
		if d := pt.Distance(back); d < best {
			best = d
			join = i
		}
	}
	p.points = append(p.points, segment[join:]...)
	p.finalize()
}

// Prune trims points behind the robot. It fails (returning false, path
// untouched) iff the pose deviates beyond the offroad tolerances from every
// point inside the search window; when strict is unset the head is kept and
// pruning succeeds vacuously.
func (p *Path) Prune(cur Pose, maxOffroadDis, maxOffroadYaw float64, strict bool) bool {
	if len(p.points) == 0 {
		return true
	}
	window := pruneSearchWindow
	if window > len(p.points) {
		window = len(p.points)
	}
	best := -1
	bestDis := math.Inf(1)
	for i := 0; i < window; i++ {
		dis := p.points[i].Distance(cur)
		yawDiff := math.Abs(ShortestAngularDistance(p.points[i].Theta, cur.Theta))
		if dis <= maxOffroadDis && yawDiff <= maxOffroadYaw && dis < bestDis {
			best = i
			bestDis = dis
		}
	}
	if best < 0 {
		if strict {
			return false
		}
		return true
	}
	p.points = p.points[best:]
	return true
}

// PruneCornerOnStart drops the leading corner window once the rotate-in-place
// at its anchor is done, so the controller does not rotate again.
func (p *Path) PruneCornerOnStart() {
	if len(p.points) == 0 || !p.points[0].Corner.CornerPoint {
		return
	}
	thetaOut := p.points[0].Corner.ThetaOut
	i := 0
	for i < len(p.points)-1 &&
		p.points[i].Corner.CornerPoint &&
		p.points[i].Corner.ThetaOut == thetaOut {
		i++
	}
	p.points = p.points[i:]
}

// EraseToPoint drops everything before the path point closest to pose.
func (p *Path) EraseToPoint(pose Pose) {
	idx := p.closestIndexTo(pose, 0)
	if idx > 0 {
		p.points = p.points[idx:]
	}
}

// FinishPath clears the path when a goal terminates.
func (p *Path) FinishPath() {
	p.points = nil
}

// CheckCurPoseOnPath reports whether pose lies on the path head within the
// given distance and yaw tolerances.
func (p *Path) CheckCurPoseOnPath(pose Pose, disDiff, yawDiff float64) bool {
	window := pruneSearchWindow
	if window > len(p.points) {
		window = len(p.points)
	}
	for i := 0; i < window; i++ {
		dis := p.points[i].Distance(pose)
		yd := math.Abs(ShortestAngularDistance(p.points[i].Theta, pose.Theta))
		if dis < disDiff && yd < yawDiff {
			return true
		}
	}
	return false
}

// closestIndexTo returns the index of the point closest to pose at or after
// from, or -1 on an empty path.
func (p *Path) closestIndexTo(pose Pose, from int) int {
	if from < 0 {
		from = 0
	}
	best := -1
	bestDis := math.Inf(1)
	for i := from; i < len(p.points); i++ {
		d := p.points[i].Distance(pose)
		if d < bestDis {
			bestDis = d
			best = i
		}
		if d < poseMatchTolerance {
			return i
		}
	}
	return best
}

// finalize recomputes derived per-point data after any mutation.
func (p *Path) finalize() {
	p.propagateCorners()
	p.assignCaps()
}

// propagateCorners expands each corner anchor into its before/after window.
// Expansion always restarts from the anchors, so repeated application is a
// fixed point.
func (p *Path) propagateCorners() {
	for i := range p.points {
		if !p.points[i].Corner.Anchor {
			p.points[i].Corner.CornerPoint = false
		}
	}
	for i := 0; i < len(p.points); i++ {
		if !p.points[i].Corner.Anchor {
			continue
		}
		thetaOut := p.points[i].Corner.ThetaOut
		dir := p.points[i].Corner.RotateDirection
		begin, end := i, i
		disAccu := 0.0
		for begin > 0 && disAccu < MinBeforeCornerLength {
			disAccu += p.points[begin].DistanceToPoint(p.points[begin-1])
			begin--
		}
		disAccu = 0.0
		for end < len(p.points)-1 && disAccu < MinAfterCornerLength*afterCornerShrink {
			disAccu += p.points[end].DistanceToPoint(p.points[end+1])
			end++
		}
		for j := begin; j <= end; j++ {
			p.points[j].Corner.CornerPoint = true
			p.points[j].Corner.ThetaOut = thetaOut
			p.points[j].Corner.RotateDirection = dir
		}
		// skip past anchors we just covered
		for i+1 <= end && i+1 < len(p.points) && p.points[i+1].Corner.Anchor {
			i++
		}
	}
}

// assignCaps fills velocity caps and highlight distances.
func (p *Path) assignCaps() {
	remaining := p.Length()
	for i := range p.points {
		if p.points[i].MaxVel <= 0 {
			p.points[i].MaxVel = DefaultMaxVel
		}
		if p.points[i].Corner.CornerPoint {
			p.points[i].MaxVel = math.Min(p.points[i].MaxVel, CornerMaxVel)
		}
		highlight := math.Min(DefaultHighlight, remaining)
		if highlight < MinHighlightDis {
			highlight = MinHighlightDis
		}
		p.points[i].Highlight = highlight
		if i+1 < len(p.points) {
			remaining -= p.points[i].DistanceToPoint(p.points[i+1])
			if remaining < 0 {
				remaining = 0
			}
		}
	}
}

func assignHeadings(pts []PathPoint) {
	for i := 0; i+1 < len(pts); i++ {
		pts[i].Theta = CalculateDirection(pts[i].Pose, pts[i+1].Pose)
	}
	if n := len(pts); n >= 2 {
		pts[n-1].Theta = pts[n-2].Theta
	}
}

// markCornersFromHeadings turns heading breaks larger than yawThreshold into
// corner anchors.
func markCornersFromHeadings(pts []PathPoint, yawThreshold float64) {
	for i := 1; i+1 < len(pts); i++ {
		diff := ShortestAngularDistance(pts[i-1].Theta, pts[i].Theta)
		if math.Abs(diff) <= yawThreshold {
			continue
		}
		pts[i].Corner.Anchor = true
		pts[i].Corner.CornerPoint = true
		pts[i].Corner.ThetaOut = pts[i].Theta
		if diff > 0 {
			pts[i].Corner.RotateDirection = 1
		} else {
			pts[i].Corner.RotateDirection = -1
		}
	}
}

// markSpliceCorner anchors the joint between a spliced segment and the
// surviving tail when their headings disagree.
func markSpliceCorner(pts []PathPoint, joint int, yawThreshold float64) {
	if joint <= 0 || joint >= len(pts) {
		return
	}
	diff := ShortestAngularDistance(pts[joint-1].Theta, pts[joint].Theta)
	if math.Abs(diff) <= yawThreshold {
		return
	}
	pts[joint].Corner.Anchor = true
	pts[joint].Corner.CornerPoint = true
	pts[joint].Corner.ThetaOut = pts[joint].Theta
	if diff > 0 {
		pts[joint].Corner.RotateDirection = 1
	} else {
		pts[joint].Corner.RotateDirection = -1
	}
}

// ErrEmptyPath is returned by consumers that require a non-empty path.
var ErrEmptyPath = errors.New("path is empty")
