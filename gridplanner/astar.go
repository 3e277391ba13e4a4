// Package gridplanner provides a coarse 8-connected A* over the costmap. The
// navigation worker uses it for goals beyond the lattice planner's useful
// range, then samples the result into the installed path.
package gridplanner

import (
	"container/heap"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// ErrNoPath is returned when the goal cell is unreachable.
var ErrNoPath = errors.New("no grid path to goal")

type gridNode struct {
	x, y      int
	g         float64
	f         float64
	parent    *gridNode
	heapIndex int
	closed    bool
}

type nodeQueue []*gridNode

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].f < q[j].f }

func (q nodeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *nodeQueue) Push(x interface{}) {
	n := x.(*gridNode)
	n.heapIndex = len(*q)
	*q = append(*q, n)
}

func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return node
}

var neighbors = [8][3]float64{
	{1, 0, 1}, {-1, 0, 1}, {0, 1, 1}, {0, -1, 1},
	{1, 1, math.Sqrt2}, {1, -1, math.Sqrt2}, {-1, 1, math.Sqrt2}, {-1, -1, math.Sqrt2},
}

// Planner is a goal-directed grid search with an obstacle cost penalty.
type Planner struct {
	logger golog.Logger

	// frontier reached closest to the goal in the last failed search
	extendX float64
	extendY float64
}

// New returns a grid planner.
func New(logger golog.Logger) *Planner {
	return &Planner{logger: logger}
}

// ExtendPoint reports how far the last failed search got toward its goal.
func (p *Planner) ExtendPoint() (float64, float64) {
	return p.extendX, p.extendY
}

func octile(dx, dy int) float64 {
	ax, ay := math.Abs(float64(dx)), math.Abs(float64(dy))
	if ax < ay {
		ax, ay = ay, ax
	}
	return ax + (math.Sqrt2-1)*ay
}

// MakePlan searches the costmap grid from start to goal and returns the dense
// cell path as world-frame path points. Headings are derived downstream when
// the result is sampled into the installed path.
func (p *Planner) MakePlan(grid *costmap.Costmap, start, goal navpath.Pose) ([]navpath.PathPoint, error) {
	sx, sy, ok := grid.WorldToMap(start.X, start.Y)
	if !ok {
		return nil, errors.New("start outside costmap")
	}
	gx, gy, ok := grid.WorldToMap(goal.X, goal.Y)
	if !ok {
		return nil, errors.New("goal outside costmap")
	}

	nodes := make(map[int]*gridNode)
	index := func(x, y int) int { return y*grid.SizeX() + x }

	startNode := &gridNode{x: sx, y: sy, f: octile(gx-sx, gy-sy)}
	nodes[index(sx, sy)] = startNode
	open := nodeQueue{}
	heap.Push(&open, startNode)

	bestTowardGoal := startNode
	bestH := octile(gx-sx, gy-sy)

	for open.Len() > 0 {
		cur := heap.Pop(&open).(*gridNode)
		if cur.closed {
			continue
		}
		cur.closed = true

		if cur.x == gx && cur.y == gy {
			return p.reconstruct(grid, cur, start, goal), nil
		}
		if h := octile(gx-cur.x, gy-cur.y); h < bestH {
			bestH = h
			bestTowardGoal = cur
		}

		for _, nb := range neighbors {
			nx := cur.x + int(nb[0])
			ny := cur.y + int(nb[1])
			if !grid.InBounds(nx, ny) {
				continue
			}
			cost := grid.Cost(nx, ny)
			if cost >= costmap.InscribedInflatedObstacle {
				continue
			}
			// bias away from inflated cells without forbidding them
			stepCost := nb[2] * (1 + float64(cost)/64.0)
			ng := cur.g + stepCost
			nidx := index(nx, ny)
			node, seen := nodes[nidx]
			if !seen {
				node = &gridNode{x: nx, y: ny, g: ng, parent: cur}
				node.f = ng + octile(gx-nx, gy-ny)
				nodes[nidx] = node
				heap.Push(&open, node)
			} else if !node.closed && ng < node.g {
				node.g = ng
				node.parent = cur
				node.f = ng + octile(gx-nx, gy-ny)
				heap.Fix(&open, node.heapIndex)
			}
		}
	}

	p.extendX, p.extendY = grid.MapToWorld(bestTowardGoal.x, bestTowardGoal.y)
	p.logger.Debugw("grid search exhausted", "extendX", p.extendX, "extendY", p.extendY)
	return nil, ErrNoPath
}

func (p *Planner) reconstruct(grid *costmap.Costmap, goalNode *gridNode, start, goal navpath.Pose) []navpath.PathPoint {
	var cells []*gridNode
	for n := goalNode; n != nil; n = n.parent {
		cells = append(cells, n)
	}
	// reverse into start-to-goal order
	points := make([]navpath.PathPoint, 0, len(cells)+2)
	points = append(points, navpath.PoseToPathPoint(start))
	for i := len(cells) - 2; i > 0; i-- {
		wx, wy := grid.MapToWorld(cells[i].x, cells[i].y)
		points = append(points, navpath.PoseToPathPoint(navpath.Pose{X: wx, Y: wy}))
	}
	points = append(points, navpath.PoseToPathPoint(goal))
	return points
}
