package lattice

import (
	"container/heap"
	"math"
)

// cellNode is one cell of the 2D Dijkstra sweep backing the heuristic.
type cellNode struct {
	x, y      int
	dist      int
	tieBreak  float64
	heapIndex int
}

type cellQueue []*cellNode

func (q cellQueue) Len() int { return len(q) }

func (q cellQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].tieBreak < q[j].tieBreak
}

func (q cellQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *cellQueue) Push(x interface{}) {
	n := x.(*cellNode)
	n.heapIndex = len(*q)
	*q = append(*q, n)
}

func (q *cellQueue) Pop() interface{} {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return c
}

var dijkstraNeighbors = [8][2]int{
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
}

// EnsureHeuristicsUpdated recomputes, if stale, the 2D Dijkstra field over
// the inflated window, tie-broken by euclidean distance. The search runs
// backward from the goal, so the field is anchored at the start cell it
// terminates on. Values share the primitive cost scale, so the heuristic
// stays admissible with respect to the motion primitive cost model.
func (env *Environment) EnsureHeuristicsUpdated() {
	if env.heuristicValid || env.start == nil {
		return
	}
	size := env.cfg.SizeX * env.cfg.SizeY
	if env.heuristic == nil {
		env.heuristic = make([]int, size)
	}
	for i := range env.heuristic {
		env.heuristic[i] = InfiniteCost
	}

	cellTime := env.prims.CellTimeMs
	diagTime := int(math.Round(float64(cellTime) * math.Sqrt2))
	gx, gy := env.start.X, env.start.Y

	nodes := make(map[int]*cellNode, size/4)
	q := make(cellQueue, 0, 256)
	goalNode := &cellNode{x: gx, y: gy}
	nodes[gy*env.cfg.SizeX+gx] = goalNode
	heap.Push(&q, goalNode)

	for q.Len() > 0 {
		cur := heap.Pop(&q).(*cellNode)
		idx := cur.y*env.cfg.SizeX + cur.x
		if env.heuristic[idx] != InfiniteCost {
			continue
		}
		env.heuristic[idx] = cur.dist
		for _, nb := range dijkstraNeighbors {
			nx, ny := cur.x+nb[0], cur.y+nb[1]
			if !env.inBounds(nx, ny) {
				continue
			}
			cost := env.costs[ny*env.cfg.SizeX+nx]
			if cost >= env.cfg.InscribedInflatedCost {
				continue
			}
			nidx := ny*env.cfg.SizeX + nx
			if env.heuristic[nidx] != InfiniteCost {
				continue
			}
			step := cellTime
			if nb[0] != 0 && nb[1] != 0 {
				step = diagTime
			}
			mult := int(cost)
			if mult < 1 {
				mult = 1
			}
			nd := cur.dist + step*mult
			node, ok := nodes[nidx]
			if !ok {
				node = &cellNode{
					x: nx, y: ny, dist: nd,
					tieBreak: math.Hypot(float64(nx-gx), float64(ny-gy)),
				}
				nodes[nidx] = node
				heap.Push(&q, node)
			} else if nd < node.dist {
				node.dist = nd
				heap.Fix(&q, node.heapIndex)
			}
		}
	}
	env.heuristicValid = true
}

// GetHeuristic returns an admissible lower bound on the time cost remaining
// between a cell and the start the search terminates on: the max of the
// Dijkstra field and the straight-line bound.
func (env *Environment) GetHeuristic(x, y int) int {
	if !env.inBounds(x, y) || env.start == nil {
		return InfiniteCost
	}
	h := InfiniteCost
	if env.heuristicValid {
		h = env.heuristic[y*env.cfg.SizeX+x]
	}
	if h == InfiniteCost {
		return InfiniteCost
	}
	euclid := int(math.Hypot(float64(x-env.start.X), float64(y-env.start.Y)) * float64(env.prims.CellTimeMs))
	if euclid > h {
		h = euclid
	}
	return h
}
