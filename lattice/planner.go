package lattice

import (
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/gobotics/navcore/costmap"
	"github.com/gobotics/navcore/navpath"
)

// Cell2D is a planar window cell coordinate.
type Cell2D struct {
	X int
	Y int
}

// cornerRunLength is the minimum interpolated-point run of turn-in-place
// motion that the planner marks as a real corner; shorter wiggles are demoted
// to ordinary path points.
const cornerRunLength = 27

// Planner search failures.
var (
	ErrNoSolution   = errors.New("solution does not exist: open set exhausted")
	ErrOutOfTime    = errors.New("search ran out of allocated time")
	ErrUnreachable  = errors.New("all expansion candidates have infinite heuristics")
	ErrOutsideMap   = errors.New("pose outside the planning window")
)

// PlannerConfig parameterizes the anytime search.
type PlannerConfig struct {
	AllocatedTime     time.Duration
	InitialEpsilon    float64
	ForceScratchLimit int
	MapSize           int
	LethalCost        uint8
}

// Planner runs an anytime repairing A* over the lattice environment. Results
// within the current epsilon bound improve across iterations until either
// epsilon reaches 1 or the time budget runs out; costmap diffs between calls
// drive incremental repair instead of planning from scratch.
type Planner struct {
	env    *Environment
	logger golog.Logger

	open   *openList
	incons map[*Entry]struct{}

	allocatedTime     time.Duration
	initialEpsilon    float64
	forceScratchLimit int
	mapSize           int

	lethalCost     uint8
	inscribedCost  uint8
	costMultiplier uint8

	eps              float64
	epsilonSatisfied float64

	iteration            int
	environmentIteration int

	startEntry    *Entry
	goalEntry     *Entry
	firstMetEntry *Entry
	goalEntryList []*Entry

	broaderStartAndGoal bool
	needReinitialize    bool

	windowOriginX float64
	windowOriginY float64

	startTime time.Time
}

// NewPlanner wires a planner over an environment.
func NewPlanner(env *Environment, cfg PlannerConfig, logger golog.Logger) *Planner {
	if cfg.InitialEpsilon < 1 {
		cfg.InitialEpsilon = 3.0
	}
	if cfg.AllocatedTime <= 0 {
		cfg.AllocatedTime = 4 * time.Second
	}
	if cfg.ForceScratchLimit <= 0 {
		cfg.ForceScratchLimit = 500
	}
	if cfg.MapSize <= 0 {
		cfg.MapSize = env.SizeX()
	}
	if cfg.LethalCost == 0 {
		cfg.LethalCost = 20
	}
	inscribed := cfg.LethalCost - 1
	return &Planner{
		env:               env,
		logger:            logger,
		open:              newOpenList(),
		incons:            make(map[*Entry]struct{}),
		allocatedTime:     cfg.AllocatedTime,
		initialEpsilon:    cfg.InitialEpsilon,
		forceScratchLimit: cfg.ForceScratchLimit,
		mapSize:           cfg.MapSize,
		lethalCost:        cfg.LethalCost,
		inscribedCost:     inscribed,
		costMultiplier:    uint8(int(costmap.InscribedInflatedObstacle)/int(inscribed) + 1),
		eps:               cfg.InitialEpsilon,
		epsilonSatisfied:  math.Inf(1),
		needReinitialize:  true,
	}
}

// TransformCostmapCost squeezes raw costmap values into the planner's cost
// band so primitive cost multiplication stays in integer range.
func (p *Planner) TransformCostmapCost(cost uint8) uint8 {
	switch {
	case cost == costmap.LethalObstacle:
		return p.lethalCost
	case cost == costmap.InscribedInflatedObstacle:
		return p.inscribedCost
	case cost == 0 || cost == costmap.NoInformation:
		return 0
	default:
		return uint8(float64(cost)/float64(p.costMultiplier) + 0.5)
	}
}

func (p *Planner) computeKey(e *Entry) entryKey {
	return e.computeKey(p.eps, p.env.GetHeuristic(e.X, e.Y))
}

func (p *Planner) touch(e *Entry) {
	if e.VisitedIteration != p.environmentIteration {
		e.G = InfiniteCost
		e.RHS = InfiniteCost
		e.BestNext = nil
		e.VisitedIteration = p.environmentIteration
	}
}

// recomputeRHS refreshes the one-step lookahead of an entry from its visited
// successors, updating the best-next pointer.
func (p *Planner) recomputeRHS(e *Entry) {
	succs, costs, _ := p.env.GetSuccs(e)
	e.RHS = InfiniteCost
	e.BestNext = nil
	for i, succ := range succs {
		if succ.VisitedIteration != p.environmentIteration {
			continue
		}
		if succ.G != InfiniteCost && e.RHS > costs[i]+succ.G {
			e.RHS = costs[i] + succ.G
			e.BestNext = succ
		}
	}
}

// updateSetMembership re-files an entry after its g or rhs changed: open while
// inconsistent and not yet closed this iteration, stashed as inconsistent when
// closed, removed once consistent.
func (p *Planner) updateSetMembership(e *Entry) {
	if e.RHS != e.G {
		if e.ClosedIteration != p.iteration {
			p.computeKey(e)
			if !p.open.Contains(e) {
				p.open.Push(e)
			} else {
				p.open.Adjust(e)
			}
		} else {
			p.incons[e] = struct{}{}
		}
	} else if p.open.Contains(e) {
		p.open.Erase(e)
	}
}

func (p *Planner) updatePredsOfOverconsistent(e *Entry) {
	preds, costs := p.env.GetPreds(e)
	for i, pred := range preds {
		p.touch(pred)
		if e.G != InfiniteCost && pred.RHS > costs[i]+e.G {
			pred.RHS = costs[i] + e.G
			pred.BestNext = e
			p.updateSetMembership(pred)
		}
	}
}

func (p *Planner) updatePredsOfUnderconsistent(e *Entry) {
	preds, _ := p.env.GetPreds(e)
	for _, pred := range preds {
		p.touch(pred)
		if pred.BestNext == e {
			p.recomputeRHS(pred)
			p.updateSetMembership(pred)
		}
	}
}

// startEntryList is the start plus, when broader matching is on, a plus-shaped
// halo of cells around it sharing its heading, so a slightly displaced robot
// can still terminate the backward search.
func (p *Planner) startEntryList() []*Entry {
	if !p.broaderStartAndGoal {
		return []*Entry{p.startEntry}
	}
	deltas := []int{-2, -1, 0, 1, 2}
	list := make([]*Entry, 0, 9)
	for _, i := range deltas {
		for _, j := range deltas {
			if i != 0 && j != 0 {
				continue
			}
			if e := p.env.GetEnvEntry(p.startEntry.X+i, p.startEntry.Y+j, p.startEntry.Theta); e != nil {
				list = append(list, e)
			}
		}
	}
	return list
}

// computeOrImprovePath expands open-set entries until the cheapest key reaches
// a consistent start entry, the heap drains, or time runs out.
func (p *Planner) computeOrImprovePath() error {
	startList := p.startEntryList()
	p.firstMetEntry = p.startEntry

	minEntry := p.open.Top()
	for minEntry != nil && time.Since(p.startTime) < p.allocatedTime {
		searchOver := false
		minKey := p.computeKey(minEntry)
		for _, start := range startList {
			p.touch(start)
			if minKey.geq(p.computeKey(start)) && start.RHS == start.G {
				p.firstMetEntry = start
				searchOver = true
				break
			}
		}
		if searchOver {
			break
		}

		p.open.Pop()
		if minEntry.G > minEntry.RHS {
			minEntry.G = minEntry.RHS
			minEntry.ClosedIteration = p.iteration
			p.updatePredsOfOverconsistent(minEntry)
		} else {
			minEntry.G = InfiniteCost
			p.updateSetMembership(minEntry)
			p.updatePredsOfUnderconsistent(minEntry)
		}
		minEntry = p.open.Top()
	}

	switch {
	case p.firstMetEntry.RHS == InfiniteCost && p.open.Empty():
		return ErrNoSolution
	case !p.open.Empty() &&
		(p.open.Top().Key.less(p.computeKey(p.firstMetEntry)) || p.firstMetEntry.RHS > p.firstMetEntry.G):
		return ErrOutOfTime
	case p.firstMetEntry.RHS == InfiniteCost:
		return ErrUnreachable
	default:
		return nil
	}
}

// reinitializeSearch drops all per-search state and reseeds the goal (plus a
// halo of cells around it when broader matching is on) with zero rhs.
func (p *Planner) reinitializeSearch() {
	p.env.ReInitialize()
	p.goalEntry = p.env.Goal()
	p.startEntry = p.env.Start()

	p.open.Clear()
	p.incons = make(map[*Entry]struct{})

	p.eps = p.initialEpsilon
	p.epsilonSatisfied = math.Inf(1)

	p.environmentIteration++
	p.goalEntryList = p.goalEntryList[:0]

	seed := func(e *Entry, isHalo bool) {
		if e == nil {
			return
		}
		p.touch(e)
		e.RHS = 0
		if isHalo {
			e.BestNext = p.goalEntry
		}
		p.computeKey(e)
		p.open.Push(e)
		p.goalEntryList = append(p.goalEntryList, e)
	}

	if p.broaderStartAndGoal {
		deltasXY := []int{-3, -2, -1, 0, 1, 2, 3}
		deltasTheta := []int{-1, 0, 1}
		for _, i := range deltasXY {
			for _, j := range deltasXY {
				for _, k := range deltasTheta {
					e := p.env.GetEnvEntry(p.goalEntry.X+i, p.goalEntry.Y+j, p.goalEntry.Theta+k)
					if e == nil || e == p.goalEntry {
						continue
					}
					seed(e, true)
				}
			}
		}
		seed(p.goalEntry, false)
	} else {
		seed(p.goalEntry, false)
	}

	p.needReinitialize = false
}

// search runs the anytime loop: decay epsilon toward 1, refill open from the
// inconsistent set, rebuild keys, then compute or improve the path.
func (p *Planner) search() ([]navpath.PathPoint, error) {
	p.startTime = time.Now()

	if p.needReinitialize {
		p.reinitializeSearch()
	}

	heuristicStart := time.Now()
	p.env.EnsureHeuristicsUpdated()
	p.logger.Debugw("heuristic refresh", "took", time.Since(heuristicStart))

	var lastErr error
	for p.epsilonSatisfied > 1.0 && time.Since(p.startTime) < p.allocatedTime {
		if math.Abs(p.epsilonSatisfied-p.eps) < 1e-6 {
			if p.eps > 1.0 {
				p.eps -= 1.0
			}
			if p.eps < 1.0 {
				p.eps = 1.0
			}
			p.iteration++
		}

		for e := range p.incons {
			p.open.Push(e)
		}
		p.incons = make(map[*Entry]struct{})

		for _, e := range p.open.All() {
			p.computeKey(e)
		}
		p.open.Reheap()

		if err := p.computeOrImprovePath(); err != nil {
			lastErr = err
			p.logger.Debugw("compute or improve path failed", "error", err, "eps", p.eps)
		} else {
			p.epsilonSatisfied = p.eps
			lastErr = nil
		}

		if p.firstMetEntry == nil || p.firstMetEntry.RHS == InfiniteCost {
			break
		}
	}

	if p.firstMetEntry == nil || p.firstMetEntry.RHS == InfiniteCost || math.IsInf(p.epsilonSatisfied, 1) {
		if lastErr == nil {
			lastErr = ErrNoSolution
		}
		return nil, lastErr
	}
	p.logger.Debugw("search exited with a solution", "eps", p.epsilonSatisfied)

	entryPath, err := p.entryPath()
	if err != nil {
		return nil, err
	}
	return p.pointPath(entryPath)
}

// entryPath follows best-next pointers from the first-met start entry to the
// goal.
func (p *Planner) entryPath() ([]*Entry, error) {
	path := []*Entry{p.firstMetEntry}
	entry := p.firstMetEntry
	for !entry.same(p.goalEntry) {
		if entry.BestNext == nil {
			return nil, errors.New("path broken: no best-next successor")
		}
		if entry.RHS == InfiniteCost {
			return nil, errors.New("path broken: infinite cost on route")
		}
		if entry.G < entry.RHS {
			return nil, errors.New("underconsistent entry on the path")
		}
		entry = entry.BestNext
		path = append(path, entry)
	}
	return path, nil
}

// pointPath expands each entry transition into its primitive's interpolated
// polyline and marks long turn-in-place runs as corner anchors.
func (p *Planner) pointPath(entryPath []*Entry) ([]navpath.PathPoint, error) {
	if len(entryPath) == 0 {
		return nil, ErrNoSolution
	}
	points := make([]navpath.PathPoint, 0, len(entryPath)*numIntermPoints)

	for pi := 0; pi+1 < len(entryPath); pi++ {
		source := entryPath[pi]
		target := entryPath[pi+1]

		succs, costs, prims := p.env.GetSuccs(source)
		bestCost := InfiniteCost
		var bestPrim *Primitive
		for si, succ := range succs {
			if succ.same(target) && costs[si] <= bestCost {
				bestCost = costs[si]
				bestPrim = prims[si]
			}
		}
		if bestPrim == nil {
			// a halo goal entry joins the true goal without a primitive
			if p.broaderStartAndGoal && target.same(p.goalEntry) {
				for _, halo := range p.goalEntryList {
					if source.same(halo) {
						return points, nil
					}
				}
			}
			return nil, errors.Errorf("successor not found for transition (%d,%d,%d)->(%d,%d,%d)",
				source.X, source.Y, source.Theta, target.X, target.Y, target.Theta)
		}

		srcX := p.env.ContinuousCoord(source.X)
		srcY := p.env.ContinuousCoord(source.Y)
		for i := 0; i < len(bestPrim.Interm)-1; i++ {
			ip := bestPrim.Interm[i]
			pt := navpath.PathPoint{
				Pose: navpath.Pose{
					X:     srcX + ip.X + p.windowOriginX,
					Y:     srcY + ip.Y + p.windowOriginY,
					Theta: navpath.NormalizeAngle(ip.Theta),
				},
				Radius: bestPrim.Radius,
			}
			if bestPrim.TurnInPlace {
				pt.Corner = navpath.CornerStruct{
					CornerPoint:     true,
					ThetaOut:        navpath.NormalizeAngle(p.env.ContinuousTheta(bestPrim.EndTheta)),
					RotateDirection: bestPrim.RotateDirection,
				}
			}
			points = append(points, pt)
		}
	}

	markCornerRuns(points)
	return points, nil
}

// markCornerRuns keeps only turn-in-place runs long enough to be real
// corners, anchoring them on the run's outgoing heading.
func markCornerRuns(points []navpath.PathPoint) {
	for i := 0; i < len(points); i++ {
		if !points[i].Corner.CornerPoint {
			continue
		}
		end := i
		for end+1 < len(points) && points[end+1].Corner.CornerPoint {
			end++
		}
		runLen := end - i + 1
		if runLen >= cornerRunLength {
			thetaOut := points[end].Corner.ThetaOut
			dir := points[end].Corner.RotateDirection
			for j := i; j <= end; j++ {
				points[j].Corner.Anchor = true
				points[j].Corner.ThetaOut = thetaOut
				points[j].Corner.RotateDirection = dir
			}
		} else {
			for j := i; j <= end; j++ {
				points[j].Corner = navpath.CornerStruct{}
			}
		}
		i = end
	}
}

// isGoalSeed reports whether the entry's zero rhs seeds the search and must
// not be recomputed during repair.
func (p *Planner) isGoalSeed(e *Entry) bool {
	if e == p.goalEntry {
		return true
	}
	for _, g := range p.goalEntryList {
		if g == e {
			return true
		}
	}
	return false
}

// CostsChanged repairs the search after costmap cell changes. Oversized
// change sets force a from-scratch reinitialization on the next search.
func (p *Planner) CostsChanged(changedCells []Cell2D) {
	if p.needReinitialize || p.iteration == 0 {
		p.needReinitialize = true
		return
	}

	affected := make([]*Entry, 0, len(changedCells)*4)
	seen := make(map[int]struct{})
	offsets := p.env.GetAffectedPredCells()
	for _, cell := range changedCells {
		for _, off := range offsets {
			x := cell.X + off.X
			y := cell.Y + off.Y
			entry := p.env.GetEnvEntry(x, y, off.Theta)
			if entry == nil {
				continue
			}
			idx := p.env.entryIndex(x, y, entry.Theta)
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			affected = append(affected, entry)
		}
	}
	if len(affected) == 0 {
		return
	}

	total := p.env.SizeX() * p.env.SizeY() * p.env.NumAngles()
	if len(affected) > total/10 || len(affected) > p.forceScratchLimit {
		p.needReinitialize = true
	}

	for _, entry := range affected {
		if entry.VisitedIteration != p.environmentIteration || p.isGoalSeed(entry) {
			continue
		}
		p.recomputeRHS(entry)
		p.updateSetMembership(entry)
	}

	// a repaired search must widen again before tightening
	p.eps = p.initialEpsilon
	p.epsilonSatisfied = math.Inf(1)
}

// MakePlan windows the costmap around the start pose, diffs it into the
// environment, runs the anytime search and installs the result into path.
// With extendPath set the result is appended to the existing path instead of
// replacing it.
func (p *Planner) MakePlan(grid *costmap.Costmap, start, goal navpath.Pose, path *navpath.Path, broader, extendPath bool) error {
	p.broaderStartAndGoal = broader

	cellX, cellY, ok := grid.WorldToMap(start.X, start.Y)
	if !ok {
		return ErrOutsideMap
	}

	// window the costmap around the robot
	startCellX, startCellY := 0, 0
	if cellX > p.mapSize/2 && cellX <= grid.SizeX()-p.mapSize/2 {
		startCellX = cellX - p.mapSize/2
	} else if cellX > grid.SizeX()-p.mapSize/2 {
		startCellX = grid.SizeX() - p.mapSize
	}
	if cellY > p.mapSize/2 && cellY <= grid.SizeY()-p.mapSize/2 {
		startCellY = cellY - p.mapSize/2
	} else if cellY > grid.SizeY()-p.mapSize/2 {
		startCellY = grid.SizeY() - p.mapSize
	}
	if startCellX < 0 {
		startCellX = 0
	}
	if startCellY < 0 {
		startCellY = 0
	}
	p.windowOriginX = grid.OriginX() + float64(startCellX)*grid.Resolution()
	p.windowOriginY = grid.OriginY() + float64(startCellY)*grid.Resolution()

	// goal first: its entry seeds the open list; the start then anchors the
	// heuristic
	lastGoal := p.goalEntry
	lastStart := p.startEntry
	p.goalEntry = p.env.SetGoal(goal.X-p.windowOriginX, goal.Y-p.windowOriginY, goal.Theta)
	p.startEntry = p.env.SetStart(start.X-p.windowOriginX, start.Y-p.windowOriginY, start.Theta)
	if p.startEntry == nil || p.goalEntry == nil {
		return ErrOutsideMap
	}
	if lastStart != p.startEntry {
		p.eps = p.initialEpsilon
		p.epsilonSatisfied = math.Inf(1)
	}
	if lastGoal != p.goalEntry {
		p.needReinitialize = true
	}

	// diff the window into the environment
	var changed []Cell2D
	for ix := 0; ix < p.mapSize; ix++ {
		for iy := 0; iy < p.mapSize; iy++ {
			oldCost := p.env.GetCost(ix, iy)
			newCost := p.TransformCostmapCost(grid.Cost(ix+startCellX, iy+startCellY))
			if oldCost == newCost {
				continue
			}
			p.env.UpdateCost(ix, iy, newCost)
			changed = append(changed, Cell2D{X: ix, Y: iy})
		}
	}
	if len(changed) > 0 {
		p.CostsChanged(changed)
	}

	points, err := p.search()
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return ErrNoSolution
	}

	// terminate on the exact requested goal
	goalPoint := navpath.PoseToPathPoint(goal)
	goalPoint.Radius = 0.5
	points = append(points, goalPoint)

	if extendPath {
		path.ExtendPath(points)
	} else {
		path.SetSBPLPath(start, points, false)
	}
	return nil
}
