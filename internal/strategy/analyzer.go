// Package strategy classifies a set of subtasks as PARALLEL, SEQUENTIAL or
// HYBRID and lays them out on worker lanes.
//
// Two subtasks conflict when their resource sets overlap or one depends on
// the other. A subtask with no conflict at all is independent; k is the
// number of independent subtasks. The rules, first match wins:
//
//	k >= 3                      PARALLEL, min(k, maxConcurrency) workers
//	k >= 2 and conflicts exist  HYBRID, dependent chain first, then k in parallel
//	otherwise                   SEQUENTIAL, one worker, dependency order
package strategy

import (
	"fmt"
	"path"
	"slices"
	"time"
)

type graph struct {
	subtasks []Subtask
	index    map[string]int
	adj      [][]bool
	degree   []int
}

// Analyze returns the decision for subtasks. Input order is significant: it
// breaks ties in the topological order and in lane placement, so the same
// input always yields the same decision.
func Analyze(subtasks []Subtask, maxConcurrency int) (*Decision, error) {
	if maxConcurrency < 1 {
		return nil, invalid(fmt.Sprintf("max concurrency must be at least 1, got %d", maxConcurrency))
	}
	g, err := buildGraph(subtasks)
	if err != nil {
		return nil, err
	}
	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}

	var independent, dependent []int
	for _, i := range order {
		if g.degree[i] == 0 {
			independent = append(independent, i)
		} else {
			dependent = append(dependent, i)
		}
	}
	slices.Sort(independent)
	k := len(independent)

	d := &Decision{
		Assignments:      make(map[string]int, len(subtasks)),
		IndependentCount: k,
		MaxConcurrency:   maxConcurrency,
		DecidedAt:        time.Now(),
	}
	for _, i := range independent {
		d.Independent = append(d.Independent, subtasks[i].ID)
	}

	switch {
	case k >= 3:
		workers := min(k, maxConcurrency)
		lanes := newLanes(workers)
		for _, i := range independent {
			lanes.place([]int{i})
		}
		for _, comp := range g.components(dependent) {
			lanes.place(comp)
		}
		d.Strategy = Parallel
		d.WorkerCount = workers
		d.Rationale = fmt.Sprintf("parallel: %d independent subtasks, cap %d", k, maxConcurrency)
		g.fill(d, lanes)
	case k >= 2 && len(dependent) > 0:
		workers := min(k, maxConcurrency)
		lanes := newLanes(workers)
		for _, i := range independent {
			lanes.place([]int{i})
		}
		d.Strategy = Hybrid
		d.WorkerCount = workers
		d.Rationale = fmt.Sprintf("hybrid: dependent chain of %d runs first, then %d independent subtasks, cap %d",
			len(dependent), k, maxConcurrency)
		for _, i := range dependent {
			d.Chain = append(d.Chain, subtasks[i].ID)
			d.Assignments[subtasks[i].ID] = 0
		}
		g.fill(d, lanes)
	default:
		lanes := newLanes(1)
		lanes.place(order)
		d.Strategy = Sequential
		d.WorkerCount = 1
		if len(dependent) > 0 {
			d.Rationale = fmt.Sprintf("sequential: %d independent subtasks, %d in dependency order", k, len(dependent))
		} else {
			d.Rationale = fmt.Sprintf("sequential: %d independent subtasks, below the parallel threshold", k)
		}
		g.fill(d, lanes)
	}
	return d, nil
}

func buildGraph(subtasks []Subtask) (*graph, error) {
	if len(subtasks) == 0 {
		return nil, invalid("no subtasks to analyze")
	}
	g := &graph{
		subtasks: subtasks,
		index:    make(map[string]int, len(subtasks)),
		adj:      make([][]bool, len(subtasks)),
		degree:   make([]int, len(subtasks)),
	}
	for i, s := range subtasks {
		if s.ID == "" {
			return nil, invalid(fmt.Sprintf("subtask %d has no id", i))
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, invalid(fmt.Sprintf("duplicate subtask id %s", s.ID))
		}
		g.index[s.ID] = i
		g.adj[i] = make([]bool, len(subtasks))
	}

	owners := make(map[string][]int)
	for i, s := range subtasks {
		seen := make(map[string]bool, len(s.Resources))
		for _, r := range s.Resources {
			r = path.Clean(r)
			if seen[r] {
				continue
			}
			seen[r] = true
			owners[r] = append(owners[r], i)
		}
		for _, dep := range s.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, invalid(fmt.Sprintf("subtask %s depends on unknown subtask %s", s.ID, dep))
			}
			if j == i {
				return nil, invalid(fmt.Sprintf("subtask %s depends on itself", s.ID))
			}
			g.connect(i, j)
		}
	}
	for _, ids := range owners {
		for a := 0; a < len(ids); a++ {
			for b := a + 1; b < len(ids); b++ {
				g.connect(ids[a], ids[b])
			}
		}
	}
	return g, nil
}

func (g *graph) connect(i, j int) {
	if g.adj[i][j] {
		return
	}
	g.adj[i][j] = true
	g.adj[j][i] = true
	g.degree[i]++
	g.degree[j]++
}

// topoOrder orders subtasks so that every dependency comes first, choosing
// the lowest input index among ready subtasks at each step.
func (g *graph) topoOrder() ([]int, error) {
	n := len(g.subtasks)
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range g.subtasks {
		for _, dep := range s.DependsOn {
			j := g.index[dep]
			if slices.Contains(dependents[j], i) {
				continue
			}
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}
	done := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i := 0; i < n; i++ {
				if !done[i] {
					stuck = append(stuck, g.subtasks[i].ID)
				}
			}
			return nil, invalid(fmt.Sprintf("dependency cycle among %v", stuck))
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indeg[d]--
		}
	}
	return order, nil
}

// components splits members (already in topological order) into connected
// components, each kept in topological order. Components are ordered by
// their first member.
func (g *graph) components(members []int) [][]int {
	comp := make(map[int]int, len(members))
	var out [][]int
	for _, start := range members {
		if _, ok := comp[start]; ok {
			continue
		}
		id := len(out)
		stack := []int{start}
		comp[start] = id
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for next, edge := range g.adj[cur] {
				if !edge {
					continue
				}
				if _, ok := comp[next]; !ok {
					comp[next] = id
					stack = append(stack, next)
				}
			}
		}
		out = append(out, nil)
	}
	for _, i := range members {
		out[comp[i]] = append(out[comp[i]], i)
	}
	return out
}

func (g *graph) fill(d *Decision, l *lanes) {
	for li, lane := range l.items {
		ids := make([]string, 0, len(lane))
		for _, i := range lane {
			ids = append(ids, g.subtasks[i].ID)
			d.Assignments[g.subtasks[i].ID] = li
		}
		d.Lanes = append(d.Lanes, ids)
	}
}

type lanes struct {
	items [][]int
}

func newLanes(n int) *lanes {
	return &lanes{items: make([][]int, n)}
}

// place appends a whole group to the lane with the fewest subtasks, lowest
// index first on ties.
func (l *lanes) place(group []int) {
	best := 0
	for i := range l.items {
		if len(l.items[i]) < len(l.items[best]) {
			best = i
		}
	}
	l.items[best] = append(l.items[best], group...)
}
