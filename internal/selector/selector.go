// Package selector orders candidate tasks for execution: it builds the
// dependency graph, detects and deterministically breaks cycles, computes
// dependency impact, and produces a topological plan with blocked tasks
// classified separately.
package selector

import (
	"fmt"
	"sort"

	v "github.com/cohesivestack/valgo"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/store"
)

// Filter selects candidate tasks.
type Filter struct {
	ProjectKey          string
	EpicKey             string
	StoryKey            string
	TaskKeys            []string
	Statuses            []store.TaskStatus
	Limit               int
	Parallel            int
	OrderByDependencies bool
	StageOrder          []string
}

// Impact counts dependents of a task: direct edges in, and the full
// transitive closure.
type Impact struct {
	Direct int `json:"direct"`
	Total  int `json:"total"`
}

// BlockedTask is a candidate excluded from the plan because a
// prerequisite is incomplete.
type BlockedTask struct {
	Task    *store.Task `json:"task"`
	Reasons []string    `json:"reasons"` // incomplete prerequisite keys
}

// Plan is the selection result: the ordering is the plan of record even
// when callers process tasks concurrently.
type Plan struct {
	Ordered  []*store.Task     `json:"ordered"`
	Blocked  []BlockedTask     `json:"blocked"`
	Warnings []string          `json:"warnings"`
	Impact   map[string]Impact `json:"impact"`
}

// TaskStore is the slice of the workspace store the selector needs.
type TaskStore interface {
	ListTasks(f store.TaskFilter) ([]*store.Task, error)
	ListDependencies(keys []string) ([]store.Dependency, error)
}

// Selector plans task execution order.
type Selector struct {
	tasks TaskStore
}

// New creates a selector over the given store.
func New(tasks TaskStore) *Selector {
	return &Selector{tasks: tasks}
}

func validateFilter(f Filter) error {
	val := v.Is(
		v.Number(f.Limit, "limit").GreaterOrEqualTo(0),
		v.Number(f.Parallel, "parallel").GreaterOrEqualTo(0),
	)
	if !val.Valid() {
		return errs.Wrap(errs.ClassValidation, val.Error(), "invalid task filter")
	}
	return nil
}

// Select builds the execution plan for the filter.
func (s *Selector) Select(f Filter) (*Plan, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = store.DefaultSelectableStatuses
	}

	candidates, err := s.tasks.ListTasks(store.TaskFilter{
		ProjectKey: f.ProjectKey,
		EpicKey:    f.EpicKey,
		StoryKey:   f.StoryKey,
		Keys:       f.TaskKeys,
		Statuses:   statuses,
	})
	if err != nil {
		return nil, err
	}

	// Candidates never include terminal tasks even when a status filter
	// names one.
	live := candidates[:0]
	for _, t := range candidates {
		if !t.Status.IsTerminal() {
			live = append(live, t)
		}
	}
	candidates = live

	plan := &Plan{Impact: make(map[string]Impact)}
	if len(candidates) == 0 {
		return plan, nil
	}

	byKey := make(map[string]*store.Task, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, t := range candidates {
		byKey[t.Key] = t
		keys = append(keys, t.Key)
	}

	deps, err := s.tasks.ListDependencies(keys)
	if err != nil {
		return nil, err
	}

	// Restrict the graph to candidate tasks; prerequisites outside the
	// candidate set only matter for blocked classification below.
	adj := make(map[string][]string)    // task -> prerequisites
	revAdj := make(map[string][]string) // prerequisite -> dependents
	var externalPrereqs []store.Dependency
	for _, d := range deps {
		if _, ok := byKey[d.FromKey]; !ok {
			continue
		}
		if _, ok := byKey[d.ToKey]; !ok {
			externalPrereqs = append(externalPrereqs, d)
			continue
		}
		adj[d.FromKey] = append(adj[d.FromKey], d.ToKey)
		revAdj[d.ToKey] = append(revAdj[d.ToKey], d.FromKey)
	}

	if f.OrderByDependencies {
		breakCycles(keys, adj, revAdj, plan)
	}

	for _, k := range keys {
		plan.Impact[k] = computeImpact(k, revAdj)
	}

	stageRank := stageRanks(f.StageOrder)

	var ordered []*store.Task
	if f.OrderByDependencies {
		orderedKeys := kahnOrder(keys, adj, revAdj, byKey, plan.Impact, stageRank)
		for _, k := range orderedKeys {
			ordered = append(ordered, byKey[k])
		}
	} else {
		ordered = append(ordered, candidates...)
		sortByPriority(ordered, plan.Impact)
	}

	// Blocked classification: any prerequisite (inside or outside the
	// candidate set) not completed blocks the task, unless the task was
	// explicitly requested.
	explicit := make(map[string]bool, len(f.TaskKeys))
	for _, k := range f.TaskKeys {
		explicit[k] = true
	}
	prereqStatus, err := s.prereqStatuses(deps)
	if err != nil {
		return nil, err
	}

	var runnable []*store.Task
	for _, t := range ordered {
		reasons := incompletePrereqs(t.Key, adj, externalPrereqs, byKey, prereqStatus)
		if len(reasons) > 0 && !explicit[t.Key] {
			plan.Blocked = append(plan.Blocked, BlockedTask{Task: t, Reasons: reasons})
			continue
		}
		runnable = append(runnable, t)
	}
	plan.Ordered = runnable

	if f.Limit > 0 && len(plan.Ordered) > f.Limit {
		plan.Ordered = plan.Ordered[:f.Limit]
	}
	return plan, nil
}

// prereqStatuses loads the status of every prerequisite referenced by the
// dependency set, including ones outside the candidate list.
func (s *Selector) prereqStatuses(deps []store.Dependency) (map[string]store.TaskStatus, error) {
	want := make(map[string]bool)
	for _, d := range deps {
		want[d.ToKey] = true
	}
	if len(want) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	tasks, err := s.tasks.ListTasks(store.TaskFilter{Keys: keys})
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.TaskStatus, len(tasks))
	for _, t := range tasks {
		out[t.Key] = t.Status
	}
	return out, nil
}

func incompletePrereqs(key string, adj map[string][]string, external []store.Dependency, byKey map[string]*store.Task, statuses map[string]store.TaskStatus) []string {
	var reasons []string
	for _, p := range adj[key] {
		if byKey[p].Status != store.TaskCompleted {
			reasons = append(reasons, p)
		}
	}
	for _, d := range external {
		if d.FromKey != key {
			continue
		}
		if statuses[d.ToKey] != store.TaskCompleted {
			reasons = append(reasons, d.ToKey)
		}
	}
	sort.Strings(reasons)
	return reasons
}

// breakCycles runs Tarjan SCC over the candidate graph. For each SCC of
// size >1 it emits a warning naming the members and removes the edge
// whose target is lexicographically greatest, restoring a DAG.
func breakCycles(keys []string, adj, revAdj map[string][]string, plan *Plan) {
	for {
		sccs := tarjanSCC(keys, adj)
		broke := false
		for _, scc := range sccs {
			if len(scc) < 2 {
				continue
			}
			sort.Strings(scc)
			// Pick the edge within the SCC with the greatest target.
			inSCC := make(map[string]bool, len(scc))
			for _, k := range scc {
				inSCC[k] = true
			}
			var dropFrom, dropTo string
			for _, from := range scc {
				for _, to := range adj[from] {
					if !inSCC[to] {
						continue
					}
					if dropTo == "" || to > dropTo || (to == dropTo && from > dropFrom) {
						dropFrom, dropTo = from, to
					}
				}
			}
			if dropTo == "" {
				continue
			}
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"dependency cycle detected among tasks %v; dropping edge %s -> %s", scc, dropFrom, dropTo))
			removeEdge(adj, dropFrom, dropTo)
			removeEdge(revAdj, dropTo, dropFrom)
			broke = true
		}
		if !broke {
			return
		}
	}
}

func removeEdge(m map[string][]string, from, to string) {
	list := m[from]
	for i, v := range list {
		if v == to {
			m[from] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// tarjanSCC computes strongly connected components of the graph.
func tarjanSCC(keys []string, adj map[string][]string) [][]string {
	index := make(map[string]int, len(keys))
	lowlink := make(map[string]int, len(keys))
	onStack := make(map[string]bool, len(keys))
	var stack []string
	var sccs [][]string
	counter := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if _, seen := index[k]; !seen {
			strongconnect(k)
		}
	}
	return sccs
}

// computeImpact counts dependents via reverse BFS.
func computeImpact(key string, revAdj map[string][]string) Impact {
	imp := Impact{Direct: len(revAdj[key])}
	seen := map[string]bool{key: true}
	queue := append([]string(nil), revAdj[key]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		imp.Total++
		queue = append(queue, revAdj[cur]...)
	}
	return imp
}

// kahnOrder produces a topological order where prerequisites come before
// dependents. Ties break by higher priority, larger total impact, smaller
// story points, then lexicographic key.
func kahnOrder(keys []string, adj, revAdj map[string][]string, byKey map[string]*store.Task, impact map[string]Impact, stageRank map[string]int) []string {
	indegree := make(map[string]int, len(keys))
	for _, k := range keys {
		indegree[k] = len(adj[k])
	}

	var ready []string
	for _, k := range keys {
		if indegree[k] == 0 {
			ready = append(ready, k)
		}
	}

	less := func(a, b string) bool {
		ta, tb := byKey[a], byKey[b]
		if stageRank != nil {
			ra, rb := rankOf(stageRank, ta.Stage), rankOf(stageRank, tb.Stage)
			if ra != rb {
				return ra < rb
			}
		}
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		if impact[a].Total != impact[b].Total {
			return impact[a].Total > impact[b].Total
		}
		if ta.StoryPoints != tb.StoryPoints {
			return ta.StoryPoints < tb.StoryPoints
		}
		return a < b
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range revAdj[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

func sortByPriority(tasks []*store.Task, impact map[string]Impact) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if impact[a.Key].Total != impact[b.Key].Total {
			return impact[a.Key].Total > impact[b.Key].Total
		}
		if a.StoryPoints != b.StoryPoints {
			return a.StoryPoints < b.StoryPoints
		}
		return a.Key < b.Key
	})
}

// stageRanks maps stage names to their position in the requested stage
// order; nil when no order was requested.
func stageRanks(order []string) map[string]int {
	if len(order) == 0 {
		return nil
	}
	ranks := make(map[string]int, len(order))
	for i, s := range order {
		ranks[s] = i
	}
	return ranks
}

func rankOf(ranks map[string]int, stage string) int {
	if r, ok := ranks[stage]; ok {
		return r
	}
	return len(ranks)
}
