// Package depgraph builds a directed dependency graph from task declarations
// and produces a topological leveling: an ordered list of levels where every
// task's dependencies live in a strictly earlier level, so each level is
// independently parallelizable.
package depgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/taskgridgo/internal/task"
)

var (
	// ErrEmptyTaskID means a task was declared without an ID.
	ErrEmptyTaskID = errors.New("empty task id")
	// ErrDuplicateTask means two tasks in one run share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownDependency means a task references a dependency ID that does
	// not resolve to any task in the same run.
	ErrUnknownDependency = errors.New("unknown dependency id")
	// ErrCycle means the declared dependencies form a cycle.
	ErrCycle = errors.New("cyclic dependency")
)

// node is a single vertex. It is un-exported to enforce interaction with the
// graph via the public API (using task IDs), not direct struct manipulation.
type node struct {
	id         string
	deps       []string
	dependents []string
}

// Graph is the validated dependency graph for one run.
type Graph struct {
	nodes map[string]*node
	// order preserves caller input order for deterministic leveling.
	order []string
}

// Result is the outcome of Build. When HasCycle is set, CyclePath holds one
// concrete cycle, with consecutive elements connected by a real dependency
// edge and the first element repeated at the end.
type Result struct {
	Graph     *Graph
	Levels    [][]string
	HasCycle  bool
	CyclePath []string
}

// Dependencies returns the declared dependency IDs of the given task.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.deps...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.dependents...)
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Build validates the task set and computes its topological leveling.
//
// Malformed input (duplicate IDs, unresolvable dependency references) is
// rejected with an error before any leveling is attempted; a cycle is
// reported through the Result so callers can surface the concrete path.
func Build(tasks []*task.Task) (*Result, error) {
	g := &Graph{nodes: make(map[string]*node, len(tasks))}

	// First pass: create all nodes.
	for _, t := range tasks {
		if t.ID == "" {
			return nil, ErrEmptyTaskID
		}
		if _, exists := g.nodes[t.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		g.nodes[t.ID] = &node{id: t.ID}
		g.order = append(g.order, t.ID)
	}

	// Second pass: link dependency edges.
	for _, t := range tasks {
		n := g.nodes[t.ID]
		for _, dep := range t.DependsOn {
			target, ok := g.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, t.ID, dep)
			}
			if dep == t.ID {
				return &Result{Graph: g, HasCycle: true, CyclePath: []string{t.ID, t.ID}},
					fmt.Errorf("%w: %s -> %s", ErrCycle, t.ID, t.ID)
			}
			n.deps = append(n.deps, dep)
			target.dependents = append(target.dependents, t.ID)
		}
	}

	levels, leveled := g.level()
	if !leveled {
		path := g.findCyclePath()
		return &Result{Graph: g, HasCycle: true, CyclePath: path},
			fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
	}

	return &Result{Graph: g, Levels: levels}, nil
}

// level runs Kahn's algorithm, repeatedly peeling the zero-in-degree frontier.
// Within a level, tasks keep stable input order; priority is applied later by
// the scheduler, not here. The second return value is false when unvisited
// nodes remain, which means a cycle exists.
func (g *Graph) level() ([][]string, bool) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.deps)
	}

	var levels [][]string
	visited := 0
	frontier := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		visited += len(frontier)

		released := make(map[string]bool)
		for _, id := range frontier {
			for _, dep := range g.nodes[id].dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					released[dep] = true
				}
			}
		}

		next := make([]string, 0, len(released))
		for _, id := range g.order {
			if released[id] {
				next = append(next, id)
			}
		}
		frontier = next
	}

	return levels, visited == len(g.nodes)
}

// findCyclePath walks depth-first from a node left unvisited by Kahn's
// algorithm and reconstructs one concrete cycle for diagnostics.
func (g *Graph) findCyclePath() []string {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visiting[id] = true
		stack = append(stack, id)

		for _, dep := range g.nodes[id].deps {
			if visiting[dep] {
				// Found the cycle entry point; slice the stack from there.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		delete(visiting, id)
		visited[id] = true
		return false
	}

	for _, id := range g.order {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}
