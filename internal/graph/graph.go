// Package graph provides the dependency graph backing task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drover-dev/drover/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which tasks have finished successfully.
	completed map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Task),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Add registers a batch of tasks as nodes and builds their dependency edges.
// Dependencies may reference tasks in the same batch or tasks already in the
// graph. Returns an error if a dependency is unknown or a cycle would form;
// on error the graph is left unchanged.
func (g *DependencyGraph) Add(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return fmt.Errorf("task %s already in graph", task.ID)
		}
	}

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	var err error
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				err = fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
				break
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
		if err != nil {
			break
		}
	}

	if err == nil && g.hasCycleLocked() {
		err = ErrCycleDetected
	}

	if err != nil {
		for _, task := range tasks {
			delete(g.nodes, task.ID)
			delete(g.edges, task.ID)
		}
		return err
	}
	return nil
}

// hasCycleLocked detects cycles via depth-first search with coloring.
// Caller must hold g.mu.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge - cycle.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Ready returns IDs of pending tasks whose dependencies have all completed.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, task := range g.nodes {
		if task.Status != models.TaskStatusPending {
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete records a successful task, unblocking its dependents in
// subsequent Ready calls.
func (g *DependencyGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[taskID] = true
}

// Task returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Task(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Remove deletes a task and its edges from the graph. Used by retention
// cleanup once a terminal task ages out.
func (g *DependencyGraph) Remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, taskID)
	delete(g.edges, taskID)
	delete(g.completed, taskID)
}
