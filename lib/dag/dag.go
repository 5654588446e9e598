// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dag plans execution of a dependency graph given as nodes
// with prerequisite lists. It is used for task groups within a job
// (preTaskGroups) and for definition-time checks on the stage graph
// (stageTrigger).
//
// Planning is in-degree based. A node whose prerequisites name an id
// outside the graph can never run; neither can anything downstream of
// it, nor anything on a cycle. NewPlan computes that impossible set
// up front so callers can report it once instead of discovering it by
// elimination. The remaining nodes are released in waves by a
// Tracker: each Complete call returns exactly the nodes whose last
// outstanding prerequisite just finished.
package dag

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Node is one vertex of the graph.
type Node struct {
	ID            string
	Prerequisites []string
}

// Reason explains why a node is impossible.
type Reason int

const (
	// MissingPrerequisite: the node names a prerequisite id that is
	// not in the graph.
	MissingPrerequisite Reason = iota + 1

	// BlockedPrerequisite: the node depends, directly or
	// transitively, on a node with a missing prerequisite.
	BlockedPrerequisite

	// Cycle: the node is on, or downstream of, a dependency cycle.
	Cycle
)

func (r Reason) String() string {
	switch r {
	case MissingPrerequisite:
		return "missing prerequisite"
	case BlockedPrerequisite:
		return "blocked by impossible prerequisite"
	case Cycle:
		return "dependency cycle"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Impossible describes a node that will never become ready.
type Impossible struct {
	ID     string
	Reason Reason

	// Missing lists the unknown prerequisite ids for
	// MissingPrerequisite nodes.
	Missing []string
}

// Plan is the analysed graph. It is immutable and safe to share.
type Plan struct {
	order         []string
	prerequisites map[string][]string
	dependents    map[string][]string
	roots         []string
	impossible    map[string]Impossible
}

// NewPlan analyses nodes. Node ids must be non-empty and unique.
// Duplicate prerequisite entries on one node count once.
func NewPlan(nodes []Node) (*Plan, error) {
	plan := &Plan{
		prerequisites: make(map[string][]string, len(nodes)),
		dependents:    make(map[string][]string, len(nodes)),
		impossible:    make(map[string]Impossible),
	}

	for index, node := range nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("dag: node %d has an empty id", index)
		}
		if _, exists := plan.prerequisites[node.ID]; exists {
			return nil, fmt.Errorf("dag: duplicate node id %q", node.ID)
		}
		var prerequisites []string
		for _, prerequisite := range node.Prerequisites {
			if !slices.Contains(prerequisites, prerequisite) {
				prerequisites = append(prerequisites, prerequisite)
			}
		}
		plan.prerequisites[node.ID] = prerequisites
		plan.order = append(plan.order, node.ID)
	}

	inDegree := make(map[string]int, len(nodes))
	var seeds []string
	for _, id := range plan.order {
		var missing []string
		for _, prerequisite := range plan.prerequisites[id] {
			if _, known := plan.prerequisites[prerequisite]; !known {
				missing = append(missing, prerequisite)
				continue
			}
			plan.dependents[prerequisite] = append(plan.dependents[prerequisite], id)
			inDegree[id]++
		}
		if len(missing) > 0 {
			plan.impossible[id] = Impossible{ID: id, Reason: MissingPrerequisite, Missing: missing}
			seeds = append(seeds, id)
		}
	}

	// Everything downstream of a missing prerequisite is blocked.
	for len(seeds) > 0 {
		id := seeds[0]
		seeds = seeds[1:]
		for _, dependent := range plan.dependents[id] {
			if _, marked := plan.impossible[dependent]; marked {
				continue
			}
			plan.impossible[dependent] = Impossible{ID: dependent, Reason: BlockedPrerequisite}
			seeds = append(seeds, dependent)
		}
	}

	// Kahn over the remaining nodes. Whatever never reaches zero
	// in-degree is on or behind a cycle.
	var queue []string
	for _, id := range plan.order {
		if _, marked := plan.impossible[id]; marked {
			continue
		}
		if inDegree[id] == 0 {
			queue = append(queue, id)
			plan.roots = append(plan.roots, id)
		}
	}
	reached := make(map[string]bool, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		reached[id] = true
		for _, dependent := range plan.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	for _, id := range plan.order {
		if _, marked := plan.impossible[id]; marked || reached[id] {
			continue
		}
		plan.impossible[id] = Impossible{ID: id, Reason: Cycle}
	}

	return plan, nil
}

// Roots returns the nodes with no prerequisites, in input order.
func (p *Plan) Roots() []string { return slices.Clone(p.roots) }

// Impossible returns every node that can never become ready, in input
// order.
func (p *Plan) Impossible() []Impossible {
	result := make([]Impossible, 0, len(p.impossible))
	for _, id := range p.order {
		if entry, ok := p.impossible[id]; ok {
			result = append(result, entry)
		}
	}
	return result
}

// IsPossible reports whether a node will eventually become ready once
// all of its ancestors complete.
func (p *Plan) IsPossible(id string) bool {
	if _, known := p.prerequisites[id]; !known {
		return false
	}
	_, impossible := p.impossible[id]
	return !impossible
}

// Reachable returns the number of possible nodes.
func (p *Plan) Reachable() int { return len(p.order) - len(p.impossible) }

// TopologicalOrder returns the possible nodes in a dependency-respecting
// order. Ties are broken by input order.
func (p *Plan) TopologicalOrder() []string {
	position := make(map[string]int, len(p.order))
	for index, id := range p.order {
		position[id] = index
	}
	remaining := make(map[string]int)
	for _, id := range p.order {
		if p.IsPossible(id) {
			remaining[id] = len(p.prerequisites[id])
		}
	}
	ready := p.Roots()
	var result []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)
		for _, dependent := range p.dependents[id] {
			if _, ok := remaining[dependent]; !ok {
				continue
			}
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return result
}

// Tracker releases nodes wave by wave as their prerequisites
// complete. It is safe for concurrent use.
type Tracker struct {
	plan *Plan

	mu        sync.Mutex
	remaining map[string]int
	completed map[string]bool
}

// NewTracker starts a fresh execution over the plan.
func (p *Plan) NewTracker() *Tracker {
	tracker := &Tracker{
		plan:      p,
		remaining: make(map[string]int, len(p.order)),
		completed: make(map[string]bool, len(p.order)),
	}
	for _, id := range p.order {
		if p.IsPossible(id) {
			tracker.remaining[id] = len(p.prerequisites[id])
		}
	}
	return tracker
}

// Complete marks id done and returns the nodes that became ready as a
// result, in input order. Completing an id twice, or an impossible or
// unknown id, returns nil.
func (t *Tracker) Complete(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, tracked := t.remaining[id]; !tracked || t.completed[id] {
		return nil
	}
	t.completed[id] = true

	var ready []string
	for _, dependent := range t.plan.dependents[id] {
		if _, tracked := t.remaining[dependent]; !tracked {
			continue
		}
		t.remaining[dependent]--
		if t.remaining[dependent] == 0 {
			ready = append(ready, dependent)
		}
	}
	return ready
}

// Done reports whether every possible node has completed.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed) == len(t.remaining)
}
