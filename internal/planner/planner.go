/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package planner levels a set of features into an installation plan:
// a deterministic topological order plus the parallel level sets that
// order decomposes into.
package planner

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/heimdalr/dag"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// Node is one feature's dependency-planning input: its canonical ID
// (version/tag stripped, as devcontainer.json allows referencing the
// same feature at different tags but the graph keys on the bare
// identity) plus its hard (dependsOn) and soft (installsAfter)
// predecessors.
type Node struct {
	ID            string
	DependsOn     []string
	InstallsAfter []string
}

// Plan is the installation plan: Order is a valid topological
// linearization of the combined dependency graph; Levels[n] is the
// set of features that may install concurrently once every feature in
// Levels[0..n) has finished. When an override order was supplied,
// Levels degenerates to a single level holding the entire Order
// (sequential execution).
type Plan struct {
	Order  []string
	Levels [][]string
}

// Build constructs the dependency DAG for nodes and levels it via
// repeated root extraction (Kahn's algorithm). Within a level,
// features named in overrideOrder sort first, in the order given; the
// remainder sort lexicographically. A cycle anywhere in the
// hard-dependency graph fails the whole plan, since installsAfter
// edges are soft and are dropped rather than followed when they'd
// introduce one.
func Build(nodes []Node, overrideOrder []string) (Plan, error) {
	if err := validateOverrideOrder(overrideOrder); err != nil {
		return Plan{}, err
	}

	d := dag.NewDAG()
	total := 0
	for _, n := range nodes {
		if _, err := d.GetVertex(n.ID); err == nil {
			continue
		}
		if err := d.AddVertexByID(n.ID, n.ID); err != nil {
			return Plan{}, &errtyp.FeatureError{Kind: "PlanInvalid", Message: err.Error(), FeatureID: n.ID}
		}
		total++
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, err := d.GetVertex(dep); err != nil {
				continue
			}
			if err := d.AddEdge(dep, n.ID); err != nil {
				return Plan{}, &errtyp.FeatureError{
					Kind:      "Cycle",
					Message:   err.Error(),
					FeatureID: n.ID,
					Cycle:     []string{dep, n.ID},
				}
			}
		}
	}

	// installsAfter is a soft ordering hint: apply it only when it
	// doesn't introduce a cycle, per
	// https://containers.dev/implementors/features/#installsAfter
	for _, n := range nodes {
		for _, dep := range n.InstallsAfter {
			if _, err := d.GetVertex(dep); err != nil {
				continue
			}
			_ = d.AddEdge(dep, n.ID)
		}
	}

	rank := make(map[string]int, len(overrideOrder))
	for i, id := range overrideOrder {
		rank[id] = i
	}

	var plan Plan
	remaining := d
	for {
		roots := remaining.GetRoots()
		if len(roots) == 0 {
			break
		}
		level := slices.Collect(maps.Keys(roots))
		sortLevel(level, rank)
		plan.Order = append(plan.Order, level...)
		plan.Levels = append(plan.Levels, level)
		for _, id := range level {
			if err := remaining.DeleteVertex(id); err != nil {
				return Plan{}, fmt.Errorf("planner: removing leveled vertex %s: %w", id, err)
			}
		}
	}

	if len(plan.Order) != total {
		return Plan{}, &errtyp.FeatureError{
			Kind:    "Cycle",
			Message: "dependency graph did not fully resolve; a cycle remains",
		}
	}

	// An explicit install order means the user wants deterministic
	// sequential execution: the whole order collapses into one level.
	if len(overrideOrder) > 0 {
		plan.Levels = [][]string{plan.Order}
	}

	return plan, nil
}

// validateOverrideOrder rejects empty and duplicated entries in the
// user-supplied overrideFeatureInstallOrder list.
func validateOverrideOrder(overrideOrder []string) error {
	seen := make(map[string]struct{}, len(overrideOrder))
	for _, id := range overrideOrder {
		if len(strings.TrimSpace(id)) == 0 {
			return &errtyp.FeatureError{Kind: "PlanInvalid", Message: "feature install-order entry cannot be empty"}
		}
		if _, dup := seen[id]; dup {
			return &errtyp.FeatureError{Kind: "PlanInvalid", Message: "feature install-order entry duplicated", FeatureID: id}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// sortLevel orders one level's feature IDs: entries with an explicit
// override rank sort first in rank order, then the rest in their
// lexical (stable, deterministic) order.
func sortLevel(level []string, rank map[string]int) {
	slices.SortStableFunc(level, func(a, b string) int {
		ra, aok := rank[a]
		rb, bok := rank[b]
		switch {
		case aok && bok:
			return ra - rb
		case aok:
			return -1
		case bok:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
}
