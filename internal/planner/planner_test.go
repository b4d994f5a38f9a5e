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

package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLevelsIndependentFeatures(t *testing.T) {
	nodes := []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	plan, err := Build(nodes, nil)
	require.NoError(t, err)
	require.Len(t, plan.Levels, 1)
	require.ElementsMatch(t, []string{"a", "b", "c"}, plan.Levels[0])
	require.Equal(t, []string{"a", "b", "c"}, plan.Order)
}

func TestBuildRespectsDependsOn(t *testing.T) {
	nodes := []Node{
		{ID: "base"},
		{ID: "mid", DependsOn: []string{"base"}},
		{ID: "top", DependsOn: []string{"mid"}},
	}
	plan, err := Build(nodes, nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"base"}, {"mid"}, {"top"}}, plan.Levels)
	require.Equal(t, []string{"base", "mid", "top"}, plan.Order)
}

func TestBuildDiamondLevels(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", InstallsAfter: []string{"a"}},
		{ID: "c", InstallsAfter: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	plan, err := Build(nodes, nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, plan.Levels)
	require.Equal(t, []string{"a", "b", "c", "d"}, plan.Order)
}

func TestBuildDetectsCycle(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := Build(nodes, nil)
	require.Error(t, err)
}

func TestBuildOverrideOrderCollapsesLevels(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", InstallsAfter: []string{"a"}},
		{ID: "c", InstallsAfter: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	plan, err := Build(nodes, []string{"d", "b"})
	require.NoError(t, err)
	// Dependencies still hold: a before b, and the whole order runs
	// as a single sequential level.
	require.Equal(t, []string{"a", "b", "c", "d"}, plan.Order)
	require.Equal(t, [][]string{{"a", "b", "c", "d"}}, plan.Levels)
}

func TestBuildOverrideOrderTiesBreakWithinLevel(t *testing.T) {
	nodes := []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	plan, err := Build(nodes, []string{"c", "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, plan.Order)
}

func TestBuildOverrideOrderValidation(t *testing.T) {
	nodes := []Node{{ID: "a"}}

	_, err := Build(nodes, []string{""})
	require.ErrorContains(t, err, "cannot be empty")

	_, err = Build(nodes, []string{"a", "a"})
	require.ErrorContains(t, err, "duplicated")
}

func TestBuildInstallsAfterIsSoftAndIgnoredWhenAbsent(t *testing.T) {
	nodes := []Node{{ID: "a", InstallsAfter: []string{"missing"}}}
	plan, err := Build(nodes, nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}}, plan.Levels)
}
