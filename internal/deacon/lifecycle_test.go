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

package deacon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/internal/progress"
	"github.com/deacon-dev/deacon/internal/state"
	"github.com/deacon-dev/deacon/writ"
)

func strPtr(s string) *string { return &s }

func TestNormalizeLifecycleCommandString(t *testing.T) {
	lc := &writ.LifecycleCommand{CommandBase: writ.CommandBase{String: strPtr("make build")}}
	normalized := NormalizeLifecycleCommand(lc)

	require.Len(t, normalized, 1)
	assert.True(t, normalized[0].Shell)
	assert.Equal(t, []string{"make build"}, normalized[0].Args)
}

func TestNormalizeLifecycleCommandArray(t *testing.T) {
	lc := &writ.LifecycleCommand{CommandBase: writ.CommandBase{StringArray: []string{"go", "test", "./..."}}}
	normalized := NormalizeLifecycleCommand(lc)

	require.Len(t, normalized, 1)
	assert.False(t, normalized[0].Shell)
	assert.Equal(t, []string{"go", "test", "./..."}, normalized[0].Args)
}

func TestNormalizeLifecycleCommandMapOrdersByLabel(t *testing.T) {
	lc := &writ.LifecycleCommand{ParallelCommands: &map[string]writ.CommandBase{
		"b-second": {String: strPtr("echo second")},
		"a-first":  {StringArray: []string{"echo", "first"}},
	}}
	normalized := NormalizeLifecycleCommand(lc)

	require.Len(t, normalized, 2)
	assert.Equal(t, "a-first", normalized[0].Label)
	assert.False(t, normalized[0].Shell)
	assert.Equal(t, "b-second", normalized[1].Label)
	assert.True(t, normalized[1].Shell)
}

func TestNormalizeLifecycleCommandNil(t *testing.T) {
	assert.Empty(t, NormalizeLifecycleCommand(nil))
	assert.Empty(t, NormalizeLifecycleCommand(&writ.LifecycleCommand{}))
}

// hostRunFixture builds a lifecycleRun wired to a temp workspace and
// a memory progress sink.
func hostRunFixture(t *testing.T, prebuild bool) (*lifecycleRun, *progress.MemorySink, func()) {
	t.Helper()
	cmd := newTestCommand(t)

	sink := &progress.MemorySink{}
	cmd.progress = progress.NewStream(sink)
	cmd.identity.CanonicalRoot = cmd.Options.WorkspaceFolder
	cmd.Options.Prebuild = prebuild

	markers, err := state.OpenMarkers(cmd.identity.CanonicalRoot, prebuild)
	require.NoError(t, err)

	run := &lifecycleRun{
		cmd:        cmd,
		parser:     &writ.DevcontainerParser{},
		markers:    markers,
		sourceHash: "testhash",
	}
	return run, sink, func() { _ = markers.Close() }
}

func TestHostPhaseEmitsEventsAndWritesMarker(t *testing.T) {
	run, sink, cleanup := hostRunFixture(t, false)
	defer cleanup()

	lc := &writ.LifecycleCommand{CommandBase: writ.CommandBase{String: strPtr("true")}}
	require.NoError(t, run.hostPhase(context.Background(), PhaseInitialize, lc))

	events := sink.Events()
	require.Len(t, events, 4)
	assert.Equal(t, progress.KindLifecyclePhaseBegin, events[0].Type)
	assert.Equal(t, progress.KindLifecycleCmdBegin, events[1].Type)
	assert.Equal(t, progress.KindLifecycleCmdEnd, events[2].Type)
	assert.Equal(t, progress.KindLifecyclePhaseEnd, events[3].Type)

	assert.True(t, run.markers.Exists(string(PhaseInitialize)))
}

func TestHostPhaseFailureWritesNoMarker(t *testing.T) {
	run, _, cleanup := hostRunFixture(t, false)
	defer cleanup()

	lc := &writ.LifecycleCommand{CommandBase: writ.CommandBase{String: strPtr("exit 3")}}
	err := run.hostPhase(context.Background(), PhaseOnCreate, lc)
	require.Error(t, err)
	assert.False(t, run.markers.Exists(string(PhaseOnCreate)))
}

func TestHostPhaseSkipsWhenMarkerExists(t *testing.T) {
	run, sink, cleanup := hostRunFixture(t, false)
	defer cleanup()

	require.NoError(t, run.markers.Write(string(PhaseInitialize), "testhash"))

	lc := &writ.LifecycleCommand{CommandBase: writ.CommandBase{String: strPtr("exit 1")}}
	require.NoError(t, run.hostPhase(context.Background(), PhaseInitialize, lc))
	assert.Empty(t, sink.Events())
}

func TestPrebuildMarkersAreIsolated(t *testing.T) {
	workspace := t.TempDir()

	prebuildMarkers, err := state.OpenMarkers(workspace, true)
	require.NoError(t, err)
	require.NoError(t, prebuildMarkers.Write(string(PhaseOnCreate), "hash"))
	require.NoError(t, prebuildMarkers.Close())

	normalMarkers, err := state.OpenMarkers(workspace, false)
	require.NoError(t, err)
	defer normalMarkers.Close()

	// A prebuild marker never satisfies a normal run's skip check.
	assert.False(t, normalMarkers.Exists(string(PhaseOnCreate)))
}

func TestMarkerEligibilityInPrebuildMode(t *testing.T) {
	run, _, cleanup := hostRunFixture(t, true)
	defer cleanup()

	assert.True(t, run.markerEligible(PhaseOnCreate))
	assert.True(t, run.markerEligible(PhaseUpdateContent))
	assert.False(t, run.markerEligible(PhasePostCreate))
	assert.False(t, run.markerEligible(PhaseDotfiles))
	assert.False(t, run.markerEligible(PhasePostStart))
}
