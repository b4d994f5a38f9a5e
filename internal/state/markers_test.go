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

package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

func TestMarkersWriteReadExists(t *testing.T) {
	ws := t.TempDir()
	markers, err := OpenMarkers(ws, false)
	require.NoError(t, err)
	defer markers.Close()

	assert.False(t, markers.Exists("onCreate"))

	require.NoError(t, markers.Write("onCreate", "abc123"))
	assert.True(t, markers.Exists("onCreate"))

	marker, ok, err := markers.Read("onCreate")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "onCreate", marker.Phase)
	assert.Equal(t, "abc123", marker.SourceHash)
	assert.Positive(t, marker.Timestamp)
}

func TestMarkersPrebuildSubtree(t *testing.T) {
	ws := t.TempDir()
	markers, err := OpenMarkers(ws, true)
	require.NoError(t, err)
	defer markers.Close()

	require.NoError(t, markers.Write("updateContent", "h"))
	assert.Equal(t, filepath.Join(ws, markerDirName, prebuildSubdir), markers.Dir())
	assert.True(t, markers.Prebuild())
}

func TestMarkersClear(t *testing.T) {
	ws := t.TempDir()
	markers, err := OpenMarkers(ws, false)
	require.NoError(t, err)
	defer markers.Close()

	require.NoError(t, markers.Write("onCreate", "h"))
	require.NoError(t, markers.Write("postCreate", "h"))
	require.NoError(t, markers.Clear())

	assert.False(t, markers.Exists("onCreate"))
	assert.False(t, markers.Exists("postCreate"))
}

func TestMarkersConcurrentOpenConflicts(t *testing.T) {
	ws := t.TempDir()
	first, err := OpenMarkers(ws, false)
	require.NoError(t, err)
	defer first.Close()

	_, err = OpenMarkers(ws, false)
	var stateErr *errtyp.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "Conflict", stateErr.Kind)
}

func TestMarkersReopenAfterClose(t *testing.T) {
	ws := t.TempDir()
	first, err := OpenMarkers(ws, false)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenMarkers(ws, false)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}
