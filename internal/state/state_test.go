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
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveContainerAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveContainer(ctx, ContainerRecord{
		WorkspaceHash:  "abcd1234",
		ContainerName:  "deacon-abcd1234",
		ContainerID:    "c0ffee",
		ImageID:        "sha256:feed",
		ConfigFile:     "/ws/.devcontainer/devcontainer.json",
		ShutdownAction: "stopContainer",
	}))

	rec, ok, err := s.Get(ctx, "abcd1234")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindContainer, rec.Kind)
	require.Equal(t, "c0ffee", rec.ContainerID)
	require.Equal(t, "sha256:feed", rec.ImageID)
	require.Equal(t, "stopContainer", rec.ShutdownAction)
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	_, ok, err := openTestStore(t).Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveComposeAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveCompose(ctx, ComposeRecord{
		WorkspaceHash:  "hash1",
		ProjectName:    "deacon-hash1",
		Service:        "app",
		BasePath:       "/ws",
		ComposeFiles:   []string{"docker-compose.yml", "docker-compose.override.yml"},
		ConfigFile:     "/ws/devcontainer.json",
		ShutdownAction: "stopCompose",
	}))
	require.NoError(t, s.SaveContainer(ctx, ContainerRecord{
		WorkspaceHash: "hash2",
		ContainerName: "deacon-hash2",
		ContainerID:   "cid",
		ConfigFile:    "/ws2/devcontainer.json",
	}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	rec, ok, err := s.Get(ctx, "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindCompose, rec.Kind)
	require.Equal(t, "deacon-hash1", rec.ProjectName)
	require.Equal(t, "app", rec.Service)
	require.Equal(t, "/ws", rec.BasePath)
	require.Equal(t, []string{"docker-compose.yml", "docker-compose.override.yml"}, rec.ComposeFiles)
}

func TestRemoveDeletesRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveContainer(ctx, ContainerRecord{WorkspaceHash: "hash", ContainerName: "name", ContainerID: "cid", ConfigFile: "cfg"}))
	require.NoError(t, s.Remove(ctx, "hash"))

	_, ok, err := s.Get(ctx, "hash")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertReplacesExistingRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveContainer(ctx, ContainerRecord{WorkspaceHash: "hash", ContainerName: "first", ContainerID: "cid1", ConfigFile: "cfg"}))
	require.NoError(t, s.SaveContainer(ctx, ContainerRecord{WorkspaceHash: "hash", ContainerName: "second", ContainerID: "cid2", ImageID: "sha256:img", ConfigFile: "cfg"}))

	rec, ok, err := s.Get(ctx, "hash")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", rec.ContainerName)
	require.Equal(t, "sha256:img", rec.ImageID)
}
