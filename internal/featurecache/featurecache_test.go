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

package featurecache

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildTarball(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, w.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), time.Hour, 0, 0)
	require.NoError(t, err)

	tarball := buildTarball(t, map[string]string{"install.sh": "#!/bin/sh\n"})
	dir, err := store.Store(context.Background(), "ghcr.io/x/feature:1", "sha256:abc", tarball)
	require.NoError(t, err)
	require.DirExists(t, dir)

	got, ok := store.Lookup("ghcr.io/x/feature:1", "sha256:abc")
	require.True(t, ok)
	require.Equal(t, dir, got)
}

func TestLookupMissesOnDigestMismatch(t *testing.T) {
	store, err := Open(t.TempDir(), 0, 0, 0)
	require.NoError(t, err)

	tarball := buildTarball(t, map[string]string{"a": "b"})
	_, err = store.Store(context.Background(), "key", "sha256:one", tarball)
	require.NoError(t, err)

	_, ok := store.Lookup("key", "sha256:two")
	require.False(t, ok)
}

func TestLookupExpiresPastTTLAndRemovesEntry(t *testing.T) {
	store, err := Open(t.TempDir(), time.Nanosecond, 0, 0)
	require.NoError(t, err)

	tarball := buildTarball(t, map[string]string{"a": "b"})
	_, err = store.Store(context.Background(), "key", "sha256:one", tarball)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, ok := store.Lookup("key", "sha256:one")
	require.False(t, ok)

	// The expired entry is gone, not just hidden.
	_, present := store.ledger["key"]
	require.False(t, present)
}

func TestRemoveEvictsEntry(t *testing.T) {
	store, err := Open(t.TempDir(), 0, 0, 0)
	require.NoError(t, err)

	tarball := buildTarball(t, map[string]string{"a": "b"})
	_, err = store.Store(context.Background(), "key", "sha256:one", tarball)
	require.NoError(t, err)

	require.NoError(t, store.Remove("key"))
	_, ok := store.Lookup("key", "")
	require.False(t, ok)
}

func TestStoreRejectsOversizedEntryUnchanged(t *testing.T) {
	store, err := Open(t.TempDir(), 0, 64, 0)
	require.NoError(t, err)

	small := buildTarball(t, map[string]string{"f": "1"})
	require.Greater(t, int64(small.Len()), int64(64))
	sizeBefore := store.CurrentSizeBytes()

	_, err = store.Store(context.Background(), "huge", "sha256:huge", small)
	require.ErrorContains(t, err, "cache budget")

	// Cache state is untouched by the rejected set.
	require.Equal(t, sizeBefore, store.CurrentSizeBytes())
	_, ok := store.Lookup("huge", "")
	require.False(t, ok)
}

func TestStoreEvictsLeastRecentlyUsedForBudget(t *testing.T) {
	// Each tarball is ~2KiB of tar framing; a 5KiB budget fits two
	// entries but not three.
	store, err := Open(t.TempDir(), 0, 5*1024, 0)
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "a", "sha256:a", buildTarball(t, map[string]string{"f": "1"}))
	require.NoError(t, err)
	_, err = store.Store(context.Background(), "b", "sha256:b", buildTarball(t, map[string]string{"f": "2"}))
	require.NoError(t, err)

	// Touch "a" so "b" is the LRU victim.
	_, ok := store.Lookup("a", "")
	require.True(t, ok)

	_, err = store.Store(context.Background(), "c", "sha256:c", buildTarball(t, map[string]string{"f": "3"}))
	require.NoError(t, err)

	require.LessOrEqual(t, store.CurrentSizeBytes(), int64(5*1024))
	_, ok = store.Lookup("b", "")
	require.False(t, ok)
	_, ok = store.Lookup("a", "")
	require.True(t, ok)
	_, ok = store.Lookup("c", "")
	require.True(t, ok)

	require.Equal(t, uint64(1), store.Stats().Evictions)
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	store, err := Open(t.TempDir(), 0, 0, 0)
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "key", "sha256:one", buildTarball(t, map[string]string{"a": "b"}))
	require.NoError(t, err)

	_, ok := store.Lookup("key", "")
	require.True(t, ok)
	_, ok = store.Lookup("absent", "")
	require.False(t, ok)
	_, ok = store.Lookup("key", "sha256:other")
	require.False(t, ok)

	stats := store.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(2), stats.Misses)
}

func TestHotSetEvictsLeastRecentlyUsed(t *testing.T) {
	store, err := Open(t.TempDir(), 0, 0, 1)
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "a", "sha256:a", buildTarball(t, map[string]string{"f": "1"}))
	require.NoError(t, err)
	_, err = store.Store(context.Background(), "b", "sha256:b", buildTarball(t, map[string]string{"f": "2"}))
	require.NoError(t, err)

	require.Equal(t, 1, store.lru.Len())
	_, stillHot := store.hot["b"]
	require.True(t, stillHot)
}
