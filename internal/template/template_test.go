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

package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFilename), []byte(`{
		// template metadata
		"id": "go-service",
		"options": {
			"imageVariant": {
				"type": "string",
				"default": "bookworm",
				"enum": ["bookworm", "bullseye"]
			},
			"installTools": {
				"type": "boolean",
				"default": true
			}
		}
	}`), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".devcontainer"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".devcontainer", "devcontainer.json"),
		[]byte(`{"image": "debian:${templateOption:imageVariant}"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"),
		[]byte("plain text, no substitutions"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.bin"),
		[]byte{0x89, 0x50, 0x00, 0x47}, 0o644))

	return dir
}

func TestLoadMetadata(t *testing.T) {
	dir := fixtureTemplate(t)
	meta, err := LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "go-service", meta.ID)
	assert.Len(t, meta.Options, 2)
}

func TestResolveOptionsDefaultsAndEnum(t *testing.T) {
	dir := fixtureTemplate(t)
	meta, err := LoadMetadata(dir)
	require.NoError(t, err)

	resolved, err := ResolveOptions(meta, nil)
	require.NoError(t, err)
	assert.Equal(t, "bookworm", resolved["imageVariant"])
	assert.Equal(t, "true", resolved["installTools"])

	resolved, err = ResolveOptions(meta, map[string]string{"imageVariant": "bullseye"})
	require.NoError(t, err)
	assert.Equal(t, "bullseye", resolved["imageVariant"])

	_, err = ResolveOptions(meta, map[string]string{"imageVariant": "trixie"})
	assert.ErrorContains(t, err, "not one of")

	_, err = ResolveOptions(meta, map[string]string{"nope": "x"})
	assert.ErrorContains(t, err, "not declared")
}

func TestApplySubstitutesTextCopiesBinary(t *testing.T) {
	dir := fixtureTemplate(t)
	meta, err := LoadMetadata(dir)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Apply(dir, dest, meta, nil))

	rendered, err := os.ReadFile(filepath.Join(dest, ".devcontainer", "devcontainer.json"))
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "debian:bookworm")

	binary, err := os.ReadFile(filepath.Join(dest, "logo.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x00, 0x47}, binary)

	// The metadata file itself is never copied.
	_, err = os.Stat(filepath.Join(dest, metadataFilename))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyIsIdempotent(t *testing.T) {
	dir := fixtureTemplate(t)
	meta, err := LoadMetadata(dir)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Apply(dir, dest, meta, nil))
	first, err := os.ReadFile(filepath.Join(dest, ".devcontainer", "devcontainer.json"))
	require.NoError(t, err)

	require.NoError(t, Apply(dir, dest, meta, nil))
	second, err := os.ReadFile(filepath.Join(dest, ".devcontainer", "devcontainer.json"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlanReportsActionsWithoutSideEffects(t *testing.T) {
	dir := fixtureTemplate(t)
	meta, err := LoadMetadata(dir)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "never-created")
	actions, err := Plan(dir, dest, meta, nil)
	require.NoError(t, err)
	require.Len(t, actions, 3)

	bySuffix := make(map[string]CopyFile)
	for _, action := range actions {
		bySuffix[filepath.Base(action.Src)] = action
	}
	assert.True(t, bySuffix["devcontainer.json"].HasSubstitutions)
	assert.False(t, bySuffix["README.md"].HasSubstitutions)
	assert.False(t, bySuffix["logo.bin"].HasSubstitutions)

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}
