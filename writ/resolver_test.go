/*
   writ: a devcontainer.json parser
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

package writ

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiscoverPrimaryLocation(t *testing.T) {
	ws := t.TempDir()
	expected := writeConfig(t, ws, ".devcontainer/devcontainer.json", `{"image":"ubuntu:20.04"}`)

	found, err := Discover(ws, nil)
	require.NoError(t, err)
	assert.Equal(t, expected, found)
}

func TestDiscoverMultipleVariantsFails(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, ".devcontainer/one/devcontainer.json", `{"image":"a"}`)
	writeConfig(t, ws, ".devcontainer/two/devcontainer.json", `{"image":"b"}`)

	_, err := Discover(ws, nil)
	var configErr *errtyp.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "MultipleConfigs", configErr.Kind)
	assert.Len(t, configErr.Paths, 2)
}

func TestDiscoverNamedVariant(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, ".devcontainer/one/devcontainer.json", `{"image":"a"}`)
	writeConfig(t, ws, ".devcontainer/two/devcontainer.json", `{"image":"b"}`)

	name := "two"
	found, err := Discover(ws, &name)
	require.NoError(t, err)
	assert.Contains(t, found, filepath.Join("two", "devcontainer.json"))
}

func TestResolveExtendsChainMergesBaseFirst(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "base.json", `{
		// base layer
		"image": "ubuntu:20.04",
		"capAdd": ["SYS_PTRACE"],
		"containerEnv": {"FROM_BASE": "1", "SHARED": "base"}
	}`)
	child := writeConfig(t, ws, "devcontainer.json", `{
		"extends": ["base.json"],
		"capAdd": ["SYS_PTRACE", "NET_ADMIN"],
		"containerEnv": {"SHARED": "child"},
	}`)

	resolved, err := Resolve(child, ResolveOptions{SkipHostRequirements: true})
	require.NoError(t, err)

	require.Len(t, resolved.Layers, 2)
	assert.Equal(t, 0, resolved.Layers[0].Precedence)
	assert.Contains(t, resolved.Layers[0].SourcePath, "base.json")
	assert.NotEmpty(t, resolved.Layers[0].SHA256)

	assert.Equal(t, "ubuntu:20.04", *resolved.Config.Image)
	assert.Equal(t, []string{"SYS_PTRACE", "NET_ADMIN"}, resolved.Config.CapAdd)
	assert.Equal(t, "1", resolved.Config.ContainerEnv["FROM_BASE"])
	assert.Equal(t, "child", resolved.Config.ContainerEnv["SHARED"])
}

func TestResolveExtendsCycle(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "a.json", `{"image":"x","extends":["b.json"]}`)
	b := writeConfig(t, ws, "b.json", `{"extends":["a.json"]}`)

	_, err := Resolve(b, ResolveOptions{SkipHostRequirements: true})
	var configErr *errtyp.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "ExtendsCycle", configErr.Kind)
}

func TestResolveIsDeterministic(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, ws, "devcontainer.json", `{
		"image": "ubuntu:20.04",
		"containerEnv": {"A": "1", "B": "2"},
		"mounts": ["type=volume,source=data,target=/data"]
	}`)

	first, err := Resolve(path, ResolveOptions{SkipHostRequirements: true})
	require.NoError(t, err)
	second, err := Resolve(path, ResolveOptions{SkipHostRequirements: true})
	require.NoError(t, err)

	firstJSON, err := first.MergedJSON(false)
	require.NoError(t, err)
	secondJSON, err := second.MergedJSON(false)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

func TestResolveSubstitutesLocalWorkspaceFolder(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, ws, ".devcontainer/devcontainer.json", `{
		"name": "N",
		"image": "ubuntu:20.04",
		"workspaceFolder": "${localWorkspaceFolder}/src",
		"containerEnv": {"W": "${localWorkspaceFolder}"}
	}`)

	resolved, err := Resolve(path, ResolveOptions{SkipHostRequirements: true})
	require.NoError(t, err)

	assert.Equal(t, ws+"/src", *resolved.Config.WorkspaceFolder)
	assert.Equal(t, ws, resolved.Config.ContainerEnv["W"])

	require.Contains(t, resolved.Substitution.Replacements, "localWorkspaceFolder")
	assert.Empty(t, resolved.Substitution.Unknown)
}

func TestResolveRequiresExactlyOneBaseImage(t *testing.T) {
	ws := t.TempDir()

	none := writeConfig(t, ws, "none.json", `{"name":"n"}`)
	_, err := Resolve(none, ResolveOptions{SkipHostRequirements: true})
	var configErr *errtyp.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "Validation", configErr.Kind)

	both := writeConfig(t, ws, "both.json", `{"image":"a","dockerFile":"Dockerfile"}`)
	_, err = Resolve(both, ResolveOptions{SkipHostRequirements: true})
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "Validation", configErr.Kind)
}

func TestResolveOverrideConfigWinsLast(t *testing.T) {
	ws := t.TempDir()
	base := writeConfig(t, ws, "devcontainer.json", `{"image":"ubuntu:20.04","remoteUser":"dev"}`)
	override := writeConfig(t, ws, "override.json", `{"image":"ubuntu:22.04"}`)

	resolved, err := Resolve(base, ResolveOptions{
		OverrideConfigPath:   override,
		SkipHostRequirements: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:22.04", *resolved.Config.Image)
	assert.Equal(t, "dev", *resolved.Config.RemoteUser)
	assert.Len(t, resolved.Layers, 2)
}

func TestMergedJSONIncludesMetaLayers(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, ws, "devcontainer.json", `{"image":"ubuntu:20.04"}`)

	resolved, err := Resolve(path, ResolveOptions{SkipHostRequirements: true})
	require.NoError(t, err)

	raw, err := resolved.MergedJSON(true)
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal(raw, &tree))
	meta, ok := tree["__meta"].(map[string]any)
	require.True(t, ok)
	layers, ok := meta["layers"].([]any)
	require.True(t, ok)
	require.Len(t, layers, 1)

	withoutMeta, err := resolved.MergedJSON(false)
	require.NoError(t, err)
	assert.NotContains(t, string(withoutMeta), "__meta")
}

func TestBaseImageSelectionKinds(t *testing.T) {
	image := "ubuntu:20.04"
	sel, err := DevcontainerConfig{Image: &image}.BaseImage()
	require.NoError(t, err)
	assert.Equal(t, BaseImageRef, sel.Kind)
	assert.Equal(t, image, sel.PrimaryReference())

	dockerfile := "Dockerfile"
	sel, err = DevcontainerConfig{DockerFile: &dockerfile}.BaseImage()
	require.NoError(t, err)
	assert.Equal(t, BaseImageDockerfile, sel.Kind)

	files := DockerComposeFile{"docker-compose.yml"}
	service := "app"
	sel, err = DevcontainerConfig{DockerComposeFile: &files, Service: &service}.BaseImage()
	require.NoError(t, err)
	assert.Equal(t, BaseImageCompose, sel.Kind)
	assert.Equal(t, "docker-compose.yml#app", sel.PrimaryReference())

	_, err = DevcontainerConfig{DockerComposeFile: &files}.BaseImage()
	require.Error(t, err)
}
