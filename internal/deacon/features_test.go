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
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/writ"
)

func newTestCommand(t *testing.T) *Command {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd, err := NewCommand("deacon", "test", Options{WorkspaceFolder: t.TempDir()})
	require.NoError(t, err)
	return cmd
}

func loadFixtureFeatures(t *testing.T, cmd *Command, features ...string) {
	t.Helper()
	for _, feature := range features {
		p, err := writ.NewDevcontainerFeatureParser(filepath.Join("testdata", "features-dependson", fmt.Sprintf("%s.json", feature)), nil)
		require.NoError(t, err)
		require.NoError(t, p.Validate())
		require.NoError(t, p.Parse())
		cmd.featureParsersLookup[fmt.Sprintf("./%s", feature)] = p
	}
}

func TestInstallationPlanRespectsDependsOnAndInstallsAfter(t *testing.T) {
	cmd := newTestCommand(t)
	loadFixtureFeatures(t, cmd, "alpha", "beta", "gamma", "delta")

	plan, err := cmd.BuildFeaturesInstallationPlan(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, plan.Levels, 2)
	assert.ElementsMatch(t, []string{"./beta", "./delta"}, plan.Levels[0])
	assert.ElementsMatch(t, []string{"./alpha", "./gamma"}, plan.Levels[1])

	// Order is a linear extension: every dependency precedes its
	// dependent.
	idx := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		idx[id] = i
	}
	assert.Greater(t, idx["./alpha"], idx["./beta"])
	assert.Greater(t, idx["./gamma"], idx["./delta"])
}

func TestInstallationPlanOverrideOrderIsSequential(t *testing.T) {
	cmd := newTestCommand(t)
	loadFixtureFeatures(t, cmd, "alpha", "beta", "gamma", "delta")

	plan, err := cmd.BuildFeaturesInstallationPlan(context.Background(), []string{"./gamma", "./beta"})
	require.NoError(t, err)

	require.Len(t, plan.Levels, 1)
	assert.Len(t, plan.Levels[0], 4)
	assert.Equal(t, plan.Order, plan.Levels[0])

	idx := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		idx[id] = i
	}
	// Dependencies still hold even with the override.
	assert.Greater(t, idx["./alpha"], idx["./beta"])
	assert.Greater(t, idx["./gamma"], idx["./delta"])
}

func TestCanonicalFeatureID(t *testing.T) {
	assert.Equal(t, "ghcr.io/devcontainers/features/go", canonicalFeatureID("ghcr.io/devcontainers/features/go:1"))
	assert.Equal(t, "./local-feature", canonicalFeatureID("./local-feature"))
	assert.Equal(t, "https://example.com/f.tgz", canonicalFeatureID("https://example.com/f.tgz"))
}

func TestOptionEnvKey(t *testing.T) {
	assert.Equal(t, "INSTALL_ZSH", optionEnvKey("install-zsh"))
	assert.Equal(t, "VERSION", optionEnvKey("version"))
	assert.Equal(t, "_PROXY", optionEnvKey("1proxy"))
}

func TestFeatureInstallEnvComposesContract(t *testing.T) {
	cmd := newTestCommand(t)
	loadFixtureFeatures(t, cmd, "gamma")

	parser := cmd.featureParsersLookup["./gamma"]
	env := cmd.featureInstallEnv("./gamma", parser)

	assert.Equal(t, "./gamma", env["FEATURE_ID"])
	assert.Equal(t, "2.1.0", env["FEATURE_VERSION"])
	assert.Contains(t, env, "PROVIDED_OPTIONS")
}

func TestPropagateFeatureMetadataMergesSecurity(t *testing.T) {
	cmd := newTestCommand(t)
	loadFixtureFeatures(t, cmd, "alpha")

	privileged := true
	cmd.featureParsersLookup["./alpha"].Config.Privileged = &privileged
	cmd.featureParsersLookup["./alpha"].Config.CapAdd = []string{"SYS_PTRACE", "NET_ADMIN"}
	cmd.featureParsersLookup["./alpha"].Config.ContainerEnv = map[string]string{"FROM_FEATURE": "1"}

	notPrivileged := false
	p := &writ.DevcontainerParser{}
	p.Config.Privileged = &notPrivileged
	p.Config.CapAdd = []string{"SYS_PTRACE"}
	p.Config.ContainerEnv = writ.EnvVarMap{"FROM_CONFIG": "1"}

	cmd.propagateFeatureMetadata(p)

	assert.True(t, *p.Config.Privileged)
	assert.ElementsMatch(t, []string{"SYS_PTRACE", "NET_ADMIN"}, p.Config.CapAdd)
	assert.Equal(t, "1", p.Config.ContainerEnv["FROM_FEATURE"])
	assert.Equal(t, "1", p.Config.ContainerEnv["FROM_CONFIG"])
}
