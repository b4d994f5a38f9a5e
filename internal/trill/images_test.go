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

package trill

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/writ"
)

func strPtr(s string) *string { return &s }

func TestDeriveBuildInputsDockerFile(t *testing.T) {
	p := &writ.DevcontainerParser{}
	p.Filepath = filepath.Join("/ws", ".devcontainer", "devcontainer.json")
	p.Config.DockerFile = strPtr("Dockerfile")

	input, err := DeriveBuildInputs(p, "localhost/devc--test")
	require.NoError(t, err)

	assert.Equal(t, "Dockerfile", input.DockerfilePath)
	assert.Equal(t, filepath.Join("/ws", ".devcontainer"), input.ContextDir)
	assert.Equal(t, []string{"localhost/devc--test"}, input.Tags)
}

func TestDeriveBuildInputsBuildBlock(t *testing.T) {
	p := &writ.DevcontainerParser{}
	p.Filepath = filepath.Join("/ws", ".devcontainer", "devcontainer.json")
	p.Config.Build = &writ.BuildOptions{
		Dockerfile: strPtr("docker/Dockerfile"),
		Context:    strPtr(".."),
		Target:     strPtr("dev"),
		Args:       map[string]string{"GO_VERSION": "1.24"},
		CacheFrom:  &writ.CacheFrom{StringArray: []string{"ghcr.io/acme/cache:dev"}},
	}

	input, err := DeriveBuildInputs(p, "localhost/devc--test")
	require.NoError(t, err)

	assert.Equal(t, "docker/Dockerfile", input.DockerfilePath)
	// Context joins against the dockerfile's own directory.
	assert.Equal(t, filepath.Join("/ws", ".devcontainer"), input.ContextDir)
	assert.Equal(t, "dev", input.Target)
	require.Contains(t, input.BuildArgs, "GO_VERSION")
	assert.Equal(t, "1.24", *input.BuildArgs["GO_VERSION"])
	assert.Equal(t, []string{"ghcr.io/acme/cache:dev"}, input.CacheFrom)
}

func TestDeriveBuildInputsRequiresDockerfile(t *testing.T) {
	p := &writ.DevcontainerParser{}
	p.Filepath = "/ws/devcontainer.json"

	_, err := DeriveBuildInputs(p, "tag")
	require.Error(t, err)
}
