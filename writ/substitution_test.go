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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandFixedSelectors(t *testing.T) {
	sub := NewSubstitutor("/workspace", "/home/dev/project", "abc123def456")

	assert.Equal(t, "/home/dev/project", sub.Expand("${localWorkspaceFolder}"))
	assert.Equal(t, "project", sub.Expand("${localWorkspaceFolderBasename}"))
	assert.Equal(t, "/workspace", sub.Expand("${containerWorkspaceFolder}"))
	assert.Equal(t, "workspace", sub.Expand("${containerWorkspaceFolderBasename}"))
	assert.Equal(t, "abc123def456", sub.Expand("${devcontainerId}"))
}

func TestExpandLocalEnvPrecedence(t *testing.T) {
	t.Setenv("WRIT_TEST_VAR", "from-host")

	sub := NewSubstitutor("/workspace", "/ws", "")
	sub.LocalEnv = map[string]string{"WRIT_TEST_VAR": "from-secrets"}

	assert.Equal(t, "from-secrets", sub.Expand("${localEnv:WRIT_TEST_VAR}"))
	assert.Equal(t, "from-secrets", sub.Report.Replacements["localEnv:WRIT_TEST_VAR"])
}

func TestExpandUnknownSelectorsGoToReport(t *testing.T) {
	sub := NewSubstitutor("/workspace", "/ws", "")

	assert.Equal(t, "", sub.Expand("${localEnv:WRIT_DEFINITELY_NOT_SET}"))
	assert.Equal(t, "", sub.Expand("${containerEnv:ALSO_NOT_SET}"))

	require.Contains(t, sub.Report.Unknown, "localEnv:WRIT_DEFINITELY_NOT_SET")
	require.Contains(t, sub.Report.Unknown, "containerEnv:ALSO_NOT_SET")

	// Replacements and Unknown never overlap.
	for selector := range sub.Report.Unknown {
		assert.NotContains(t, sub.Report.Replacements, selector)
	}
}

func TestExpandTemplateOptions(t *testing.T) {
	sub := NewSubstitutor("/workspace", "/ws", "")
	sub.TemplateOptions = map[string]string{"imageVariant": "bookworm"}

	assert.Equal(t, "debian:bookworm", sub.Expand("debian:${templateOption:imageVariant}"))
}

func TestExpandValueNeverTouchesKeys(t *testing.T) {
	sub := NewSubstitutor("/workspace", "/ws", "")

	tree := map[string]any{
		"${localWorkspaceFolder}": "literal-key-stays",
		"nested": map[string]any{
			"value": "${localWorkspaceFolder}",
		},
		"list": []any{"${localWorkspaceFolder}", 42, true},
	}
	out := sub.ExpandValue(tree).(map[string]any)

	_, keyIntact := out["${localWorkspaceFolder}"]
	assert.True(t, keyIntact)
	assert.Equal(t, "/ws", out["nested"].(map[string]any)["value"])
	assert.Equal(t, "/ws", out["list"].([]any)[0])
	assert.Equal(t, 42, out["list"].([]any)[1])
}
