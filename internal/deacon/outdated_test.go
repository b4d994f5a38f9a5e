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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureKeysInOrder(t *testing.T) {
	raw := []byte(`{
		// a descriptor with commented features
		"image": "ubuntu:20.04",
		"features": {
			"ghcr.io/devcontainers/features/go:1": {},
			"ghcr.io/devcontainers/features/node:1": {"version": "20"},
			"./local": {}
		}
	}`)
	keys := featureKeysInOrder(raw)
	assert.Equal(t, []string{
		"ghcr.io/devcontainers/features/go:1",
		"ghcr.io/devcontainers/features/node:1",
		"./local",
	}, keys)
}

func TestStripJSONCommentsPreservesStrings(t *testing.T) {
	in := `{"a": "http://example.com", /* block */ "b": 1 // line
}`
	out := stripJSONComments(in)
	assert.Contains(t, out, "http://example.com")
	assert.NotContains(t, out, "block")
	assert.NotContains(t, out, "line")
}

func TestOutdatedResultMarshalPreservesOrder(t *testing.T) {
	current := "1.0.0"
	result := OutdatedResult{
		Order: []string{"zeta", "alpha"},
		Features: map[string]OutdatedEntry{
			"zeta":  {Current: &current},
			"alpha": {},
		},
	}
	raw, err := json.Marshal(result)
	require.NoError(t, err)

	// zeta was declared first and must serialize first despite
	// sorting after alpha lexically.
	assert.Less(t, indexOf(string(raw), `"zeta"`), indexOf(string(raw), `"alpha"`))
	assert.Contains(t, string(raw), `"current":"1.0.0"`)
	assert.Contains(t, string(raw), `"wanted":null`)
}

func TestOutdatedHasOutdated(t *testing.T) {
	v1, v2 := "1.0.0", "1.2.0"

	drifted := OutdatedResult{Features: map[string]OutdatedEntry{
		"f": {Current: &v1, Wanted: &v2},
	}}
	assert.True(t, drifted.HasOutdated())

	pinnedBehind := OutdatedResult{Features: map[string]OutdatedEntry{
		"f": {Current: &v1, Wanted: &v1, Latest: &v2},
	}}
	assert.True(t, pinnedBehind.HasOutdated())

	fresh := OutdatedResult{Features: map[string]OutdatedEntry{
		"f": {Current: &v2, Wanted: &v2, Latest: &v2},
	}}
	assert.False(t, fresh.HasOutdated())
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
