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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/redact"
)

func TestBuildOutputMarshalSingleTag(t *testing.T) {
	raw, err := json.Marshal(BuildOutput{Outcome: "success", ImageNames: []string{"one:latest"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"imageName":"one:latest"`)
}

func TestBuildOutputMarshalMultipleTags(t *testing.T) {
	raw, err := json.Marshal(BuildOutput{Outcome: "success", ImageNames: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"imageName":["a","b"]`)
}

func TestErrorEnvelopeLiftsDisallowedFeature(t *testing.T) {
	err := &errtyp.FeatureError{
		Kind:      "ResolveFailed",
		Message:   "feature is disallowed by policy",
		FeatureID: "ghcr.io/acme/banned",
	}
	envelope := NewErrorEnvelope(err)
	assert.Equal(t, "error", envelope.Outcome)
	assert.Equal(t, "ghcr.io/acme/banned", envelope.DisallowedFeatureID)
}

func TestWriteEnvelopeRedactsSecrets(t *testing.T) {
	registry := redact.NewRegistry()
	registry.Add("hunter2")
	old := redact.Default
	redact.Default = registry
	defer func() { redact.Default = old }()

	var buf bytes.Buffer
	writeEnvelopeTo(&buf, map[string]string{"message": "password is hunter2"})

	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "****")
}
