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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/redact"
)

// ErrorEnvelope is the §6.2 error shape shared by the up/build-style
// subcommands.
type ErrorEnvelope struct {
	Outcome             string `json:"outcome"`
	Message             string `json:"message"`
	Description         string `json:"description,omitempty"`
	ContainerID         string `json:"containerId,omitempty"`
	DisallowedFeatureID string `json:"disallowedFeatureId,omitempty"`
	DidStopContainer    *bool  `json:"didStopContainer,omitempty"`
	LearnMoreURL        string `json:"learnMoreUrl,omitempty"`
}

// NewErrorEnvelope classifies err into the error envelope, lifting
// structured errtyp fields into their dedicated envelope fields.
func NewErrorEnvelope(err error) ErrorEnvelope {
	envelope := ErrorEnvelope{
		Outcome: "error",
		Message: err.Error(),
	}

	var configErr *errtyp.ConfigError
	var featureErr *errtyp.FeatureError
	var lifecycleErr *errtyp.LifecycleError
	var runtimeErr *errtyp.RuntimeError
	var registryErr *errtyp.RegistryError
	var stateErr *errtyp.StateError
	switch {
	case errors.As(err, &configErr):
		envelope.Description = "the devcontainer configuration could not be resolved"
	case errors.As(err, &featureErr):
		envelope.Description = "a devcontainer feature could not be resolved or installed"
		if featureErr.Message == "feature is disallowed by policy" {
			envelope.DisallowedFeatureID = featureErr.FeatureID
		}
	case errors.As(err, &lifecycleErr):
		envelope.Description = fmt.Sprintf("lifecycle phase %s did not complete", lifecycleErr.Phase)
	case errors.As(err, &runtimeErr):
		envelope.Description = "the container runtime reported an error"
	case errors.As(err, &registryErr):
		envelope.Description = "a registry operation failed"
	case errors.As(err, &stateErr):
		envelope.Description = "workspace state could not be read or written"
	default:
		envelope.Description = "the operation failed"
	}
	return envelope
}

// WriteEnvelope serializes v as the command's single stdout JSON
// document, passing the rendered text through the redaction registry
// first. A serialization failure is reported on stderr and nothing is
// written; an error writing to stdout is ignored.
func WriteEnvelope(v any) {
	writeEnvelopeTo(os.Stdout, v)
}

func writeEnvelopeTo(w io.Writer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not serialize output envelope: %v\n", err)
		return
	}
	fmt.Fprintln(w, redact.Redact(string(raw)))
}

// MarshalJSON renders imageName as a bare string for a single tag and
// an array otherwise, per the build contract.
func (b BuildOutput) MarshalJSON() ([]byte, error) {
	type alias BuildOutput
	base, err := json.Marshal(alias(b))
	if err != nil {
		return nil, err
	}

	var tree map[string]any
	if err := json.Unmarshal(base, &tree); err != nil {
		return nil, err
	}
	if len(b.ImageNames) == 1 {
		tree["imageName"] = b.ImageNames[0]
	} else {
		tree["imageName"] = b.ImageNames
	}
	return json.Marshal(tree)
}
