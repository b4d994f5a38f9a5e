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
	"time"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/trill"
	"github.com/deacon-dev/deacon/writ"
)

// BuildOptions tunes the standalone build operation.
type BuildOptions struct {
	// Tags are additional image tags beyond the derived default.
	Tags []string
	// NoCache/CacheFrom pass through to the runtime build.
	NoCache   bool
	CacheFrom []string
	// Push pushes the built tags to their registry.
	Push bool
	// ExportPath saves the image to a tarball instead of (or on top
	// of) leaving it in the local store.
	ExportPath string
}

// BuildOutput is the success payload of the build operation (§6.2):
// imageName is a single string for one tag and an array otherwise.
type BuildOutput struct {
	Outcome    string   `json:"outcome"`
	ImageNames []string `json:"-"`
	ExportPath string   `json:"exportPath,omitempty"`
	Pushed     bool     `json:"pushed,omitempty"`
}

// Build produces the descriptor's image without creating a container.
func (cmd *Command) Build(ctx context.Context, buildOpts BuildOptions) (*BuildOutput, error) {
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}
	p := cmd.parser

	selection, err := p.Config.BaseImage()
	if err != nil {
		return nil, err
	}
	if selection.Kind != writ.BaseImageDockerfile {
		return nil, &errtyp.ConfigError{Kind: "Validation", Message: "build requires a dockerFile/build.dockerfile descriptor"}
	}

	client, err := cmd.runtimeClient()
	if err != nil {
		return nil, err
	}

	input, err := trill.DeriveBuildInputs(p, ImageTagPrefix+cmd.identity.ContainerName)
	if err != nil {
		return nil, err
	}
	input.Tags = append(input.Tags, buildOpts.Tags...)
	input.NoCache = buildOpts.NoCache
	input.CacheFrom = append(input.CacheFrom, buildOpts.CacheFrom...)
	input.SuppressOutput = cmd.suppressOutput
	input.Labels = cmd.identity.Labels

	buildCtx, span := observability.Start(ctx, observability.ContainerBuild)
	span.SetWorkspaceID(observability.WorkspaceID(cmd.identity.CanonicalRoot))
	started := time.Now()
	cmd.progress.BuildBegin(input.ContextDir)
	result, err := client.Build(buildCtx, input)
	cmd.progress.BuildEnd(input.ContextDir, err == nil, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	span.SetImageID(result.ImageID)
	span.End()

	output := &BuildOutput{
		Outcome:    "success",
		ImageNames: input.Tags,
		ExportPath: buildOpts.ExportPath,
	}
	if buildOpts.Push {
		// Pushing reuses the runtime's own credential handling by way
		// of its image push endpoint; a missing credential surfaces
		// as a Runtime error rather than a Registry one because the
		// runtime performs the transfer.
		for _, tag := range input.Tags {
			if err := client.PushImage(ctx, tag, cmd.suppressOutput); err != nil {
				return nil, err
			}
		}
		output.Pushed = true
	}
	if buildOpts.ExportPath != "" {
		if err := client.ExportImage(ctx, input.Tags[0], buildOpts.ExportPath); err != nil {
			return nil, err
		}
	}
	return output, nil
}
