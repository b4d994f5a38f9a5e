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
	"log/slog"

	"github.com/deacon-dev/deacon/internal/identity"
	"github.com/deacon-dev/deacon/internal/state"
	"github.com/deacon-dev/deacon/writ"
)

// DownResult is the success payload of the down operation.
type DownResult struct {
	Outcome string `json:"outcome"`
	// Note carries the "no running containers" case; down on a
	// workspace with no state record is a successful no-op.
	Note string `json:"note,omitempty"`
}

// Down locates the workspace's state record and stops/removes the
// container or Compose project it names. Down after down (or before
// any up) succeeds without side effects.
func (cmd *Command) Down(ctx context.Context) (*DownResult, error) {
	canonicalRoot, err := identity.CanonicalWorkspaceRoot(cmd.Options.WorkspaceFolder)
	if err != nil {
		return nil, err
	}
	workspaceHash := identity.WorkspaceHash(canonicalRoot)

	store, err := cmd.stateDB(ctx)
	if err != nil {
		return nil, err
	}
	record, ok, err := store.Get(ctx, workspaceHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &DownResult{Outcome: "success", Note: "no running containers for this workspace"}, nil
	}

	// A descriptor that opted out of shutdown keeps its resources; the
	// record stays so a later forced down can still find them.
	if record.ShutdownAction == string(writ.ShutdownActionNone) && !cmd.Options.ForceDown {
		return &DownResult{Outcome: "success", Note: "shutdownAction is none; leaving resources in place"}, nil
	}

	client, err := cmd.runtimeClient()
	if err != nil {
		return nil, err
	}

	timeoutSeconds := int(cmd.Options.DownTimeout.Seconds())
	switch record.Kind {
	case state.KindCompose:
		// The Compose project graph was loaded by the up that created
		// it; on a fresh process we reap by label instead.
		slog.Info("tearing down Compose project", "project", record.ProjectName, "service", record.Service, "composeFiles", record.ComposeFiles, "basePath", record.BasePath)
		ids, err := client.PsByLabels(ctx, map[string]string{identity.LabelWorkspaceHash: workspaceHash})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if err := client.Stop(ctx, id, &timeoutSeconds); err != nil {
				slog.Warn("could not stop Compose container", "container", id, "error", err)
			}
			if err := client.Remove(ctx, id, cmd.Options.RemoveVolumes); err != nil {
				slog.Warn("could not remove Compose container", "container", id, "error", err)
			}
		}

	default:
		targets := []string{}
		if record.ContainerID != "" {
			targets = append(targets, record.ContainerID)
		}
		ids, err := client.PsByLabels(ctx, map[string]string{identity.LabelWorkspaceHash: workspaceHash})
		if err == nil {
			for _, id := range ids {
				if id != record.ContainerID {
					targets = append(targets, id)
				}
			}
		}
		for _, id := range targets {
			if err := client.Stop(ctx, id, &timeoutSeconds); err != nil {
				slog.Debug("could not stop container (already gone?)", "container", id, "error", err)
			}
			if err := client.Remove(ctx, id, cmd.Options.RemoveVolumes); err != nil {
				slog.Debug("could not remove container (already gone?)", "container", id, "error", err)
			}
		}
	}

	if err := store.Remove(ctx, workspaceHash); err != nil {
		return nil, err
	}
	return &DownResult{Outcome: "success"}, nil
}
