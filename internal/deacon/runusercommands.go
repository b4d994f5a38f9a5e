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

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/identity"
)

// RunUserCommands re-runs the lifecycle phases synchronously against
// an already-started container: the non-blocking phases are awaited
// (sync mode) before the success envelope is produced.
func (cmd *Command) RunUserCommands(ctx context.Context) (*UpResult, error) {
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}
	p := cmd.parser

	client, err := cmd.runtimeClient()
	if err != nil {
		return nil, err
	}

	ids, err := client.PsByLabels(ctx, map[string]string{
		identity.LabelWorkspaceHash: cmd.identity.WorkspaceHash,
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &errtyp.RuntimeError{Kind: "Unavailable", Message: "no container found for this workspace; run up first"}
	}
	client.ContainerID = ids[0]

	cmd.Options.SyncNonBlocking = true
	if err := cmd.RunInitialize(ctx, p); err != nil {
		return nil, err
	}
	if err := cmd.RunLifecycle(ctx, client, p); err != nil {
		return nil, err
	}

	return &UpResult{
		Outcome:               "success",
		ContainerID:           client.ContainerID,
		RemoteUser:            derefOr(p.Config.RemoteUser, ""),
		RemoteWorkspaceFolder: derefOr(p.Config.WorkspaceFolder, ""),
	}, nil
}
