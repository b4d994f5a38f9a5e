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
	"os"

	"golang.org/x/term"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/identity"
	"github.com/deacon-dev/deacon/internal/trill"
)

// Exec resolves the workspace's container (by explicit ID when given,
// by identity labels otherwise) and runs argv in it with the merged
// remote environment, streaming output to the caller's terminal. The
// command's exit code is returned alongside any transport error.
func (cmd *Command) Exec(ctx context.Context, containerID string, argv []string) (int, error) {
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return -1, err
	}
	p := cmd.parser

	client, err := cmd.runtimeClient()
	if err != nil {
		return -1, err
	}

	if containerID == "" {
		ids, err := client.PsByLabels(ctx, map[string]string{
			identity.LabelWorkspaceHash: cmd.identity.WorkspaceHash,
		})
		if err != nil {
			return -1, err
		}
		if len(ids) == 0 {
			return -1, &errtyp.RuntimeError{Kind: "Unavailable", Message: "no container found for this workspace; run up first"}
		}
		containerID = ids[0]
	}

	env := make(map[string]string)
	for k, v := range p.EnvVarsRemote {
		env[k] = v
	}
	for k, v := range p.Config.RemoteEnv {
		if v != nil {
			env[k] = *v
		}
	}

	tty := cmd.ttyPolicy()
	opts := trill.ExecOptions{
		User:        derefOr(p.Config.RemoteUser, ""),
		Workdir:     derefOr(p.Config.WorkspaceFolder, ""),
		Env:         env,
		TTY:         tty,
		Interactive: true,
	}
	if tty {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opts.TerminalWidth = uint(w)
			opts.TerminalHeight = uint(h)
		}
	}

	res, err := client.Exec(ctx, containerID, argv, opts)
	if err != nil {
		return -1, err
	}
	if res.Stdout != "" {
		fmt.Fprint(os.Stdout, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	return res.ExitCode, nil
}
