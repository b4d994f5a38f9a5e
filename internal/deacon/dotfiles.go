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
	"log/slog"
	"time"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/trill"
)

// defaultDotfilesTarget is where the dotfiles repository lands inside
// the container when the caller doesn't name a target.
const defaultDotfilesTarget = "$HOME/dotfiles"

// dotfilesInstallCandidates are probed, in order, when no explicit
// install command was given.
var dotfilesInstallCandidates = []string{"install.sh", "setup.sh"}

// dotfilesPhase is the structured sub-step between postCreate and
// postStart: clone the configured repository into the container, then
// run its install script (or symlink every top-level dotfile into the
// home directory when none exists), all under the remote user. Skipped entirely when no
// repository was configured, in prebuild mode, and on resume when its
// marker exists.
func (run *lifecycleRun) dotfilesPhase(ctx context.Context) error {
	repo := run.cmd.Options.DotfilesRepository
	if repo == "" || run.cmd.Options.Prebuild {
		return nil
	}
	if run.markers.Exists(string(PhaseDotfiles)) {
		slog.Info("dotfiles already installed on a previous run; skipping")
		return nil
	}

	started := time.Now()
	run.cmd.progress.PhaseBegin(string(PhaseDotfiles))
	err := run.installDotfiles(ctx, repo)
	run.cmd.progress.PhaseEnd(string(PhaseDotfiles), err == nil, time.Since(started))
	if err != nil {
		return err
	}
	return run.markers.Write(string(PhaseDotfiles), run.sourceHash)
}

func (run *lifecycleRun) installDotfiles(ctx context.Context, repo string) error {
	target := run.cmd.Options.DotfilesTargetPath
	if target == "" {
		target = defaultDotfilesTarget
	}

	remoteUser := ""
	if run.parser.Config.RemoteUser != nil {
		remoteUser = *run.parser.Config.RemoteUser
	}
	execOpts := trill.ExecOptions{User: remoteUser, Shell: true}

	// Re-clone from scratch: a stale checkout from an earlier
	// container generation is worse than the extra clone.
	clone := fmt.Sprintf("rm -rf %s && git clone --depth 1 %q %s", target, repo, target)
	if res, err := run.client.ExecInDevcontainer(ctx, []string{clone}, execOpts); err != nil {
		return err
	} else if !res.Success {
		return &errtyp.LifecycleError{
			Kind:     "PhaseFailed",
			Message:  "cloning dotfiles repository failed: " + res.Stderr,
			Phase:    string(PhaseDotfiles),
			ExitCode: &res.ExitCode,
		}
	}

	install := run.cmd.Options.DotfilesInstallCommand
	if install == "" {
		for _, candidate := range dotfilesInstallCandidates {
			probe := fmt.Sprintf("test -x %s/%s", target, candidate)
			if res, err := run.client.ExecInDevcontainer(ctx, []string{probe}, execOpts); err == nil && res.Success {
				install = "./" + candidate
				break
			}
		}
	}

	if install == "" {
		// No install script: symlink every top-level dotfile into the
		// remote user's home.
		link := fmt.Sprintf(`cd %s && for f in .[!.]*; do [ "$f" = .git ] || ln -sf "$PWD/$f" "$HOME/$f"; done`, target)
		if res, err := run.client.ExecInDevcontainer(ctx, []string{link}, execOpts); err != nil {
			return err
		} else if !res.Success {
			return &errtyp.LifecycleError{
				Kind:     "PhaseFailed",
				Message:  "linking dotfiles failed: " + res.Stderr,
				Phase:    string(PhaseDotfiles),
				ExitCode: &res.ExitCode,
			}
		}
		return nil
	}

	runInstall := fmt.Sprintf("cd %s && %s", target, install)
	if res, err := run.client.ExecInDevcontainer(ctx, []string{runInstall}, execOpts); err != nil {
		return err
	} else if !res.Success {
		return &errtyp.LifecycleError{
			Kind:     "PhaseFailed",
			Message:  "dotfiles install script failed: " + res.Stderr,
			Phase:    string(PhaseDotfiles),
			ExitCode: &res.ExitCode,
		}
	}
	return nil
}
