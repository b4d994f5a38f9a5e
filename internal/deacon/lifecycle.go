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
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/state"
	"github.com/deacon-dev/deacon/internal/trill"
	"github.com/deacon-dev/deacon/writ"
)

// Phase names one step of the lifecycle state machine.
type Phase string

// The lifecycle phases, in execution order. Dotfiles is the virtual
// sub-step between postCreate and postStart.
const (
	PhaseInitialize    Phase = "initialize"
	PhaseOnCreate      Phase = "onCreate"
	PhaseUpdateContent Phase = "updateContent"
	PhasePostCreate    Phase = "postCreate"
	PhaseDotfiles      Phase = "dotfiles"
	PhasePostStart     Phase = "postStart"
	PhasePostAttach    Phase = "postAttach"
)

// NormalizedCommand is one entry of a phase's normalized command
// sequence. Shell selects `/bin/sh -c` execution for single-string
// forms; argv forms run directly.
type NormalizedCommand struct {
	Label string
	Args  []string
	Shell bool
}

// Display is the command text surfaced in progress events.
func (n NormalizedCommand) Display() string {
	return strings.Join(n.Args, " ")
}

// NormalizeLifecycleCommand flattens the three permitted descriptor
// forms into an ordered command list: a string becomes one shell
// command, an array one argv command, and a label map one labeled
// command per entry, ordered by label for determinism.
func NormalizeLifecycleCommand(lc *writ.LifecycleCommand) []NormalizedCommand {
	if lc == nil {
		return nil
	}

	switch {
	case lc.String != nil:
		return []NormalizedCommand{{Args: []string{*lc.String}, Shell: true}}
	case len(lc.StringArray) > 0:
		return []NormalizedCommand{{Args: lc.StringArray}}
	case lc.ParallelCommands != nil:
		labels := make([]string, 0, len(*lc.ParallelCommands))
		for label := range *lc.ParallelCommands {
			labels = append(labels, label)
		}
		slices.Sort(labels)

		out := make([]NormalizedCommand, 0, len(labels))
		for _, label := range labels {
			base := (*lc.ParallelCommands)[label]
			switch {
			case base.String != nil:
				out = append(out, NormalizedCommand{Label: label, Args: []string{*base.String}, Shell: true})
			case len(base.StringArray) > 0:
				out = append(out, NormalizedCommand{Label: label, Args: base.StringArray})
			}
		}
		return out
	}
	return nil
}

// lifecycleRun carries the state one lifecycle traversal needs.
type lifecycleRun struct {
	cmd     *Command
	client  *trill.Client
	parser  *writ.DevcontainerParser
	markers *state.Markers
	// sourceHash ties markers to the descriptor bytes that produced
	// them.
	sourceHash string
}

// RunLifecycle drives the phase machine against the already-started
// designated container: initialize runs on the host, the blocking
// phases run in the container as the remote user, and the
// non-blocking phases are dispatched (awaited only in sync mode). In
// prebuild mode only onCreate and updateContent execute, and their
// markers land under the isolated prebuild subtree.
func (cmd *Command) RunLifecycle(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser) (err error) {
	ctx, span := observability.Start(ctx, observability.LifecycleRun)
	span.SetWorkspaceID(observability.WorkspaceID(cmd.identity.CanonicalRoot))
	span.SetContainerID(client.ContainerID)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	markers, err := state.OpenMarkers(cmd.identity.CanonicalRoot, cmd.Options.Prebuild)
	if err != nil {
		return err
	}
	// The dispatch path hands marker ownership to the non-blocking
	// goroutine; every other path releases the lock on return.
	closeMarkers := true
	defer func() {
		if closeMarkers {
			_ = markers.Close()
		}
	}()

	if cmd.Options.RemoveExistingContainer {
		// A fresh container invalidates every earlier phase's marker.
		if err := markers.Clear(); err != nil {
			return err
		}
	}

	run := &lifecycleRun{
		cmd:        cmd,
		client:     client,
		parser:     p,
		markers:    markers,
		sourceHash: cmd.descriptorHash(),
	}

	if err := run.blockingPhase(ctx, PhaseOnCreate, p.Config.OnCreateCommand); err != nil {
		return err
	}
	if err := run.blockingPhase(ctx, PhaseUpdateContent, p.Config.UpdateContentCommand); err != nil {
		return err
	}

	if cmd.Options.Prebuild {
		// Prebuild bakes images: nothing past updateContent runs, and
		// the isolated markers deliberately don't satisfy a later
		// normal run.
		return nil
	}

	if cmd.Options.SkipPostCreate {
		slog.Info("skipping postCreate and downstream phases per flags")
	} else {
		if err := run.blockingPhase(ctx, PhasePostCreate, p.Config.PostCreateCommand); err != nil {
			return err
		}
		if err := run.dotfilesPhase(ctx); err != nil {
			return err
		}
	}

	if cmd.Options.SkipNonBlocking {
		slog.Info("skipping non-blocking phases per flags")
		return nil
	}

	nonBlocking := func(ctx context.Context) error {
		if err := run.blockingPhase(ctx, PhasePostStart, p.Config.PostStartCommand); err != nil {
			return err
		}
		return run.blockingPhase(ctx, PhasePostAttach, p.Config.PostAttachCommand)
	}

	if cmd.Options.SyncNonBlocking {
		syncCtx, cancel := context.WithTimeout(ctx, cmd.Options.NonBlockingTimeout)
		defer cancel()
		if err := nonBlocking(syncCtx); err != nil {
			if syncCtx.Err() != nil {
				return &errtyp.LifecycleError{Kind: "Timeout", Message: "non-blocking phases exceeded their synchronous completion timeout"}
			}
			return err
		}
		return nil
	}

	// Default: dispatch and let the phases overlap whatever the
	// caller does next. Their begin/end events still emit in order.
	closeMarkers = false
	go func() {
		defer markers.Close()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmd.Options.NonBlockingTimeout)
		defer cancel()
		if err := nonBlocking(bgCtx); err != nil {
			slog.Warn("non-blocking lifecycle phase failed", "error", err)
		}
	}()
	return nil
}

// RunInitialize runs the initialize phase on the host with the local
// workspace as working directory. It is split from RunLifecycle
// because it must precede image build and container creation.
func (cmd *Command) RunInitialize(ctx context.Context, p *writ.DevcontainerParser) error {
	markers, err := state.OpenMarkers(cmd.identity.CanonicalRoot, cmd.Options.Prebuild)
	if err != nil {
		return err
	}
	defer markers.Close()

	run := &lifecycleRun{cmd: cmd, parser: p, markers: markers, sourceHash: cmd.descriptorHash()}
	return run.hostPhase(ctx, PhaseInitialize, p.Config.InitializeCommand)
}

// markerEligible reports whether phase participates in marker
// bookkeeping for the current mode: prebuild writes only onCreate and
// updateContent markers.
func (run *lifecycleRun) markerEligible(phase Phase) bool {
	if !run.cmd.Options.Prebuild {
		return true
	}
	return phase == PhaseOnCreate || phase == PhaseUpdateContent
}

// blockingPhase executes one phase's normalized command sequence in
// the container and commits its marker afterwards. A phase whose
// marker already exists is skipped (resume semantics).
func (run *lifecycleRun) blockingPhase(ctx context.Context, phase Phase, lc *writ.LifecycleCommand) error {
	if run.markerEligible(phase) && run.markers.Exists(string(phase)) {
		slog.Info("phase already completed on a previous run; skipping", "phase", phase)
		return nil
	}

	commands := NormalizeLifecycleCommand(lc)
	if err := run.runPhaseCommands(ctx, phase, commands, false); err != nil {
		return err
	}

	if run.markerEligible(phase) {
		return run.markers.Write(string(phase), run.sourceHash)
	}
	return nil
}

// hostPhase is blockingPhase's on-host variant, for initialize.
func (run *lifecycleRun) hostPhase(ctx context.Context, phase Phase, lc *writ.LifecycleCommand) error {
	if run.markers.Exists(string(phase)) {
		slog.Info("phase already completed on a previous run; skipping", "phase", phase)
		return nil
	}

	commands := NormalizeLifecycleCommand(lc)
	if err := run.runPhaseCommands(ctx, phase, commands, true); err != nil {
		return err
	}
	if run.markerEligible(phase) {
		return run.markers.Write(string(phase), run.sourceHash)
	}
	return nil
}

// runPhaseCommands emits the phase's begin/end events and executes
// its commands sequentially; the first non-zero exit aborts the phase
// and no marker is written.
func (run *lifecycleRun) runPhaseCommands(ctx context.Context, phase Phase, commands []NormalizedCommand, onHost bool) error {
	started := time.Now()
	run.cmd.progress.PhaseBegin(string(phase))

	for i, command := range commands {
		cmdStarted := time.Now()
		run.cmd.progress.CommandBegin(string(phase), i, command.Display())

		exitCode, err := run.executeCommand(ctx, command, onHost)
		success := err == nil && exitCode == 0
		run.cmd.progress.CommandEnd(string(phase), i, success, time.Since(cmdStarted), &exitCode)

		if err != nil {
			run.cmd.progress.PhaseEnd(string(phase), false, time.Since(started))
			return err
		}
		if exitCode != 0 {
			run.cmd.progress.PhaseEnd(string(phase), false, time.Since(started))
			return &errtyp.LifecycleError{
				Kind:      "PhaseFailed",
				Message:   fmt.Sprintf("command %q exited non-zero", command.Display()),
				Phase:     string(phase),
				CommandID: i,
				ExitCode:  &exitCode,
			}
		}
	}

	run.cmd.progress.PhaseEnd(string(phase), true, time.Since(started))
	return nil
}

// executeCommand runs one normalized command on the host or in the
// container, returning its exit code.
func (run *lifecycleRun) executeCommand(ctx context.Context, command NormalizedCommand, onHost bool) (int, error) {
	if onHost {
		return run.executeOnHost(ctx, command)
	}

	remoteUser := ""
	if run.parser.Config.RemoteUser != nil {
		remoteUser = *run.parser.Config.RemoteUser
	}

	env := make(map[string]string)
	for k, v := range run.parser.EnvVarsRemote {
		env[k] = v
	}
	for k, v := range run.parser.Config.RemoteEnv {
		if v != nil {
			env[k] = *v
		}
	}

	res, err := run.client.ExecInDevcontainer(ctx, command.Args, trill.ExecOptions{
		User:    remoteUser,
		Workdir: *run.parser.Config.WorkspaceFolder,
		Env:     env,
		Shell:   command.Shell,
		TTY:     run.cmd.ttyPolicy(),
	})
	if err != nil {
		return -1, err
	}
	if !res.Success {
		slog.Error("lifecycle command failed in container", "cmd", command.Display(), "exit-code", res.ExitCode, "stderr", res.Stderr)
	}
	return res.ExitCode, nil
}

// executeOnHost executes a lifecycle command parameter locally on the
// host, with the workspace as working directory.
func (run *lifecycleRun) executeOnHost(ctx context.Context, command NormalizedCommand) (int, error) {
	var execCmd *exec.Cmd

	if command.Shell {
		shellBin := os.Getenv("SHELL")
		if len(shellBin) == 0 {
			shellBin = "/bin/sh"
		}
		slog.Info("running command via shell on host", "shell", shellBin, "args", command.Args)
		args := append([]string{"-c"}, command.Args...)
		execCmd = exec.CommandContext(ctx, shellBin, args...)
	} else {
		slog.Info("running command directly on host", "args", command.Args)
		execCmd = exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	}
	execCmd.Dir = run.cmd.identity.CanonicalRoot

	out, err := execCmd.CombinedOutput()
	slog.Info("command output", "cmd", execCmd.String(), "output", string(out))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// ttyPolicy implements §4.N rule 9: inherit the host TTY unless
// no-tty is set; force-tty allocates one regardless.
func (cmd *Command) ttyPolicy() bool {
	if cmd.Options.ForceTTY {
		return true
	}
	if cmd.Options.NoTTY {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// descriptorHash ties lifecycle markers to the descriptor contents
// that produced them; the last (highest-precedence) resolver layer's
// hash is the natural choice.
func (cmd *Command) descriptorHash() string {
	if cmd.resolved != nil && len(cmd.resolved.Layers) > 0 {
		return cmd.resolved.Layers[len(cmd.resolved.Layers)-1].SHA256
	}
	return ""
}
