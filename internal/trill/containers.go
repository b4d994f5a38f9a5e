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

package trill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/docker/go-connections/nat"
	gonanoid "github.com/matoous/go-nanoid/v2"
	imagespec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/moby/go-archive"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	mobyclient "github.com/moby/moby/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/term"

	"github.com/deacon-dev/deacon/internal/envprobe"
	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/security"
	"github.com/deacon-dev/deacon/writ"
)

// ExecOptions shapes a single in-container command execution.
type ExecOptions struct {
	// User runs the command as this user; empty inherits the
	// container's configured user.
	User string
	// Workdir, when non-empty, overrides the working directory.
	Workdir string
	// Env is added to the command's environment.
	Env map[string]string
	// Shell wraps the arguments in `/bin/sh -c`.
	Shell bool
	// TTY allocates a pseudo-terminal.
	TTY bool
	// Interactive attaches stdin as a streaming pipe.
	Interactive bool
	// Detach dispatches the command without waiting for completion.
	Detach bool
	// TerminalHeight/TerminalWidth mirror the local terminal size
	// into the allocated pseudo-terminal when TTY is set.
	TerminalHeight uint
	TerminalWidth  uint
}

// ExecResult is the outcome of one in-container command.
//
// A non-zero exit code is not an error at this layer; the
// orchestrator decides per-phase what a failing command means.
type ExecResult struct {
	ExitCode int
	Success  bool
	Stdout   string
	Stderr   string
}

// ExecInDevcontainer runs a command inside the designated
// devcontainer (i.e., the lone container in non-Compose
// configurations, or the one named in the service field otherwise).
func (c *Client) ExecInDevcontainer(ctx context.Context, argv []string, opts ExecOptions) (ExecResult, error) {
	return c.Exec(ctx, c.ContainerID, argv, opts)
}

// Exec runs a command inside the container designated by containerID
// per opts. The returned error covers transport failures only;
// command failure is reported through ExecResult.ExitCode.
func (c *Client) Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (ExecResult, error) {
	if opts.Shell {
		argv = append([]string{"/bin/sh", "-c"}, argv...)
	}
	cmd := strings.Join(argv, " ")
	slog.Debug("running command in container", "container", containerID, "cmd", cmd)

	execCreateOpts := mobyclient.ExecCreateOptions{
		User:         opts.User,
		WorkingDir:   opts.Workdir,
		TTY:          opts.TTY,
		AttachStderr: !opts.Detach,
		AttachStdout: !opts.Detach,
		AttachStdin:  opts.Interactive,
		Cmd:          argv,
	}
	for name, val := range opts.Env {
		execCreateOpts.Env = append(execCreateOpts.Env, fmt.Sprintf("%s=%s", name, val))
	}

	execCreateRes, err := c.mobyClient.ExecCreate(ctx, containerID, execCreateOpts)
	if err != nil {
		return ExecResult{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "creating exec context: " + err.Error(), Cause: err}
	}

	if opts.Detach {
		if _, err := c.mobyClient.ExecStart(ctx, execCreateRes.ID, mobyclient.ExecStartOptions{Detach: true}); err != nil {
			return ExecResult{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "dispatching exec: " + err.Error(), Cause: err}
		}
		return ExecResult{Success: true}, nil
	}

	execAttachRes, err := c.mobyClient.ExecAttach(ctx, execCreateRes.ID, mobyclient.ExecAttachOptions{TTY: opts.TTY})
	if err != nil {
		return ExecResult{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "attaching to exec: " + err.Error(), Cause: err}
	}
	defer execAttachRes.Close()

	if opts.TTY && opts.TerminalHeight > 0 && opts.TerminalWidth > 0 {
		if _, err := c.mobyClient.ExecResize(ctx, execCreateRes.ID, mobyclient.ExecResizeOptions{
			Height: opts.TerminalHeight,
			Width:  opts.TerminalWidth,
		}); err != nil {
			slog.Debug("could not resize exec pseudo-terminal", "error", err)
		}
	}

	var stdinDone chan struct{}
	if opts.Interactive {
		stdinDone = make(chan struct{})
		go func() {
			defer close(stdinDone)
			if _, err := io.Copy(execAttachRes.Conn, os.Stdin); err != nil && !errors.Is(err, syscall.EPIPE) {
				slog.Debug("stdin forwarding ended", "error", err)
			}
			_ = execAttachRes.CloseWrite()
		}()
	}

	var cmdStdout, cmdStderr bytes.Buffer
	if opts.TTY {
		// A pseudo-terminal folds stderr into the single stream.
		_, err = io.Copy(&cmdStdout, execAttachRes.Reader)
	} else {
		_, err = stdcopy.StdCopy(&cmdStdout, &cmdStderr, execAttachRes.Reader)
	}
	if err != nil && err != io.EOF {
		return ExecResult{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "demultiplexing command output: " + err.Error(), Cause: err}
	}

	execInspectRes, err := c.mobyClient.ExecInspect(ctx, execCreateRes.ID, mobyclient.ExecInspectOptions{})
	if err != nil {
		return ExecResult{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "inspecting exec context: " + err.Error(), Cause: err}
	}

	result := ExecResult{
		ExitCode: execInspectRes.ExitCode,
		Success:  execInspectRes.ExitCode == 0,
		Stdout:   cmdStdout.String(),
		Stderr:   cmdStderr.String(),
	}
	if !result.Success {
		slog.Debug("command in container returned non-zero", "exit-code", result.ExitCode, "cmd", cmd)
	}
	return result, nil
}

// ExecInTempContainer spins up a container based on containerCfg and
// hostCfg then runs the specified command in it, returning the stdout
// and stderr (if applicable).
func (c *Client) ExecInTempContainer(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, env map[string]string, argv ...string) (ExecResult, error) {
	results, err := c.MultiExecInTempContainer(ctx, containerCfg, hostCfg, env, [][]string{argv})
	if err != nil {
		return ExecResult{}, err
	}
	if len(results) == 0 {
		return ExecResult{}, fmt.Errorf("temp container produced no result")
	}
	return results[0], nil
}

// MultiExecInTempContainer spins up a container based on containerCfg
// and hostCfg then runs the list of commands specified in argvs in
// the spun up container, returning their results in the same order.
func (c *Client) MultiExecInTempContainer(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, env map[string]string, argvs [][]string) ([]ExecResult, error) {
	tempContainerName, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	tempContainerID, err := c.Create(ctx, containerCfg, hostCfg, fmt.Sprintf("tmp--%s", tempContainerName), nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Stop(context.WithoutCancel(ctx), tempContainerID, nil)
	}()
	if err := c.Start(ctx, tempContainerID); err != nil {
		return nil, err
	}

	var results []ExecResult
	for _, argv := range argvs {
		res, err := c.Exec(ctx, tempContainerID, argv, ExecOptions{User: containerCfg.User, Env: env, Shell: true})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// StartDevcontainerContainer creates and starts the designated
// devcontainer based on configuration from devcontainer.json.
//
// Requires metadata parsed from a devcontainer.json config, the
// tag/image name for the OCI image to use as base, and a name for the
// created container. Lifecycle phases are NOT run here; the
// orchestrator sequences them once this returns.
func (c *Client) StartDevcontainerContainer(ctx context.Context, p *writ.DevcontainerParser, imageTag string, containerName string) (err error) {
	slog.Debug("attempting to create and start devcontainer", "tag", imageTag, "name", containerName)
	containerCfg := c.buildContainerConfig(p, imageTag)
	hostCfg := c.buildHostConfig(p)

	probeExec := func(ctx context.Context, user string, env map[string]string) (string, error) {
		dupContainerCfg := *containerCfg
		dupContainerCfg.Env = []string{}
		if user != "" {
			dupContainerCfg.User = user
		}
		res, err := c.ExecInTempContainer(ctx, &dupContainerCfg, hostCfg, env, "export")
		return res.Stdout, err
	}

	if p.EnvProbeNeeded {
		if len(p.Config.ContainerEnv) > 0 {
			vars, err := envprobe.Capture(ctx, probeExec, "", nil)
			if err != nil {
				return err
			}
			for k, v := range vars {
				p.EnvVarsContainer[k] = v
			}
		}

		if len(p.Config.RemoteEnv) > 0 {
			if *p.Config.RemoteUser == *p.Config.ContainerUser {
				p.EnvVarsRemote = p.EnvVarsContainer
			} else {
				vars, err := envprobe.Capture(ctx, probeExec, *p.Config.RemoteUser, nil)
				if err != nil {
					return err
				}
				for k, v := range vars {
					p.EnvVarsContainer[k] = v
				}
			}
		}
		p.EnvProbeNeeded = false
		p.ProcessSubstitutions()
		containerCfg = c.buildContainerConfig(p, imageTag)
	}

	if err = c.bindAppPorts(p, containerCfg, hostCfg); err != nil {
		slog.Error("encountered an error binding appPorts items", "error", err)
		return err
	}
	if err = c.bindForwardPorts(p, containerCfg, hostCfg); err != nil {
		slog.Error("encountered an error binding forwardPorts items", "error", err)
		return err
	}
	c.bindMounts(p, hostCfg)

	if err = c.setContainerAndRemoteUser(p, containerCfg.Image); err != nil {
		slog.Error("encountered an error while attempting to determine container/remote user", "image", containerCfg.Image, "error", err)
		return err
	}

	idResolver := func(ctx context.Context, user string) (string, error) {
		dupContainerCfg := *containerCfg
		dupContainerCfg.User = "root"
		res, err := c.ExecInTempContainer(ctx, &dupContainerCfg, hostCfg, nil, fmt.Sprintf("id -u %s", user))
		if err != nil {
			return "", err
		}
		return res.Stdout, nil
	}

	policy, err := security.Resolve(ctx, *p.Config.ContainerUser, *p.Config.UpdateRemoteUserUID, c.MakeMeRoot, idResolver)
	if err != nil {
		slog.Error("encountered an error while resolving the user-map policy", "error", err)
		return err
	}
	if policy.UsernsMode != "" {
		hostCfg.UsernsMode = container.UsernsMode(policy.UsernsMode)
	}

	// Security options from the descriptor (and any features merged
	// into it) are only honored at creation; they cannot be applied
	// to a container that already exists.
	hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, p.Config.SecurityOpt...)

	containerID, err := c.Create(ctx, containerCfg, hostCfg, containerName, nil)
	if err != nil {
		return err
	}
	c.ContainerID = containerID
	p.DevcontainerID = &containerID

	// "Cheat" a little bit by attaching to the container immediately
	// after creation.
	//
	// Attaching to a container before it even starts prevents missing
	// a log replay upon attachment.
	//
	// A symptom of that is needing to input something after the
	// container is attached to, to get, say, the shell prompt to
	// appear.
	slog.Debug("attempting to attach to container", "id", c.ContainerID)
	attachResp, err := c.mobyClient.ContainerAttach(ctx, c.ContainerID, mobyclient.ContainerAttachOptions{
		Logs:   true,
		Stderr: true,
		Stdin:  true,
		Stdout: true,
		Stream: true,
	})
	if err != nil {
		slog.Error("encountered an error attaching to the container", "error", err)
		return err
	}
	c.attachResp = &attachResp

	return c.Start(ctx, containerID)
}

// Create creates (but does not start) a container. The client's
// identity labels are applied on top of extraLabels.
func (c *Client) Create(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, containerName string, extraLabels map[string]string) (string, error) {
	cfg := *containerCfg
	if len(c.Labels) > 0 || len(extraLabels) > 0 {
		cfg.Labels = make(map[string]string, len(cfg.Labels)+len(c.Labels)+len(extraLabels))
		for k, v := range containerCfg.Labels {
			cfg.Labels[k] = v
		}
		for k, v := range c.Labels {
			cfg.Labels[k] = v
		}
		for k, v := range extraLabels {
			cfg.Labels[k] = v
		}
	}

	createResp, err := c.mobyClient.ContainerCreate(ctx, mobyclient.ContainerCreateOptions{
		Config:     &cfg,
		HostConfig: hostCfg,
		Name:       containerName,
		Platform:   (*ocispec.Platform)(&c.Platform),
	})
	if err != nil {
		return "", &errtyp.RuntimeError{Kind: "CLIError", Message: "creating container: " + err.Error(), Cause: err}
	}
	slog.Debug("container created successfully", "id", createResp.ID)
	return createResp.ID, nil
}

// Start starts a previously created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if _, err := c.mobyClient.ContainerStart(ctx, containerID, mobyclient.ContainerStartOptions{}); err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "starting container: " + err.Error(), Cause: err}
	}
	slog.Debug("container started successfully", "id", containerID)
	return nil
}

// Stop stops a running container, waiting up to timeoutSeconds (the
// runtime's own default grace period when nil) before the runtime
// kills it.
func (c *Client) Stop(ctx context.Context, containerID string, timeoutSeconds *int) error {
	opts := mobyclient.ContainerStopOptions{}
	if timeoutSeconds != nil {
		opts.Timeout = timeoutSeconds
	}
	if _, err := c.mobyClient.ContainerStop(ctx, containerID, opts); err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "stopping container: " + err.Error(), Cause: err}
	}
	return nil
}

// Remove deletes a container, optionally with its anonymous volumes.
func (c *Client) Remove(ctx context.Context, containerID string, removeVolumes bool) error {
	if _, err := c.mobyClient.ContainerRemove(ctx, containerID, mobyclient.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	}); err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "removing container: " + err.Error(), Cause: err}
	}
	return nil
}

// StopDevcontainer signals the devcontainer to terminate.
//
// There is normally no reason to call this directly: this is intended
// to assist with cleanup when errors are encountered.
func (c *Client) StopDevcontainer(ctx context.Context) error {
	return c.Stop(ctx, c.ContainerID, nil)
}

// PsByLabels returns the IDs of every container (running or not)
// carrying all of the given labels.
func (c *Client) PsByLabels(ctx context.Context, labels map[string]string) ([]string, error) {
	filterArgs := make(mobyclient.Filters)
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	listRes, err := c.mobyClient.ContainerList(ctx, mobyclient.ContainerListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, &errtyp.RuntimeError{Kind: "CLIError", Message: "listing containers: " + err.Error(), Cause: err}
	}

	ids := make([]string, 0, len(listRes.Items))
	for _, item := range listRes.Items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// InspectContainer returns the runtime's full view of a container.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (container.InspectResponse, error) {
	inspectRes, err := c.mobyClient.ContainerInspect(ctx, containerID, mobyclient.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, &errtyp.RuntimeError{Kind: "CLIError", Message: "inspecting container: " + err.Error(), Cause: err}
	}
	return inspectRes.Container, nil
}

// CpInto copies the contents of localDir into containerDir inside the
// container, creating containerDir if needed.
func (c *Client) CpInto(ctx context.Context, containerID string, localDir string, containerDir string) error {
	if res, err := c.Exec(ctx, containerID, []string{"mkdir", "-p", containerDir}, ExecOptions{User: "root"}); err != nil {
		return err
	} else if !res.Success {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: fmt.Sprintf("creating %s in container: %s", containerDir, res.Stderr)}
	}

	tarStream, err := archive.TarWithOptions(localDir, &archive.TarOptions{
		Compression: archive.Uncompressed,
		NoLchown:    true,
	})
	if err != nil {
		return err
	}
	defer tarStream.Close()

	if _, err := c.mobyClient.ContainerCopyTo(ctx, containerID, mobyclient.ContainerCopyToOptions{
		DstPath: containerDir,
		Content: tarStream,
	}); err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "copying into container: " + err.Error(), Cause: err}
	}
	return nil
}

// AttachHostTerminalToDevcontainer attempts to route input from the
// terminal into the container's pseudo-TTY, and redirect the
// pseudo-TTY's output to the host terminal.
//
// This allows usage of the container in a terminal as one would,
// e.g., a regular shell
func (c *Client) AttachHostTerminalToDevcontainer() (err error) {
	slog.Debug("attempting to attach host terminal to container", "container", c.ContainerID)
	if c.attachResp == nil {
		return fmt.Errorf("attempted to attach host terminal without a container connection")
	}

	if c.isAttached {
		slog.Debug("attempt to attach host terminal when it's already attached; no-op")
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("stdout is not a terminal")
	}

	c.isAttached = true

	slog.Debug("attempting to resize container's pseudo-TTY")
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		slog.Error("encountered an error trying to get the terminal's dimensions", "error", err)
		return err
	}

	if err = c.ResizeContainer(uint(h), uint(w)); err != nil { // #nosec G115
		return err
	}
	slog.Debug("setting up hooks to handle terminal resizing")
	c.listenForTerminalResize()

	slog.Debug("setting host terminal to raw mode")
	restoreTerm, err := c.switchTerminalToRaw()
	if err != nil {
		return err
	}
	defer restoreTerm()

	slog.Debug("setting up terminal input/output")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(os.Stdout, c.attachResp.Reader); err != nil && err != io.EOF {
			slog.Error("encountered an error copying container output to stdout", "error", err)
		}
	}()
	go func() {
		if _, err := io.Copy(c.attachResp.Conn, os.Stdin); err != nil && !errors.Is(err, syscall.EPIPE) {
			slog.Error("encountered an error copying terminal input to container", "error", err)
		}
	}()

	wg.Wait()
	slog.Debug("detached from container", "id", c.ContainerID)

	return nil
}

// ResizeContainer sets the container's internal pseudo-TTY height and
// width to the passed in values.
func (c *Client) ResizeContainer(h uint, w uint) (err error) {
	_, err = c.mobyClient.ContainerResize(context.Background(), c.ContainerID, mobyclient.ContainerResizeOptions{
		Height: h,
		Width:  w,
	})
	return err
}

// buildContainerConfig initializes and returns a Moby
// container.Config struct for later use with containers.
func (c *Client) buildContainerConfig(p *writ.DevcontainerParser, tag string) *container.Config {
	slog.Debug("building the container configuration")
	containerEnvs := []string{}
	for key, val := range p.Config.ContainerEnv {
		containerEnvs = append(containerEnvs, fmt.Sprintf("%s=%s", key, val))
	}

	containerCfg := container.Config{
		Env:          containerEnvs,
		ExposedPorts: make(network.PortSet),
		Image:        tag,
		OpenStdin:    true,
		Tty:          true,
		WorkingDir:   *p.Config.WorkspaceFolder,
	}

	if p.Config.ContainerUser != nil {
		containerCfg.User = *p.Config.ContainerUser
	}
	if p.Config.OverrideCommand != nil && *p.Config.OverrideCommand {
		containerCfg.Entrypoint = []string{"/bin/sh"}
		containerCfg.Cmd = []string{"-c", "while sleep 1000; do :; done"}
	}

	return &containerCfg
}

// buildHostConfig initializes and returns a Moby container.HostConfig
// struct for later use with containers.
func (c *Client) buildHostConfig(p *writ.DevcontainerParser) *container.HostConfig {
	hostCfg := container.HostConfig{
		AutoRemove: true,
		Binds: []string{
			// By default, the context is mounted as the workspace folder
			fmt.Sprintf("%s:%s", *p.Config.Context, *p.Config.WorkspaceFolder),
		},
		CapAdd:       p.Config.CapAdd,
		PortBindings: make(network.PortMap),
		Privileged:   *p.Config.Privileged,
	}

	if p.Config.Init != nil && *p.Config.Init {
		hostCfg.Init = p.Config.Init
	}

	return &hostCfg
}

// bindAppPorts sets up the struct fields necessary to bind the ports
// in appPorts on the host machine.
//
// Requires containerCfg and hostCfg to be pointers to their
// respective structs.
func (c *Client) bindAppPorts(p *writ.DevcontainerParser, containerCfg *container.Config, hostCfg *container.HostConfig) error {
	if p.Config.AppPort != nil && len(*p.Config.AppPort) > 0 {
		exposedPorts, portMap, err := nat.ParsePortSpecs(*p.Config.AppPort)
		if err != nil {
			slog.Error("error parsing appPort", "appPort", *p.Config.AppPort, "error", err)
			return err
		}

		for port, set := range exposedPorts {
			nativePort := network.MustParsePort(port.Port())
			if nativePort.Num() < 1024 {
				unprivilegedPort, ok := network.PortFrom(c.PrivilegedPortElevator(nativePort.Num()), nativePort.Proto())
				if !ok {
					return fmt.Errorf("could not convert privileged port into an unprivileged one: %#v", nativePort)
				}
				containerCfg.ExposedPorts[unprivilegedPort] = set
			}
			containerCfg.ExposedPorts[network.MustParsePort(port.Port())] = set
		}

		for port, bindings := range portMap {
			var portBindings []network.PortBinding
			for _, binding := range bindings {
				hostIP := binding.HostIP
				if len(hostIP) == 0 {
					// Maybe make this configurable so ports can be exposed to beyond localhost?
					hostIP = "127.0.0.1"
				}

				hostPort := network.MustParsePort(binding.HostPort)
				if hostPort.Num() < 1024 {
					unprivilegedPort, ok := network.PortFrom(c.PrivilegedPortElevator(hostPort.Num()), hostPort.Proto())
					if !ok {
						return fmt.Errorf("could not convert privileged appPorts into an unprivileged one: %#v", hostPort)
					}
					slog.Debug("converted a privileged appPorts to an unprivileged one", "old-port", hostPort.Num(), "new-port", unprivilegedPort.Num())
					binding.HostPort = strconv.Itoa(int(unprivilegedPort.Num()))
				}

				portBindings = append(portBindings, network.PortBinding{
					HostIP:   netip.MustParseAddr(hostIP),
					HostPort: binding.HostPort,
				})
			}
			hostCfg.PortBindings[network.MustParsePort(port.Port())] = portBindings
		}
	}

	return nil
}

// bindForwardPorts sets up the struct fields necessary to bind the
// ports in forwardPorts on the host machine.
//
// Requires containerCfg and hostCfg to be pointers to their
// respective structs.
func (c *Client) bindForwardPorts(p *writ.DevcontainerParser, containerCfg *container.Config, hostCfg *container.HostConfig) error {
	if len(p.Config.ForwardPorts) < 1 {
		return nil
	}

	for _, forwardPort := range p.Config.ForwardPorts {
		port, err := network.ParsePort(forwardPort)
		if err != nil {
			slog.Error("cannot parse forward port", "port", forwardPort, "error", err)
			return err
		}
		containerCfg.ExposedPorts[port] = struct{}{}
		portNum, err := strconv.Atoi(forwardPort)
		if err != nil {
			return err
		}
		if portNum < 1024 {
			unprivilegedPort, ok := network.PortFrom(c.PrivilegedPortElevator(uint16(portNum)), network.TCP)
			if !ok {
				return fmt.Errorf("could not convert privileged forwardPorts into an unprivileged one: %#v", portNum)
			}
			slog.Debug("converted a privileged forwardPorts to an unprivileged one", "old-port", portNum, "new-port", unprivilegedPort.Num())
			forwardPort = strconv.Itoa(int(unprivilegedPort.Num()))

		}
		hostCfg.PortBindings[port] = []network.PortBinding{
			{
				HostIP:   netip.MustParseAddr("127.0.0.1"),
				HostPort: forwardPort,
			},
		}
	}

	return nil
}

// bindMounts sets up bind and/or volume mounts.
//
// Requires hostCfg to its respective struct.
func (c *Client) bindMounts(p *writ.DevcontainerParser, hostCfg *container.HostConfig) {
	for _, mountEntry := range p.Config.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, (mount.Mount)(*mountEntry))
	}
}

// setContainerAndRemoteUser tries to determine what value the
// containerUser and remoteUser fields should have based on a target
// image, provided they're not already set.
func (c *Client) setContainerAndRemoteUser(p *writ.DevcontainerParser, imageTag string) (err error) {
	if p.Config.ContainerUser == nil {
		slog.Info("containerUser not set; attempting to figure it out using image metadata")
		var imageCfg *imagespec.DockerOCIImageConfig
		if imageCfg, err = c.InspectImage(imageTag); err == nil {
			imageUser := imageCfg.User
			if len(imageUser) == 0 {
				imageUser = "root"
			}
			p.Config.ContainerUser = &imageUser
		}
	} else {
		slog.Debug("containerUser already set; skipping image metadata inspection", "user", *p.Config.ContainerUser)
	}

	if err == nil && p.Config.RemoteUser == nil {
		slog.Info("remoteUser not set; setting to be the same as containerUser", "user", *p.Config.ContainerUser)
		p.Config.RemoteUser = p.Config.ContainerUser
	}

	return err
}

// switchTerminalToRaw attempts to switch the current terminal to raw
// mode.
//
// If no errors are encountered, returns a function that restores the
// previous state of the terminal.
//
// Switching the terminal to raw mode ensures that input with
// control characters (e.g., Ctrl-D) get passed through to the
// container
func (c *Client) switchTerminalToRaw() (func(), error) {
	slog.Debug("switching terminal to raw mode")
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		slog.Error("encountered an error while trying to switch terminal to raw mode", "error", err)
		return nil, err
	}

	return func() {
		slog.Debug("restoring terminal state")
		if err := term.Restore(fd, oldState); err != nil {
			slog.Error("encountered an error while trying to restore terminal state", "error", err)
		}
	}, nil
}
