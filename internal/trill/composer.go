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
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	compose "github.com/compose-spec/compose-go/cli"
	composetypes "github.com/compose-spec/compose-go/types"
	"github.com/heimdalr/dag"
	dockerspecs "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	mobyclient "github.com/moby/moby/client"

	"github.com/deacon-dev/deacon/writ"
)

// ExtraMount aliases the Moby mount type so callers outside this
// package can hand mounts over without importing the Moby API
// themselves.
type ExtraMount = mount.Mount

// ComposeUpOptions customizes an UpComposeProject call.
type ComposeUpOptions struct {
	ProjectName string
	Profiles    []string
	EnvFiles    []string
	ExtraEnv    map[string]string
	// ExtraMounts are additional mounts (from the CLI or merged
	// features) synthesized into the designated service's container,
	// the override-layer equivalent of a generated compose file.
	ExtraMounts []ExtraMount
	// ImageTagPrefix prefixes tags of images built for services.
	ImageTagPrefix string
	// SkipBuildIfAvailable/SkipPullIfAvailable reuse local images
	// instead of rebuilding/repulling.
	SkipBuildIfAvailable bool
	SkipPullIfAvailable  bool
	SuppressOutput       bool
}

// UpComposeProject provisions the Compose project referenced by a
// devcontainer.json configuration: networks, volumes, then services
// in dependency order.
//
// It is not dissimilar to running `docker compose up -d` inside your
// codebase.
func (c *Client) UpComposeProject(ctx context.Context, p *writ.DevcontainerParser, opts ComposeUpOptions) error {
	projOptionFns := []compose.ProjectOptionsFn{
		compose.WithConsistency(true),
		compose.WithContext(ctx),
		compose.WithInterpolation(true),
		compose.WithName(opts.ProjectName),
		compose.WithNormalization(true),
		compose.WithResolvedPaths(true),
		compose.WithWorkingDirectory(*p.Config.Context),
	}
	if len(opts.Profiles) > 0 {
		projOptionFns = append(projOptionFns, compose.WithProfiles(opts.Profiles))
	}
	for _, envFile := range opts.EnvFiles {
		projOptionFns = append(projOptionFns, compose.WithEnvFiles(envFile))
	}
	if len(opts.ExtraEnv) > 0 {
		pairs := make([]string, 0, len(opts.ExtraEnv))
		for k, v := range opts.ExtraEnv {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
		}
		projOptionFns = append(projOptionFns, compose.WithEnv(pairs))
	}

	projOptions, err := compose.NewProjectOptions([]string(*p.Config.DockerComposeFile), projOptionFns...)
	if err != nil {
		slog.Error("encountered an error while creating project options", "error", err)
		return err
	}

	c.composerProject, err = compose.ProjectFromOptions(projOptions)
	if err != nil {
		slog.Error("encountered an error while trying to create a project from options", "error", err)
		return err
	}

	c.servicesDAG = dag.NewDAG()
	// First, add the vertices, to make sure the edges will have a
	// valid reference...
	for _, service := range c.composerProject.AllServices() {
		if err := c.servicesDAG.AddVertexByID(service.Name, &service); err != nil {
			return err
		}
	}
	// ... then the edges
	for _, service := range c.composerProject.AllServices() {
		for _, dependency := range service.GetDependencies() {
			if err := c.servicesDAG.AddEdge(dependency, service.Name); err != nil {
				return err
			}
		}
	}

	// Check that p.Config.Service is named as a container in the
	// Compose project, otherwise we won't know which one to attach
	// to.
	if _, err := c.servicesDAG.GetVertex(*p.Config.Service); err != nil {
		slog.Debug("service container in devcontainer.json not named in Compose YAML", "service", *p.Config.Service, "vertices", maps.Keys(c.servicesDAG.GetVertices()))
		return fmt.Errorf("service container in devcontainer.json not named in Compose YAML: %s", *p.Config.Service)
	}

	if err := c.createComposeNetworks(ctx, c.composerProject.Networks); err != nil {
		slog.Error("encountered an error while attempting to create network(s)", "error", err)
		return err
	}

	if err := c.createComposeVolumes(ctx, c.composerProject.Volumes); err != nil {
		slog.Error("encountered an error while attempting to create service volume(s)", "error", err)
		return err
	}

	spinUpDAG, err := c.servicesDAG.Copy()
	if err != nil {
		slog.Error("could not duplicate services DAG", "error", err)
		return err
	}

	if err := c.createComposeServices(ctx, p, spinUpDAG, opts); err != nil {
		slog.Error("encountered an error while trying to spin up service(s)", "error", err)
		return err
	}

	return nil
}

// DownComposeProject tears down a provisioned Compose project's
// resources. When removeVolumes is set, the project's non-external
// named volumes are removed too.
//
// It is not dissimilar to running `docker compose down` inside your
// codebase.
func (c *Client) DownComposeProject(ctx context.Context, removeVolumes bool) error {
	slog.Debug("tearing down resources related to the Compose project")
	if c.servicesDAG == nil {
		return nil
	}
	teardownDAG, err := c.servicesDAG.Copy()
	if err != nil {
		return err
	}
	if err := c.teardownComposeServices(ctx, teardownDAG); err != nil {
		return err
	}

	for _, networkCfg := range c.composerProject.Networks {
		if networkCfg.External.External {
			continue
		}
		slog.Debug("removing generated network", "network", networkCfg.Name)
		if _, err := c.mobyClient.NetworkRemove(ctx, networkCfg.Name, mobyclient.NetworkRemoveOptions{}); err != nil {
			return err
		}
	}

	if removeVolumes {
		for _, volumeCfg := range c.composerProject.Volumes {
			if volumeCfg.External.External {
				continue
			}
			slog.Debug("removing generated volume", "volume", volumeCfg.Name)
			if _, err := c.mobyClient.VolumeRemove(ctx, volumeCfg.Name, mobyclient.VolumeRemoveOptions{}); err != nil {
				return err
			}
		}
	}

	return nil
}

// ComposePs maps each of the loaded project's services to its backing
// container ID; services with no live container are omitted.
func (c *Client) ComposePs(ctx context.Context) (map[string]string, error) {
	if c.composerProject == nil {
		return nil, fmt.Errorf("no Compose project is loaded")
	}

	services := make(map[string]string)
	for _, service := range c.composerProject.AllServices() {
		containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, service.Name)
		inspectRes, err := c.mobyClient.ContainerInspect(ctx, containerName, mobyclient.ContainerInspectOptions{})
		if err != nil {
			slog.Debug("service has no live container", "service", service.Name, "error", err)
			continue
		}
		services[service.Name] = inspectRes.Container.ID
	}
	return services, nil
}

// StopComposeService stops a single service's container without
// touching the rest of the project.
func (c *Client) StopComposeService(ctx context.Context, service string) error {
	if c.composerProject == nil {
		return fmt.Errorf("no Compose project is loaded")
	}
	containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, service)
	return c.Stop(ctx, containerName, nil)
}

// ExecComposeService runs a command inside a named service's
// container.
func (c *Client) ExecComposeService(ctx context.Context, service string, argv []string, opts ExecOptions) (ExecResult, error) {
	if c.composerProject == nil {
		return ExecResult{}, fmt.Errorf("no Compose project is loaded")
	}
	containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, service)
	return c.Exec(ctx, containerName, argv, opts)
}

// buildServiceBuildInput derives a BuildInput from a
// composetypes.BuildConfig; the result is used when provisioning the
// container for the target service.
func (c *Client) buildServiceBuildInput(buildCfg *composetypes.BuildConfig, imageTag string, suppressOutput bool) (BuildInput, error) {
	if len(buildCfg.DockerfileInline) > 0 {
		containerfilePath, err := c.synthesizeInlineContainerfile(buildCfg.Context, &buildCfg.DockerfileInline)
		if err != nil {
			slog.Error("encountered an error while attempting to synthesize a Containerfile from an inlined one", "error", err)
			return BuildInput{}, err
		}
		buildCfg.Dockerfile = containerfilePath
	}

	input := BuildInput{
		ContextDir:     buildCfg.Context,
		DockerfilePath: buildCfg.Dockerfile,
		Target:         buildCfg.Target,
		BuildArgs:      buildCfg.Args,
		Tags:           append(append([]string{}, buildCfg.Tags...), imageTag),
		NoCache:        buildCfg.NoCache,
		CacheFrom:      buildCfg.CacheFrom,
		Labels:         buildCfg.Labels,
		SuppressOutput: suppressOutput,
	}
	return input, nil
}

// buildServiceContainerConfig creates a container.Config based on a
// composetypes.ServiceConfig; it is eventually used to provision the
// container for the target service.
func (c *Client) buildServiceContainerConfig(p *writ.DevcontainerParser, serviceCfg *composetypes.ServiceConfig) *container.Config {
	// We mostly want the Env field and some defaults set...
	containerCfg := c.buildContainerConfig(p, serviceCfg.Image)
	// ... we overwrite where needed
	containerCfg.Hostname = serviceCfg.Hostname
	containerCfg.Domainname = serviceCfg.DomainName
	containerCfg.Tty = serviceCfg.Tty
	containerCfg.OpenStdin = serviceCfg.StdinOpen
	containerCfg.Cmd = serviceCfg.Command
	containerCfg.Entrypoint = serviceCfg.Entrypoint
	containerCfg.Labels = serviceCfg.Labels
	containerCfg.StopSignal = serviceCfg.StopSignal

	if serviceCfg.Attach != nil {
		containerCfg.AttachStdin = *serviceCfg.Attach
		containerCfg.AttachStdout = *serviceCfg.Attach
		containerCfg.AttachStderr = *serviceCfg.Attach
	}

	if serviceCfg.HealthCheck != nil && !serviceCfg.HealthCheck.Disable {
		containerCfg.Healthcheck = &dockerspecs.HealthcheckConfig{
			Test:          serviceCfg.HealthCheck.Test,
			Interval:      time.Duration(*serviceCfg.HealthCheck.Interval),
			Timeout:       time.Duration(*serviceCfg.HealthCheck.Timeout),
			StartPeriod:   time.Duration(*serviceCfg.HealthCheck.StartPeriod),
			StartInterval: time.Duration(*serviceCfg.HealthCheck.StartInterval),
			Retries:       int(*serviceCfg.HealthCheck.Retries),
		}
	}

	for key, val := range serviceCfg.Environment {
		if val != nil {
			containerCfg.Env = append(containerCfg.Env, fmt.Sprintf("%s=%s", key, *val))
		} else if localEnv, ok := os.LookupEnv(key); ok {
			containerCfg.Env = append(containerCfg.Env, fmt.Sprintf("%s=%s", key, localEnv))
		}
	}

	containerCfg.User = serviceCfg.User
	containerCfg.WorkingDir = serviceCfg.WorkingDir

	return containerCfg
}

func (c *Client) buildServiceHostConfig(serviceCfg *composetypes.ServiceConfig) *container.HostConfig {
	hostCfg := container.HostConfig{
		PortBindings:   make(network.PortMap),
		AutoRemove:     false, // This is handled when the project is torn down
		CapAdd:         serviceCfg.CapAdd,
		CapDrop:        serviceCfg.CapDrop,
		DNSOptions:     serviceCfg.DNSOpts,
		GroupAdd:       serviceCfg.GroupAdd,
		IpcMode:        container.IpcMode(serviceCfg.Ipc),
		Cgroup:         container.CgroupSpec(serviceCfg.Cgroup),
		Links:          serviceCfg.Links,
		OomScoreAdj:    int(serviceCfg.OomScoreAdj),
		PidMode:        container.PidMode(serviceCfg.Pid),
		Privileged:     serviceCfg.Privileged,
		ReadonlyRootfs: serviceCfg.ReadOnly,
		SecurityOpt:    serviceCfg.SecurityOpt,
		UTSMode:        container.UTSMode(serviceCfg.Uts),
		UsernsMode:     container.UsernsMode(serviceCfg.UserNSMode),
		ShmSize:        int64(serviceCfg.ShmSize),
		Sysctls:        serviceCfg.Sysctls,
		Runtime:        serviceCfg.Runtime,
		Isolation:      container.Isolation(serviceCfg.Isolation),
		Init:           serviceCfg.Init,
	}

	for _, dns := range serviceCfg.DNS {
		hostCfg.DNS = append(hostCfg.DNS, netip.MustParseAddr(dns))
	}

	for host, addr := range serviceCfg.ExtraHosts {
		hostCfg.ExtraHosts = append(hostCfg.ExtraHosts, fmt.Sprintf("%s:%s", host, addr))
	}

	for _, portCfg := range serviceCfg.Ports {
		portNumInt, err := strconv.ParseInt(portCfg.Published, 10, 16)
		portNum := uint16(portNumInt)
		if err != nil {
			slog.Error("published port cannot be converted to an int", "service", serviceCfg.Name, "port", portCfg.Published)
			continue
		}
		if portNum < 1024 {
			portNum = c.PrivilegedPortElevator(portNum)
		}
		port := network.MustParsePort(fmt.Sprintf("%d/%s", portNum, portCfg.Protocol))
		hostCfg.PortBindings[port] = []network.PortBinding{{
			HostIP:   netip.MustParseAddr("127.0.0.1"),
			HostPort: portCfg.Published,
		}}
	}

	for _, tmpfs := range serviceCfg.Tmpfs {
		if hostCfg.Tmpfs == nil {
			hostCfg.Tmpfs = make(map[string]string)
		}
		hostCfg.Tmpfs[tmpfs] = ""
	}

	for _, volume := range serviceCfg.Volumes {
		if volume.Type == "volume" && len(volume.Source) == 0 {
			hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
				Type:   mount.TypeVolume,
				Target: volume.Target,
			})
		} else {
			hostCfg.Binds = append(hostCfg.Binds, volume.String())
		}
	}

	return &hostCfg
}

// convertNetworkConfig converts a NetworkConfig to a
// NetworkCreateOptions so it can be used with the REST API.
func (c *Client) convertNetworkConfig(networkCfg composetypes.NetworkConfig) (*mobyclient.NetworkCreateOptions, error) {
	if len(networkCfg.Ipam.Driver) > 0 || networkCfg.Ipam.Config != nil {
		slog.Error("network config conversion for IPAM config is not supported", "ipamcfg", networkCfg.Ipam)
		return nil, fmt.Errorf("network config relies on unsupported IPAM functionality")
	}

	defTrue := true
	nco := mobyclient.NetworkCreateOptions{
		Driver:     networkCfg.Driver,
		Scope:      "local",
		EnableIPv4: &defTrue,
		EnableIPv6: &networkCfg.EnableIPv6,
		Internal:   networkCfg.Internal,
		Attachable: networkCfg.Attachable,
		Ingress:    false,
		ConfigOnly: false,
	}
	return &nco, nil
}

// createComposeNetworks provisions networks declared by a Compose
// configuration. Networks marked external are referenced, never
// created.
//
// Returns the first error it encounters (if any), and is liable to
// leave the Compose project in an indeterminate state.
func (c *Client) createComposeNetworks(ctx context.Context, networks map[string]composetypes.NetworkConfig) error {
	for _, networkCfg := range networks {
		if networkCfg.External.External {
			slog.Debug("network is external; referencing without creating", "network", networkCfg.Name)
			continue
		}

		networkCreateOpts, err := c.convertNetworkConfig(networkCfg)
		if err != nil {
			return err
		}
		res, err := c.mobyClient.NetworkCreate(ctx, networkCfg.Name, *networkCreateOpts)
		if err != nil {
			return err
		}
		for _, warning := range res.Warning {
			slog.Warn(warning)
		}
	}
	return nil
}

// createComposeVolumes provisions named volumes declared by a Compose
// configuration. Volumes marked external are referenced, never
// created.
func (c *Client) createComposeVolumes(ctx context.Context, volumes composetypes.Volumes) error {
	for _, volumeCfg := range volumes {
		if volumeCfg.External.External {
			slog.Debug("volume is external; referencing without creating", "volume", volumeCfg.Name)
			continue
		}

		slog.Debug("creating named volume", "volume", volumeCfg.Name)
		if _, err := c.mobyClient.VolumeCreate(ctx, mobyclient.VolumeCreateOptions{
			Name:       volumeCfg.Name,
			Driver:     volumeCfg.Driver,
			DriverOpts: volumeCfg.DriverOpts,
			Labels:     volumeCfg.Labels,
		}); err != nil {
			return err
		}
	}
	return nil
}

// createComposeService provisions a single Compose service, and is
// intended to be called by createComposeServices when it walks a DAG
// of services.
func (c *Client) createComposeService(ctx context.Context, p *writ.DevcontainerParser, serviceCfg *composetypes.ServiceConfig, opts ComposeUpOptions) error {
	containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, serviceCfg.Name)
	imageTag := fmt.Sprintf("%s%s", opts.ImageTagPrefix, containerName)
	slog.Debug("converting service config to Moby equivalents", "name", containerName)

	if err := c.waitForServiceDependencies(ctx, &serviceCfg.DependsOn); err != nil {
		return err
	}

	containerCfg := c.buildServiceContainerConfig(p, serviceCfg)
	hostCfg := c.buildServiceHostConfig(serviceCfg)
	if serviceCfg.Build != nil {
		if opts.SkipBuildIfAvailable && c.ImageExists(ctx, imageTag) {
			slog.Debug("image already present; skipping build", "tag", imageTag)
		} else {
			input, err := c.buildServiceBuildInput(serviceCfg.Build, imageTag, opts.SuppressOutput)
			if err != nil {
				return err
			}
			if _, err := c.Build(ctx, input); err != nil {
				return err
			}
		}
		containerCfg.Image = imageTag
	} else if len(serviceCfg.Image) > 0 {
		if opts.SkipPullIfAvailable && c.ImageExists(ctx, serviceCfg.Image) {
			slog.Debug("image already present; skipping pull", "image", serviceCfg.Image)
		} else if err := c.PullContainerImage(ctx, serviceCfg.Image, opts.SuppressOutput); err != nil {
			return err
		}
		containerCfg.Image = serviceCfg.Image
	}

	isDesignated := *p.Config.Service == serviceCfg.Name
	if isDesignated {
		if p.Config.ContainerUser != nil {
			containerCfg.User = *p.Config.ContainerUser
		}
		if p.Config.WorkspaceFolder != nil {
			containerCfg.WorkingDir = *p.Config.WorkspaceFolder
		}
		// Additional mounts from the CLI and merged features land on
		// the designated service only.
		hostCfg.Mounts = append(hostCfg.Mounts, opts.ExtraMounts...)
	}

	slog.Debug("creating Compose service container", "name", containerName)
	containerID, err := c.Create(ctx, containerCfg, hostCfg, containerName, nil)
	if err != nil {
		return err
	}
	if isDesignated {
		c.ContainerID = containerID
		p.DevcontainerID = &containerID

		attachResp, err := c.mobyClient.ContainerAttach(ctx, containerID, mobyclient.ContainerAttachOptions{
			Logs:   true,
			Stderr: true,
			Stdin:  true,
			Stdout: true,
			Stream: true,
		})
		if err != nil {
			return err
		}
		c.attachResp = &attachResp
	}
	return c.Start(ctx, containerID)
}

// createComposeServices iterates through servicesDAG breadth-first
// and fires off provisioning functions until the DAG is exhausted.
//
// It returns the first error it encounters, and is liable to leave
// the Compose project in an indeterminate state.
func (c *Client) createComposeServices(ctx context.Context, p *writ.DevcontainerParser, servicesDAG *dag.DAG, opts ComposeUpOptions) error {
	roots := servicesDAG.GetRoots()
	for len(roots) > 0 {
		errChan := make(chan error, len(roots))
		var wg sync.WaitGroup

		for raw := range maps.Values(roots) {
			serviceCfg, ok := raw.(*composetypes.ServiceConfig)
			if !ok {
				return fmt.Errorf("value for vertex is of unexpected type")
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				errChan <- c.createComposeService(ctx, p, serviceCfg, opts)
			}()
		}
		wg.Wait()
		close(errChan)

		for err := range errChan {
			if err != nil {
				return err
			}
		}

		for id := range roots {
			if err := servicesDAG.DeleteVertex(id); err != nil {
				return err
			}
		}

		roots = servicesDAG.GetRoots()
	}

	return nil
}

// synthesizeInlineContainerfile creates a file-based Containerfile
// from an inlined configuration in a Compose YAML.
func (c *Client) synthesizeInlineContainerfile(contextPath string, inlinedContainerfile *string) (containerfilePath string, err error) {
	containerfilePath = filepath.Join(contextPath, "Containerfile")
	cf, err := os.OpenFile(containerfilePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			return
		}
		err = cf.Close()
	}()
	_, err = cf.WriteString(*inlinedContainerfile)
	return containerfilePath, err
}

// teardownComposeServices goes through the services from leaves to
// roots to stop and remove them.
func (c *Client) teardownComposeServices(ctx context.Context, servicesDAG *dag.DAG) error {
	leaves := servicesDAG.GetLeaves()
	for len(leaves) > 0 {
		var wg sync.WaitGroup
		errChan := make(chan error, len(leaves))

		for raw := range maps.Values(leaves) {
			serviceCfg, ok := raw.(*composetypes.ServiceConfig)
			if !ok {
				return fmt.Errorf("value for vertex is of unexpected type")
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, serviceCfg.Name)
				slog.Info("stopping and removing Compose container", "container", containerName)
				if _, err := c.mobyClient.ContainerStop(ctx, containerName, mobyclient.ContainerStopOptions{}); err != nil {
					errChan <- err
					return
				}
				if _, err := c.mobyClient.ContainerRemove(ctx, containerName, mobyclient.ContainerRemoveOptions{}); err != nil {
					errChan <- err
				}
			}()
		}
		wg.Wait()
		close(errChan)

		for err := range errChan {
			if err != nil {
				return err
			}
		}

		for id := range leaves {
			if err := servicesDAG.DeleteVertex(id); err != nil {
				return err
			}
		}

		leaves = servicesDAG.GetLeaves()
	}

	return nil
}

// waitForServiceDependencies goes through a service's depends_on
// configuration and performs blocking checks until the specified
// conditions are met.
//
// Note that, at the point this function is called, the services a
// target service depends on would have been created and started.
func (c *Client) waitForServiceDependencies(ctx context.Context, dependsOn *composetypes.DependsOnConfig) error {
	if len(*dependsOn) < 1 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(*dependsOn))

	for containerBasename, dependency := range *dependsOn {
		containerName := fmt.Sprintf("%s--%s", c.composerProject.Name, containerBasename)
		condition := dependency.Condition
		slog.Debug("attempting to resolve service dependency", "service", containerName, "condition", condition)
		wg.Add(1)
		go func() {
			ticker := time.NewTicker(1 * time.Second)

			defer ticker.Stop()
			defer wg.Done()

			var loopCtr uint
			for range ticker.C {
				slog.Debug("inspecting container state", "service", containerName)
				inspectRes, err := c.mobyClient.ContainerInspect(ctx, containerName, mobyclient.ContainerInspectOptions{})
				if err != nil {
					slog.Debug("encountered an error while inspecting container state", "service", containerName, "error", err)
					errChan <- err
					return
				}
				slog.Debug("container state inspected", "service", containerName, "state", inspectRes.Container.State.Status)
				switch condition {
				case "service_completed_successfully":
					if !inspectRes.Container.State.Running {
						slog.Debug("container flagged as having exited", "service", containerName)
						if inspectRes.Container.State.ExitCode != 0 {
							slog.Debug("container needed to complete successfully but didn't", "service", containerName, "exit-code", inspectRes.Container.State.ExitCode)
							errChan <- fmt.Errorf("service %s needed to complete successfully but had exit code %d", containerName, inspectRes.Container.State.ExitCode)
						}
						return
					}
					slog.Debug("blocking until container's next exit", "service", containerName)
					waitOpts := mobyclient.ContainerWaitOptions{
						Condition: container.WaitConditionNextExit,
					}
					waitResult := c.mobyClient.ContainerWait(ctx, containerName, waitOpts)
					for waitError := range waitResult.Error {
						slog.Debug("encountered an error while waiting for container's next exit", "service", containerName, "error", waitError)
						errChan <- waitError
						return
					}
					// Let's be lazy and just have the next tick
					// figure out the exit code

				case "service_healthy":
					if !inspectRes.Container.State.Running {
						// If a container isn't running this early on,
						// it probably means it has crashed shortly
						// after it was started and bears
						// investigation
						slog.Error("container is flagged as not running", "service", containerName, "exit-code", inspectRes.Container.State.ExitCode)
						errChan <- fmt.Errorf("service %s needed to be healthy but isn't", containerName)
						return
					}

					if inspectRes.Container.State.Health == nil || inspectRes.Container.State.Health.Status == container.NoHealthcheck {
						slog.Error("container has healthcheck dependents but has no healthcheck defined", "service", containerName)
						errChan <- fmt.Errorf("service %s lacks a healthcheck", containerName)
						return
					}

					if inspectRes.Container.State.Health.Status == container.Unhealthy {
						slog.Debug("container reports being unhealthy", "service", containerName, "counter", loopCtr)
						if loopCtr >= 10 {
							slog.Error("encountered timeout while waiting for container to become healthy", "service", containerName)
							errChan <- fmt.Errorf("encountered timeout while waiting for container %s to become healthy", containerName)
						}
					} else {
						slog.Debug("container reports being healthy", "service", containerName, "counter", loopCtr)
						if loopCtr >= 6 {
							return
						}
					}
					loopCtr++

				case "service_started":
					if !inspectRes.Container.State.Running {
						// See comment for service_healthy
						slog.Error("container is flagged as not running", "service", containerName, "exit-code", inspectRes.Container.State.ExitCode)
						errChan <- fmt.Errorf("service %s needed to be running but isn't", containerName)
						return
					}

					// We *could* return immediately here, but I
					// prefer to wait a few seconds to make sure that
					// the service stays up before doing so
					if loopCtr++; loopCtr >= 6 {
						return
					}

				default:
					errChan <- fmt.Errorf("unknown dependency condition specified: %s", condition)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}

	return nil
}
