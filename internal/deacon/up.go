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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/identity"
	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/security"
	"github.com/deacon-dev/deacon/internal/state"
	"github.com/deacon-dev/deacon/internal/trill"
	"github.com/deacon-dev/deacon/writ"
)

// UpResult is the success envelope payload of the up operation
// (§6.2).
type UpResult struct {
	Outcome               string          `json:"outcome"`
	ContainerID           string          `json:"containerId"`
	RemoteUser            string          `json:"remoteUser"`
	RemoteWorkspaceFolder string          `json:"remoteWorkspaceFolder"`
	ComposeProjectName    string          `json:"composeProjectName,omitempty"`
	Configuration         json.RawMessage `json:"configuration,omitempty"`
	MergedConfiguration   json.RawMessage `json:"mergedConfiguration,omitempty"`
}

// Up realizes the descriptor into a running, feature-installed,
// lifecycle-completed container (or Compose project) and returns the
// envelope payload.
func (cmd *Command) Up(ctx context.Context) (*UpResult, error) {
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}
	p := cmd.parser

	client, err := cmd.runtimeClient()
	if err != nil {
		return nil, err
	}
	for k, v := range cmd.identity.Labels {
		client.Labels[k] = v
	}

	if !cmd.Options.Prebuild {
		if err := cmd.RunInitialize(ctx, p); err != nil {
			return nil, err
		}
	}

	if err := cmd.checkDisallowedFeatures(p); err != nil {
		return nil, err
	}
	if err := cmd.PrepareFeaturesData(ctx, p.Config.Features, p.Filepath); err != nil {
		return nil, err
	}
	if err := cmd.ParseFeaturesConfig(ctx, p, p.Config.Features); err != nil {
		return nil, err
	}
	plan, err := cmd.BuildFeaturesInstallationPlan(ctx, p.Config.OverrideFeatureInstallOrder)
	if err != nil {
		return nil, err
	}

	// Feature-declared mounts, capabilities, and privilege must be
	// present at creation time; install scripts run after start.
	cmd.propagateFeatureMetadata(p)

	if cmd.Options.RemoveExistingContainer {
		if err := cmd.reapExistingContainers(ctx, client); err != nil {
			return nil, err
		}
	}

	selection, err := p.Config.BaseImage()
	if err != nil {
		return nil, err
	}

	composeProjectName := ""
	imageID := ""
	switch selection.Kind {
	case writ.BaseImageCompose:
		composeProjectName = identity.ContainerNamePrefix + cmd.identity.WorkspaceHash
		if err := cmd.upCompose(ctx, client, p, composeProjectName); err != nil {
			return nil, err
		}
	case writ.BaseImageDockerfile:
		if imageID, err = cmd.upFromDockerfile(ctx, client, p); err != nil {
			return nil, err
		}
	case writ.BaseImageRef:
		if imageID, err = cmd.upFromImage(ctx, client, p, selection.ImageRef); err != nil {
			return nil, err
		}
	}

	if err := cmd.saveState(ctx, client, selection, composeProjectName, imageID); err != nil {
		// The container is already running; a state-store hiccup is
		// worth a warning, not an abort.
		slog.Warn("could not persist workspace state record", "error", err)
	}

	if err := cmd.InstallFeatures(ctx, client, p, plan); err != nil {
		return nil, err
	}

	cmd.applyRemoteUserMapping(ctx, client, p)

	if err := cmd.RunLifecycle(ctx, client, p); err != nil {
		return nil, err
	}

	result := &UpResult{
		Outcome:               "success",
		ContainerID:           client.ContainerID,
		RemoteUser:            derefOr(p.Config.RemoteUser, ""),
		RemoteWorkspaceFolder: derefOr(p.Config.WorkspaceFolder, ""),
		ComposeProjectName:    composeProjectName,
	}
	if cmd.Options.IncludeConfiguration {
		if raw, err := cmd.resolved.MergedJSON(false); err == nil {
			result.Configuration = raw
		}
	}
	if cmd.Options.IncludeMergedConfiguration {
		if raw, err := cmd.resolved.MergedJSON(true); err == nil {
			result.MergedConfiguration = raw
		}
	}
	return result, nil
}

// resolveConfiguration runs discovery, the layered resolver, and the
// runtime parser, then derives the container identity. It fills
// cmd.parser, cmd.resolved, and cmd.identity.
func (cmd *Command) resolveConfiguration(ctx context.Context) error {
	_, span := observability.Start(ctx, observability.ConfigResolve)
	defer span.End()

	configPath := cmd.Options.ConfigPath
	if configPath == "" {
		var name *string
		if cmd.Options.ConfigName != "" {
			name = &cmd.Options.ConfigName
		}
		discovered, err := writ.Discover(cmd.Options.WorkspaceFolder, name)
		if err != nil {
			span.RecordError(err)
			return err
		}
		configPath = discovered
	}

	canonicalRoot, err := identity.CanonicalWorkspaceRoot(cmd.Options.WorkspaceFolder)
	if err != nil {
		return err
	}

	resolveOpts := writ.ResolveOptions{
		OverrideConfigPath:   cmd.Options.OverrideConfigPath,
		DevcontainerID:       identity.DevcontainerID(canonicalRoot),
		SkipHostRequirements: cmd.Options.SkipHostRequirements,
	}
	if cmd.secrets != nil {
		resolveOpts.LocalEnv = cmd.secrets.AsEnv()
	}
	resolved, err := writ.Resolve(configPath, resolveOpts)
	if err != nil {
		span.RecordError(err)
		return err
	}
	cmd.resolved = resolved

	for selector := range resolved.Substitution.Unknown {
		slog.Warn("descriptor references an unknown substitution variable", "selector", selector)
	}

	parser, err := writ.NewDevcontainerParser(configPath)
	if err != nil {
		return err
	}
	if err := parser.Validate(); err != nil {
		return &errtyp.ConfigError{Kind: "Validation", Message: err.Error(), Paths: []string{configPath}, Cause: err}
	}
	if err := parser.Parse(); err != nil {
		return &errtyp.ConfigError{Kind: "Parse", Message: err.Error(), Paths: []string{configPath}, Cause: err}
	}
	parser.ProcessSubstitutions()
	cmd.parser = parser

	ident, err := identity.Resolve(cmd.Options.WorkspaceFolder, configPath, resolved.Config.Name)
	if err != nil {
		return err
	}
	cmd.identity = ident
	span.SetWorkspaceID(observability.WorkspaceID(ident.CanonicalRoot))
	return nil
}

// checkDisallowedFeatures enforces DEACON_DISALLOWED_FEATURES against
// the descriptor's feature set.
func (cmd *Command) checkDisallowedFeatures(p *writ.DevcontainerParser) error {
	disallowed := security.DisallowedFeatures(os.Getenv("DEACON_DISALLOWED_FEATURES"))
	for featureID := range p.Config.Features {
		if disallowed(canonicalFeatureID(featureID)) {
			return &errtyp.FeatureError{
				Kind:      "ResolveFailed",
				Message:   "feature is disallowed by policy",
				FeatureID: featureID,
			}
		}
	}
	return nil
}

// reapExistingContainers removes any container previously created for
// this workspace identity.
func (cmd *Command) reapExistingContainers(ctx context.Context, client *trill.Client) error {
	ids, err := client.PsByLabels(ctx, map[string]string{
		identity.LabelWorkspaceHash: cmd.identity.WorkspaceHash,
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		slog.Info("removing existing container for workspace", "container", id)
		if err := client.Stop(ctx, id, nil); err != nil {
			slog.Warn("could not stop existing container", "container", id, "error", err)
		}
		if err := client.Remove(ctx, id, false); err != nil {
			slog.Warn("could not remove existing container", "container", id, "error", err)
		}
	}
	return nil
}

func (cmd *Command) upFromDockerfile(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser) (string, error) {
	imageTag := ImageTagPrefix + cmd.identity.ContainerName

	buildCtx, span := observability.Start(ctx, observability.ContainerBuild)
	span.SetWorkspaceID(observability.WorkspaceID(cmd.identity.CanonicalRoot))
	started := time.Now()
	cmd.progress.BuildBegin(derefOr(p.Config.Context, "."))
	buildResult, err := client.BuildDevcontainerImage(buildCtx, p, imageTag, cmd.suppressOutput)
	cmd.progress.BuildEnd(derefOr(p.Config.Context, "."), err == nil, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.End()
		return "", err
	}
	span.SetImageID(buildResult.ImageID)
	span.End()

	return buildResult.ImageID, cmd.createAndStart(ctx, client, p, imageTag)
}

func (cmd *Command) upFromImage(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, imageRef string) (string, error) {
	if !client.ImageExists(ctx, imageRef) {
		if err := client.PullContainerImage(ctx, imageRef, cmd.suppressOutput); err != nil {
			return "", err
		}
	}
	imageID, _, err := client.InspectImageID(ctx, imageRef)
	if err != nil {
		return "", err
	}
	return imageID, cmd.createAndStart(ctx, client, p, imageRef)
}

func (cmd *Command) createAndStart(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, imageTag string) error {
	createCtx, span := observability.Start(ctx, observability.ContainerCreate)
	span.SetWorkspaceID(observability.WorkspaceID(cmd.identity.CanonicalRoot))
	defer span.End()

	started := time.Now()
	cmd.progress.ContainerCreateBegin(cmd.identity.ContainerName)
	err := client.StartDevcontainerContainer(createCtx, p, imageTag, cmd.identity.ContainerName)
	cmd.progress.ContainerCreateEnd(cmd.identity.ContainerName, err == nil, time.Since(started))
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetContainerID(client.ContainerID)
	return nil
}

func (cmd *Command) upCompose(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, projectName string) error {
	createCtx, span := observability.Start(ctx, observability.ContainerCreate)
	span.SetWorkspaceID(observability.WorkspaceID(cmd.identity.CanonicalRoot))
	defer span.End()

	started := time.Now()
	cmd.progress.ContainerCreateBegin(projectName)
	err := client.UpComposeProject(createCtx, p, trill.ComposeUpOptions{
		ProjectName:          projectName,
		ImageTagPrefix:       ImageTagPrefix,
		SkipBuildIfAvailable: true,
		SkipPullIfAvailable:  true,
		SuppressOutput:       cmd.suppressOutput,
		ExtraMounts:          featureMounts(p),
	})
	cmd.progress.ContainerCreateEnd(projectName, err == nil, time.Since(started))
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetContainerID(client.ContainerID)
	return nil
}

// saveState records the workspace→resource mapping so a later down
// can find what to reap.
func (cmd *Command) saveState(ctx context.Context, client *trill.Client, selection writ.BaseImageSelection, composeProjectName, imageID string) error {
	store, err := cmd.stateDB(ctx)
	if err != nil {
		return err
	}

	shutdownAction := ""
	if cmd.parser.Config.ShutdownAction != nil {
		shutdownAction = string(*cmd.parser.Config.ShutdownAction)
	}

	if selection.Kind == writ.BaseImageCompose {
		return store.SaveCompose(ctx, state.ComposeRecord{
			WorkspaceHash:  cmd.identity.WorkspaceHash,
			ProjectName:    composeProjectName,
			Service:        selection.Service,
			BasePath:       derefOr(cmd.parser.Config.Context, cmd.identity.CanonicalRoot),
			ComposeFiles:   selection.ComposeFiles,
			ConfigFile:     cmd.identity.Labels[identity.LabelConfigFile],
			ShutdownAction: shutdownAction,
		})
	}
	return store.SaveContainer(ctx, state.ContainerRecord{
		WorkspaceHash:  cmd.identity.WorkspaceHash,
		ContainerName:  cmd.identity.ContainerName,
		ContainerID:    client.ContainerID,
		ImageID:        imageID,
		ConfigFile:     cmd.identity.Labels[identity.LabelConfigFile],
		ShutdownAction: shutdownAction,
	})
}

// applyRemoteUserMapping implements the updateRemoteUserUID step: the
// remote user's UID/GID are aligned with the host user and the
// workspace mount re-owned. Failures downgrade to warnings.
func (cmd *Command) applyRemoteUserMapping(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser) {
	if p.Config.UpdateRemoteUserUID == nil || !*p.Config.UpdateRemoteUserUID {
		return
	}
	remoteUser := derefOr(p.Config.RemoteUser, "")
	if remoteUser == "" || remoteUser == "root" {
		return
	}

	hostUID := os.Getuid()
	hostGID := os.Getgid()
	if hostUID < 0 {
		// Not a unix host; the userns mapping path already covers it.
		return
	}

	script := fmt.Sprintf(
		"usermod -u %d %s 2>/dev/null; groupmod -g %d %s 2>/dev/null; chown -R %d:%d %s",
		hostUID, remoteUser, hostGID, remoteUser, hostUID, hostGID, derefOr(p.Config.WorkspaceFolder, writ.DefWorkspacePath),
	)
	res, err := client.ExecInDevcontainer(ctx, []string{script}, trill.ExecOptions{User: "root", Shell: true})
	if err != nil || !res.Success {
		slog.Warn("could not remap remote user UID/GID", "user", remoteUser, "error", err)
	}
}

// featureMounts collects the mounts features contributed, for the
// Compose override path.
func featureMounts(p *writ.DevcontainerParser) []trill.ExtraMount {
	out := make([]trill.ExtraMount, 0, len(p.Config.Mounts))
	for _, m := range p.Config.Mounts {
		if m == nil {
			continue
		}
		out = append(out, trill.ExtraMount(*m))
	}
	return out
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
