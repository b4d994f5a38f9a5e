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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/planner"
	"github.com/deacon-dev/deacon/internal/trill"
	"github.com/deacon-dev/deacon/writ"
)

// FeatureArtifactMediaType and FeatureLayerMediaType identify the OCI
// artifact shape a Feature is published as (§4.G).
const FeatureArtifactMediaType string = "application/vnd.oci.image.manifest.v1+json"
const FeatureLayerMediaType string = "application/vnd.devcontainers.layer.v1+tar"

// featureInstallBase is where extracted feature directories land
// inside the target container before their install scripts run.
const featureInstallBase = "/tmp/deacon-features"

// BuildFeaturesInstallationPlan levels every parsed Feature into an
// installation plan using internal/planner, deriving each node's hard
// (dependsOn) and soft (installsAfter) predecessors from the feature's
// own metadata. overrideOrder, when non-empty, is the devcontainer.json
// overrideFeatureInstallOrder field: it breaks ties and collapses the
// plan to sequential execution.
func (cmd *Command) BuildFeaturesInstallationPlan(ctx context.Context, overrideOrder []string) (planner.Plan, error) {
	_, span := observability.Start(ctx, observability.FeaturePlan)
	defer span.End()

	nodes := make([]planner.Node, 0, len(cmd.featureParsersLookup))
	for featureID, featureParser := range cmd.featureParsersLookup {
		node := planner.Node{ID: canonicalFeatureID(featureID)}
		for dependencyID := range featureParser.Config.DependsOn {
			node.DependsOn = append(node.DependsOn, canonicalFeatureID(dependencyID))
		}
		node.InstallsAfter = append(node.InstallsAfter, featureParser.Config.InstallsAfter...)
		nodes = append(nodes, node)
	}

	plan, err := planner.Build(nodes, overrideOrder)
	if err != nil {
		span.RecordError(err)
	}
	return plan, err
}

// canonicalFeatureID strips the version/tag suffix from an OCI
// reference so the same Feature referenced at two tags collapses to
// one planning vertex; non-OCI (https://, local path) IDs pass
// through unchanged.
func canonicalFeatureID(featureID string) string {
	if strings.HasPrefix(featureID, "https://") || strings.HasPrefix(featureID, ".") || strings.HasPrefix(featureID, "/") {
		return featureID
	}
	return strings.Split(featureID, ":")[0]
}

// featureInstallConcurrency reports how many features may install in
// parallel within one level: max(1, logical cores / 2), capped by
// DEACON_FEATURE_INSTALL_CONCURRENCY when set.
func featureInstallConcurrency() int {
	degree := runtime.NumCPU() / 2
	if degree < 1 {
		degree = 1
	}
	if raw := os.Getenv("DEACON_FEATURE_INSTALL_CONCURRENCY"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < degree {
			degree = limit
		}
	}
	return degree
}

// InstallFeatures executes the installation plan inside the running
// designated container: level by level, features within a level in
// parallel (unless their declared mounts collide on a target path, in
// which case the level serializes), each by copying its extracted
// directory in and running install.sh. Any failure halts the level
// and cancels subsequent levels.
func (cmd *Command) InstallFeatures(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, plan planner.Plan) error {
	lookupByCanonical := make(map[string]string, len(cmd.featureParsersLookup))
	for featureID := range cmd.featureParsersLookup {
		lookupByCanonical[canonicalFeatureID(featureID)] = featureID
	}

	for _, level := range plan.Levels {
		eg, egCtx := errgroup.WithContext(ctx)
		if cmd.levelHasMountConflict(level, lookupByCanonical) {
			slog.Warn("features in the same level declare overlapping mount targets; serializing the level")
			eg.SetLimit(1)
		} else {
			eg.SetLimit(featureInstallConcurrency())
		}

		for _, canonicalID := range level {
			featureID, ok := lookupByCanonical[canonicalID]
			if !ok {
				continue
			}
			eg.Go(func() error {
				return cmd.installFeature(egCtx, client, featureID)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	cmd.propagateFeatureMetadata(p)
	return nil
}

// installFeature copies one feature's extracted directory into the
// container and runs its install script as root, with the §4.J
// environment contract.
func (cmd *Command) installFeature(ctx context.Context, client *trill.Client, featureID string) error {
	started := time.Now()
	cmd.progress.FeatureInstallBegin(featureID)

	_, span := observability.Start(ctx, observability.FeatureInstall)
	span.SetFeatureID(featureID)
	defer span.End()

	err := cmd.installFeatureInner(ctx, client, featureID)
	cmd.progress.FeatureInstallEnd(featureID, err == nil, time.Since(started))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (cmd *Command) installFeatureInner(ctx context.Context, client *trill.Client, featureID string) error {
	featurePath, ok := cmd.featurePathLookup[featureID]
	if !ok {
		return &errtyp.FeatureError{Kind: "InstallFailed", Message: "feature directory unavailable", FeatureID: featureID}
	}
	featureParser := cmd.featureParsersLookup[featureID]

	containerDir := featureInstallBase + "/" + sanitizeFeatureDirName(featureID)
	if err := client.CpInto(ctx, client.ContainerID, featurePath, containerDir); err != nil {
		return err
	}

	installScript := containerDir + "/install.sh"
	probe, err := client.ExecInDevcontainer(ctx, []string{"test", "-f", installScript}, trill.ExecOptions{User: "root"})
	if err != nil {
		return err
	}
	if !probe.Success {
		slog.Debug("feature ships no install.sh; nothing to execute", "feature", featureID)
		return nil
	}

	env := cmd.featureInstallEnv(featureID, featureParser)
	res, err := client.ExecInDevcontainer(ctx, []string{"bash", installScript}, trill.ExecOptions{
		User:    "root",
		Workdir: containerDir,
		Env:     env,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return &errtyp.FeatureError{
			Kind:       "InstallFailed",
			Message:    "install script exited non-zero",
			FeatureID:  featureID,
			ExitCode:   res.ExitCode,
			StderrTail: tailOf(res.Stderr, 2048),
		}
	}
	return nil
}

// featureInstallEnv composes the §4.J environment contract: the
// feature's identity, the user-provided options as JSON, each option
// as an uppercased variable (the conventional install.sh interface),
// and the feature's own containerEnv.
func (cmd *Command) featureInstallEnv(featureID string, featureParser *writ.DevcontainerFeatureParser) map[string]string {
	env := map[string]string{
		"FEATURE_ID":      featureID,
		"FEATURE_VERSION": featureParser.Config.Version,
	}

	provided := make(map[string]any, len(featureParser.Config.Options))
	for optName, opt := range featureParser.Config.Options {
		if opt.Value == nil {
			continue
		}
		envKey := optionEnvKey(optName)
		switch opt.Type {
		case writ.FeatureOptionTypeBoolean:
			if opt.Value.Bool != nil {
				env[envKey] = strconv.FormatBool(*opt.Value.Bool)
				provided[optName] = *opt.Value.Bool
			}
		case writ.FeatureOptionTypeString:
			if opt.Value.String != nil {
				env[envKey] = *opt.Value.String
				provided[optName] = *opt.Value.String
			}
		}
	}
	if raw, err := json.Marshal(provided); err == nil {
		env["PROVIDED_OPTIONS"] = string(raw)
	}

	for key, val := range featureParser.Config.ContainerEnv {
		env[key] = val
	}
	return env
}

var (
	optionEnvNonWord = regexp.MustCompile(`[^\w_]`)
	optionEnvDigits  = regexp.MustCompile(`^[\d_]+`)
)

// optionEnvKey converts an option name into the environment variable
// install scripts conventionally read: non-word characters and
// leading digits become underscores, then everything uppercases.
func optionEnvKey(optName string) string {
	envKey := optionEnvNonWord.ReplaceAllLiteralString(optName, "_")
	envKey = optionEnvDigits.ReplaceAllLiteralString(envKey, "_")
	return strings.ToUpper(envKey)
}

// sanitizeFeatureDirName flattens a feature reference into a path
// segment usable under featureInstallBase.
func sanitizeFeatureDirName(featureID string) string {
	return optionEnvNonWord.ReplaceAllLiteralString(strings.ReplaceAll(featureID, "/", "_"), "_")
}

// levelHasMountConflict reports whether two features in the same
// level declare mounts with the same target path; such levels run
// serialized per §4.J's parallelism guard.
func (cmd *Command) levelHasMountConflict(level []string, lookupByCanonical map[string]string) bool {
	seen := make(map[string]string)
	for _, canonicalID := range level {
		featureID, ok := lookupByCanonical[canonicalID]
		if !ok {
			continue
		}
		featureParser := cmd.featureParsersLookup[featureID]
		for _, m := range featureParser.Config.Mounts {
			if m == nil {
				continue
			}
			if prev, dup := seen[m.Target]; dup {
				slog.Warn("mount target declared by two features", "target", m.Target, "first", prev, "second", featureID)
				return true
			}
			seen[m.Target] = featureID
		}
	}
	return false
}

// propagateFeatureMetadata folds every parsed feature's contribution
// into the running descriptor: containerEnv, mounts (de-duplicated by
// target, descriptor entries winning), securityOpt, capAdd,
// privileged, and init.
func (cmd *Command) propagateFeatureMetadata(p *writ.DevcontainerParser) {
	mountTargets := make(map[string]struct{}, len(p.Config.Mounts))
	for _, m := range p.Config.Mounts {
		if m != nil {
			mountTargets[m.Target] = struct{}{}
		}
	}
	capSeen := make(map[string]struct{}, len(p.Config.CapAdd))
	for _, c := range p.Config.CapAdd {
		capSeen[c] = struct{}{}
	}
	optSeen := make(map[string]struct{}, len(p.Config.SecurityOpt))
	for _, o := range p.Config.SecurityOpt {
		optSeen[o] = struct{}{}
	}

	for featureID, featureParser := range cmd.featureParsersLookup {
		cfg := featureParser.Config

		if p.Config.ContainerEnv == nil && len(cfg.ContainerEnv) > 0 {
			p.Config.ContainerEnv = make(writ.EnvVarMap)
		}
		for key, val := range cfg.ContainerEnv {
			if _, exists := p.Config.ContainerEnv[key]; !exists {
				p.Config.ContainerEnv[key] = val
			}
		}

		for _, m := range cfg.Mounts {
			if m == nil {
				continue
			}
			if _, exists := mountTargets[m.Target]; exists {
				continue
			}
			mountTargets[m.Target] = struct{}{}
			p.Config.Mounts = append(p.Config.Mounts, m)
		}

		for _, c := range cfg.CapAdd {
			if _, exists := capSeen[c]; exists {
				continue
			}
			capSeen[c] = struct{}{}
			p.Config.CapAdd = append(p.Config.CapAdd, c)
		}
		for _, o := range cfg.SecurityOpt {
			if _, exists := optSeen[o]; exists {
				continue
			}
			optSeen[o] = struct{}{}
			p.Config.SecurityOpt = append(p.Config.SecurityOpt, o)
		}

		if cfg.Privileged != nil && *cfg.Privileged {
			p.Config.Privileged = cfg.Privileged
			slog.Debug("feature requests privileged mode", "feature", featureID)
		}
		if cfg.Init != nil && *cfg.Init {
			p.Config.Init = cfg.Init
		}
	}
}

// ParseFeaturesConfig instantiates a writ.DevcontainerFeatureParser
// for each Feature a devcontainer references and stores it for later
// use by Command.
//
// It also instantiates a corresponding parser for every dependency
// referenced in the dependsOn field of a Feature configuration.
func (cmd *Command) ParseFeaturesConfig(ctx context.Context, p *writ.DevcontainerParser, featureMap writ.FeatureMap) error {
	for featureID, options := range featureMap {
		slog.Debug("initializing configuration for feature", "feature", featureID)
		featurePath, ok := cmd.featurePathLookup[featureID]
		if !ok {
			return &errtyp.FeatureError{Kind: "ResolveFailed", Message: "feature unavailable for parsing", FeatureID: featureID}
		}

		if _, ok := cmd.featureParsersLookup[featureID]; ok {
			slog.Debug("feature already parsed; skipping", "featureID", featureID)
			continue
		}

		featureParser, err := writ.NewDevcontainerFeatureParser(filepath.Join(featurePath, "devcontainer-feature.json"), p)
		if err != nil {
			return err
		}
		if err = featureParser.Validate(); err != nil {
			return &errtyp.FeatureError{Kind: "ResolveFailed", Message: err.Error(), FeatureID: featureID}
		}
		if err = featureParser.Parse(); err != nil {
			return &errtyp.FeatureError{Kind: "ResolveFailed", Message: err.Error(), FeatureID: featureID}
		}

		for key, val := range options {
			val := val
			if err = featureParser.SetOption(key, &val); err != nil {
				return err
			}
		}

		cmd.featureParsersLookup[featureID] = featureParser

		contextPath := ""
		if p != nil {
			contextPath = p.Filepath
		}
		if err = cmd.PrepareFeaturesData(ctx, featureDependsOnMap(featureParser.Config.DependsOn), contextPath); err != nil {
			return err
		}
		if err = cmd.ParseFeaturesConfig(ctx, p, featureDependsOnMap(featureParser.Config.DependsOn)); err != nil {
			return err
		}
	}
	return nil
}

// featureDependsOnMap adapts a Feature's dependsOn object (whose value
// shape mirrors devcontainer.json's own features object) into a
// writ.FeatureMap suitable for recursive parsing.
func featureDependsOnMap(dependsOn map[string]interface{}) writ.FeatureMap {
	out := make(writ.FeatureMap, len(dependsOn))
	for id, raw := range dependsOn {
		opts := writ.Feature{}
		if m, ok := raw.(map[string]interface{}); ok {
			for k, v := range m {
				switch val := v.(type) {
				case string:
					opts[k] = writ.FeatureOptions{String: &val}
				case bool:
					opts[k] = writ.FeatureOptions{Bool: &val}
				}
			}
		}
		out[id] = opts
	}
	return out
}

// PrepareFeaturesData retrieves each Feature's component files
// (downloading them from remote endpoints if necessary, then caching
// them for future use) and makes the parsed config available as
// values in a lookup table.
func (cmd *Command) PrepareFeaturesData(ctx context.Context, featureMap writ.FeatureMap, contextPath string) (err error) {
	for featureID := range featureMap {
		if _, ok := cmd.featurePathLookup[featureID]; ok {
			continue
		}

		slog.Debug("attempting to pull feature metadata", "feature", featureID)
		var featurePath string
		switch {
		case strings.HasPrefix(featureID, "/"):
			// https://containers.dev/implementors/features-distribution/#addendum-locally-referenced
			return &errtyp.FeatureError{Kind: "ResolveFailed", Message: "locally-stored features may not be referenced by an absolute path", FeatureID: featureID}

		case strings.HasPrefix(featureID, "./"):
			if featurePath, err = filepath.Abs(filepath.Join(filepath.Dir(contextPath), featureID)); err != nil {
				return err
			}
			slog.Debug("referencing a locally-stored feature", "path", featurePath)
			if _, err = os.Stat(featurePath); errors.Is(err, fs.ErrNotExist) {
				return &errtyp.FeatureError{Kind: "ResolveFailed", Message: "referenced a locally-stored feature that doesn't exist", FeatureID: featureID}
			}

		case strings.HasPrefix(featureID, "https://"):
			if featurePath, err = cmd.prepareFeatureDataURI(ctx, featureID); err != nil {
				return err
			}

		default:
			if featurePath, err = cmd.prepareFeatureDataArtifact(ctx, featureID); err != nil {
				return err
			}
		}

		cmd.featurePathLookup[featureID] = featurePath
	}
	return nil
}

// prepareFeatureDataArtifact retrieves a Feature published as an OCI
// artifact, consulting internal/featurecache before reaching out to
// internal/registry, and records the verified digest in the cache's
// ledger for the next run.
func (cmd *Command) prepareFeatureDataArtifact(ctx context.Context, ref string) (string, error) {
	slog.Debug("attempting to pull feature OCI artifact", "ref", ref)

	ctx, span := observability.Start(ctx, observability.RegistryPull)
	span.SetRef(ref)
	defer span.End()

	cache, err := cmd.featureCache()
	if err != nil {
		return "", err
	}

	desc, manifestRaw, err := cmd.registryClient.FetchManifest(ctx, ref)
	if err != nil {
		if cached, ok := cache.Lookup(ref, ""); ok {
			slog.Warn("resolving OCI reference failed but a cached (possibly stale) copy exists", "ref", ref, "error", err)
			return cached, nil
		}
		span.RecordError(err)
		return "", err
	}

	if cached, ok := cache.Lookup(ref, desc.Digest.String()); ok {
		slog.Info("digest matches cached copy", "reference", ref, "digest", desc.Digest.String())
		return cached, nil
	}

	if desc.MediaType != FeatureArtifactMediaType {
		return "", &errtyp.FeatureError{Kind: "ResolveFailed", Message: "feature reference resolved to an unsupported media type: " + desc.MediaType, FeatureID: ref}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return "", &errtyp.RegistryError{Kind: "InvalidManifest", Message: err.Error(), Ref: ref, Cause: err}
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != FeatureLayerMediaType {
			continue
		}
		layerBytes, err := cmd.registryClient.FetchBlob(ctx, ref, layer)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		return cache.Store(ctx, ref, desc.Digest.String(), bytes.NewReader(layerBytes))
	}

	return "", &errtyp.FeatureError{Kind: "ResolveFailed", Message: "OCI artifact did not contain a usable Feature layer", FeatureID: ref}
}

// prepareFeatureDataURI retrieves a Feature distributed as a plain
// HTTPS tarball, caching the extracted result the same way an OCI
// artifact would be.
func (cmd *Command) prepareFeatureDataURI(ctx context.Context, uri string) (string, error) {
	cache, err := cmd.featureCache()
	if err != nil {
		return "", err
	}
	if cached, ok := cache.Lookup(uri, ""); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", &errtyp.FeatureError{Kind: "ResolveFailed", Message: err.Error(), FeatureID: uri}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &errtyp.FeatureError{Kind: "ResolveFailed", Message: "unexpected HTTP status " + strconv.Itoa(resp.StatusCode), FeatureID: uri}
	}

	return cache.Store(ctx, uri, "", resp.Body)
}

// tailOf keeps the last max bytes of s, for stderr excerpts in error
// payloads.
func tailOf(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
