/*
   writ: a devcontainer.json parser
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

package writ

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// Layer records the provenance of one descriptor file that contributed
// to a resolved configuration, in application order (base layers
// first, the originally-requested file last).
type Layer struct {
	SourcePath string
	Precedence int
	SHA256     string
}

// Resolved is the output of the Configuration Resolver: a merged,
// substituted configuration plus the layer provenance and substitution
// report needed to explain how it got that way.
type Resolved struct {
	Config       DevcontainerConfig
	Layers       []Layer
	Substitution *SubstitutionReport
}

// ResolveOptions customizes a single Resolve call.
type ResolveOptions struct {
	// OverrideConfigPath, when non-empty, names a descriptor applied
	// as a final overlay after the extends chain.
	OverrideConfigPath string
	// DevcontainerID is the deterministic token substituted for
	// ${devcontainerId}.
	DevcontainerID string
	// LocalEnv takes precedence over host environment variables for
	// localEnv:/env: selectors; callers pass the secrets collected by
	// internal/secrets here.
	LocalEnv map[string]string
	// TemplateOptions resolves templateOption: selectors, when a
	// descriptor was materialized from a template.
	TemplateOptions map[string]string
	// SkipHostRequirements suppresses §4.F.host evaluation.
	SkipHostRequirements bool
}

// Discover probes the standard devcontainer.json locations under
// workspaceFolder in order: .devcontainer/devcontainer.json,
// .devcontainer.json, then every .devcontainer/<name>/devcontainer.json
// variant. If name is non-nil, only the variant matching it (or the
// two unnamed locations, when name is empty) is considered. When more
// than one variant exists and none was explicitly selected, it fails
// with a Config.MultipleConfigs error.
func Discover(workspaceFolder string, name *string) (string, error) {
	if name != nil && *name != "" {
		candidate := filepath.Join(workspaceFolder, ".devcontainer", *name, "devcontainer.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		return "", &errtyp.ConfigError{
			Kind:    "NotFound",
			Message: fmt.Sprintf("no devcontainer.json variant named %q", *name),
			Paths:   []string{candidate},
		}
	}

	primary := filepath.Join(workspaceFolder, ".devcontainer", "devcontainer.json")
	secondary := filepath.Join(workspaceFolder, ".devcontainer.json")

	for _, candidate := range []string{primary, secondary} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	var found []string
	variantsDir := filepath.Join(workspaceFolder, ".devcontainer")
	if entries, err := os.ReadDir(variantsDir); err == nil && name == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidate := filepath.Join(variantsDir, entry.Name(), "devcontainer.json")
			if _, err := os.Stat(candidate); err == nil {
				found = append(found, candidate)
			}
		}
	}

	switch len(found) {
	case 0:
		return "", &errtyp.ConfigError{Kind: "NotFound", Message: "no devcontainer.json found", Paths: []string{workspaceFolder}}
	case 1:
		return found[0], nil
	default:
		return "", &errtyp.ConfigError{Kind: "MultipleConfigs", Message: "multiple devcontainer.json variants found; select one explicitly", Paths: found}
	}
}

// Resolve loads configPath, follows its extends chain, merges every
// layer, applies §4.E substitution, and validates host requirements
// (unless suppressed). It implements the §4.F load pipeline.
func Resolve(configPath string, opts ResolveOptions) (*Resolved, error) {
	layers, err := loadLayerChain(configPath, nil)
	if err != nil {
		return nil, err
	}

	if len(opts.OverrideConfigPath) > 0 {
		overrideLayers, err := loadLayerChain(opts.OverrideConfigPath, nil)
		if err != nil {
			return nil, err
		}
		layers = append(layers, overrideLayers...)
	}

	merged := DevcontainerConfig{}
	for _, l := range layers {
		merged, err = mergeLayer(merged, l.config)
		if err != nil {
			return nil, &errtyp.ConfigError{Kind: "Parse", Message: "failed to merge descriptor layers", Cause: err}
		}
	}

	sub := NewSubstitutor(DefWorkspacePath, workspaceRootForConfig(configPath), opts.DevcontainerID)
	sub.LocalEnv = opts.LocalEnv
	sub.TemplateOptions = opts.TemplateOptions
	if merged.ContainerEnv != nil {
		sub.ContainerEnv = merged.ContainerEnv
	}

	substituted, err := applySubstitution(merged, sub)
	if err != nil {
		return nil, &errtyp.ConfigError{Kind: "Parse", Message: "failed to apply variable substitution", Cause: err}
	}

	if _, err := substituted.BaseImage(); err != nil {
		return nil, err
	}

	if !opts.SkipHostRequirements && substituted.HostRequirements != nil {
		if err := evaluateHostRequirements(*substituted.HostRequirements); err != nil {
			return nil, err
		}
	}

	provenance := make([]Layer, len(layers))
	for i, l := range layers {
		provenance[i] = Layer{SourcePath: l.path, Precedence: i, SHA256: l.sha256}
	}

	return &Resolved{Config: substituted, Layers: provenance, Substitution: sub.Report}, nil
}

// MergedJSON serializes the resolved configuration as a single JSON
// document. When includeMeta is set, a __meta.layers array records
// each contributing file's path, precedence, and content hash, in the
// order the layers were applied.
func (r *Resolved) MergedJSON(includeMeta bool) ([]byte, error) {
	raw, err := json.Marshal(r.Config)
	if err != nil {
		return nil, err
	}
	if !includeMeta {
		return raw, nil
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}

	layers := make([]map[string]any, len(r.Layers))
	for i, l := range r.Layers {
		layers[i] = map[string]any{
			"source":     l.SourcePath,
			"precedence": l.Precedence,
			"hash":       l.SHA256,
		}
	}
	tree["__meta"] = map[string]any{"layers": layers}
	return json.Marshal(tree)
}

// workspaceRootForConfig walks from the descriptor back up to the
// workspace folder it describes: the parent of the .devcontainer
// directory (named variants included), or the descriptor's own
// directory for a bare .devcontainer.json.
func workspaceRootForConfig(configPath string) string {
	dir := filepath.Dir(configPath)
	if filepath.Base(dir) == ".devcontainer" {
		return filepath.Dir(dir)
	}
	if filepath.Base(filepath.Dir(dir)) == ".devcontainer" {
		return filepath.Dir(filepath.Dir(dir))
	}
	return dir
}

type loadedLayer struct {
	path   string
	sha256 string
	config DevcontainerConfig
}

// loadLayerChain reads configPath and recursively resolves its
// extends entries, returning layers ordered base-first. chain tracks
// the active load path (by absolute path) to detect cycles.
func loadLayerChain(configPath string, chain map[string]struct{}) ([]loadedLayer, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, &errtyp.ConfigError{Kind: "IO", Message: "cannot resolve path", Cause: err}
	}

	if chain == nil {
		chain = make(map[string]struct{})
	}
	if _, active := chain[abs]; active {
		return nil, &errtyp.ConfigError{Kind: "ExtendsCycle", Message: "extends cycle detected", Paths: []string{abs}}
	}
	chain[abs] = struct{}{}
	defer delete(chain, abs)

	raw, sum, err := readStandardized(abs)
	if err != nil {
		return nil, err
	}

	var cfg DevcontainerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &errtyp.ConfigError{Kind: "Parse", Message: err.Error(), Paths: []string{abs}, Cause: err}
	}

	var layers []loadedLayer
	for _, parentRel := range cfg.Extends {
		parentPath := filepath.Join(filepath.Dir(abs), parentRel)
		parentLayers, err := loadLayerChain(parentPath, chain)
		if err != nil {
			return nil, err
		}
		layers = append(layers, parentLayers...)
	}
	layers = append(layers, loadedLayer{path: abs, sha256: sum, config: cfg})
	return layers, nil
}

// readStandardized loads one layer's bytes and converts JSONC to
// plain JSON. Layers are not individually schema-validated: an
// extends fragment legitimately omits fields (like the base-image
// selection) the full schema requires; validation happens against the
// merged result.
func readStandardized(path string) ([]byte, string, error) {
	p, err := NewParser(path)
	if err != nil {
		return nil, "", &errtyp.ConfigError{Kind: "Parse", Message: err.Error(), Paths: []string{path}, Cause: err}
	}
	sum := sha256.Sum256(p.standardizedJSON)
	return p.standardizedJSON, hex.EncodeToString(sum[:]), nil
}

// mergeLayer merges overlay onto base: scalars are last-writer-wins,
// maps are merged key-wise, and the sequence fields mergo can't
// express as "concatenate then dedup" are handled by hand.
func mergeLayer(base, overlay DevcontainerConfig) (DevcontainerConfig, error) {
	merged := overlay
	if err := mergo.Merge(&merged, base); err != nil {
		return DevcontainerConfig{}, err
	}

	merged.RunArgs = concatDedupStrings(base.RunArgs, overlay.RunArgs)
	merged.CapAdd = concatDedupStrings(base.CapAdd, overlay.CapAdd)
	merged.SecurityOpt = concatDedupStrings(base.SecurityOpt, overlay.SecurityOpt)
	merged.ForwardPorts = ForwardPorts(concatDedupStrings([]string(base.ForwardPorts), []string(overlay.ForwardPorts)))
	merged.Mounts = concatDedupMounts(base.Mounts, overlay.Mounts)

	return merged, nil
}

func concatDedupStrings(base, overlay []string) []string {
	seen := make(map[string]struct{}, len(base)+len(overlay))
	out := make([]string, 0, len(base)+len(overlay))
	for _, v := range append(append([]string{}, base...), overlay...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func concatDedupMounts(base, overlay []*MobyMount) []*MobyMount {
	seen := make(map[string]struct{}, len(base)+len(overlay))
	out := make([]*MobyMount, 0, len(base)+len(overlay))
	for _, m := range append(append([]*MobyMount{}, base...), overlay...) {
		if m == nil {
			continue
		}
		if _, ok := seen[m.Target]; ok {
			continue
		}
		seen[m.Target] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// applySubstitution round-trips config through an untyped JSON tree so
// every string value, at any depth (including inside opaque
// customizations subtrees), passes through sub.Expand. Keys are never
// touched; json.Marshal/Unmarshal only ever rewrite values.
func applySubstitution(config DevcontainerConfig, sub *Substitutor) (DevcontainerConfig, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return DevcontainerConfig{}, err
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return DevcontainerConfig{}, err
	}

	substituted := sub.ExpandValue(tree)

	out, err := json.Marshal(substituted)
	if err != nil {
		return DevcontainerConfig{}, err
	}

	var result DevcontainerConfig
	if err := json.Unmarshal(out, &result); err != nil {
		return DevcontainerConfig{}, err
	}
	return result, nil
}
