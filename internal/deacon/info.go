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
	"slices"
	"strings"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/writ"
)

// FeatureInfoMode selects what features-info reports.
type FeatureInfoMode string

const (
	InfoManifest     FeatureInfoMode = "manifest"
	InfoTags         FeatureInfoMode = "tags"
	InfoDependencies FeatureInfoMode = "dependencies"
	InfoVerbose      FeatureInfoMode = "verbose"
)

// FeatureInfo answers a features-info query. manifest and tags modes
// return JSON-able payloads; dependencies is text-only (a Mermaid
// graph) and JSON callers receive an empty object plus an error that
// maps to exit code 1.
func (cmd *Command) FeatureInfo(ctx context.Context, mode FeatureInfoMode, ref string, asJSON bool) (json.RawMessage, string, error) {
	switch mode {
	case InfoManifest:
		_, raw, err := cmd.registryClient.FetchManifest(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		if asJSON {
			return raw, "", nil
		}
		return nil, string(raw), nil

	case InfoTags:
		tags, err := cmd.registryClient.ListTags(ctx, canonicalFeatureID(ref))
		if err != nil {
			return nil, "", err
		}
		if asJSON {
			raw, err := json.Marshal(map[string]any{"tags": tags})
			return raw, "", err
		}
		return nil, strings.Join(tags, "\n"), nil

	case InfoDependencies:
		if asJSON {
			return json.RawMessage("{}"), "", &errtyp.FeatureError{
				Kind:    "ResolveFailed",
				Message: "dependency graphs are text-only; JSON output is not supported",
			}
		}
		graph, err := cmd.dependenciesMermaid(ctx, ref)
		return nil, graph, err

	case InfoVerbose:
		_, manifestRaw, err := cmd.registryClient.FetchManifest(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		tags, err := cmd.registryClient.ListTags(ctx, canonicalFeatureID(ref))
		if err != nil {
			return nil, "", err
		}
		if asJSON {
			raw, err := json.Marshal(map[string]any{
				"manifest": json.RawMessage(manifestRaw),
				"tags":     tags,
			})
			return raw, "", err
		}
		return nil, fmt.Sprintf("%s\n\ntags:\n%s", manifestRaw, strings.Join(tags, "\n")), nil
	}

	return nil, "", fmt.Errorf("unknown features-info mode: %s", mode)
}

// dependenciesMermaid fetches the feature and renders its dependsOn /
// installsAfter edges as a Mermaid flowchart.
func (cmd *Command) dependenciesMermaid(ctx context.Context, ref string) (string, error) {
	featureMap := writ.FeatureMap{ref: writ.Feature{}}
	if err := cmd.PrepareFeaturesData(ctx, featureMap, ""); err != nil {
		return "", err
	}
	if err := cmd.ParseFeaturesConfig(ctx, nil, featureMap); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	ids := make([]string, 0, len(cmd.featureParsersLookup))
	for id := range cmd.featureParsersLookup {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		parser := cmd.featureParsersLookup[id]
		node := mermaidNodeID(id)
		fmt.Fprintf(&sb, "    %s[%q]\n", node, id)
		for dep := range parser.Config.DependsOn {
			fmt.Fprintf(&sb, "    %s --> %s\n", mermaidNodeID(dep), node)
		}
		for _, dep := range parser.Config.InstallsAfter {
			fmt.Fprintf(&sb, "    %s -.-> %s\n", mermaidNodeID(dep), node)
		}
	}
	return sb.String(), nil
}

func mermaidNodeID(featureID string) string {
	return sanitizeFeatureDirName(canonicalFeatureID(featureID))
}
