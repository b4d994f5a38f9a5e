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
	"os"

	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/registry"
	"github.com/deacon-dev/deacon/internal/template"
)

// TemplateLayerMediaType identifies the tar layer of a published
// template artifact.
const TemplateLayerMediaType = "application/vnd.devcontainers.layer.v1+tar"

// TemplateMetadata loads and returns a template's metadata document.
func (cmd *Command) TemplateMetadata(templateDir string) (json.RawMessage, error) {
	meta, err := template.LoadMetadata(templateDir)
	if err != nil {
		return nil, err
	}
	return json.Marshal(meta)
}

// TemplateApply materializes a template into destDir. In plan mode no
// files are written; the ordered action list is returned instead.
func (cmd *Command) TemplateApply(ctx context.Context, templateDir, destDir string, options map[string]string, planOnly bool) (json.RawMessage, error) {
	_, span := observability.Start(ctx, observability.TemplateApply)
	defer span.End()

	meta, err := template.LoadMetadata(templateDir)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetTemplateID(meta.ID)

	if planOnly {
		actions, err := template.Plan(templateDir, destDir, meta, options)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return json.Marshal(map[string]any{"actions": actions})
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	if err := template.Apply(templateDir, destDir, meta, options); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return json.Marshal(map[string]any{"outcome": "success", "templateId": meta.ID, "dest": destDir})
}

// TemplatePublish packages templateDir as a single-layer tar artifact
// and pushes it under every computed tag, skipping tags that already
// exist.
func (cmd *Command) TemplatePublish(ctx context.Context, templateDir, registryHost, namespace, version string) (*PublishedFeature, error) {
	ctx, span := observability.Start(ctx, observability.RegistryPublish)
	defer span.End()

	meta, err := template.LoadMetadata(templateDir)
	if err != nil {
		return nil, err
	}
	span.SetTemplateID(meta.ID)

	repoRef := fmt.Sprintf("%s/%s/%s", registryHost, namespace, meta.ID)
	layerBytes, err := tarDirectory(templateDir)
	if err != nil {
		return nil, err
	}

	existing, err := cmd.registryClient.ListTags(ctx, repoRef)
	if err != nil {
		existing = nil
	}

	published := &PublishedFeature{
		FeatureID:     meta.ID,
		Version:       version,
		Registry:      registryHost,
		Namespace:     namespace,
		PublishedTags: []string{},
		SkippedTags:   []string{},
	}

	for _, tag := range registry.ComputeTags(version) {
		exists := false
		for _, t := range existing {
			if t == tag {
				exists = true
				break
			}
		}
		if exists {
			published.SkippedTags = append(published.SkippedTags, tag)
			continue
		}

		ref := repoRef + ":" + tag
		configDesc, err := cmd.registryClient.PushBlob(ctx, ref, featureConfigMediaType, []byte("{}"))
		if err != nil {
			return nil, err
		}
		layerDesc, err := cmd.registryClient.PushBlob(ctx, ref, TemplateLayerMediaType, layerBytes)
		if err != nil {
			return nil, err
		}
		manifest, err := registry.FeatureManifestForLayer(configDesc, layerDesc)
		if err != nil {
			return nil, err
		}
		manifestDesc, err := cmd.registryClient.PushManifest(ctx, ref, FeatureArtifactMediaType, manifest)
		if err != nil {
			return nil, err
		}
		published.Digest = manifestDesc.Digest.String()
		published.PublishedTags = append(published.PublishedTags, tag)
		if tag == "latest" {
			published.MovedLatest = true
		}
	}
	return published, nil
}
