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
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/moby/go-archive"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/internal/observability"
	"github.com/deacon-dev/deacon/internal/registry"
	"github.com/deacon-dev/deacon/writ"
)

// featureConfigMediaType is the (empty) config blob media type for
// published feature artifacts.
const featureConfigMediaType = "application/vnd.devcontainers"

// PublishedFeature is one entry of the features-publish envelope.
type PublishedFeature struct {
	FeatureID     string   `json:"featureId"`
	Version       string   `json:"version"`
	Digest        string   `json:"digest"`
	PublishedTags []string `json:"publishedTags"`
	SkippedTags   []string `json:"skippedTags"`
	MovedLatest   bool     `json:"movedLatest"`
	Registry      string   `json:"registry"`
	Namespace     string   `json:"namespace"`
}

// PublishResult is the features-publish envelope (§6.2).
type PublishResult struct {
	Features []PublishedFeature `json:"features"`
	Summary  PublishSummary     `json:"summary"`
}

// PublishSummary totals the per-feature outcomes.
type PublishSummary struct {
	Features      int `json:"features"`
	PublishedTags int `json:"publishedTags"`
	SkippedTags   int `json:"skippedTags"`
}

// PublishFeatures packages each feature directory under featuresDir
// as a single-layer tar artifact and pushes it to
// <registryHost>/<namespace>/<id> under every §4.G-computed tag. Tags
// that already exist upstream are skipped, not overwritten.
func (cmd *Command) PublishFeatures(ctx context.Context, featuresDir, registryHost, namespace string) (*PublishResult, error) {
	ctx, span := observability.Start(ctx, observability.RegistryPublish)
	defer span.End()

	featureDirs, err := filepath.Glob(filepath.Join(featuresDir, "*", "devcontainer-feature.json"))
	if err != nil {
		return nil, err
	}
	if len(featureDirs) == 0 {
		// A directory holding a single feature directly is fine too.
		if _, err := filepath.Glob(filepath.Join(featuresDir, "devcontainer-feature.json")); err == nil {
			featureDirs = []string{filepath.Join(featuresDir, "devcontainer-feature.json")}
		}
	}
	slices.Sort(featureDirs)

	result := &PublishResult{}
	for _, metadataPath := range featureDirs {
		published, err := cmd.publishOneFeature(ctx, filepath.Dir(metadataPath), registryHost, namespace)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.Features = append(result.Features, *published)
		result.Summary.Features++
		result.Summary.PublishedTags += len(published.PublishedTags)
		result.Summary.SkippedTags += len(published.SkippedTags)
	}
	return result, nil
}

func (cmd *Command) publishOneFeature(ctx context.Context, featureDir, registryHost, namespace string) (*PublishedFeature, error) {
	featureParser, err := writ.NewDevcontainerFeatureParser(filepath.Join(featureDir, "devcontainer-feature.json"), nil)
	if err != nil {
		return nil, err
	}
	if err := featureParser.Validate(); err != nil {
		return nil, &errtyp.FeatureError{Kind: "ResolveFailed", Message: err.Error(), FeatureID: featureDir}
	}
	if err := featureParser.Parse(); err != nil {
		return nil, &errtyp.FeatureError{Kind: "ResolveFailed", Message: err.Error(), FeatureID: featureDir}
	}

	featureID := featureParser.Config.ID
	version := featureParser.Config.Version
	repoRef := fmt.Sprintf("%s/%s/%s", registryHost, namespace, featureID)

	layerBytes, err := tarDirectory(featureDir)
	if err != nil {
		return nil, err
	}

	tags := registry.ComputeTags(version)
	existing, err := cmd.registryClient.ListTags(ctx, repoRef)
	if err != nil {
		// A repository that doesn't exist yet has no tags to skip.
		slog.Debug("could not list existing tags; assuming fresh repository", "repo", repoRef, "error", err)
		existing = nil
	}

	published := &PublishedFeature{
		FeatureID:     featureID,
		Version:       version,
		Registry:      registryHost,
		Namespace:     namespace,
		PublishedTags: []string{},
		SkippedTags:   []string{},
	}

	for _, tag := range tags {
		if slices.Contains(existing, tag) {
			published.SkippedTags = append(published.SkippedTags, tag)
			continue
		}

		ref := repoRef + ":" + tag
		configDesc, err := cmd.registryClient.PushBlob(ctx, ref, featureConfigMediaType, []byte("{}"))
		if err != nil {
			return nil, err
		}
		layerDesc, err := cmd.registryClient.PushBlob(ctx, ref, FeatureLayerMediaType, layerBytes)
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

// tarDirectory packages dir as an uncompressed tar, the §4.G artifact
// layer shape.
func tarDirectory(dir string) ([]byte, error) {
	reader, err := archive.TarWithOptions(dir, &archive.TarOptions{
		Compression: archive.Uncompressed,
		NoLchown:    true,
	})
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
