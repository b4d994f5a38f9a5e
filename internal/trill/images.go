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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/pkg/jsonmessage"
	imagespec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/moby/go-archive"
	mobyclient "github.com/moby/moby/client"
	"github.com/moby/patternmatcher/ignorefile"
	"golang.org/x/term"

	"github.com/deacon-dev/deacon/internal/errtyp"
	"github.com/deacon-dev/deacon/writ"
)

// BuildInput is the fully-derived set of arguments for one image
// build: everything the descriptor, its features, and the caller's
// cache configuration contribute.
type BuildInput struct {
	ContextDir     string
	DockerfilePath string
	Target         string
	BuildArgs      map[string]*string
	Tags           []string
	NoCache        bool
	CacheFrom      []string
	Labels         map[string]string
	SuppressOutput bool
}

// BuildResult reports a completed image build.
type BuildResult struct {
	ImageID    string        `json:"imageId"`
	Tags       []string      `json:"tags,omitempty"`
	DurationMS int64         `json:"durationMs"`
	Duration   time.Duration `json:"-"`
}

// DeriveBuildInputs resolves the descriptor's build fields into a
// BuildInput: dockerFile (or build.dockerfile) relative to the
// descriptor's directory, build.context joined against the dockerfile
// directory, and build.args/target folded in.
func DeriveBuildInputs(p *writ.DevcontainerParser, imageTag string) (BuildInput, error) {
	input := BuildInput{
		Tags:      []string{imageTag},
		BuildArgs: make(map[string]*string),
	}

	descriptorDir := filepath.Dir(p.Filepath)
	switch {
	case p.Config.DockerFile != nil && len(*p.Config.DockerFile) > 0:
		input.DockerfilePath = *p.Config.DockerFile
	case p.Config.Build != nil && p.Config.Build.Dockerfile != nil:
		input.DockerfilePath = *p.Config.Build.Dockerfile
	default:
		return BuildInput{}, &errtyp.ConfigError{Kind: "Validation", Message: "descriptor names neither dockerFile nor build.dockerfile"}
	}

	dockerfileDir := filepath.Dir(filepath.Join(descriptorDir, input.DockerfilePath))
	contextRel := "."
	if p.Config.Build != nil && p.Config.Build.Context != nil {
		contextRel = *p.Config.Build.Context
	} else if p.Config.Context != nil {
		contextRel = *p.Config.Context
	}
	contextDir := contextRel
	if !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(dockerfileDir, contextRel)
	}
	contextDir, err := filepath.Abs(contextDir)
	if err != nil {
		return BuildInput{}, err
	}
	input.ContextDir = contextDir

	if p.Config.Build != nil {
		if p.Config.Build.Target != nil {
			input.Target = *p.Config.Build.Target
		}
		for key, val := range p.Config.Build.Args {
			val := val
			input.BuildArgs[key] = &val
		}
		if p.Config.Build.CacheFrom != nil {
			if p.Config.Build.CacheFrom.String != nil {
				input.CacheFrom = append(input.CacheFrom, *p.Config.Build.CacheFrom.String)
			}
			input.CacheFrom = append(input.CacheFrom, p.Config.Build.CacheFrom.StringArray...)
		}
	}

	return input, nil
}

// Build runs an image build per input and returns the built image's
// ID alongside timing. The final ID is read back from the runtime via
// inspect so it does not depend on which builder produced the stream.
func (c *Client) Build(ctx context.Context, input BuildInput) (BuildResult, error) {
	started := time.Now()
	if err := c.BuildContainerImage(ctx, input); err != nil {
		return BuildResult{}, err
	}

	var imageID string
	if len(input.Tags) > 0 {
		id, _, err := c.InspectImageID(ctx, input.Tags[0])
		if err != nil {
			return BuildResult{}, err
		}
		imageID = id
	}

	elapsed := time.Since(started)
	return BuildResult{
		ImageID:    imageID,
		Tags:       input.Tags,
		Duration:   elapsed,
		DurationMS: elapsed.Milliseconds(),
	}, nil
}

// BuildContainerImage builds the OCI image to be used by the
// devcontainer.
func (c *Client) BuildContainerImage(ctx context.Context, input BuildInput) (err error) {
	slog.Debug("building container image", "tags", input.Tags)

	// While it's possible to have the REST API build an OCI image
	// without having an intermediary tarball, I like having it around
	// so it's easier to debug issues pertaining to the context
	// tarball.
	contextArchivePath, err := buildContextArchive(input.ContextDir)
	if err != nil {
		return err
	}
	contextArchive, err := os.Open(contextArchivePath)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			return
		}

		// contextArchive is closed automatically by the ImageBuild
		// API call
		if err = os.Remove(contextArchive.Name()); err != nil {
			slog.Error("failed cleaning up context archive", "path", contextArchive.Name(), "error", err)
			return
		}
	}()

	buildOpts := mobyclient.ImageBuildOptions{
		Context:        contextArchive,
		Dockerfile:     input.DockerfilePath,
		Target:         input.Target,
		BuildArgs:      input.BuildArgs,
		NoCache:        input.NoCache,
		CacheFrom:      input.CacheFrom,
		Labels:         input.Labels,
		Remove:         true,
		SuppressOutput: input.SuppressOutput,
		Tags:           input.Tags,
	}

	buildResp, err := c.mobyClient.ImageBuild(ctx, contextArchive, buildOpts)
	if err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "image build failed: " + err.Error(), Cause: err}
	}
	defer func() {
		if err != nil {
			return
		}

		if err = buildResp.Body.Close(); err != nil {
			slog.Error("could not close build response", "error", err)
		}
	}()

	tagLabel := "image"
	if len(input.Tags) > 0 {
		tagLabel = input.Tags[0]
	}

	decoder := json.NewDecoder(buildResp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}

		if err = decoder.Decode(&msg); err == io.EOF {
			err = nil
			break
		} else if err != nil {
			slog.Error("error decoding build stream", "error", err)
			return err
		}

		if msg.Stream != "" && !input.SuppressOutput {
			PrefixedPrintf := NewPrefixedPrintff("BUILD", tagLabel)
			PrefixedPrintf("%s", strings.ReplaceAll(msg.Stream, "\n", "\r\n"))
		}
		if msg.Error != "" {
			PrefixedPrintf := NewPrefixedPrintffError("BUILD")
			PrefixedPrintf("%s\r\n", msg.Error)
			err = &errtyp.RuntimeError{Kind: "CLIError", Message: "image build failed: " + msg.Error}
			return err
		}
	}

	return err
}

// BuildDevcontainerImage builds an OCI image based on options in a
// devcontainer.json.
//
// This is a very thin wrapper over Build.
func (c *Client) BuildDevcontainerImage(ctx context.Context, p *writ.DevcontainerParser, imageTag string, suppressOutput bool) (BuildResult, error) {
	input, err := DeriveBuildInputs(p, imageTag)
	if err != nil {
		return BuildResult{}, err
	}
	input.SuppressOutput = suppressOutput
	return c.Build(ctx, input)
}

// InspectImage returns the image's embedded OCI config.
func (c *Client) InspectImage(ref string) (*imagespec.DockerOCIImageConfig, error) {
	_, cfg, err := c.InspectImageID(context.Background(), ref)
	return cfg, err
}

// InspectImageID returns the image's ID and embedded OCI config.
func (c *Client) InspectImageID(ctx context.Context, ref string) (string, *imagespec.DockerOCIImageConfig, error) {
	inspectRes, err := c.mobyClient.ImageInspect(ctx, ref, mobyclient.ImageInspectOptions{})
	if err != nil {
		return "", nil, &errtyp.RuntimeError{Kind: "CLIError", Message: "inspecting image: " + err.Error(), Cause: err}
	}
	return inspectRes.Image.ID, inspectRes.Image.Config, nil
}

// ImageExists reports whether ref resolves to a locally-present
// image.
func (c *Client) ImageExists(ctx context.Context, ref string) bool {
	if _, _, err := c.InspectImageID(ctx, ref); err != nil {
		slog.Debug("image not present locally", "ref", ref, "error", err)
		return false
	}
	return true
}

// PullContainerImage pulls the OCI image from a remote registry so it
// can be used in the creation of a devcontainer.
func (c *Client) PullContainerImage(ctx context.Context, tag string, suppressOutput bool) (err error) {
	slog.Debug("pulling image tag from remote registry", "tag", tag)
	pullResp, err := c.mobyClient.ImagePull(ctx, tag, mobyclient.ImagePullOptions{})
	if err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "pulling image: " + err.Error(), Cause: err}
	}
	defer func() {
		if err != nil {
			return
		}

		if err := pullResp.Close(); err != nil {
			slog.Error("could not close pull response", "error", err)
		}
	}()

	if suppressOutput {
		if err := pullResp.Wait(ctx); err != nil {
			return err
		}
	} else {
		stdoutFd := os.Stdout.Fd()
		isTerm := term.IsTerminal(int(stdoutFd))
		streamWriter := NewPrefixedStreamWriter(os.Stdout, "PULL", tag)
		if err := jsonmessage.DisplayJSONMessagesStream(pullResp, streamWriter, stdoutFd, isTerm, nil); err != nil {
			slog.Error("error encountered while pulling image", "tag", tag, "error", err)
			return err
		}
	}

	return err
}

// PushImage pushes a locally-present tag through the runtime's own
// push endpoint, reusing its credential handling.
func (c *Client) PushImage(ctx context.Context, tag string, suppressOutput bool) (err error) {
	slog.Debug("pushing image tag to remote registry", "tag", tag)
	pushResp, err := c.mobyClient.ImagePush(ctx, tag, mobyclient.ImagePushOptions{})
	if err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "pushing image: " + err.Error(), Cause: err}
	}
	defer func() {
		if closeErr := pushResp.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if suppressOutput {
		return pushResp.Wait(ctx)
	}
	stdoutFd := os.Stdout.Fd()
	isTerm := term.IsTerminal(int(stdoutFd))
	streamWriter := NewPrefixedStreamWriter(os.Stdout, "PUSH", tag)
	return jsonmessage.DisplayJSONMessagesStream(pushResp, streamWriter, stdoutFd, isTerm, nil)
}

// ExportImage saves a tag to an OCI tarball at exportPath.
func (c *Client) ExportImage(ctx context.Context, tag string, exportPath string) error {
	saveResp, err := c.mobyClient.ImageSave(ctx, []string{tag}, mobyclient.ImageSaveOptions{})
	if err != nil {
		return &errtyp.RuntimeError{Kind: "CLIError", Message: "exporting image: " + err.Error(), Cause: err}
	}
	defer saveResp.Close()

	out, err := os.Create(exportPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, saveResp); err != nil {
		return err
	}
	return nil
}

// buildContextExcludesList builds a list of files to be excluded in
// the creation of the context tarball.
//
// Requires ctxDir, the path of the context directory to search
// .containerignore/.dockerignore in.
//
// This integrates support for .containerignore/.dockerignore during
// the creation of the context tarball.
func buildContextExcludesList(ctxDir string) []string {
	slog.Debug("checking for .containerignore/.dockerignore in context directory")
	ignoreFile := filepath.Join(ctxDir, ".containerignore")
	if _, err := os.Stat(ignoreFile); os.IsNotExist(err) {
		ignoreFile = filepath.Join(ctxDir, ".dockerignore")
	}

	var excludes []string
	f, err := os.Open(ignoreFile)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error(fmt.Sprintf("error opening %s; %v", ignoreFile, err))
		}
		return excludes
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("could not close ignore file handle", "error", err)
		}
	}()

	if excludes, err = ignorefile.ReadAll(f); err != nil {
		slog.Error(fmt.Sprintf("error parsing %s; %v", ignoreFile, err))
	}
	slog.Debug(fmt.Sprintf("applying %d exclusion patterns", len(excludes)))
	return excludes
}

// buildContextArchive gathers the context directory into a tarball.
//
// Creates a tarball rooted at ctxDir and returns the path to the
// created file if successful. If any errors are encountered, returns
// an empty string and the error.
//
// The created file is guaranteed to be unique in the system at the
// time of creation.
//
// While it's possible to build an OCI image without an intermediary
// file, having it makes it easier to debug issues related to the
// context tarball.
func buildContextArchive(ctxDir string) (string, error) {
	tempFile, err := os.CreateTemp("", fmt.Sprintf(".ctx-%s-*.tar.gz", filepath.Base(ctxDir)))
	if err != nil {
		return "", err
	}
	slog.Debug(fmt.Sprintf("building a context archive for the container as %s", tempFile.Name()))
	defer func() {
		if err := tempFile.Close(); err != nil {
			slog.Error("could not close tempfile", "error", err)
		}
	}()

	tarOpts := &archive.TarOptions{
		// Assign ownership of files to root so we don't run into
		// namespace mapping issues when using Podman.
		ChownOpts: &archive.ChownOpts{
			UID: 0,
			GID: 0,
		},
		Compression:      archive.Gzip,
		ExcludePatterns:  buildContextExcludesList(ctxDir),
		IncludeSourceDir: false,
		NoLchown:         true,
	}

	ctxReader, err := archive.TarWithOptions(ctxDir, tarOpts)
	if err != nil {
		return "", err
	}

	_, err = io.Copy(tempFile, ctxReader)
	if err == nil {
		return tempFile.Name(), err
	}
	return "", err
}
