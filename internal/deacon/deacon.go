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

// Package deacon houses the orchestration core: it resolves a
// devcontainer.json descriptor, derives the container identity,
// builds or pulls the base image, installs features, and sequences
// the lifecycle phase machine against the runtime adapter
// (internal/trill).
package deacon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-cz/devslog"

	"github.com/deacon-dev/deacon/internal/featurecache"
	"github.com/deacon-dev/deacon/internal/identity"
	"github.com/deacon-dev/deacon/internal/progress"
	"github.com/deacon-dev/deacon/internal/redact"
	"github.com/deacon-dev/deacon/internal/registry"
	"github.com/deacon-dev/deacon/internal/secrets"
	"github.com/deacon-dev/deacon/internal/state"
	"github.com/deacon-dev/deacon/internal/trill"
	"github.com/deacon-dev/deacon/writ"
)

// ExitCode is a list of numeric exit codes used by deacon.
type ExitCode uint

// Exiting deacon returns one of these values to the shell.
const (
	ExitNormal ExitCode = iota
	ExitError
	ExitOutdated // reserved for --fail-on-outdated
)

// ImageTagPrefix is the default prefix used for the tag of images
// built by deacon.
const ImageTagPrefix = "localhost/devc--"

// PrivilegedPortOffset is added to privileged port bindings when they
// are encountered, in order to raise them past 1023.
//
// e.g., if attempting to bind port 53 on the host, it will be
// translated as (53 + PrivilegedPortOffset) before binding.
const PrivilegedPortOffset uint16 = 8000

// featureCacheTTL bounds how long a cached feature artifact is
// trusted without re-checking its digest upstream.
const featureCacheTTL = 24 * time.Hour

// featureCacheMaxBytes caps the feature cache's resident size; the
// store evicts least-recently-used artifacts past it and rejects any
// single artifact that alone would exceed it.
const featureCacheMaxBytes int64 = 4 << 30

// Options is the plain struct of tunables the CLI layer populates
// from its flags; the core never parses flags itself.
type Options struct {
	// WorkspaceFolder is the directory the user pointed deacon at;
	// defaults to the current working directory.
	WorkspaceFolder string
	// ConfigPath explicitly names a descriptor, bypassing discovery.
	ConfigPath string
	// ConfigName selects a named .devcontainer/<name>/ variant.
	ConfigName string
	// OverrideConfigPath is applied as a final descriptor overlay.
	OverrideConfigPath string
	// SecretsFiles are KEY=VALUE files fed into substitution and the
	// redaction registry.
	SecretsFiles []string

	Prebuild                bool
	SkipPostCreate          bool
	SkipNonBlocking         bool
	SyncNonBlocking         bool
	SkipHostRequirements    bool
	RemoveExistingContainer bool

	DotfilesRepository     string
	DotfilesTargetPath     string
	DotfilesInstallCommand string

	Socket       string
	MakeMeRoot   bool
	PlatformArch string
	PlatformOS   string
	PortOffset   uint16

	ForceTTY bool
	NoTTY    bool

	// NonBlockingTimeout bounds how long sync mode waits for the
	// non-blocking phases; zero means the 5-minute default.
	NonBlockingTimeout time.Duration

	// IncludeConfiguration/IncludeMergedConfiguration opt the up
	// envelope into echoing the resolved descriptor (and its
	// __meta.layers provenance).
	IncludeConfiguration       bool
	IncludeMergedConfiguration bool

	// RemoveVolumes makes down delete the project's named volumes.
	RemoveVolumes bool
	// ForceDown tears resources down even when the descriptor's
	// shutdownAction is "none".
	ForceDown bool
	// DownTimeout bounds container stop; zero means 30 seconds,
	// matching the runtime's own stop grace period.
	DownTimeout time.Duration

	SuppressOutput bool
}

// Command holds the wired-together subsystems for one invocation.
type Command struct {
	Options Options

	appName    string
	appVersion string

	trillClient    *trill.Client
	registryClient *registry.Client
	cacheStore     *featurecache.Store
	stateStore     *state.Store
	progress       *progress.Stream
	secrets        *secrets.Collection
	identity       identity.Identity

	parser   *writ.DevcontainerParser
	resolved *writ.Resolved

	featurePathLookup    map[string]string
	featureParsersLookup map[string]*writ.DevcontainerFeatureParser

	suppressOutput bool
}

var logInitOnce sync.Once

// InitLogging installs the process-wide slog handler once: devslog
// for humans, JSON when DEACON_LOG_FORMAT=json. All log output lands
// on stderr; stdout carries only the command envelopes. Level comes
// from DEACON_LOG (debug|info|warn|error), overridable by the verbose
// and debug arguments.
func InitLogging(verbose, debug bool) {
	logInitOnce.Do(func() {
		logLevel := new(slog.LevelVar)
		logLevel.Set(slog.LevelError)
		switch os.Getenv("DEACON_LOG") {
		case "debug":
			logLevel.Set(slog.LevelDebug)
		case "info":
			logLevel.Set(slog.LevelInfo)
		case "warn":
			logLevel.Set(slog.LevelWarn)
		case "error":
			logLevel.Set(slog.LevelError)
		}
		switch {
		case debug:
			logLevel.Set(slog.LevelDebug)
		case verbose:
			logLevel.Set(slog.LevelInfo)
		}

		var handler slog.Handler
		if os.Getenv("DEACON_LOG_FORMAT") == "json" {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
		} else {
			handler = devslog.NewHandler(os.Stderr, &devslog.Options{
				HandlerOptions: &slog.HandlerOptions{
					AddSource: debug,
					Level:     logLevel,
				},
				NewLineAfterLog:   false,
				SortKeys:          true,
				StringIndentation: true,
			})
		}
		slog.SetDefault(slog.New(redactingHandler{inner: handler}))
	})
}

// redactingHandler passes every log record's message and string
// attributes through the process-wide redaction registry before the
// wrapped handler serializes them.
type redactingHandler struct {
	inner slog.Handler
}

func (h redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, redact.Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(redact.Redact(a.Value.String()))
		}
		clean.AddAttrs(a)
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return redactingHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h redactingHandler) WithGroup(name string) slog.Handler {
	return redactingHandler{inner: h.inner.WithGroup(name)}
}

// NewCommand wires a Command: secrets first (so every later subsystem
// observes a populated redaction registry), then the progress stream,
// registry client, and feature cache. The runtime connection and
// state store are opened lazily by the operations that need them.
func NewCommand(appName, appVersion string, opts Options) (*Command, error) {
	cmd := &Command{
		Options:              opts,
		appName:              appName,
		appVersion:           appVersion,
		registryClient:       registry.NewClient(),
		progress:             progress.NewStream(progress.NewWriterSink(os.Stderr, redact.Default)),
		featurePathLookup:    make(map[string]string),
		featureParsersLookup: make(map[string]*writ.DevcontainerFeatureParser),
		suppressOutput:       opts.SuppressOutput,
	}

	if len(opts.SecretsFiles) > 0 {
		collection, err := secrets.Load(opts.SecretsFiles, redact.Default)
		if err != nil {
			return nil, err
		}
		cmd.secrets = collection
	}

	if cmd.Options.WorkspaceFolder == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cmd.Options.WorkspaceFolder = cwd
	}
	if cmd.Options.PortOffset == 0 {
		cmd.Options.PortOffset = PrivilegedPortOffset
	}
	if cmd.Options.PlatformArch == "" {
		cmd.Options.PlatformArch = "amd64"
	}
	if cmd.Options.PlatformOS == "" {
		cmd.Options.PlatformOS = "linux"
	}
	if cmd.Options.NonBlockingTimeout == 0 {
		cmd.Options.NonBlockingTimeout = 5 * time.Minute
	}
	if cmd.Options.DownTimeout == 0 {
		cmd.Options.DownTimeout = 30 * time.Second
	}

	return cmd, nil
}

// Close releases whatever subsystems were opened.
func (cmd *Command) Close() error {
	var firstErr error
	if cmd.trillClient != nil {
		if err := cmd.trillClient.Close(); err != nil {
			firstErr = err
		}
	}
	if cmd.stateStore != nil {
		if err := cmd.stateStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Progress exposes the event stream, mostly for tests that attach a
// memory sink.
func (cmd *Command) Progress() *progress.Stream { return cmd.progress }

// runtimeClient lazily opens the Podman/Docker connection.
func (cmd *Command) runtimeClient() (*trill.Client, error) {
	if cmd.trillClient != nil {
		return cmd.trillClient, nil
	}
	client, err := trill.NewClient(cmd.Options.Socket, cmd.Options.MakeMeRoot)
	if err != nil {
		return nil, err
	}
	client.Platform = trill.Platform{
		Architecture: cmd.Options.PlatformArch,
		OS:           cmd.Options.PlatformOS,
	}
	client.PrivilegedPortElevator = cmd.privilegedPortElevator
	cmd.trillClient = client
	return client, nil
}

// stateDB lazily opens the workspace→container record store.
func (cmd *Command) stateDB(ctx context.Context) (*state.Store, error) {
	if cmd.stateStore != nil {
		return cmd.stateStore, nil
	}
	base, err := cmd.getStateDirectory()
	if err != nil {
		return nil, err
	}
	store, err := state.Open(ctx, filepath.Join(base, "state.sqlite"))
	if err != nil {
		return nil, err
	}
	cmd.stateStore = store
	return store, nil
}

// featureCache lazily opens the on-disk feature artifact store.
func (cmd *Command) featureCache() (*featurecache.Store, error) {
	if cmd.cacheStore != nil {
		return cmd.cacheStore, nil
	}
	cacheDir, err := cmd.getCacheDirectory()
	if err != nil {
		return nil, err
	}
	store, err := featurecache.Open(filepath.Join(cacheDir, "features"), featureCacheTTL, featureCacheMaxBytes, 64)
	if err != nil {
		return nil, err
	}
	cmd.cacheStore = store
	return store, nil
}

// privilegedPortElevator is the function called by trill when
// encountering privileged ports (ports numbered < 1024).
//
// Accepts port as input and returns a port number beyond the range of
// privileged ports.
func (cmd *Command) privilegedPortElevator(port uint16) uint16 {
	return port + cmd.Options.PortOffset
}
