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

// Package main houses the thin CLI frontend for the deacon core: flag
// parsing, subcommand dispatch, and envelope/exit-code plumbing. The
// orchestration itself lives in internal/deacon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/pborman/options"

	"github.com/deacon-dev/deacon/internal/deacon"
)

const AppName string = "deacon"
const AppVersion string = "0.2.0"

// VersionText is just the message printed out when version
// information is requested.
var VersionText = heredoc.Doc(`
    %s, version %s
    A native Go orchestrator for devcontainer.json environments
    Copyright (C) 2025  Neil Santos

    License GPLv3+: GNU GPL version 3 or later <http://gnu.org/licenses/gpl.html>

    This is free software; you are free to change and redistribute it.
    There is NO WARRANTY, to the extent permitted by law.
`)

// flags is the full getopt surface; the core consumes the plain
// deacon.Options struct derived from it.
type flags struct {
	Help    options.Help `getopt:"-h --help display this help message"`
	Config  string       `getopt:"-c --config=PATH explicit path to a devcontainer.json"`
	Name    string       `getopt:"--config-name=NAME named .devcontainer/<name>/ variant to select"`
	Workdir string       `getopt:"-w --workspace-folder=PATH workspace folder to operate on"`

	OverrideConfig string   `getopt:"--override-config=PATH descriptor overlay applied last"`
	SecretsFiles   []string `getopt:"--secrets-file=PATH KEY=VALUE secrets file (repeatable)"`

	Prebuild        bool `getopt:"--prebuild run only the image-baking lifecycle phases"`
	SkipPostCreate  bool `getopt:"--skip-post-create elide postCreate and later phases"`
	SkipNonBlocking bool `getopt:"--skip-non-blocking-commands omit postStart/postAttach"`
	RemoveExisting  bool `getopt:"--remove-existing-container replace any previous container"`

	DotfilesRepo    string `getopt:"--dotfiles-repository=URL dotfiles repository to install"`
	DotfilesTarget  string `getopt:"--dotfiles-target-path=PATH where to clone the dotfiles"`
	DotfilesInstall string `getopt:"--dotfiles-install-command=CMD explicit dotfiles install command"`

	IgnoreHostRequirements bool `getopt:"--ignore-host-requirements skip hostRequirements validation"`
	IncludeConfiguration   bool `getopt:"--include-configuration echo the resolved configuration"`
	IncludeMerged          bool `getopt:"--include-merged-configuration echo configuration with __meta.layers"`

	RemoveVolumes bool `getopt:"--volumes also remove named volumes on down"`
	ForceDown     bool `getopt:"--force tear down even when shutdownAction is none"`
	Timeout       int  `getopt:"--timeout=SECONDS container stop timeout for down"`

	BuildNoCache bool     `getopt:"--no-cache build without layer cache"`
	BuildTags    []string `getopt:"--image-name=TAG additional image tag (repeatable)"`
	BuildPush    bool     `getopt:"--push push built tags"`
	BuildOutput  string   `getopt:"--output=PATH export the built image to a tarball"`

	Registry  string `getopt:"--registry=HOST target registry for publish"`
	Namespace string `getopt:"--namespace=NS target namespace for publish"`

	TemplateDir     string   `getopt:"--template=PATH template directory"`
	TemplateVersion string   `getopt:"--template-version=VER version to publish the template as"`
	TemplateOptions []string `getopt:"--option=K=V template option (repeatable)"`
	PlanOnly        bool     `getopt:"--plan plan-mode: report actions without side effects"`

	JSON           bool `getopt:"--json machine-readable output where supported"`
	FailOnOutdated bool `getopt:"--fail-on-outdated exit 2 when any feature is outdated"`

	MakeMeRoot   bool   `getopt:"-R --make-me-root map your UID to root in the container (Podman-only)"`
	PlatformArch string `getopt:"-a --platform-arch target architecture for the container; defaults to amd64"`
	PlatformOS   string `getopt:"-o --platform-os target operating system for the container; defaults to linux"`
	PortOffset   uint16 `getopt:"-p --port-offset=UINT number to offset privileged ports by"`
	Socket       string `getopt:"-s --socket=ADDR URI to the Podman/Docker socket"`
	ForceTTY     bool   `getopt:"--force-tty allocate a pseudo-terminal even without one on stdin"`
	NoTTY        bool   `getopt:"--no-tty never allocate a pseudo-terminal"`
	Debug        bool   `getopt:"-d --debug enable debug messages (implies -v)"`
	Verbose      bool   `getopt:"-v --verbose enable diagnostic messages"`
	Version      bool   `getopt:"--version display version information then exit"`
}

func main() {
	os.Exit(int(run()))
}

func run() deacon.ExitCode {
	var f flags
	options.SetDisplayWidth(80)
	options.SetHelpColumn(42)
	options.SetParameters("<up|down|build|exec|run-user-commands|read-configuration|features|templates> [args]")
	options.Register(&f)
	args := options.Parse()

	if f.Version {
		fmt.Printf(VersionText, AppName, AppVersion)
		return deacon.ExitNormal
	}

	deacon.InitLogging(f.Verbose, f.Debug)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no subcommand given; see --help")
		return deacon.ExitError
	}

	opts := deacon.Options{
		WorkspaceFolder:            f.Workdir,
		ConfigPath:                 f.Config,
		ConfigName:                 f.Name,
		OverrideConfigPath:         f.OverrideConfig,
		SecretsFiles:               f.SecretsFiles,
		Prebuild:                   f.Prebuild,
		SkipPostCreate:             f.SkipPostCreate,
		SkipNonBlocking:            f.SkipNonBlocking,
		SkipHostRequirements:       f.IgnoreHostRequirements,
		RemoveExistingContainer:    f.RemoveExisting,
		DotfilesRepository:         f.DotfilesRepo,
		DotfilesTargetPath:         f.DotfilesTarget,
		DotfilesInstallCommand:     f.DotfilesInstall,
		Socket:                     f.Socket,
		MakeMeRoot:                 f.MakeMeRoot,
		PlatformArch:               f.PlatformArch,
		PlatformOS:                 f.PlatformOS,
		PortOffset:                 f.PortOffset,
		ForceTTY:                   f.ForceTTY,
		NoTTY:                      f.NoTTY,
		IncludeConfiguration:       f.IncludeConfiguration,
		IncludeMergedConfiguration: f.IncludeMerged,
		RemoveVolumes:              f.RemoveVolumes,
		ForceDown:                  f.ForceDown,
		SuppressOutput:             !f.Verbose && !f.Debug,
	}
	if f.Timeout > 0 {
		opts.DownTimeout = time.Duration(f.Timeout) * time.Second
	}

	cmd, err := deacon.NewCommand(AppName, AppVersion, opts)
	if err != nil {
		deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
		return deacon.ExitError
	}
	defer cmd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "up":
		result, err := cmd.Up(ctx)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "down":
		result, err := cmd.Down(ctx)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "build":
		result, err := cmd.Build(ctx, deacon.BuildOptions{
			Tags:       f.BuildTags,
			NoCache:    f.BuildNoCache,
			Push:       f.BuildPush,
			ExportPath: f.BuildOutput,
		})
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "exec":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "exec requires a command")
			return deacon.ExitError
		}
		exitCode, err := cmd.Exec(ctx, "", args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return deacon.ExitError
		}
		return deacon.ExitCode(exitCode)

	case "run-user-commands":
		result, err := cmd.RunUserCommands(ctx)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "read-configuration":
		raw, err := cmd.ReadConfiguration(ctx, f.IncludeMerged)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		fmt.Println(string(raw))
		return deacon.ExitNormal

	case "features":
		return runFeatures(ctx, cmd, f, args[1:])

	case "templates":
		return runTemplates(ctx, cmd, f, args[1:])

	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", args[0])
		return deacon.ExitError
	}
}

func runFeatures(ctx context.Context, cmd *deacon.Command, f flags, args []string) deacon.ExitCode {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "features requires a verb: plan|info|publish|outdated")
		return deacon.ExitError
	}

	switch args[0] {
	case "plan":
		result, err := cmd.FeaturesPlan(ctx)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "publish":
		if len(args) < 2 || f.Registry == "" || f.Namespace == "" {
			fmt.Fprintln(os.Stderr, "features publish requires a directory, --registry, and --namespace")
			return deacon.ExitError
		}
		result, err := cmd.PublishFeatures(ctx, args[1], f.Registry, f.Namespace)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	case "outdated":
		result, err := cmd.Outdated(ctx)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		if f.FailOnOutdated && result.HasOutdated() {
			return deacon.ExitOutdated
		}
		return deacon.ExitNormal

	case "info":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "features info requires a mode and a reference")
			return deacon.ExitError
		}
		raw, text, err := cmd.FeatureInfo(ctx, deacon.FeatureInfoMode(args[1]), args[2], f.JSON)
		if err != nil {
			if raw != nil {
				fmt.Println(string(raw))
			}
			fmt.Fprintln(os.Stderr, err)
			return deacon.ExitError
		}
		if raw != nil {
			fmt.Println(string(raw))
		} else {
			fmt.Println(text)
		}
		return deacon.ExitNormal

	default:
		fmt.Fprintf(os.Stderr, "unknown features verb: %s\n", args[0])
		return deacon.ExitError
	}
}

func runTemplates(ctx context.Context, cmd *deacon.Command, f flags, args []string) deacon.ExitCode {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "templates requires a verb: metadata|apply|publish")
		return deacon.ExitError
	}

	templateOptions := make(map[string]string, len(f.TemplateOptions))
	for _, pair := range f.TemplateOptions {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				templateOptions[pair[:i]] = pair[i+1:]
				break
			}
		}
	}

	switch args[0] {
	case "metadata":
		raw, err := cmd.TemplateMetadata(f.TemplateDir)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		fmt.Println(string(raw))
		return deacon.ExitNormal

	case "apply":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "templates apply requires a destination directory")
			return deacon.ExitError
		}
		raw, err := cmd.TemplateApply(ctx, f.TemplateDir, args[1], templateOptions, f.PlanOnly)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		fmt.Println(string(raw))
		return deacon.ExitNormal

	case "publish":
		if f.TemplateDir == "" || f.Registry == "" || f.Namespace == "" || f.TemplateVersion == "" {
			fmt.Fprintln(os.Stderr, "templates publish requires --template, --registry, --namespace, and --template-version")
			return deacon.ExitError
		}
		result, err := cmd.TemplatePublish(ctx, f.TemplateDir, f.Registry, f.Namespace, f.TemplateVersion)
		if err != nil {
			deacon.WriteEnvelope(deacon.NewErrorEnvelope(err))
			return deacon.ExitError
		}
		deacon.WriteEnvelope(result)
		return deacon.ExitNormal

	default:
		fmt.Fprintf(os.Stderr, "unknown templates verb: %s\n", args[0])
		return deacon.ExitError
	}
}

