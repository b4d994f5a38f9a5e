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
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// SubstitutionReport accumulates every selector a Substitutor resolved
// (or failed to resolve) over the lifetime of one descriptor load, so
// callers can surface "these variables were never defined" warnings.
type SubstitutionReport struct {
	Replacements map[string]string
	Unknown      map[string]struct{}
}

// NewSubstitutionReport returns an empty report ready for use.
func NewSubstitutionReport() *SubstitutionReport {
	return &SubstitutionReport{
		Replacements: make(map[string]string),
		Unknown:      make(map[string]struct{}),
	}
}

var (
	envOrLocalEnvPrefix  = regexp.MustCompile(`\$\{(?:env|localEnv):`)
	containerEnvPrefix   = regexp.MustCompile(`\$\{containerEnv:`)
	templateOptionPrefix = regexp.MustCompile(`\$\{templateOption:`)
)

// Substitutor resolves the fixed ${selector} vocabulary against a
// specific devcontainer instance. The shell-style expansion machinery
// (mvdan.cc/sh/v3/shell.Expand) is the same engine DevcontainerParser
// uses internally; Substitutor is the version that also tracks which
// selectors were and weren't resolved, for the Configuration Resolver.
type Substitutor struct {
	ContainerWorkspaceFolder string
	LocalWorkspaceFolder     string
	DevcontainerID           string
	ContainerEnv             map[string]string
	// LocalEnv, when set, is consulted ahead of the process
	// environment for localEnv:/env: selectors. This is how secrets
	// collected by internal/secrets take precedence over host env
	// per §4.F step 5.
	LocalEnv        map[string]string
	TemplateOptions map[string]string

	Report *SubstitutionReport
}

// NewSubstitutor builds a Substitutor with a fresh report.
func NewSubstitutor(containerWorkspaceFolder, localWorkspaceFolder, devcontainerID string) *Substitutor {
	return &Substitutor{
		ContainerWorkspaceFolder: containerWorkspaceFolder,
		LocalWorkspaceFolder:     localWorkspaceFolder,
		DevcontainerID:           devcontainerID,
		Report:                   NewSubstitutionReport(),
	}
}

// Expand applies ${selector} substitution to a single string value.
func (s *Substitutor) Expand(v string) string {
	rewritten := envOrLocalEnvPrefix.ReplaceAllString(v, "${")
	rewritten = containerEnvPrefix.ReplaceAllString(rewritten, "${containerEnv__")
	rewritten = templateOptionPrefix.ReplaceAllString(rewritten, "${templateOption__")

	out, err := shell.Expand(rewritten, s.lookup)
	if err != nil {
		slog.Debug("error expanding substitution variables", "value", v, "error", err)
	}
	return out
}

// ExpandValue recursively applies Expand to every string in v, which
// is expected to be the result of decoding JSON into interface{}
// (map[string]interface{}, []interface{}, string, or a scalar). Map
// keys are never substituted, including inside opaque customizations
// subtrees, which otherwise receive the same best-effort treatment as
// any other value.
func (s *Substitutor) ExpandValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.Expand(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = s.ExpandValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.ExpandValue(child)
		}
		return out
	default:
		return v
	}
}

func (s *Substitutor) lookup(name string) string {
	switch {
	case name == "containerWorkspaceFolder":
		return s.record(name, s.ContainerWorkspaceFolder)
	case name == "containerWorkspaceFolderBasename":
		return s.record(name, filepath.Base(s.ContainerWorkspaceFolder))
	case name == "localWorkspaceFolder":
		return s.record(name, s.LocalWorkspaceFolder)
	case name == "localWorkspaceFolderBasename":
		return s.record(name, filepath.Base(s.LocalWorkspaceFolder))
	case name == "devcontainerId":
		return s.record(name, s.DevcontainerID)
	case strings.HasPrefix(name, "containerEnv__"):
		key := strings.TrimPrefix(name, "containerEnv__")
		if val, ok := s.ContainerEnv[key]; ok {
			return s.record("containerEnv:"+key, val)
		}
		return s.unknown("containerEnv:" + key)
	case strings.HasPrefix(name, "templateOption__"):
		key := strings.TrimPrefix(name, "templateOption__")
		if val, ok := s.TemplateOptions[key]; ok {
			return s.record("templateOption:"+key, val)
		}
		return s.unknown("templateOption:" + key)
	default:
		if val, ok := s.LocalEnv[name]; ok {
			return s.record("localEnv:"+name, val)
		}
		if val, ok := os.LookupEnv(name); ok {
			return s.record("localEnv:"+name, val)
		}
		return s.unknown("localEnv:" + name)
	}
}

func (s *Substitutor) record(selector, value string) string {
	if s.Report != nil {
		s.Report.Replacements[selector] = value
	}
	return value
}

func (s *Substitutor) unknown(selector string) string {
	if s.Report != nil {
		s.Report.Unknown[selector] = struct{}{}
	}
	return ""
}
