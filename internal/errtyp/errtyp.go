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

// Package errtyp realizes the §7 error taxonomy as a small family of
// structured, Unwrap-able error types so CLI-layer JSON envelopes can
// be built directly from their exported fields instead of scraping a
// formatted string.
package errtyp

import "fmt"

// ConfigError covers Config.{NotFound, MultipleConfigs, Parse,
// Validation, IO, ExtendsCycle}.
type ConfigError struct {
	Kind       string // NotFound | MultipleConfigs | Parse | Validation | IO | ExtendsCycle
	Message    string
	Paths      []string // populated for MultipleConfigs and ExtendsCycle
	HostDetail string   // populated for Validation host-requirement failures
	Cause      error
}

func (e *ConfigError) Error() string {
	if len(e.Paths) > 0 {
		return fmt.Sprintf("config.%s: %s %v", e.Kind, e.Message, e.Paths)
	}
	return fmt.Sprintf("config.%s: %s", e.Kind, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// RegistryError covers Registry.{Auth, NotFound, IntegrityError,
// Transport, InvalidManifest}.
type RegistryError struct {
	Kind           string
	Message        string
	Ref            string
	ExpectedDigest string
	ActualDigest   string
	Cause          error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry.%s: %s (ref=%s)", e.Kind, e.Message, e.Ref)
}

func (e *RegistryError) Unwrap() error { return e.Cause }

// FeatureError covers Feature.{ResolveFailed, Cycle, PlanInvalid,
// InstallFailed}.
type FeatureError struct {
	Kind       string
	Message    string
	FeatureID  string
	Cycle      []string
	ExitCode   int
	StderrTail string
	Cause      error
}

func (e *FeatureError) Error() string {
	switch e.Kind {
	case "Cycle":
		return fmt.Sprintf("feature.cycle: %v", e.Cycle)
	case "InstallFailed":
		return fmt.Sprintf("feature.installFailed: %s exited %d: %s", e.FeatureID, e.ExitCode, e.StderrTail)
	default:
		return fmt.Sprintf("feature.%s: %s (%s)", e.Kind, e.Message, e.FeatureID)
	}
}

func (e *FeatureError) Unwrap() error { return e.Cause }

// LifecycleError covers Lifecycle.{PhaseFailed, Timeout, Cancelled}.
type LifecycleError struct {
	Kind      string
	Message   string
	Phase     string
	CommandID int
	ExitCode  *int
	Cause     error
}

func (e *LifecycleError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("lifecycle.%s: phase %s command %d exited %d: %s", e.Kind, e.Phase, e.CommandID, *e.ExitCode, e.Message)
	}
	return fmt.Sprintf("lifecycle.%s: phase %s: %s", e.Kind, e.Phase, e.Message)
}

func (e *LifecycleError) Unwrap() error { return e.Cause }

// RuntimeError covers Runtime.{NotInstalled, CLIError, Unavailable}.
type RuntimeError struct {
	Kind    string
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("runtime.%s: %s", e.Kind, e.Message) }
func (e *RuntimeError) Unwrap() error { return e.Cause }

// StateError covers State.{Conflict, IO}.
type StateError struct {
	Kind          string
	Message       string
	WorkspaceHash string
	Cause         error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state.%s: %s (workspace=%s)", e.Kind, e.Message, e.WorkspaceHash)
}

func (e *StateError) Unwrap() error { return e.Cause }
