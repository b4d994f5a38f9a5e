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

// Package identity derives the deterministic container identity
// (workspace hash, container name, label set) from a canonical
// workspace root. It is worktree-aware: a git worktree resolves to its
// own root, not the main repository's common directory, per §4.K.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/go-git/go-git/v6"
)

// ContainerNamePrefix names the single-container mode's default
// container name, ported from the teacher's ImageTagPrefix-adjacent
// "deacon-" convention mentioned in SPEC_FULL.md §4.K.
const ContainerNamePrefix = "deacon-"

const (
	// LabelLocalFolder is the canonical workspace root label.
	LabelLocalFolder = "devcontainer.localFolder"
	// LabelWorkspaceHash is the workspace hash label.
	LabelWorkspaceHash = "devcontainer.workspaceHash"
	// LabelConfigFile is the resolved descriptor path label.
	LabelConfigFile = "devcontainer.configFile"
	// LabelConfigName is the optional descriptor name label.
	LabelConfigName = "devcontainer.configName"
)

var invalidContainerNameChar = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Identity is the deterministic (workspaceHash, containerName, labels)
// triple that locates and names a devcontainer's resources.
type Identity struct {
	CanonicalRoot string
	WorkspaceHash string
	ContainerName string
	Labels        map[string]string
}

// Resolve computes an Identity for workspaceFolder, descriptorPath,
// and an optional descriptor name. Two calls with the same canonical
// root, name, and base-image selection always agree (invariant 7);
// two distinct git worktrees of the same repository always differ,
// because CanonicalWorkspaceRoot resolves to the worktree's own root.
func Resolve(workspaceFolder, descriptorPath string, name *string) (Identity, error) {
	root, err := CanonicalWorkspaceRoot(workspaceFolder)
	if err != nil {
		return Identity{}, err
	}

	hash := WorkspaceHash(root)

	containerName := ContainerNamePrefix + hash
	if name != nil && len(*name) > 0 {
		containerName = sanitizeContainerName(*name)
	}

	labels := map[string]string{
		LabelLocalFolder:   root,
		LabelWorkspaceHash: hash,
		LabelConfigFile:    descriptorPath,
	}
	if name != nil && len(*name) > 0 {
		labels[LabelConfigName] = *name
	}

	return Identity{
		CanonicalRoot: root,
		WorkspaceHash: hash,
		ContainerName: containerName,
		Labels:        labels,
	}, nil
}

// WorkspaceHash returns the first 8 hex characters of SHA-256 of the
// canonical workspace root, per §4.K step 2.
func WorkspaceHash(canonicalRoot string) string {
	sum := sha256.Sum256([]byte(canonicalRoot))
	return hex.EncodeToString(sum[:])[:8]
}

// DevcontainerID derives the 12-character deterministic token used to
// resolve the ${devcontainerId} substitution variable (§4.E). It is
// intentionally distinct from WorkspaceHash's 8-character form so the
// two can't be confused when both appear in logs.
func DevcontainerID(canonicalRoot string) string {
	sum := sha256.Sum256([]byte("devcontainerId:" + canonicalRoot))
	return hex.EncodeToString(sum[:])[:12]
}

// CanonicalWorkspaceRoot resolves folder to an absolute path; symlinks
// in it are not resolved. If folder sits inside a git worktree, the worktree's own root
// is returned rather than the main repository's common directory, so
// sibling worktrees of one repository produce distinct identities.
func CanonicalWorkspaceRoot(folder string) (string, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return "", fmt.Errorf("resolving absolute workspace path: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit: true,
		// Deliberately NOT EnableDotGitCommonDir: a worktree's .git
		// file points at the main repo's common dir, and resolving
		// through it would collapse every worktree onto one identity.
	})
	if err != nil {
		// Not a git repository (or git metadata unreadable); the
		// workspace folder itself is the canonical root.
		return abs, nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return abs, nil
	}
	root, err := filepath.Abs(wt.Filesystem.Root())
	if err != nil {
		return abs, nil
	}
	return root, nil
}

// sanitizeContainerName mirrors the teacher's createImageTagBase
// sanitation: anything outside [a-zA-Z0-9_.-] becomes an underscore.
func sanitizeContainerName(name string) string {
	return invalidContainerNameChar.ReplaceAllString(name, "_")
}
