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

// Package template applies devcontainer-template.json bundles: parsing
// the template's option schema (the same shape as a Feature's options,
// per https://containers.dev/implementors/templates/#devcontainer-templatejson-properties)
// and copying its file tree into a target workspace with
// ${templateOption:...} substitution applied to text files.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/deacon-dev/deacon/writ"
)

// metadataFilename is the well-known descriptor name within a
// template's file tree.
const metadataFilename = "devcontainer-template.json"

// Metadata is the parsed devcontainer-template.json document.
type Metadata struct {
	ID          string                       `json:"id"`
	Name        *string                      `json:"name,omitempty"`
	Description *string                      `json:"description,omitempty"`
	Options     map[string]writ.FeatureOption `json:"options,omitempty"`
	FileCount   *int                         `json:"fileCount,omitempty"`
}

// LoadMetadata reads and parses templateDir's devcontainer-template.json,
// tolerating JSON-with-comments the same way writ's descriptor parser
// does.
func LoadMetadata(templateDir string) (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(templateDir, metadataFilename))
	if err != nil {
		return Metadata{}, fmt.Errorf("template: reading %s: %w", metadataFilename, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Metadata{}, fmt.Errorf("template: %s has invalid JSON-with-comments: %w", metadataFilename, err)
	}

	var meta Metadata
	if err := json.Unmarshal(standardized, &meta); err != nil {
		return Metadata{}, fmt.Errorf("template: unmarshalling %s: %w", metadataFilename, err)
	}
	return meta, nil
}

// ResolveOptions merges user-provided values over each option's
// default, rendering booleans and strings into the flat string map
// templateOption substitution expects. Selections outside an option's
// enum, selections for undeclared options, and declared options left
// with neither a value nor a default are errors.
func ResolveOptions(meta Metadata, selected map[string]string) (map[string]string, error) {
	for name := range selected {
		if _, declared := meta.Options[name]; !declared {
			return nil, fmt.Errorf("template: option %q is not declared by template %s", name, meta.ID)
		}
	}

	resolved := make(map[string]string, len(meta.Options))
	for name, opt := range meta.Options {
		if v, ok := selected[name]; ok {
			if len(opt.Enum) > 0 && !slices.Contains(opt.Enum, v) {
				return nil, fmt.Errorf("template: option %q value %q is not one of %v", name, v, opt.Enum)
			}
			resolved[name] = v
			continue
		}
		if opt.Default == nil {
			return nil, fmt.Errorf("template: option %q has no default and no value was provided", name)
		}
		switch opt.Type {
		case writ.FeatureOptionTypeBoolean:
			if opt.Default.Bool != nil {
				resolved[name] = strconv.FormatBool(*opt.Default.Bool)
			}
		case writ.FeatureOptionTypeString:
			if opt.Default.String != nil {
				resolved[name] = *opt.Default.String
			}
		}
	}
	return resolved, nil
}

// CopyFile is one entry of a plan-mode action list: what Apply would
// copy where, and whether the content would pass through
// substitution.
type CopyFile struct {
	Src              string `json:"src"`
	Dest             string `json:"dest"`
	HasSubstitutions bool   `json:"hasSubstitutions"`
}

// Plan walks the template tree without side effects and returns the
// ordered action list Apply would perform.
func Plan(templateDir, destDir string, meta Metadata, selected map[string]string) ([]CopyFile, error) {
	if _, err := ResolveOptions(meta, selected); err != nil {
		return nil, err
	}

	var actions []CopyFile
	err := filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		if rel == "." || rel == metadataFilename || d.IsDir() {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hasSub := !looksBinary(raw) && bytes.Contains(raw, []byte("${templateOption:"))
		actions = append(actions, CopyFile{
			Src:              path,
			Dest:             filepath.Join(destDir, rel),
			HasSubstitutions: hasSub,
		})
		return nil
	})
	return actions, err
}

// Apply copies templateDir's file tree (excluding devcontainer-template.json
// itself) into destDir, applying ${templateOption:...} substitution to
// every text file. Binary files are copied byte-for-byte. destDir must
// already exist.
func Apply(templateDir, destDir string, meta Metadata, selected map[string]string) error {
	options, err := ResolveOptions(meta, selected)
	if err != nil {
		return err
	}
	sub := writ.NewSubstitutor(destDir, destDir, "")
	sub.TemplateOptions = options

	return filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == metadataFilename {
			return nil
		}

		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		return copyWithSubstitution(path, target, sub)
	})
}

func copyWithSubstitution(srcPath, destPath string, sub *writ.Substitutor) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("template: reading %s: %w", srcPath, err)
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}

	if looksBinary(raw) {
		return os.WriteFile(destPath, raw, info.Mode().Perm())
	}

	rendered := sub.Expand(string(raw))
	return os.WriteFile(destPath, []byte(rendered), info.Mode().Perm())
}

// looksBinary applies the conventional "contains a NUL byte in its
// first 8000 bytes" heuristic (the same one git and GNU grep use) to
// decide whether a file is text and eligible for substitution.
func looksBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
