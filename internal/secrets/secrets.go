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

// Package secrets loads KEY=VALUE secrets files and registers every
// value with a redaction registry so it can never appear verbatim in
// logs, progress events, or JSON output.
package secrets

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/deacon-dev/deacon/internal/redact"
)

// Collection holds secrets merged from one or more files, later files
// taking precedence on key conflicts.
type Collection struct {
	values map[string]string
}

// Load reads paths in order and merges their KEY=VALUE pairs, later
// files winning on conflicting keys. A missing file is logged and
// skipped rather than treated as an error, matching the teacher's
// general tolerance for optional, best-effort inputs. Every loaded
// value is registered with registry (redact.Default if nil).
func Load(paths []string, registry *redact.Registry) (*Collection, error) {
	if registry == nil {
		registry = redact.Default
	}
	c := &Collection{values: make(map[string]string)}

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("secrets file not found; skipping", "path", path)
				continue
			}
			return nil, fmt.Errorf("secrets: opening %s: %w", path, err)
		}

		fileValues, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("secrets: parsing %s: %w", path, err)
		}
		for k, v := range fileValues {
			c.values[k] = v
		}
	}

	for _, v := range c.values {
		registry.Add(v)
	}
	return c, nil
}

// parse implements the KEY=VALUE format: blank lines and lines
// starting with '#' are ignored, keys are trimmed, values keep
// interior whitespace and are taken literally (no quote stripping),
// and lines without '=' or with an empty key are skipped with a
// warning rather than failing the whole file.
func parse(r *os.File) (map[string]string, error) {
	result := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			slog.Warn("secrets file line is not KEY=VALUE; skipping", "line", lineNum)
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" {
			slog.Warn("secrets file has an empty key; skipping", "line", lineNum)
			continue
		}
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AsEnv returns the collection as an environment map suitable for
// merging into variable substitution / remoteEnv.
func (c *Collection) AsEnv() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Get returns a single secret's value.
func (c *Collection) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Len reports how many secrets are loaded.
func (c *Collection) Len() int { return len(c.values) }
