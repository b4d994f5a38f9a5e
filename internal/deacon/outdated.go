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
	"os"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/deacon-dev/deacon/internal/registry"
)

// OutdatedEntry reports one feature's version drift: current is the
// pinned tag, wanted the newest tag satisfying the pin's major
// version, latest the newest overall.
type OutdatedEntry struct {
	Current     *string `json:"current"`
	Wanted      *string `json:"wanted"`
	Latest      *string `json:"latest"`
	WantedMajor *string `json:"wantedMajor"`
	LatestMajor *string `json:"latestMajor"`
}

// OutdatedResult is the outdated envelope (§6.2). Feature declaration
// order is preserved via the ordered keys slice; MarshalJSON renders
// the features object in that order.
type OutdatedResult struct {
	Order    []string
	Features map[string]OutdatedEntry
}

// MarshalJSON renders {"features": {...}} with keys in declaration
// order.
func (r OutdatedResult) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(`{"features":{`)
	for i, id := range r.Order {
		if i > 0 {
			sb.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.Features[id])
		if err != nil {
			return nil, err
		}
		sb.Write(key)
		sb.WriteByte(':')
		sb.Write(val)
	}
	sb.WriteString("}}")
	return []byte(sb.String()), nil
}

// HasOutdated reports whether any feature's current tag trails its
// wanted tag, or wanted trails latest; --fail-on-outdated keys its
// exit code off this.
func (r OutdatedResult) HasOutdated() bool {
	for _, entry := range r.Features {
		if entry.Current != nil && entry.Wanted != nil && *entry.Current != *entry.Wanted {
			return true
		}
		if entry.Wanted != nil && entry.Latest != nil {
			if registry.CompareTags(*entry.Wanted, *entry.Latest) < 0 {
				return true
			}
		}
	}
	return false
}

// outdatedConcurrency bounds parallel registry queries, overridable
// via DEACON_OUTDATED_CONCURRENCY.
func outdatedConcurrency() int {
	degree := 4
	if raw := os.Getenv("DEACON_OUTDATED_CONCURRENCY"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			degree = limit
		}
	}
	return degree
}

// Outdated resolves the descriptor and queries each OCI-referenced
// feature's repository for newer tags.
func (cmd *Command) Outdated(ctx context.Context) (*OutdatedResult, error) {
	cmd.Options.SkipHostRequirements = true
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}

	result := &OutdatedResult{Features: make(map[string]OutdatedEntry)}
	for featureID := range cmd.parser.Config.Features {
		result.Order = append(result.Order, featureID)
	}
	// Map iteration isn't declaration order; the raw JSON is. Re-read
	// the descriptor's feature keys in file order.
	if ordered := cmd.featureDeclarationOrder(); len(ordered) == len(result.Order) {
		result.Order = ordered
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(outdatedConcurrency())

	entries := make([]OutdatedEntry, len(result.Order))
	for i, featureID := range result.Order {
		eg.Go(func() error {
			entries[i] = cmd.outdatedEntry(egCtx, featureID)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i, featureID := range result.Order {
		result.Features[featureID] = entries[i]
	}
	return result, nil
}

// outdatedEntry computes one feature's drift report; non-OCI
// references produce an all-null entry.
func (cmd *Command) outdatedEntry(ctx context.Context, featureID string) OutdatedEntry {
	if strings.HasPrefix(featureID, "./") || strings.HasPrefix(featureID, "/") || strings.HasPrefix(featureID, "https://") {
		return OutdatedEntry{}
	}

	repoRef := canonicalFeatureID(featureID)
	current := "latest"
	if idx := strings.LastIndex(featureID, ":"); idx > strings.LastIndex(featureID, "/") {
		current = featureID[idx+1:]
	}

	tags, err := cmd.registryClient.ListTags(ctx, repoRef)
	if err != nil {
		return OutdatedEntry{Current: &current}
	}

	entry := OutdatedEntry{Current: &current}

	var latest, wanted string
	currentCanonical := registry.Semverish(current)
	for _, tag := range tags {
		canonical := registry.Semverish(tag)
		if canonical == "" || tag == "latest" {
			continue
		}
		// Skip the truncated convenience tags ("1", "1.2") so wanted
		// and latest land on full versions.
		if strings.Count(strings.TrimPrefix(tag, "v"), ".") < 2 {
			continue
		}
		if latest == "" || registry.CompareTags(tag, latest) > 0 {
			latest = tag
		}
		if currentCanonical != "" && semver.Major(canonical) == semver.Major(currentCanonical) {
			if wanted == "" || registry.CompareTags(tag, wanted) > 0 {
				wanted = tag
			}
		}
	}

	if latest != "" {
		entry.Latest = &latest
		major := strings.TrimPrefix(semver.Major(registry.Semverish(latest)), "v")
		entry.LatestMajor = &major
	}
	if wanted != "" {
		entry.Wanted = &wanted
		major := strings.TrimPrefix(semver.Major(registry.Semverish(wanted)), "v")
		entry.WantedMajor = &major
	}
	return entry
}

// featureDeclarationOrder extracts the features object's key order
// from the raw descriptor bytes.
func (cmd *Command) featureDeclarationOrder() []string {
	if cmd.resolved == nil || len(cmd.resolved.Layers) == 0 {
		return nil
	}
	raw, err := os.ReadFile(cmd.resolved.Layers[len(cmd.resolved.Layers)-1].SourcePath)
	if err != nil {
		return nil
	}
	return featureKeysInOrder(raw)
}

// featureKeysInOrder walks the raw JSON(C) text for the features
// object's keys in their file order. A failed walk returns nil and
// the caller falls back to map order.
func featureKeysInOrder(raw []byte) []string {
	dec := json.NewDecoder(strings.NewReader(stripJSONComments(string(raw))))
	// Walk tokens until the top-level "features" key, then collect its
	// object's keys.
	depth := 0
	inFeatures := false
	var keys []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if inFeatures && depth == 1 {
					return keys
				}
			}
		case string:
			if depth == 1 && t == "features" && !inFeatures {
				tok, err := dec.Token()
				if err != nil {
					return keys
				}
				if delim, ok := tok.(json.Delim); ok && delim == '{' {
					depth++
					inFeatures = true
				}
				continue
			}
			if inFeatures && depth == 2 {
				keys = append(keys, t)
				// Skip the value.
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return keys
				}
			}
		}
	}
}

// stripJSONComments is a light-weight pass for the declaration-order
// walk only; real parsing always goes through hujson in writ.
func stripJSONComments(s string) string {
	var sb strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		if inString {
			sb.WriteByte(s[i])
			if s[i] == '\\' && i+1 < len(s) {
				i++
				sb.WriteByte(s[i])
			} else if s[i] == '"' {
				inString = false
			}
			continue
		}
		switch {
		case s[i] == '"':
			inString = true
			sb.WriteByte(s[i])
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				sb.WriteByte('\n')
			}
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
