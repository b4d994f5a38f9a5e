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

package registry

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ComputeTags returns the set of tags a MAJOR.MINOR.PATCH[-pre]
// version publishes under: the major tag, the major.minor tag, and
// the full version, plus "latest" when the version carries no
// pre-release identifier.
func ComputeTags(version string) []string {
	canonical := Semverish(version)
	if canonical == "" {
		return []string{version}
	}

	major := strings.TrimPrefix(semver.Major(canonical), "v")
	majorMinor := strings.TrimPrefix(semver.MajorMinor(canonical), "v")
	tags := []string{major, majorMinor, version}
	if semver.Prerelease(canonical) == "" {
		tags = append(tags, "latest")
	}
	return tags
}

// Semverish canonicalizes a semver-looking tag for comparison: a "v"
// prefix is tolerated, and truncated versions ("1", "1.2") expand to
// full triples ("1.0.0", "1.2.0"). Returns "" when the tag doesn't
// parse as a version at all. The returned string always carries the
// "v" prefix x/mod/semver requires.
func Semverish(tag string) string {
	v := tag
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.IsValid(v) {
		return expandTruncated(v)
	}
	return ""
}

// CompareTags orders two tags per the outdated-query contract:
// parsable versions compare semantically descending-ready; a
// non-parsable tag sorts after every parsable one; two non-parsable
// tags compare in reverse lexical order.
func CompareTags(a, b string) int {
	va, vb := Semverish(a), Semverish(b)
	switch {
	case va != "" && vb != "":
		return semver.Compare(va, vb)
	case va != "":
		return 1
	case vb != "":
		return -1
	default:
		return strings.Compare(b, a)
	}
}

// expandTruncated grows "v1" and "v1.2" into "v1.0.0" and "v1.2.0";
// complete versions pass through unchanged.
func expandTruncated(v string) string {
	base := v
	var suffix string
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		base, suffix = v[:idx], v[idx:]
	}
	switch strings.Count(base, ".") {
	case 0:
		return fmt.Sprintf("%s.0.0%s", base, suffix)
	case 1:
		return fmt.Sprintf("%s.0%s", base, suffix)
	default:
		return v
	}
}
