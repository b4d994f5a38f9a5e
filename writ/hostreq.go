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
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// resourceSpec matches a numeric resource quantity with an optional
// unit suffix, e.g. "4", "2.5", "512MB", "2 GiB".
var resourceSpec = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseResourceBytes parses a hostRequirements memory/storage value
// into bytes. Units kb/mb/gb/tb and their binary kib/mib/gib/tib
// variants are accepted, case-insensitively, with or without a
// trailing "b" (so "2 GiB" and "2 Gi" both parse).
func ParseResourceBytes(spec string) (uint64, error) {
	m := resourceSpec.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid resource spec %q", spec)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resource quantity in %q: %w", spec, err)
	}

	unit := strings.TrimSuffix(strings.ToLower(m[2]), "b")
	var multiplier float64 = 1
	switch unit {
	case "", "byte":
		multiplier = 1
	case "k":
		multiplier = 1000
	case "m":
		multiplier = 1000 * 1000
	case "g":
		multiplier = 1000 * 1000 * 1000
	case "t":
		multiplier = 1000 * 1000 * 1000 * 1000
	case "ki":
		multiplier = 1 << 10
	case "mi":
		multiplier = 1 << 20
	case "gi":
		multiplier = 1 << 30
	case "ti":
		multiplier = 1 << 40
	default:
		return 0, fmt.Errorf("unrecognized unit in resource spec %q", spec)
	}

	return uint64(value * multiplier), nil
}

// ParseResourceCores parses a hostRequirements cpus value into a
// fractional core count.
func ParseResourceCores(spec string) (float64, error) {
	m := resourceSpec.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid cpu spec %q", spec)
	}
	return strconv.ParseFloat(m[1], 64)
}

// HostProbe reports host capacity as observed by the current process.
// AvailableStorageBytes is probed via a build-tagged platform.go
// (platform_unix.go / platform_windows.go), mirroring the teacher's
// cachedirectory_unix.go / cachedirectory_windows.go split for
// filesystem-specific syscalls.
type HostProbe struct {
	Cores                 int
	MemoryBytes           uint64
	AvailableStorageBytes uint64
}

// ProbeHost reports the currently observable host capacity.
func ProbeHost() HostProbe {
	mem, _ := availableMemoryBytes()
	storage, _ := availableStorageBytes(".")
	return HostProbe{
		Cores:                 runtime.NumCPU(),
		MemoryBytes:           mem,
		AvailableStorageBytes: storage,
	}
}

// evaluateHostRequirements compares req against the currently probed
// host and returns a Config.Validation error listing every unsatisfied
// constraint, or nil if all declared requirements are met.
func evaluateHostRequirements(req HostRequirements) error {
	probe := ProbeHost()
	var unmet []string

	if req.Cpus != nil {
		if float64(probe.Cores) < float64(*req.Cpus) {
			unmet = append(unmet, fmt.Sprintf("cpus: required %d, observed %d", *req.Cpus, probe.Cores))
		}
	}

	if req.Memory != nil {
		required, err := ParseResourceBytes(*req.Memory)
		if err != nil {
			return &errtyp.ConfigError{Kind: "Validation", Message: "invalid hostRequirements.memory", HostDetail: err.Error()}
		}
		if probe.MemoryBytes > 0 && probe.MemoryBytes < required {
			unmet = append(unmet, fmt.Sprintf("memory: required %s, observed %d bytes", *req.Memory, probe.MemoryBytes))
		}
	}

	if req.Storage != nil {
		required, err := ParseResourceBytes(*req.Storage)
		if err != nil {
			return &errtyp.ConfigError{Kind: "Validation", Message: "invalid hostRequirements.storage", HostDetail: err.Error()}
		}
		if probe.AvailableStorageBytes < required {
			unmet = append(unmet, fmt.Sprintf("storage: required %s, observed %d bytes", *req.Storage, probe.AvailableStorageBytes))
		}
	}

	if len(unmet) > 0 {
		return &errtyp.ConfigError{
			Kind:       "Validation",
			Message:    "host does not satisfy hostRequirements",
			HostDetail: strings.Join(unmet, "; "),
		}
	}
	return nil
}
