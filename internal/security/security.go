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

// Package security realizes the user-map policy: deciding what
// container.HostConfig.UsernsMode value (if any) the runtime adapter
// should apply so the remote user's UID/GID lines up with the host
// user that owns the bind-mounted workspace.
package security

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// IDResolver looks up a named user's numeric UID inside the target
// image by running `id -u <name>` in a disposable container. The
// runtime adapter supplies this; security itself never touches a
// container client.
type IDResolver func(ctx context.Context, user string) (uid string, err error)

// Policy is the resolved decision for one container's user-namespace
// mapping.
type Policy struct {
	// UsernsMode is the literal value to assign to
	// container.HostConfig.UsernsMode. Empty means "leave unset".
	UsernsMode string
	// MappedUID/MappedGID are the numeric IDs the policy mapped to,
	// when known; both are -1 when UsernsMode is empty.
	MappedUID int
	MappedGID int
}

// noMapping is returned whenever no remapping applies.
var noMapping = Policy{MappedUID: -1, MappedGID: -1}

// Resolve computes the user-map Policy for a container whose
// containerUser is containerUser. updateUID mirrors the
// updateRemoteUserUID devcontainer.json field; makeMeRoot mirrors the
// CLI's --make-me-root flag (Podman keep-id:uid=0,gid=0 escape
// hatch). resolver is only invoked when containerUser is neither
// numeric, a UID:GID pair, nor "root".
func Resolve(ctx context.Context, containerUser string, updateUID bool, makeMeRoot bool, resolver IDResolver) (Policy, error) {
	if makeMeRoot {
		return Policy{UsernsMode: "keep-id:uid=0,gid=0", MappedUID: 0, MappedGID: 0}, nil
	}

	if !updateUID || len(containerUser) == 0 {
		return noMapping, nil
	}

	switch {
	case strings.Contains(containerUser, ":"):
		pair := strings.SplitN(containerUser, ":", 2)
		uid, err := strconv.ParseUint(pair[0], 10, 32)
		if err != nil {
			return Policy{}, fmt.Errorf("security: invalid uid in %q: %w", containerUser, err)
		}
		gid, err := strconv.ParseUint(pair[1], 10, 32)
		if err != nil {
			return Policy{}, fmt.Errorf("security: invalid gid in %q: %w", containerUser, err)
		}
		return Policy{
			UsernsMode: fmt.Sprintf("keep-id:uid=%d,gid=%d", uid, gid),
			MappedUID:  int(uid), MappedGID: int(gid),
		}, nil

	case containerUser == "root":
		return Policy{UsernsMode: "keep-id:uid=0,gid=0", MappedUID: 0, MappedGID: 0}, nil

	default:
		if numericUID, err := strconv.ParseUint(containerUser, 10, 32); err == nil {
			return Policy{UsernsMode: fmt.Sprintf("keep-id:uid=%d", numericUID), MappedUID: int(numericUID), MappedGID: -1}, nil
		}

		if resolver == nil {
			return Policy{}, fmt.Errorf("security: containerUser %q is non-numeric and no ID resolver was supplied", containerUser)
		}
		raw, err := resolver(ctx, containerUser)
		if err != nil {
			return Policy{}, fmt.Errorf("security: resolving uid of %q: %w", containerUser, err)
		}
		numericUID, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return Policy{}, fmt.Errorf("security: resolver returned a non-numeric uid for %q: %q", containerUser, raw)
		}
		return Policy{UsernsMode: fmt.Sprintf("keep-id:uid=%d", numericUID), MappedUID: int(numericUID), MappedGID: -1}, nil
	}
}

// DisallowedFeatures parses the DEACON_DISALLOWED_FEATURES environment
// value (a comma-separated list of feature IDs or ID prefixes) into a
// predicate that `up` uses to reject features before install.
func DisallowedFeatures(raw string) func(featureID string) bool {
	var entries []string
	for _, e := range strings.Split(raw, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			entries = append(entries, e)
		}
	}
	return func(featureID string) bool {
		for _, e := range entries {
			if featureID == e || strings.HasPrefix(featureID, e) {
				return true
			}
		}
		return false
	}
}
