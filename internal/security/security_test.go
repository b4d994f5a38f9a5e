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

package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveMakeMeRootWins(t *testing.T) {
	p, err := Resolve(context.Background(), "1000", false, true, nil)
	require.NoError(t, err)
	require.Equal(t, "keep-id:uid=0,gid=0", p.UsernsMode)
	require.Equal(t, 0, p.MappedUID)
	require.Equal(t, 0, p.MappedGID)
}

func TestResolveNoUpdateUIDReturnsNoMapping(t *testing.T) {
	p, err := Resolve(context.Background(), "1000", false, false, nil)
	require.NoError(t, err)
	require.Empty(t, p.UsernsMode)
	require.Equal(t, -1, p.MappedUID)
	require.Equal(t, -1, p.MappedGID)
}

func TestResolveUIDGIDPair(t *testing.T) {
	p, err := Resolve(context.Background(), "1001:1002", true, false, nil)
	require.NoError(t, err)
	require.Equal(t, "keep-id:uid=1001,gid=1002", p.UsernsMode)
	require.Equal(t, 1001, p.MappedUID)
	require.Equal(t, 1002, p.MappedGID)
}

func TestResolveNumericUID(t *testing.T) {
	p, err := Resolve(context.Background(), "2000", true, false, nil)
	require.NoError(t, err)
	require.Equal(t, "keep-id:uid=2000", p.UsernsMode)
	require.Equal(t, 2000, p.MappedUID)
	require.Equal(t, -1, p.MappedGID)
}

func TestResolveRootLiteral(t *testing.T) {
	p, err := Resolve(context.Background(), "root", true, false, nil)
	require.NoError(t, err)
	require.Equal(t, "keep-id:uid=0,gid=0", p.UsernsMode)
}

func TestResolveNamedUserViaResolver(t *testing.T) {
	resolver := func(ctx context.Context, user string) (string, error) {
		require.Equal(t, "vscode", user)
		return "1003", nil
	}
	p, err := Resolve(context.Background(), "vscode", true, false, resolver)
	require.NoError(t, err)
	require.Equal(t, "keep-id:uid=1003", p.UsernsMode)
	require.Equal(t, 1003, p.MappedUID)
}

func TestResolveNamedUserWithoutResolverErrors(t *testing.T) {
	_, err := Resolve(context.Background(), "vscode", true, false, nil)
	require.Error(t, err)
}

func TestDisallowedFeaturesMatchesExactAndPrefix(t *testing.T) {
	disallowed := DisallowedFeatures(" ghcr.io/devcontainers/features/docker-in-docker , ghcr.io/acme/ ")

	require.True(t, disallowed("ghcr.io/devcontainers/features/docker-in-docker"))
	require.True(t, disallowed("ghcr.io/acme/internal-tool"))
	require.False(t, disallowed("ghcr.io/devcontainers/features/node"))
}

func TestDisallowedFeaturesEmptyAllowsEverything(t *testing.T) {
	disallowed := DisallowedFeatures("")
	require.False(t, disallowed("anything"))
}
