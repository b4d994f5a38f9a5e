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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeTagsRelease(t *testing.T) {
	require.Equal(t, []string{"1", "1.2", "1.2.3", "latest"}, ComputeTags("1.2.3"))
}

func TestComputeTagsPrereleaseOmitsLatest(t *testing.T) {
	require.Equal(t, []string{"2", "2.0", "2.0.0-rc.1"}, ComputeTags("2.0.0-rc.1"))
}

func TestSemverishExpandsTruncated(t *testing.T) {
	require.Equal(t, "v1.0.0", Semverish("1"))
	require.Equal(t, "v1.2.0", Semverish("1.2"))
	require.Equal(t, "v1.2.3", Semverish("1.2.3"))
	require.Equal(t, "v1.2.3", Semverish("v1.2.3"))
	require.Equal(t, "", Semverish("not-a-version"))
}

func TestCompareTags(t *testing.T) {
	require.Negative(t, CompareTags("1.0.0", "2.0.0"))
	require.Positive(t, CompareTags("2.0.0", "1.9.9"))
	require.Zero(t, CompareTags("v1.0.0", "1.0.0"))

	// Non-parsable tags sort after every semver tag.
	require.Positive(t, CompareTags("9.9.9", "apple"))
	require.Negative(t, CompareTags("apple", "0.0.1"))
	// Two non-parsable tags compare in reverse lexical order.
	require.Negative(t, CompareTags("zebra", "apple"))
}
