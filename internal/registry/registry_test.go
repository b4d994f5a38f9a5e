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

func TestSortTagsBySemver(t *testing.T) {
	tags := []string{"2.0.0", "1.0.0", "latest", "1.5.0"}
	sortTagsBySemver(tags)
	require.Equal(t, []string{"1.0.0", "1.5.0", "2.0.0", "latest"}, tags)
}

func TestSortTagsBySemverAcceptsVPrefix(t *testing.T) {
	tags := []string{"v2.1.0", "v2.0.0"}
	sortTagsBySemver(tags)
	require.Equal(t, []string{"v2.0.0", "v2.1.0"}, tags)
}
