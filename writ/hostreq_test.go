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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceCores(t *testing.T) {
	cores, err := ParseResourceCores("4")
	require.NoError(t, err)
	assert.Equal(t, 4.0, cores)

	cores, err = ParseResourceCores("2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, cores)

	_, err = ParseResourceCores("plenty")
	assert.Error(t, err)
}

func TestParseResourceBytes(t *testing.T) {
	for spec, expected := range map[string]uint64{
		"512":     512,
		"512MB":   512 * 1000 * 1000,
		"2 GiB":   2 * 1024 * 1024 * 1024,
		"1.5 GB":  1500 * 1000 * 1000,
		"100 KiB": 100 * 1024,
	} {
		parsed, err := ParseResourceBytes(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, expected, parsed, spec)
	}

	_, err := ParseResourceBytes("lots")
	assert.Error(t, err)
}
