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

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deacon-dev/deacon/internal/redact"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secrets.env", "\n# comment\nKEY1=value1\n\n# more\nKEY2=value2\n")

	reg := redact.NewRegistry()
	c, err := Load([]string{path}, reg)
	require.NoError(t, err)

	v1, ok := c.Get("KEY1")
	require.True(t, ok)
	require.Equal(t, "value1", v1)

	v2, ok := c.Get("KEY2")
	require.True(t, ok)
	require.Equal(t, "value2", v2)
	require.Equal(t, 2, c.Len())
}

func TestLoadLaterFileWins(t *testing.T) {
	dir := t.TempDir()
	f1 := writeFile(t, dir, "a.env", "KEY1=value1\nKEY2=value2\n")
	f2 := writeFile(t, dir, "b.env", "KEY2=new_value2\nKEY3=value3\n")

	c, err := Load([]string{f1, f2}, redact.NewRegistry())
	require.NoError(t, err)

	v, ok := c.Get("KEY2")
	require.True(t, ok)
	require.Equal(t, "new_value2", v)
	require.Equal(t, 3, c.Len())
}

func TestLoadMissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	c, err := Load([]string{filepath.Join(dir, "missing.env")}, redact.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestLoadRegistersSecretsForRedaction(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secrets.env", "SECRET_KEY=very-secret-value\n")

	reg := redact.NewRegistry()
	_, err := Load([]string{path}, reg)
	require.NoError(t, err)

	redacted := reg.Redact("Found very-secret-value in logs")
	require.Contains(t, redacted, "****")
	require.NotContains(t, redacted, "very-secret-value")
}

func TestLoadInvalidLinesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secrets.env", "KEY1=value1\nINVALID_LINE\n=empty_key\nKEY2=value2\n")

	c, err := Load([]string{path}, redact.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
}
