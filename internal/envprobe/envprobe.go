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

// Package envprobe captures a login shell's exported environment from
// inside a disposable container, used to resolve userEnvProbe
// ("loginShell", "interactiveShell", ...) before the real devcontainer
// starts.
package envprobe

import (
	"context"
	"regexp"
	"strings"
)

// Exec runs `export` (or an equivalent) inside a disposable container
// as the given user and returns its combined stdout. The runtime
// adapter supplies this; envprobe never touches a container client
// directly so it stays testable with a fake.
type Exec func(ctx context.Context, user string, env map[string]string) (stdout string, err error)

var (
	lineSep          = regexp.MustCompile(`\r?\n|\r`)
	bashFuncVarNoise = "BASH_FUNC_"
)

// Capture runs exec as user and parses the resulting `export` dump
// into a flat variable map, ported from the teacher's
// StartDevcontainerContainer probe loop: each line is split on the
// first '=', the assignment keyword ("export ", "declare -x ", ...) is
// stripped from the name by taking its last whitespace-separated
// field, bash function exports (which leak through as
// BASH_FUNC_name%%) are discarded, and surrounding quotes are
// trimmed from the value.
func Capture(ctx context.Context, exec Exec, user string, env map[string]string) (map[string]string, error) {
	out, err := exec(ctx, user, env)
	if err != nil {
		return nil, err
	}
	return Parse(out), nil
}

// Parse turns the raw stdout of a shell `export` builtin into a flat
// variable map. Exposed standalone so tests can exercise the parsing
// rules without a container runtime.
func Parse(raw string) map[string]string {
	result := make(map[string]string)
	for _, line := range lineSep.Split(strings.TrimSpace(raw), -1) {
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		nameFields := strings.Fields(kv[0])
		if len(nameFields) == 0 {
			continue
		}
		name := nameFields[len(nameFields)-1]
		if strings.HasPrefix(name, bashFuncVarNoise) {
			continue
		}
		result[name] = strings.Trim(kv[1], `'"`)
	}
	return result
}
