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
)

// ReadConfiguration resolves the descriptor and returns the merged
// configuration JSON, optionally with the __meta.layers provenance
// block. Host-requirement evaluation is suppressed: reading a
// configuration must work on machines that can't run it.
func (cmd *Command) ReadConfiguration(ctx context.Context, includeMeta bool) (json.RawMessage, error) {
	cmd.Options.SkipHostRequirements = true
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}
	return cmd.resolved.MergedJSON(includeMeta)
}
