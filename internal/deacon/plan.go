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
)

// PlanResult is the features-plan envelope: the deterministic
// topological order plus the parallel level decomposition.
type PlanResult struct {
	Order  []string   `json:"order"`
	Levels [][]string `json:"levels"`
}

// FeaturesPlan resolves the descriptor, fetches its features, and
// returns the installation plan without touching any container.
func (cmd *Command) FeaturesPlan(ctx context.Context) (*PlanResult, error) {
	cmd.Options.SkipHostRequirements = true
	if err := cmd.resolveConfiguration(ctx); err != nil {
		return nil, err
	}
	p := cmd.parser

	if err := cmd.PrepareFeaturesData(ctx, p.Config.Features, p.Filepath); err != nil {
		return nil, err
	}
	if err := cmd.ParseFeaturesConfig(ctx, p, p.Config.Features); err != nil {
		return nil, err
	}

	plan, err := cmd.BuildFeaturesInstallationPlan(ctx, p.Config.OverrideFeatureInstallOrder)
	if err != nil {
		return nil, err
	}
	return &PlanResult{Order: plan.Order, Levels: plan.Levels}, nil
}
