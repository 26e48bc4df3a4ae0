// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blast computes the execution-graph blast radius of a change
// scope within a plan.
//
// # Description
//
// Stage and job facets declare DependsOnNodeIDs. Those declarations form
// one directed graph over the plan's live stages and jobs; edges may join
// a stage to a job and are traversed like any other. For a scope:
//
//   - Downstream is everything the scope depends on, transitively.
//   - Upstream is everything that depends on the scope, transitively.
//   - Affected is the scope plus the direct children of each scope node.
//
// Scope nodes never appear in Upstream or Downstream.
//
// This is the blast radius replan sessions record. The containment
// flavor lives in resolver.ComputeContainmentBlastRadius.
package blast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/observability"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "plangraph/blast"

// Calculator computes execution-graph blast radii.
//
// # Thread Safety
//
// Calculator is stateless and safe for concurrent use.
type Calculator struct {
	store  store.NodeReader
	logger *slog.Logger
}

// NewCalculator creates a Calculator. A nil logger uses slog.Default().
func NewCalculator(s store.NodeReader, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{store: s, logger: logger}
}

// Graph is the execution dependency graph of one plan.
type Graph struct {
	// DependsOn maps a node to the nodes it depends on, sorted by id.
	DependsOn map[string][]string

	// DependedBy is the inverse of DependsOn, sorted by id.
	DependedBy map[string][]string
}

// CalculateBlastRadius computes the radius of scopeNodeIDs within a plan.
//
// # Description
//
// Fails closed. An unknown or inactive plan, a node that is not a plan,
// a plan of another tenant, or an empty scope yields an empty radius and
// a nil error. Store failures are returned.
//
// Output order is deterministic: BFS discovery order, neighbours visited
// in id order.
//
// # Inputs
//
//   - ctx: Checked between store round trips.
//   - planNodeID: The plan root.
//   - scopeNodeIDs: Changed nodes. Duplicates are ignored.
//   - tenantID: Must own the plan.
//
// # Outputs
//
//   - model.BlastRadius: Kind is model.BlastRadiusExecution. Slices are
//     non-nil.
//   - error: Non-nil only for store failures or cancellation.
func (c *Calculator) CalculateBlastRadius(ctx context.Context, planNodeID string, scopeNodeIDs []string, tenantID string) (br model.BlastRadius, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Calculator.CalculateBlastRadius",
		attribute.String("plan_id", planNodeID),
		attribute.Int("scope", len(scopeNodeIDs)))
	defer func() {
		telemetry.EndSpan(span, err)
		if err == nil {
			observability.ObserveBlastRadius(br)
		}
	}()

	empty := model.EmptyBlastRadius(model.BlastRadiusExecution)
	scope := model.UnionIDs(scopeNodeIDs)
	if len(scope) == 0 {
		return empty, nil
	}

	plan, err := c.store.GetByID(ctx, planNodeID)
	if errors.Is(err, model.ErrNotFound) {
		c.logger.Debug("blast radius for unknown plan", "plan_id", planNodeID)
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("blast radius plan %s: %w", planNodeID, err)
	}
	if plan.Type != model.NodeTypePlan || plan.TenantID != tenantID || !plan.Active {
		c.logger.Debug("blast radius for ineligible plan",
			"plan_id", planNodeID, "type", plan.Type, "active", plan.Active)
		return empty, nil
	}

	g, err := c.BuildGraph(ctx, plan)
	if err != nil {
		return empty, err
	}

	affected, err := c.affected(ctx, tenantID, scope)
	if err != nil {
		return empty, err
	}

	br = model.BlastRadius{
		Kind:       model.BlastRadiusExecution,
		Upstream:   closure(g.DependedBy, scope),
		Downstream: closure(g.DependsOn, scope),
		Affected:   affected,
	}
	c.logger.Debug("execution blast radius computed",
		"plan_id", planNodeID,
		"scope", len(scope),
		"upstream", len(br.Upstream),
		"downstream", len(br.Downstream),
		"affected", len(br.Affected))
	return br, nil
}

// BuildGraph loads the live stages and jobs of plan and their facets.
//
// Edges pointing at nodes outside that set are dropped.
func (c *Calculator) BuildGraph(ctx context.Context, plan *model.Node) (*Graph, error) {
	var nodes []*model.Node
	for _, t := range []model.NodeType{model.NodeTypeStage, model.NodeTypeJob} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := c.store.GetByPlanAndType(ctx, plan.TenantID, plan.ID, t, store.Filter{})
		if err != nil {
			return nil, fmt.Errorf("load %ss of plan %s: %w", t, plan.ID, err)
		}
		nodes = append(nodes, rows...)
	}

	g := &Graph{
		DependsOn:  make(map[string][]string),
		DependedBy: make(map[string][]string),
	}
	if len(nodes) == 0 {
		return g, nil
	}

	ids := model.NodeIDs(nodes)
	facets, err := c.store.GetFacets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load facets of plan %s: %w", plan.ID, err)
	}

	known := model.IDSet(ids)
	for _, id := range ids {
		for _, dep := range model.NormalizeIDs(facets[id].DependsOn()) {
			if _, ok := known[dep]; !ok || dep == id {
				continue
			}
			g.DependsOn[id] = append(g.DependsOn[id], dep)
			g.DependedBy[dep] = append(g.DependedBy[dep], id)
		}
	}
	for _, list := range g.DependedBy {
		sort.Strings(list)
	}
	return g, nil
}

// affected returns the scope followed by each scope node's active direct
// children.
func (c *Calculator) affected(ctx context.Context, tenantID string, scope []string) ([]string, error) {
	out := append([]string{}, scope...)
	for _, id := range scope {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := c.store.GetByParent(ctx, tenantID, id, store.Filter{})
		if err != nil {
			return nil, fmt.Errorf("children of %s: %w", id, err)
		}
		model.SortNodesByPath(children)
		out = append(out, model.NodeIDs(children)...)
	}
	return model.UnionIDs(out), nil
}

// closure walks edges breadth first from start and returns every node
// reached that is not itself in start.
func closure(edges map[string][]string, start []string) []string {
	seen := model.IDSet(start)
	queue := append([]string{}, start...)
	out := make([]string, 0)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range edges[id] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
			out = append(out, next)
		}
	}
	return out
}
