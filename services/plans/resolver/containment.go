// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/observability"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ComputeContainmentBlastRadius returns the tree-containment impact of
// nodeIDs.
//
// # Description
//
// Upstream holds every live ancestor of every target, found by path
// prefix. Downstream holds every live node in each target's subtree.
// Affected is targets, then upstream, then downstream, deduped by id.
//
// This is not the execution-graph radius used by replan sessions; see
// package blast for that one.
//
// # Outputs
//
//   - model.BlastRadius: Kind is model.BlastRadiusContainment. Empty for
//     an empty nodeIDs.
//   - error: Wraps model.ErrNotFound naming any id that does not exist.
func (r *Resolver) ComputeContainmentBlastRadius(ctx context.Context, nodeIDs []string) (br model.BlastRadius, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Resolver.ComputeContainmentBlastRadius",
		attribute.Int("targets", len(nodeIDs)))
	defer func() {
		telemetry.EndSpan(span, err)
		observability.ObserveResolution("containment", start, len(br.Affected), err)
		if err == nil {
			observability.ObserveBlastRadius(br)
		}
	}()

	ids := model.UnionIDs(nodeIDs)
	if len(ids) == 0 {
		return model.EmptyBlastRadius(model.BlastRadiusContainment), nil
	}

	rows, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return br, fmt.Errorf("containment targets: %w", err)
	}
	byID := make(map[string]*model.Node, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	targets := make([]*model.Node, 0, len(ids))
	var missing []string
	for _, id := range ids {
		n, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		targets = append(targets, n)
	}
	if len(missing) > 0 {
		return br, fmt.Errorf("%w: nodes %s", model.ErrNotFound, strings.Join(missing, ", "))
	}

	upstream, err := r.containmentUpstream(ctx, targets)
	if err != nil {
		return br, err
	}
	downstream, err := r.containmentDownstream(ctx, targets)
	if err != nil {
		return br, err
	}

	br = model.BlastRadius{
		Kind:       model.BlastRadiusContainment,
		Upstream:   upstream,
		Downstream: downstream,
	}
	br.Affected = model.UnionIDs(ids, upstream, downstream)
	r.logger.Debug("containment blast radius computed",
		"targets", len(ids),
		"upstream", len(br.Upstream),
		"downstream", len(br.Downstream),
		"affected", len(br.Affected))
	return br, nil
}

// containmentUpstream resolves every target's ancestor paths, one query
// per tenant.
func (r *Resolver) containmentUpstream(ctx context.Context, targets []*model.Node) ([]string, error) {
	pathsByTenant := make(map[string][]string)
	var tenants []string
	for _, t := range targets {
		if _, ok := pathsByTenant[t.TenantID]; !ok {
			tenants = append(tenants, t.TenantID)
		}
		pathsByTenant[t.TenantID] = append(pathsByTenant[t.TenantID], nodepath.AncestorPaths(t.Path)...)
	}

	var ancestors []*model.Node
	for _, tenant := range tenants {
		paths := model.UnionIDs(pathsByTenant[tenant])
		if len(paths) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := r.store.GetByPaths(ctx, tenant, paths)
		if err != nil {
			return nil, fmt.Errorf("containment ancestors: %w", err)
		}
		ancestors = append(ancestors, rows...)
	}

	live := make([]*model.Node, 0, len(ancestors))
	for _, a := range ancestors {
		if a.Active {
			live = append(live, a)
		}
	}
	model.SortNodesByPath(live)
	return model.UnionIDs(model.NodeIDs(live)), nil
}

// containmentDownstream fetches each target's subtree in parallel and
// concatenates them in target order.
func (r *Resolver) containmentDownstream(ctx context.Context, targets []*model.Node) ([]string, error) {
	subtrees := make([][]*model.Node, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := r.store.GetByPathPrefix(gctx, t.TenantID, t.Path)
			if err != nil {
				return fmt.Errorf("subtree of %s: %w", t.ID, err)
			}
			subtrees[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ids []string
	for _, rows := range subtrees {
		for _, n := range rows {
			if n.Active {
				ids = append(ids, n.ID)
			}
		}
	}
	return model.UnionIDs(ids), nil
}
