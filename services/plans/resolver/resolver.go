// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver computes the effective context, io and data
// dependencies of plan nodes.
//
// # Description
//
// A node sees the dependency-typed nodes declared directly under itself
// and directly under each live ancestor, unless it disables inheritance.
// Include ids add dependencies from anywhere in the tenant; exclude ids
// remove them and always win.
//
// The resolver is stateless. Every call reads through store.NodeReader and
// holds no rows after it returns.
//
// # Thread Safety
//
// Resolver is safe for concurrent use.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/observability"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "plangraph/resolver"

// DefaultConcurrency bounds parallel per-level child fetches.
const DefaultConcurrency = 4

// dependencyTypes are the node types a resolution can return.
var dependencyTypes = []model.NodeType{model.NodeTypeContext, model.NodeTypeIO, model.NodeTypeData}

// Resolution is the effective dependency set of one node.
type Resolution struct {
	NodeID string `json:"node_id"`

	// Dependencies is Inherited followed by the Included nodes not already
	// inherited.
	Dependencies []*model.Node `json:"dependencies"`

	// Inherited holds declarations found on the node's own level and its
	// ancestors' levels, root first, after excludes.
	Inherited []*model.Node `json:"inherited"`

	// Included holds the include ids that resolved to live rows of the
	// node's tenant, after excludes.
	Included []*model.Node `json:"included"`

	ExcludedIDs         []string `json:"excluded_ids"`
	InheritanceDisabled bool     `json:"inheritance_disabled"`
}

// DependencyIDs returns the ids of Dependencies in order.
func (r *Resolution) DependencyIDs() []string {
	return model.NodeIDs(r.Dependencies)
}

// IO is the effective io of a node split by facet direction.
type IO struct {
	Inputs  []*model.Node `json:"inputs"`
	Outputs []*model.Node `json:"outputs"`
}

// Preview compares a node's dependencies before and after hypothetical
// overrides.
type Preview struct {
	Before  *Resolution   `json:"before"`
	After   *Resolution   `json:"after"`
	Added   []*model.Node `json:"added"`
	Removed []*model.Node `json:"removed"`
}

// Resolver resolves dependencies against a store.
type Resolver struct {
	store       store.NodeReader
	logger      *slog.Logger
	concurrency int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConcurrency bounds parallel store reads per call. Values below 1
// are ignored.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Resolver reading from s.
func New(s store.NodeReader, opts ...Option) *Resolver {
	r := &Resolver{
		store:       s,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDependencies computes the effective dependencies of nodeID.
//
// # Inputs
//
//   - ctx: Checked between store round trips.
//   - nodeID: Node to resolve. Any type may be resolved.
//
// # Outputs
//
//   - *Resolution: Never nil on success. Slices are non-nil.
//   - error: Wraps model.ErrNotFound if nodeID does not exist.
func (r *Resolver) ResolveDependencies(ctx context.Context, nodeID string) (res *Resolution, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Resolver.ResolveDependencies",
		attribute.String("node_id", nodeID))
	defer func() {
		telemetry.EndSpan(span, err)
		observability.ObserveResolution("resolve", start, depCount(res), err)
	}()

	node, err := r.store.GetByID(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", nodeID, err)
	}
	return r.resolve(ctx, node)
}

// resolve computes the resolution of an in-memory node record. It never
// writes, so it serves both persisted and overlaid records.
func (r *Resolver) resolve(ctx context.Context, node *model.Node) (*Resolution, error) {
	exclude := model.IDSet(node.ExcludeDependencyIDs)
	res := &Resolution{
		NodeID:              node.ID,
		Inherited:           []*model.Node{},
		ExcludedIDs:         append([]string{}, node.ExcludeDependencyIDs...),
		InheritanceDisabled: node.DisableDependencyInheritance,
	}

	if !node.DisableDependencyInheritance {
		declared, err := r.inherited(ctx, node)
		if err != nil {
			return nil, err
		}
		res.Inherited = withoutIDs(declared, exclude)
	}

	included, err := r.included(ctx, node)
	if err != nil {
		return nil, err
	}
	res.Included = withoutIDs(included, exclude)

	if node.DisableDependencyInheritance {
		res.Dependencies = res.Included
	} else {
		res.Dependencies = model.DedupeNodes(append(append([]*model.Node{}, res.Inherited...), res.Included...))
	}

	r.logger.Debug("dependencies resolved",
		"node_id", node.ID,
		"dependencies", len(res.Dependencies),
		"inherited", len(res.Inherited),
		"included", len(res.Included),
		"inheritance_disabled", res.InheritanceDisabled)
	return res, nil
}

// inherited returns the dependency-typed direct children of every live
// ancestor level and of the node itself, root first, deduped by id.
func (r *Resolver) inherited(ctx context.Context, node *model.Node) ([]*model.Node, error) {
	levels, err := r.liveAncestors(ctx, node)
	if err != nil {
		return nil, err
	}
	levels = append(levels, node)

	perLevel := make([][]*model.Node, len(levels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, level := range levels {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			children, err := r.store.GetByParent(gctx, node.TenantID, level.ID, store.ActiveOfTypes(dependencyTypes...))
			if err != nil {
				return fmt.Errorf("children of %s: %w", level.ID, err)
			}
			model.SortNodesByPath(children)
			perLevel[i] = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*model.Node
	for _, children := range perLevel {
		out = append(out, children...)
	}
	return model.DedupeNodes(out), nil
}

// liveAncestors loads the active same-tenant ancestors of node, root
// first, in one store query.
func (r *Resolver) liveAncestors(ctx context.Context, node *model.Node) ([]*model.Node, error) {
	paths := nodepath.AncestorPaths(node.Path)
	if len(paths) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.store.GetByPaths(ctx, node.TenantID, paths)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", node.ID, err)
	}
	live := make([]*model.Node, 0, len(rows))
	for _, a := range rows {
		if a.Active && a.TenantID == node.TenantID {
			live = append(live, a)
		}
	}
	model.SortNodesByPath(live)
	return live, nil
}

// included fetches the node's include ids, keeping live rows of its tenant
// in include order.
func (r *Resolver) included(ctx context.Context, node *model.Node) ([]*model.Node, error) {
	if len(node.IncludeDependencyIDs) == 0 {
		return []*model.Node{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.store.GetByIDs(ctx, node.IncludeDependencyIDs)
	if err != nil {
		return nil, fmt.Errorf("includes of %s: %w", node.ID, err)
	}
	byID := make(map[string]*model.Node, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	out := make([]*model.Node, 0, len(rows))
	for _, id := range node.IncludeDependencyIDs {
		n, ok := byID[id]
		if !ok || !n.Active || n.TenantID != node.TenantID {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// GetEffectiveContext returns the context-typed dependencies of nodeID.
func (r *Resolver) GetEffectiveContext(ctx context.Context, nodeID string) (out []*model.Node, err error) {
	start := time.Now()
	defer func() { observability.ObserveResolution("context", start, len(out), err) }()

	res, err := r.ResolveDependencies(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return ofType(res.Dependencies, model.NodeTypeContext), nil
}

// GetEffectiveData returns the data-typed dependencies of nodeID.
func (r *Resolver) GetEffectiveData(ctx context.Context, nodeID string) (out []*model.Node, err error) {
	start := time.Now()
	defer func() { observability.ObserveResolution("data", start, len(out), err) }()

	res, err := r.ResolveDependencies(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return ofType(res.Dependencies, model.NodeTypeData), nil
}

// GetEffectiveIO returns the io-typed dependencies of nodeID split by the
// direction recorded in each node's io facet.
//
// # Description
//
// An io node with no facet, or a facet whose direction is neither input
// nor output, appears in neither list.
func (r *Resolver) GetEffectiveIO(ctx context.Context, nodeID string) (out *IO, err error) {
	start := time.Now()
	defer func() {
		n := 0
		if out != nil {
			n = len(out.Inputs) + len(out.Outputs)
		}
		observability.ObserveResolution("io", start, n, err)
	}()

	res, err := r.ResolveDependencies(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ios := ofType(res.Dependencies, model.NodeTypeIO)
	out = &IO{Inputs: []*model.Node{}, Outputs: []*model.Node{}}
	if len(ios) == 0 {
		return out, nil
	}

	facets, err := r.store.GetFacets(ctx, model.NodeIDs(ios))
	if err != nil {
		return nil, fmt.Errorf("io facets of %s: %w", nodeID, err)
	}
	for _, n := range ios {
		f := facets[n.ID]
		if f == nil || f.IO == nil {
			r.logger.Debug("io dependency has no facet", "node_id", nodeID, "io_id", n.ID)
			continue
		}
		switch f.IO.Direction {
		case model.IODirectionInput:
			out.Inputs = append(out.Inputs, n)
		case model.IODirectionOutput:
			out.Outputs = append(out.Outputs, n)
		default:
			r.logger.Debug("io dependency has unknown direction",
				"node_id", nodeID, "io_id", n.ID, "direction", f.IO.Direction)
		}
	}
	return out, nil
}

// PreviewDependencyChanges resolves nodeID as persisted and again with
// overrides substituted in memory. Nothing is written.
func (r *Resolver) PreviewDependencyChanges(ctx context.Context, nodeID string, overrides model.DependencyOverrides) (p *Preview, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Resolver.PreviewDependencyChanges",
		attribute.String("node_id", nodeID))
	defer func() {
		telemetry.EndSpan(span, err)
		n := 0
		if p != nil {
			n = len(p.After.Dependencies)
		}
		observability.ObserveResolution("preview", start, n, err)
	}()

	node, err := r.store.GetByID(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", nodeID, err)
	}

	before, err := r.resolve(ctx, node)
	if err != nil {
		return nil, err
	}
	after, err := r.resolve(ctx, overrides.Patch().Apply(node))
	if err != nil {
		return nil, err
	}

	return &Preview{
		Before:  before,
		After:   after,
		Added:   withoutIDs(after.Dependencies, model.IDSet(before.DependencyIDs())),
		Removed: withoutIDs(before.Dependencies, model.IDSet(after.DependencyIDs())),
	}, nil
}

func ofType(nodes []*model.Node, t model.NodeType) []*model.Node {
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func withoutIDs(nodes []*model.Node, drop map[string]struct{}) []*model.Node {
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := drop[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func depCount(res *Resolution) int {
	if res == nil {
		return 0
	}
	return len(res.Dependencies)
}
