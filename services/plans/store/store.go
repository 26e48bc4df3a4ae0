// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the persistence contract for plan nodes, facets
// and replan sessions.
//
// # Description
//
// The store is the single source of truth for the plan graph. Resolvers,
// calculators and the session manager read through NodeReader and never
// cache rows across calls. Structural writes go through NodeWriter, whose
// ApplyMove is the only way a node's Path or ParentID changes.
//
// Two implementations exist: sqlstore (SQLite or PostgreSQL) and
// badgerstore (embedded key-value). Both must pass storetest.Run.
//
// # Errors
//
// Implementations return errors wrapping the sentinels in package model:
//
//   - model.ErrNotFound for a missing node, facet or session.
//   - model.ErrValidation for inputs the store itself rejects.
//   - model.ErrConcurrencyConflict when an optimistic check fails.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// Filter narrows node listings.
//
// The zero value returns active nodes of every type.
type Filter struct {
	// IncludeInactive returns soft-deleted rows as well.
	IncludeInactive bool

	// Types restricts results to the given node types. Empty means all.
	Types []model.NodeType
}

// ActiveOfTypes returns a filter for active nodes of the given types.
func ActiveOfTypes(types ...model.NodeType) Filter {
	return Filter{Types: types}
}

// Match reports whether n passes the filter.
func (f Filter) Match(n *model.Node) bool {
	if !f.IncludeInactive && !n.Active {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if n.Type == t {
			return true
		}
	}
	return false
}

// PathUpdate is the new position of one node in a MovePlan.
type PathUpdate struct {
	NodeID string
	Path   string
	Depth  int
}

// MovePlan is a precomputed subtree rewrite.
//
// Updates contains the moved node and every strict descendant. The store
// applies all of them plus the reparent in one transaction, after
// verifying that the moved node still has ExpectedPath, the new parent
// still has ExpectedParentPath, and the subtree still holds exactly the
// nodes listed in Updates.
type MovePlan struct {
	NodeID             string
	NewParentID        string
	ExpectedPath       string
	ExpectedParentPath string
	Updates            []PathUpdate
}

// NodeReader reads nodes and facets.
type NodeReader interface {
	// GetByID returns the node with id regardless of tenant or active flag.
	GetByID(ctx context.Context, id string) (*model.Node, error)

	// GetByIDs returns the nodes that exist among ids, in no particular
	// order. Missing ids are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]*model.Node, error)

	// GetByParent returns the direct children of parentID.
	GetByParent(ctx context.Context, tenantID, parentID string, f Filter) ([]*model.Node, error)

	// GetByPlanAndType returns the nodes of one type within a plan.
	GetByPlanAndType(ctx context.Context, tenantID, planID string, t model.NodeType, f Filter) ([]*model.Node, error)

	// GetByPathPrefix returns every strict descendant of prefix, active
	// or not, ordered by path.
	GetByPathPrefix(ctx context.Context, tenantID, prefix string) ([]*model.Node, error)

	// GetByPaths returns the nodes at the given exact paths.
	GetByPaths(ctx context.Context, tenantID string, paths []string) ([]*model.Node, error)

	// GetByTenant returns every node of a tenant, ordered by path.
	GetByTenant(ctx context.Context, tenantID string, f Filter) ([]*model.Node, error)

	// GetFacet returns the facet of a node.
	GetFacet(ctx context.Context, nodeID string) (*model.Facet, error)

	// GetFacets returns the facets that exist among nodeIDs keyed by id.
	GetFacets(ctx context.Context, nodeIDs []string) (map[string]*model.Facet, error)
}

// NodeWriter mutates nodes and facets.
type NodeWriter interface {
	// Insert assigns an id, derives Path, Depth and PlanID from the parent
	// and persists the node in one transaction.
	Insert(ctx context.Context, draft model.NodeDraft) (*model.Node, error)

	// Update applies a non-structural patch and returns the new row.
	Update(ctx context.Context, id string, patch model.NodePatch) (*model.Node, error)

	// Delete removes the node, its subtree and their facets.
	Delete(ctx context.Context, id string) error

	// UpsertFacet writes the facet of an existing node.
	UpsertFacet(ctx context.Context, facet *model.Facet) error

	// ApplyMove applies a MovePlan atomically.
	ApplyMove(ctx context.Context, plan MovePlan) error
}

// SessionStore persists replan sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s *model.ReplanSession) error

	GetSession(ctx context.Context, id string) (*model.ReplanSession, error)

	// UpdateSessionStatus sets the status to `to` only if it is currently
	// `from`. A session in any other state yields model.ErrConcurrencyConflict.
	UpdateSessionStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error

	// UpdateSessionChanges replaces ProposedChanges only while the session
	// is in status `expected`.
	UpdateSessionChanges(ctx context.Context, id string, expected model.SessionStatus, changes json.RawMessage, at time.Time) error

	DeleteSession(ctx context.Context, id string) error

	// ListSessionsForPlan returns a plan's sessions, oldest first.
	ListSessionsForPlan(ctx context.Context, tenantID, planID string) ([]*model.ReplanSession, error)
}

// Store is the full persistence surface.
type Store interface {
	NodeReader
	NodeWriter
	SessionStore

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}
