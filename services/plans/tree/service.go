// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree performs structural changes to plan trees: creating,
// moving and deleting nodes, and editing their overrides and facets.
//
// # Description
//
// Every write that touches Path or ParentID goes through MoveNode, which
// computes the complete subtree rewrite up front and hands it to the store
// as one MovePlan. Writes to a plan are serialized through a
// planlock.Locker keyed by the plan id.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/pkg/validation"
	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/observability"
	"github.com/AleutianAI/plangraph/services/plans/planlock"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "plangraph/tree"

// NodeStore is the part of store.Store the tree service needs.
type NodeStore interface {
	store.NodeReader
	store.NodeWriter
}

// Service mutates plan trees.
type Service struct {
	store  NodeStore
	locker planlock.Locker
	audit  extensions.AuditLogger
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the per-plan locker. Default: a LocalLocker.
func WithLocker(l planlock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithAuditLogger sets the audit sink for moves and deletes.
func WithAuditLogger(a extensions.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service over st.
func NewService(st NodeStore, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = planlock.NewLocalLocker(planlock.DefaultConfig().MaxWait)
	}
	if s.audit == nil {
		s.audit = &extensions.NopAuditLogger{}
	}
	return s
}

// GetNode returns a node of tenantID. Nodes of other tenants are reported
// as not found.
func (s *Service) GetNode(ctx context.Context, tenantID, id string) (*model.Node, error) {
	n, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	if n.TenantID != tenantID {
		return nil, fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	return n, nil
}

// GetFacet returns the facet of a node of tenantID.
func (s *Service) GetFacet(ctx context.Context, tenantID, id string) (*model.Facet, error) {
	if _, err := s.GetNode(ctx, tenantID, id); err != nil {
		return nil, err
	}
	f, err := s.store.GetFacet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get facet %s: %w", id, err)
	}
	return f, nil
}

// CreateNode inserts a node and, when facet is non-nil, its facet.
//
// # Description
//
// Plans are roots. Every other node needs an active parent of the same
// tenant and inherits the parent's plan. The facet type must match the
// node type. If the facet write fails the node is removed again.
//
// # Outputs
//
//   - *model.Node: The persisted node.
//   - error: model.ErrValidation for a malformed draft or facet,
//     model.ErrNotFound for an unknown parent.
func (s *Service) CreateNode(ctx context.Context, draft model.NodeDraft, facet *model.Facet) (n *model.Node, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.CreateNode",
		attribute.String("type", string(draft.Type)))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := validation.Struct(draft); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if err := checkOverrideIDs(draft.IncludeDependencyIDs, draft.ExcludeDependencyIDs); err != nil {
		return nil, err
	}
	if facet != nil {
		if err := facet.Check(); err != nil {
			return nil, err
		}
		if facet.Type != draft.Type {
			return nil, fmt.Errorf("%w: facet type %s does not match node type %s",
				model.ErrValidation, facet.Type, draft.Type)
		}
	}

	planID := ""
	if draft.ParentID != nil {
		parent, err := s.GetNode(ctx, draft.TenantID, *draft.ParentID)
		if err != nil {
			return nil, fmt.Errorf("create node: parent: %w", err)
		}
		if !parent.Active {
			return nil, fmt.Errorf("%w: parent %s is inactive", model.ErrValidation, parent.ID)
		}
		planID = parent.PlanID
	}

	if planID != "" {
		unlock, err := s.locker.Lock(ctx, planlock.PlanKey(draft.TenantID, planID))
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	n, err = s.store.Insert(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	if facet != nil {
		f := *facet
		f.NodeID = n.ID
		if err := s.store.UpsertFacet(ctx, &f); err != nil {
			if derr := s.store.Delete(ctx, n.ID); derr != nil {
				s.logger.Error("rollback of node without facet failed",
					"node_id", n.ID,
					"error", derr)
			}
			return nil, fmt.Errorf("create node facet: %w", err)
		}
	}

	s.logger.Info("node created",
		"node_id", n.ID,
		"plan_id", n.PlanID,
		"type", n.Type,
		"path", n.Path)
	return n, nil
}

// MoveNode reparents a node and rewrites the paths of its whole subtree.
//
// # Description
//
// The new paths of the node and every descendant are computed first and
// applied in one store transaction together with the reparent. The store
// rejects the plan with model.ErrConcurrencyConflict if the subtree or
// either path changed in the meantime, in which case nothing is written.
//
// # Outputs
//
//   - *model.Node: The moved node.
//   - error: model.ErrValidation when the node is a plan, the target is
//     the node or one of its descendants, inactive, or in another plan or
//     tenant. model.ErrNotFound for an unknown node.
func (s *Service) MoveNode(ctx context.Context, tenantID, nodeID, newParentID string) (moved *model.Node, err error) {
	updates := 0
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.MoveNode",
		attribute.String("node_id", nodeID),
		attribute.String("new_parent_id", newParentID))
	defer func() {
		telemetry.EndSpan(span, err)
		observability.ObserveMove(updates, err)
	}()

	node, err := s.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type == model.NodeTypePlan {
		return nil, fmt.Errorf("%w: plan %s cannot be moved", model.ErrValidation, node.ID)
	}

	unlock, err := s.locker.Lock(ctx, planlock.PlanKey(tenantID, node.PlanID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Positions are read under the lock.
	node, err = s.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}
	parent, err := s.store.GetByID(ctx, newParentID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: new parent %s does not exist", model.ErrValidation, newParentID)
	}
	if err != nil {
		return nil, fmt.Errorf("move node %s: %w", nodeID, err)
	}
	if err := checkMoveTarget(node, parent); err != nil {
		return nil, err
	}
	if node.ParentIDValue() == parent.ID {
		return node, nil
	}

	plan, err := s.planMove(ctx, node, parent)
	if err != nil {
		return nil, err
	}
	updates = len(plan.Updates)
	if err := s.store.ApplyMove(ctx, plan); err != nil {
		return nil, fmt.Errorf("move node %s: %w", nodeID, err)
	}

	moved, err = s.store.GetByID(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("move node %s: reload: %w", nodeID, err)
	}

	s.logger.Info("node moved",
		"node_id", nodeID,
		"plan_id", node.PlanID,
		"from", node.Path,
		"to", moved.Path,
		"subtree", updates)
	s.recordAudit(ctx, extensions.AuditNodeMoved, node, map[string]any{
		"old_parent_id": node.ParentIDValue(),
		"new_parent_id": parent.ID,
		"old_path":      node.Path,
		"new_path":      moved.Path,
		"subtree_size":  updates,
	})
	return moved, nil
}

// checkMoveTarget rejects illegal new parents.
func checkMoveTarget(node, parent *model.Node) error {
	switch {
	case parent.TenantID != node.TenantID:
		return fmt.Errorf("%w: new parent %s belongs to another tenant", model.ErrValidation, parent.ID)
	case parent.PlanID != node.PlanID:
		return fmt.Errorf("%w: new parent %s is in plan %s, node is in plan %s",
			model.ErrValidation, parent.ID, parent.PlanID, node.PlanID)
	case parent.ID == node.ID || nodepath.IsDescendantOf(parent.Path, node.Path):
		return fmt.Errorf("%w: cannot move %s under itself or its descendant %s",
			model.ErrValidation, node.ID, parent.ID)
	case !parent.Active:
		return fmt.Errorf("%w: new parent %s is inactive", model.ErrValidation, parent.ID)
	}
	return nil
}

// planMove builds the MovePlan for node under parent. The moved node comes
// first, followed by its descendants in path order.
func (s *Service) planMove(ctx context.Context, node, parent *model.Node) (store.MovePlan, error) {
	descendants, err := s.store.GetByPathPrefix(ctx, node.TenantID, node.Path)
	if err != nil {
		return store.MovePlan{}, fmt.Errorf("move node %s: subtree: %w", node.ID, err)
	}

	newPath := nodepath.Build(parent.Path, node.Type, node.ID)
	delta := parent.Depth + 1 - node.Depth

	updates := make([]store.PathUpdate, 0, len(descendants)+1)
	updates = append(updates, store.PathUpdate{NodeID: node.ID, Path: newPath, Depth: parent.Depth + 1})
	for _, d := range descendants {
		p, err := nodepath.Rebase(d.Path, node.Path, newPath)
		if err != nil {
			return store.MovePlan{}, fmt.Errorf("move node %s: %w", node.ID, err)
		}
		updates = append(updates, store.PathUpdate{NodeID: d.ID, Path: p, Depth: d.Depth + delta})
	}

	return store.MovePlan{
		NodeID:             node.ID,
		NewParentID:        parent.ID,
		ExpectedPath:       node.Path,
		ExpectedParentPath: parent.Path,
		Updates:            updates,
	}, nil
}

// DeleteNode removes a node, its subtree and their facets.
func (s *Service) DeleteNode(ctx context.Context, tenantID, id string) error {
	node, err := s.GetNode(ctx, tenantID, id)
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, planlock.PlanKey(tenantID, node.PlanID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	s.logger.Info("node deleted",
		"node_id", id,
		"plan_id", node.PlanID,
		"path", node.Path)
	s.recordAudit(ctx, extensions.AuditNodeDeleted, node, map[string]any{"path": node.Path})
	return nil
}

// SetDependencyOverrides persists a node's inheritance flag and include
// and exclude lists. Nil fields keep their current value.
func (s *Service) SetDependencyOverrides(ctx context.Context, tenantID, id string, o model.DependencyOverrides) (*model.Node, error) {
	var include, exclude []string
	if o.IncludeDependencyIDs != nil {
		include = *o.IncludeDependencyIDs
	}
	if o.ExcludeDependencyIDs != nil {
		exclude = *o.ExcludeDependencyIDs
	}
	if err := checkOverrideIDs(include, exclude); err != nil {
		return nil, err
	}

	node, err := s.GetNode(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, planlock.PlanKey(tenantID, node.PlanID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated, err := s.store.Update(ctx, id, o.Patch())
	if err != nil {
		return nil, fmt.Errorf("set overrides of %s: %w", id, err)
	}
	s.logger.Debug("dependency overrides updated",
		"node_id", id,
		"disable_inheritance", updated.DisableDependencyInheritance,
		"include", len(updated.IncludeDependencyIDs),
		"exclude", len(updated.ExcludeDependencyIDs))
	return updated, nil
}

// UpdateFacet replaces the facet of a node of tenantID.
func (s *Service) UpdateFacet(ctx context.Context, tenantID string, facet *model.Facet) error {
	if facet == nil {
		return fmt.Errorf("%w: facet is required", model.ErrValidation)
	}
	node, err := s.GetNode(ctx, tenantID, facet.NodeID)
	if err != nil {
		return err
	}
	if err := store.CheckFacetFor(node, facet); err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, planlock.PlanKey(tenantID, node.PlanID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.UpsertFacet(ctx, facet); err != nil {
		return fmt.Errorf("update facet of %s: %w", node.ID, err)
	}
	return nil
}

func checkOverrideIDs(include, exclude []string) error {
	if err := validation.ValidateNodeIDs(include); err != nil {
		return fmt.Errorf("%w: include_dependency_ids: %v", model.ErrValidation, err)
	}
	if err := validation.ValidateNodeIDs(exclude); err != nil {
		return fmt.Errorf("%w: exclude_dependency_ids: %v", model.ErrValidation, err)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, eventType string, node *model.Node, meta map[string]any) {
	meta["plan_id"] = node.PlanID
	err := s.audit.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		TenantID:     node.TenantID,
		Actor:        extensions.ActorFromContext(ctx, "unknown"),
		ResourceType: "node",
		ResourceID:   node.ID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata:     meta,
	})
	if err != nil {
		s.logger.Warn("audit write failed",
			"event_type", eventType,
			"node_id", node.ID,
			"error", err)
	}
}
