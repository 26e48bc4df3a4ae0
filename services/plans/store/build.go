// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
)

// BuildNode materializes a draft under parent with the given id.
//
// # Description
//
// Shared by every backend so Path, Depth and PlanID are derived the same
// way. A nil parent is only legal for plans, whose PlanID is their own id.
//
// # Outputs
//
//   - *model.Node: The node ready to persist.
//   - error: Wraps model.ErrValidation if the type or placement is illegal.
func BuildNode(draft model.NodeDraft, parent *model.Node, id string, now time.Time) (*model.Node, error) {
	if !draft.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown node type %q", model.ErrValidation, draft.Type)
	}
	if draft.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", model.ErrValidation)
	}

	n := &model.Node{
		ID:                           id,
		Type:                         draft.Type,
		Name:                         draft.Name,
		TenantID:                     draft.TenantID,
		Active:                       true,
		IsFrozen:                     draft.IsFrozen,
		DisableDependencyInheritance: draft.DisableDependencyInheritance,
		IncludeDependencyIDs:         model.NormalizeIDs(draft.IncludeDependencyIDs),
		ExcludeDependencyIDs:         model.NormalizeIDs(draft.ExcludeDependencyIDs),
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}

	if parent == nil {
		if draft.Type != model.NodeTypePlan {
			return nil, fmt.Errorf("%w: %s node requires a parent", model.ErrValidation, draft.Type)
		}
		n.Path = nodepath.Build("", n.Type, id)
		n.Depth = 0
		n.PlanID = id
		return n, nil
	}

	if draft.Type == model.NodeTypePlan {
		return nil, fmt.Errorf("%w: plan nodes must be roots", model.ErrValidation)
	}
	if parent.TenantID != draft.TenantID {
		return nil, fmt.Errorf("%w: parent %s belongs to another tenant", model.ErrValidation, parent.ID)
	}
	pid := parent.ID
	n.ParentID = &pid
	n.Path = nodepath.Build(parent.Path, n.Type, id)
	n.Depth = parent.Depth + 1
	n.PlanID = parent.PlanID
	return n, nil
}

// CheckMovePlan validates the shape of a MovePlan before a backend opens
// a transaction.
func CheckMovePlan(plan MovePlan) error {
	if plan.NodeID == "" || plan.NewParentID == "" {
		return fmt.Errorf("%w: move requires node and parent ids", model.ErrValidation)
	}
	if len(plan.Updates) == 0 {
		return fmt.Errorf("%w: move has no path updates", model.ErrValidation)
	}
	if plan.Updates[0].NodeID != plan.NodeID {
		return fmt.Errorf("%w: first move update must be the moved node", model.ErrValidation)
	}
	return nil
}

// CheckFacetFor verifies that facet may be attached to n.
func CheckFacetFor(n *model.Node, facet *model.Facet) error {
	if err := facet.Check(); err != nil {
		return err
	}
	if facet.Type != n.Type {
		return fmt.Errorf("%w: facet type %s does not match node %s of type %s",
			model.ErrValidation, facet.Type, n.ID, n.Type)
	}
	return nil
}
