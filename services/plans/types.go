// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plans

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is a short human-readable message.
	Error string `json:"error"`

	// Code is one of NOT_FOUND, VALIDATION_ERROR, INVALID_TRANSITION,
	// CONCURRENCY_CONFLICT, UNAUTHORIZED, RATE_LIMITED, INVALID_REQUEST
	// or INTERNAL_ERROR.
	Code string `json:"code"`

	Details string `json:"details,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// CreateNodeRequest is the body of POST /v1/nodes. The tenant comes from
// the request, never the body.
type CreateNodeRequest struct {
	Type     model.NodeType `json:"type"`
	Name     string         `json:"name"`
	ParentID *string        `json:"parent_id,omitempty"`
	IsFrozen bool           `json:"is_frozen"`

	DisableDependencyInheritance bool     `json:"disable_dependency_inheritance"`
	IncludeDependencyIDs         []string `json:"include_dependency_ids,omitempty"`
	ExcludeDependencyIDs         []string `json:"exclude_dependency_ids,omitempty"`

	Facet *model.Facet `json:"facet,omitempty"`
}

// draft converts the request to a NodeDraft for tenantID.
func (r CreateNodeRequest) draft(tenantID string) model.NodeDraft {
	return model.NodeDraft{
		Type:                         r.Type,
		Name:                         r.Name,
		ParentID:                     r.ParentID,
		TenantID:                     tenantID,
		IsFrozen:                     r.IsFrozen,
		DisableDependencyInheritance: r.DisableDependencyInheritance,
		IncludeDependencyIDs:         r.IncludeDependencyIDs,
		ExcludeDependencyIDs:         r.ExcludeDependencyIDs,
	}
}

// NodeResponse is a node with its facet, if any.
type NodeResponse struct {
	Node  *model.Node  `json:"node"`
	Facet *model.Facet `json:"facet,omitempty"`
}

// MoveNodeRequest is the body of POST /v1/nodes/:id/move.
type MoveNodeRequest struct {
	NewParentID string `json:"new_parent_id"`
}

// NodesResponse wraps a node list.
type NodesResponse struct {
	Nodes []*model.Node `json:"nodes"`
}

// ContainmentRequest is the body of POST /v1/impact/containment.
type ContainmentRequest struct {
	NodeIDs []string `json:"node_ids"`
}

// BlastRadiusRequest is the body of POST /v1/plans/:planId/blast-radius.
type BlastRadiusRequest struct {
	ScopeNodeIDs []string `json:"scope_node_ids"`
}

// InitiateReplanRequest is the body of POST /v1/plans/:planId/replans.
type InitiateReplanRequest struct {
	ScopeType       model.ScopeType `json:"scope_type"`
	ScopeNodeIDs    []string        `json:"scope_node_ids"`
	CreatedBy       model.CreatedBy `json:"created_by"`
	ProposedChanges json.RawMessage `json:"proposed_changes,omitempty"`
}

// UpdateChangesRequest is the body of PUT /v1/replans/:id/changes.
type UpdateChangesRequest struct {
	ProposedChanges json.RawMessage `json:"proposed_changes"`
}

// SessionsResponse wraps a session list.
type SessionsResponse struct {
	Sessions []*model.ReplanSession `json:"sessions"`
}
