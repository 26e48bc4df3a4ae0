// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is a replan session lifecycle state.
type SessionStatus string

const (
	SessionDraft      SessionStatus = "draft"
	SessionInProgress SessionStatus = "in_progress"
	SessionCommitted  SessionStatus = "committed"
	SessionAborted    SessionStatus = "aborted"
)

// AllSessionStatuses returns every status in lifecycle order.
func AllSessionStatuses() []SessionStatus {
	return []SessionStatus{SessionDraft, SessionInProgress, SessionCommitted, SessionAborted}
}

// String returns the wire form of the status.
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no transition may leave s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCommitted || s == SessionAborted
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionDraft, SessionInProgress, SessionCommitted, SessionAborted:
		return true
	}
	return false
}

// ScopeType is the node type a replan session targets.
type ScopeType string

const (
	ScopeStage   ScopeType = "stage"
	ScopeJob     ScopeType = "job"
	ScopeContext ScopeType = "context"
)

// CreatedBy identifies who opened a replan session.
type CreatedBy string

const (
	CreatedByAgent CreatedBy = "agent"
	CreatedByHuman CreatedBy = "human"
)

// BlastRadiusKind names which impact definition produced a BlastRadius.
type BlastRadiusKind string

const (
	// BlastRadiusExecution is the canonical definition: closure over
	// stage/job DependsOnNodeIDs edges.
	BlastRadiusExecution BlastRadiusKind = "execution"

	// BlastRadiusContainment is the alternate definition: ancestors and the
	// full subtree by path.
	BlastRadiusContainment BlastRadiusKind = "containment"
)

// BlastRadius is an impact set.
//
// All three lists hold node IDs without duplicates. Affected always
// contains the scope it was computed from.
type BlastRadius struct {
	Kind       BlastRadiusKind `json:"kind"`
	Upstream   []string        `json:"upstream"`
	Downstream []string        `json:"downstream"`
	Affected   []string        `json:"affected"`
}

// EmptyBlastRadius returns a radius with non-nil empty lists.
func EmptyBlastRadius(kind BlastRadiusKind) BlastRadius {
	return BlastRadius{
		Kind:       kind,
		Upstream:   []string{},
		Downstream: []string{},
		Affected:   []string{},
	}
}

// AllIDs returns Affected ∪ Upstream ∪ Downstream, first occurrence order.
func (b BlastRadius) AllIDs() []string {
	return UnionIDs(b.Affected, b.Upstream, b.Downstream)
}

// IsEmpty reports whether all three lists are empty.
func (b BlastRadius) IsEmpty() bool {
	return len(b.Upstream) == 0 && len(b.Downstream) == 0 && len(b.Affected) == 0
}

// ReplanSession is a draft/review/commit workflow around a proposed change.
//
// # Lifecycle
//
//	draft → in_progress → committed | aborted
//	draft → committed | aborted
//
// Committed and aborted are terminal. The session owns its snapshot and
// blast radius; only the session manager writes its status.
type ReplanSession struct {
	ID               string          `json:"id"`
	PlanNodeID       string          `json:"plan_node_id"`
	TenantID         string          `json:"tenant_id"`
	ScopeType        ScopeType       `json:"scope_type"`
	ScopeNodeIDs     []string        `json:"scope_node_ids"`
	BlastRadius      BlastRadius     `json:"blast_radius"`
	Status           SessionStatus   `json:"status"`
	CreatedBy        CreatedBy       `json:"created_by"`
	OriginalSnapshot []*Node         `json:"original_snapshot"`
	ProposedChanges  json.RawMessage `json:"proposed_changes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
