// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the plan-graph domain types.
//
// # Description
//
// A single polymorphic Node represents plans, stages, jobs and the
// context/io/data declarations attached to them. Nodes are stored flat,
// keyed by ID; tree position is encoded in Path (see package nodepath)
// and ParentID. Type-specific attributes live in a Facet row owned by
// the store.
//
// # Thread Safety
//
// Types in this package are plain values. Callers that share a *Node
// across goroutines must not mutate it.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the kind of a node.
type NodeType string

const (
	// NodeTypePlan is a plan root. Its PlanID equals its own ID.
	NodeTypePlan NodeType = "plan"

	// NodeTypeStage groups jobs and may declare execution dependencies.
	NodeTypeStage NodeType = "stage"

	// NodeTypeJob is a unit of work and may declare execution dependencies.
	NodeTypeJob NodeType = "job"

	// NodeTypeContext declares context visible to the enclosing level.
	NodeTypeContext NodeType = "context"

	// NodeTypeIO declares an input or output visible to the enclosing level.
	NodeTypeIO NodeType = "io"

	// NodeTypeData declares a data item visible to the enclosing level.
	NodeTypeData NodeType = "data"
)

// AllNodeTypes returns every node type in declaration order.
func AllNodeTypes() []NodeType {
	return []NodeType{
		NodeTypePlan,
		NodeTypeStage,
		NodeTypeJob,
		NodeTypeContext,
		NodeTypeIO,
		NodeTypeData,
	}
}

// String returns the wire form of the type.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypePlan, NodeTypeStage, NodeTypeJob, NodeTypeContext, NodeTypeIO, NodeTypeData:
		return true
	}
	return false
}

// IsDependency reports whether nodes of this type participate in
// dependency inheritance (context, io and data declarations).
func (t NodeType) IsDependency() bool {
	return t == NodeTypeContext || t == NodeTypeIO || t == NodeTypeData
}

// IsExecutable reports whether nodes of this type carry DependsOnNodeIDs
// execution edges (stages and jobs).
func (t NodeType) IsExecutable() bool {
	return t == NodeTypeStage || t == NodeTypeJob
}

// ParseNodeType converts a string to a NodeType.
//
// # Outputs
//
//   - NodeType: The parsed type.
//   - error: Wraps ErrValidation if s is not a known type.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown node type %q", ErrValidation, s)
	}
	return t, nil
}

// Node is the single polymorphic tree entity.
//
// # Invariants
//
//   - Path is unique per tenant and equals ParentPath + "." + Segment(Type, ID).
//   - Depth equals the segment count of Path minus one.
//   - ParentID is nil only for plan roots.
//   - IncludeDependencyIDs and ExcludeDependencyIDs are sorted and free of
//     duplicates (see NormalizeIDs).
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Depth    int      `json:"depth"`
	ParentID *string  `json:"parent_id,omitempty"`
	PlanID   string   `json:"plan_id"`
	TenantID string   `json:"tenant_id"`

	// Active is the soft-delete flag. Inactive rows are invisible to
	// dependency resolution.
	Active bool `json:"active"`

	// IsFrozen is an edit-lock hint for the UI. The core does not enforce it.
	IsFrozen bool `json:"is_frozen"`

	DisableDependencyInheritance bool     `json:"disable_dependency_inheritance"`
	IncludeDependencyIDs         []string `json:"include_dependency_ids"`
	ExcludeDependencyIDs         []string `json:"exclude_dependency_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	c.IncludeDependencyIDs = append([]string(nil), n.IncludeDependencyIDs...)
	c.ExcludeDependencyIDs = append([]string(nil), n.ExcludeDependencyIDs...)
	return &c
}

// ParentIDValue returns the parent ID or "" for roots.
func (n *Node) ParentIDValue() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// NodeDraft is the input to NodeWriter.Insert.
//
// The store assigns the ID and derives Path, Depth and PlanID from the
// parent, so none of those appear here.
type NodeDraft struct {
	Type     NodeType `json:"type" validate:"required,oneof=plan stage job context io data"`
	Name     string   `json:"name" validate:"required,max=512"`
	ParentID *string  `json:"parent_id,omitempty"`
	TenantID string   `json:"tenant_id" validate:"required,max=128"`
	IsFrozen bool     `json:"is_frozen"`

	DisableDependencyInheritance bool     `json:"disable_dependency_inheritance"`
	IncludeDependencyIDs         []string `json:"include_dependency_ids,omitempty"`
	ExcludeDependencyIDs         []string `json:"exclude_dependency_ids,omitempty"`
}

// NodePatch is a partial update. Nil fields are left unchanged.
//
// Structural fields (Path, Depth, ParentID, PlanID) are not patchable;
// they change only through a MovePlan.
type NodePatch struct {
	Name     *string `json:"name,omitempty"`
	Active   *bool   `json:"active,omitempty"`
	IsFrozen *bool   `json:"is_frozen,omitempty"`

	DisableDependencyInheritance *bool     `json:"disable_dependency_inheritance,omitempty"`
	IncludeDependencyIDs         *[]string `json:"include_dependency_ids,omitempty"`
	ExcludeDependencyIDs         *[]string `json:"exclude_dependency_ids,omitempty"`
}

// Apply applies the patch to a copy of n and returns the copy.
func (p NodePatch) Apply(n *Node) *Node {
	out := n.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Active != nil {
		out.Active = *p.Active
	}
	if p.IsFrozen != nil {
		out.IsFrozen = *p.IsFrozen
	}
	if p.DisableDependencyInheritance != nil {
		out.DisableDependencyInheritance = *p.DisableDependencyInheritance
	}
	if p.IncludeDependencyIDs != nil {
		out.IncludeDependencyIDs = NormalizeIDs(*p.IncludeDependencyIDs)
	}
	if p.ExcludeDependencyIDs != nil {
		out.ExcludeDependencyIDs = NormalizeIDs(*p.ExcludeDependencyIDs)
	}
	return out
}

// DependencyOverrides carries the per-node dependency override fields.
//
// Used both to persist override changes and, in memory only, to preview
// them. A nil field keeps the node's current value.
type DependencyOverrides struct {
	DisableDependencyInheritance *bool     `json:"disable_dependency_inheritance,omitempty"`
	IncludeDependencyIDs         *[]string `json:"include_dependency_ids,omitempty"`
	ExcludeDependencyIDs         *[]string `json:"exclude_dependency_ids,omitempty"`
}

// Patch converts the overrides to a NodePatch.
func (o DependencyOverrides) Patch() NodePatch {
	return NodePatch{
		DisableDependencyInheritance: o.DisableDependencyInheritance,
		IncludeDependencyIDs:         o.IncludeDependencyIDs,
		ExcludeDependencyIDs:         o.ExcludeDependencyIDs,
	}
}

// =============================================================================
// Facets
// =============================================================================

// IODirection is the direction of an io declaration.
type IODirection string

const (
	IODirectionInput  IODirection = "input"
	IODirectionOutput IODirection = "output"
)

// ContextFacet holds context-node attributes.
type ContextFacet struct {
	ContextType string          `json:"context_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IOFacet holds io-node attributes.
type IOFacet struct {
	Direction IODirection     `json:"direction" validate:"required,oneof=input output"`
	IOType    string          `json:"io_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StageFacet holds stage-node attributes.
type StageFacet struct {
	Description      string   `json:"description"`
	ExecutionMode    string   `json:"execution_mode"`
	DependsOnNodeIDs []string `json:"depends_on_node_ids"`
}

// JobFacet holds job-node attributes.
type JobFacet struct {
	Description      string   `json:"description"`
	DependsOnNodeIDs []string `json:"depends_on_node_ids"`
}

// PlanFacet holds plan-node attributes.
type PlanFacet struct {
	Goal          string `json:"goal"`
	Version       int    `json:"version"`
	ParentVersion *int   `json:"parent_version,omitempty"`
}

// Facet is the type-specific attribute row of a node.
//
// Exactly one pointer is set, matching the owning node's type. Data nodes
// carry no facet fields.
type Facet struct {
	NodeID  string        `json:"node_id"`
	Type    NodeType      `json:"type"`
	Context *ContextFacet `json:"context,omitempty"`
	IO      *IOFacet      `json:"io,omitempty"`
	Stage   *StageFacet   `json:"stage,omitempty"`
	Job     *JobFacet     `json:"job,omitempty"`
	Plan    *PlanFacet    `json:"plan,omitempty"`
}

// DependsOn returns the execution dependencies declared by a stage or job
// facet, or nil for any other facet.
func (f *Facet) DependsOn() []string {
	if f == nil {
		return nil
	}
	switch {
	case f.Stage != nil:
		return f.Stage.DependsOnNodeIDs
	case f.Job != nil:
		return f.Job.DependsOnNodeIDs
	}
	return nil
}

// Check verifies that the populated member matches Type.
//
// # Outputs
//
//   - error: Wraps ErrValidation on mismatch.
func (f *Facet) Check() error {
	if f == nil {
		return fmt.Errorf("%w: facet is nil", ErrValidation)
	}
	set := 0
	var got NodeType
	if f.Context != nil {
		set++
		got = NodeTypeContext
	}
	if f.IO != nil {
		set++
		got = NodeTypeIO
		if f.IO.Direction != IODirectionInput && f.IO.Direction != IODirectionOutput {
			return fmt.Errorf("%w: io direction %q", ErrValidation, f.IO.Direction)
		}
	}
	if f.Stage != nil {
		set++
		got = NodeTypeStage
	}
	if f.Job != nil {
		set++
		got = NodeTypeJob
	}
	if f.Plan != nil {
		set++
		got = NodeTypePlan
	}
	if set > 1 {
		return fmt.Errorf("%w: facet has %d members set", ErrValidation, set)
	}
	if set == 1 && got != f.Type {
		return fmt.Errorf("%w: facet member %s does not match type %s", ErrValidation, got, f.Type)
	}
	return nil
}
