// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replan

import (
	"slices"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// NodeChange is one node that differs between snapshot and live row.
type NodeChange struct {
	NodeID string      `json:"node_id"`
	Fields []string    `json:"fields"`
	Before *model.Node `json:"before"`
	After  *model.Node `json:"after"`
}

// SnapshotDiff compares a session's snapshot with the current rows of
// its blast radius.
type SnapshotDiff struct {
	SessionID string `json:"session_id"`

	// Added holds live nodes of the radius absent from the snapshot.
	Added []*model.Node `json:"added"`

	// Removed holds snapshot nodes that no longer exist.
	Removed []*model.Node `json:"removed"`

	Modified []NodeChange `json:"modified"`
}

// Empty reports whether nothing changed.
func (d *SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// diffSnapshot compares snapshot rows with live rows. Order follows ids.
func diffSnapshot(sessionID string, ids []string, snapshot, live []*model.Node) *SnapshotDiff {
	before := make(map[string]*model.Node, len(snapshot))
	for _, n := range snapshot {
		before[n.ID] = n
	}
	after := make(map[string]*model.Node, len(live))
	for _, n := range live {
		after[n.ID] = n
	}

	d := &SnapshotDiff{
		SessionID: sessionID,
		Added:     []*model.Node{},
		Removed:   []*model.Node{},
		Modified:  []NodeChange{},
	}
	for _, id := range ids {
		b, hadBefore := before[id]
		a, hasAfter := after[id]
		switch {
		case hadBefore && !hasAfter:
			d.Removed = append(d.Removed, b)
		case !hadBefore && hasAfter:
			d.Added = append(d.Added, a)
		case hadBefore && hasAfter:
			if fields := changedFields(b, a); len(fields) > 0 {
				d.Modified = append(d.Modified, NodeChange{NodeID: id, Fields: fields, Before: b, After: a})
			}
		}
	}
	return d
}

// changedFields lists the user-visible fields that differ, by JSON name.
// Timestamps are ignored.
func changedFields(a, b *model.Node) []string {
	var out []string
	if a.Name != b.Name {
		out = append(out, "name")
	}
	if a.Path != b.Path {
		out = append(out, "path")
	}
	if a.Depth != b.Depth {
		out = append(out, "depth")
	}
	if a.ParentIDValue() != b.ParentIDValue() {
		out = append(out, "parent_id")
	}
	if a.Active != b.Active {
		out = append(out, "active")
	}
	if a.IsFrozen != b.IsFrozen {
		out = append(out, "is_frozen")
	}
	if a.DisableDependencyInheritance != b.DisableDependencyInheritance {
		out = append(out, "disable_dependency_inheritance")
	}
	if !slices.Equal(model.NormalizeIDs(a.IncludeDependencyIDs), model.NormalizeIDs(b.IncludeDependencyIDs)) {
		out = append(out, "include_dependency_ids")
	}
	if !slices.Equal(model.NormalizeIDs(a.ExcludeDependencyIDs), model.NormalizeIDs(b.ExcludeDependencyIDs)) {
		out = append(out, "exclude_dependency_ids")
	}
	return out
}
