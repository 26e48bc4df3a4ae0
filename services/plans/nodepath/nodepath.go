// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodepath encodes and decodes hierarchical node paths.
//
// # Description
//
// A path is a dot-delimited list of segments, one per level from the plan
// root down to the node itself. Each segment is "{type}_{id}":
//
//	plan_p1.stage_s1.job_j1
//
// Node types never contain an underscore and ids never contain a dot, so
// a segment splits unambiguously at its first underscore.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package nodepath

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

const (
	// Separator joins segments.
	Separator = "."

	// typeSeparator splits a segment into type and id.
	typeSeparator = "_"
)

// Ref is a decoded segment.
type Ref struct {
	Type model.NodeType
	ID   string
}

// Segment returns the path token for a node: "{type}_{id}".
func Segment(t model.NodeType, id string) string {
	return string(t) + typeSeparator + id
}

// ParseSegment decodes a single segment.
//
// # Outputs
//
//   - model.NodeType: The segment's node type.
//   - string: The segment's node id.
//   - error: Wraps model.ErrValidation if the segment has no underscore,
//     names an unknown type, has an empty id, or contains a separator.
func ParseSegment(seg string) (model.NodeType, string, error) {
	if strings.Contains(seg, Separator) {
		return "", "", fmt.Errorf("%w: segment %q contains %q", model.ErrValidation, seg, Separator)
	}
	typ, id, ok := strings.Cut(seg, typeSeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: segment %q has no type separator", model.ErrValidation, seg)
	}
	t := model.NodeType(typ)
	if !t.Valid() {
		return "", "", fmt.Errorf("%w: segment %q has unknown type %q", model.ErrValidation, seg, typ)
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: segment %q has empty id", model.ErrValidation, seg)
	}
	return t, id, nil
}

// Build appends a segment to parentPath. An empty parentPath builds a root path.
func Build(parentPath string, t model.NodeType, id string) string {
	seg := Segment(t, id)
	if parentPath == "" {
		return seg
	}
	return parentPath + Separator + seg
}

// Segments splits a path. The empty path has no segments.
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// Depth returns the number of segments minus one. The root has depth 0.
func Depth(path string) int {
	if path == "" {
		return -1
	}
	return strings.Count(path, Separator)
}

// Parse decodes every segment of path, root first.
func Parse(path string) ([]Ref, error) {
	segs := Segments(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty path", model.ErrValidation)
	}
	refs := make([]Ref, 0, len(segs))
	for _, seg := range segs {
		t, id, err := ParseSegment(seg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, Ref{Type: t, ID: id})
	}
	return refs, nil
}

// AncestorPaths returns every strict prefix path, root first.
//
// A path of depth n yields exactly n ancestors.
func AncestorPaths(path string) []string {
	segs := Segments(path)
	if len(segs) <= 1 {
		return []string{}
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], Separator))
	}
	return out
}

// ParentPath returns the path of the direct parent, or "" for a root.
func ParentPath(path string) string {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// LastSegment returns the final segment of path.
func LastSegment(path string) string {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// IsDirectChildOf reports whether child sits exactly one level below parent.
func IsDirectChildOf(child, parent string) bool {
	if parent == "" {
		return false
	}
	prefix := parent + Separator
	if !strings.HasPrefix(child, prefix) {
		return false
	}
	rest := child[len(prefix):]
	return rest != "" && !strings.Contains(rest, Separator)
}

// IsDescendantOf reports whether child equals ancestor or lies beneath it.
//
// The comparison respects segment boundaries: "plan_a.stage_b1" is not a
// descendant of "plan_a.stage_b".
func IsDescendantOf(child, ancestor string) bool {
	if ancestor == "" {
		return false
	}
	return child == ancestor || strings.HasPrefix(child, ancestor+Separator)
}

// IsStrictDescendantOf is IsDescendantOf without the equality case.
func IsStrictDescendantOf(child, ancestor string) bool {
	return child != ancestor && IsDescendantOf(child, ancestor)
}

// Rebase replaces oldPrefix with newPrefix at the head of path.
//
// # Outputs
//
//   - string: The rebased path.
//   - error: Wraps model.ErrValidation if path is not oldPrefix or beneath it.
func Rebase(path, oldPrefix, newPrefix string) (string, error) {
	if !IsDescendantOf(path, oldPrefix) {
		return "", fmt.Errorf("%w: path %q is not under %q", model.ErrValidation, path, oldPrefix)
	}
	return newPrefix + path[len(oldPrefix):], nil
}

// DescendantPattern returns the prefix every strict descendant of path
// starts with. Stores use it for range and LIKE queries.
func DescendantPattern(path string) string {
	return path + Separator
}

// LastSegmentID returns the id encoded in the final segment of path, or ""
// if the segment is malformed.
func LastSegmentID(path string) string {
	_, id, err := ParseSegment(LastSegment(path))
	if err != nil {
		return ""
	}
	return id
}
