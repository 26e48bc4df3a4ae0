// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/storage/badger"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/store/badgerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

func newService(t *testing.T) (*Service, store.Store, *extensions.MemoryAuditLogger) {
	t.Helper()
	st, err := badgerstore.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	audit := &extensions.MemoryAuditLogger{}
	return NewService(st, WithAuditLogger(audit)), st, audit
}

func create(t *testing.T, s *Service, typ model.NodeType, name string, parent *model.Node) *model.Node {
	t.Helper()
	draft := model.NodeDraft{Type: typ, Name: name, TenantID: tenant}
	if parent != nil {
		pid := parent.ID
		draft.ParentID = &pid
	}
	n, err := s.CreateNode(context.Background(), draft, nil)
	require.NoError(t, err)
	return n
}

func TestCreateNode(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()

	plan := create(t, s, model.NodeTypePlan, "P", nil)
	assert.Equal(t, plan.ID, plan.PlanID)
	assert.Equal(t, 0, plan.Depth)

	pid := plan.ID
	stage, err := s.CreateNode(ctx, model.NodeDraft{
		Type: model.NodeTypeStage, Name: "S", TenantID: tenant, ParentID: &pid,
	}, &model.Facet{Type: model.NodeTypeStage, Stage: &model.StageFacet{Description: "build"}})
	require.NoError(t, err)
	assert.Equal(t, plan.ID, stage.PlanID)
	assert.Equal(t, 1, stage.Depth)
	assert.Equal(t, nodepath.Build(plan.Path, model.NodeTypeStage, stage.ID), stage.Path)

	facet, err := st.GetFacet(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.ID, facet.NodeID)
	assert.Equal(t, "build", facet.Stage.Description)
}

func TestCreateNode_Rejects(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()
	plan := create(t, s, model.NodeTypePlan, "P", nil)
	stage := create(t, s, model.NodeTypeStage, "S", plan)
	inactive := false
	_, err := st.Update(ctx, stage.ID, model.NodePatch{Active: &inactive})
	require.NoError(t, err)

	ptr := func(s string) *string { return &s }
	tests := []struct {
		name    string
		draft   model.NodeDraft
		facet   *model.Facet
		wantErr error
	}{
		{name: "unknown type", draft: model.NodeDraft{Type: "task", Name: "x", TenantID: tenant}, wantErr: model.ErrValidation},
		{name: "missing name", draft: model.NodeDraft{Type: model.NodeTypePlan, TenantID: tenant}, wantErr: model.ErrValidation},
		{name: "stage without parent", draft: model.NodeDraft{Type: model.NodeTypeStage, Name: "x", TenantID: tenant}, wantErr: model.ErrValidation},
		{name: "plan with parent", draft: model.NodeDraft{Type: model.NodeTypePlan, Name: "x", TenantID: tenant, ParentID: ptr(plan.ID)}, wantErr: model.ErrValidation},
		{name: "unknown parent", draft: model.NodeDraft{Type: model.NodeTypeStage, Name: "x", TenantID: tenant, ParentID: ptr("ghost")}, wantErr: model.ErrNotFound},
		{name: "parent of other tenant", draft: model.NodeDraft{Type: model.NodeTypeStage, Name: "x", TenantID: "tenant-b", ParentID: ptr(plan.ID)}, wantErr: model.ErrNotFound},
		{name: "inactive parent", draft: model.NodeDraft{Type: model.NodeTypeJob, Name: "x", TenantID: tenant, ParentID: ptr(stage.ID)}, wantErr: model.ErrValidation},
		{name: "malformed include id", draft: model.NodeDraft{Type: model.NodeTypeStage, Name: "x", TenantID: tenant, ParentID: ptr(plan.ID), IncludeDependencyIDs: []string{"a b"}}, wantErr: model.ErrValidation},
		{
			name:    "facet type mismatch",
			draft:   model.NodeDraft{Type: model.NodeTypeStage, Name: "x", TenantID: tenant, ParentID: ptr(plan.ID)},
			facet:   &model.Facet{Type: model.NodeTypeJob, Job: &model.JobFacet{}},
			wantErr: model.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateNode(ctx, tt.draft, tt.facet)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	children, err := st.GetByParent(ctx, tenant, plan.ID, store.Filter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, children, 1, "rejected creates must not write")
}

// failingFacets fails every facet write.
type failingFacets struct {
	NodeStore
}

func (failingFacets) UpsertFacet(context.Context, *model.Facet) error {
	return errors.New("disk full")
}

func TestCreateNode_FacetFailureRemovesNode(t *testing.T) {
	_, st, _ := newService(t)
	ctx := context.Background()
	s := NewService(failingFacets{st})

	plan, err := s.CreateNode(ctx, model.NodeDraft{Type: model.NodeTypePlan, Name: "P", TenantID: tenant}, nil)
	require.NoError(t, err)
	pid := plan.ID
	_, err = s.CreateNode(ctx, model.NodeDraft{Type: model.NodeTypeJob, Name: "J", TenantID: tenant, ParentID: &pid},
		&model.Facet{Type: model.NodeTypeJob, Job: &model.JobFacet{}})
	require.Error(t, err)

	children, err := st.GetByParent(ctx, tenant, plan.ID, store.Filter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, children)
}

// tree builds P > A > B > C and P > D.
type tree struct {
	P, A, B, C, D *model.Node
}

func buildTree(t *testing.T, s *Service) tree {
	t.Helper()
	var tr tree
	tr.P = create(t, s, model.NodeTypePlan, "P", nil)
	tr.A = create(t, s, model.NodeTypeStage, "A", tr.P)
	tr.B = create(t, s, model.NodeTypeStage, "B", tr.A)
	tr.C = create(t, s, model.NodeTypeContext, "C", tr.B)
	tr.D = create(t, s, model.NodeTypeStage, "D", tr.P)
	return tr
}

func TestMoveNode_RewritesSubtree(t *testing.T) {
	s, st, audit := newService(t)
	ctx := context.Background()
	tr := buildTree(t, s)

	moved, err := s.MoveNode(ctx, tenant, tr.A.ID, tr.D.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.D.ID, moved.ParentIDValue())
	assert.Equal(t, nodepath.Build(tr.D.Path, model.NodeTypeStage, tr.A.ID), moved.Path)
	assert.Equal(t, 2, moved.Depth)

	for _, n := range []*model.Node{tr.B, tr.C} {
		got, err := st.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.True(t, nodepath.IsStrictDescendantOf(got.Path, moved.Path), got.Path)
		assert.Equal(t, n.Depth+1, got.Depth)
		assert.Equal(t, nodepath.Depth(got.Path), got.Depth)
	}

	under, err := st.GetByPathPrefix(ctx, tenant, tr.D.Path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{tr.A.ID, tr.B.ID, tr.C.ID}, model.NodeIDs(under))

	old, err := st.GetByPathPrefix(ctx, tenant, tr.A.Path)
	require.NoError(t, err)
	assert.Empty(t, old)

	events := audit.OfType(extensions.AuditNodeMoved)
	require.Len(t, events, 1)
	assert.Equal(t, tr.A.ID, events[0].ResourceID)
	assert.Equal(t, tr.D.ID, events[0].Metadata["new_parent_id"])
	assert.Equal(t, 3, events[0].Metadata["subtree_size"])
}

func TestMoveNode_Up(t *testing.T) {
	s, _, _ := newService(t)
	tr := buildTree(t, s)

	moved, err := s.MoveNode(context.Background(), tenant, tr.C.ID, tr.P.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Depth)
	assert.True(t, nodepath.IsDirectChildOf(moved.Path, tr.P.Path))
}

func TestMoveNode_SameParentIsNoop(t *testing.T) {
	s, _, audit := newService(t)
	tr := buildTree(t, s)

	moved, err := s.MoveNode(context.Background(), tenant, tr.B.ID, tr.A.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.B.Path, moved.Path)
	assert.Empty(t, audit.Events())
}

func TestMoveNode_Rejects(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()
	tr := buildTree(t, s)
	other := create(t, s, model.NodeTypePlan, "Other", nil)
	otherStage := create(t, s, model.NodeTypeStage, "OS", other)

	foreign, err := st.Insert(ctx, model.NodeDraft{Type: model.NodeTypePlan, Name: "F", TenantID: "tenant-b"})
	require.NoError(t, err)

	inactive := create(t, s, model.NodeTypeStage, "I", tr.P)
	off := false
	_, err = st.Update(ctx, inactive.ID, model.NodePatch{Active: &off})
	require.NoError(t, err)

	tests := []struct {
		name      string
		node      string
		newParent string
		wantErr   error
	}{
		{name: "under itself", node: tr.A.ID, newParent: tr.A.ID, wantErr: model.ErrValidation},
		{name: "under child", node: tr.A.ID, newParent: tr.B.ID, wantErr: model.ErrValidation},
		{name: "under grandchild", node: tr.A.ID, newParent: tr.C.ID, wantErr: model.ErrValidation},
		{name: "plan", node: tr.P.ID, newParent: tr.D.ID, wantErr: model.ErrValidation},
		{name: "other plan", node: tr.A.ID, newParent: otherStage.ID, wantErr: model.ErrValidation},
		{name: "other tenant", node: tr.A.ID, newParent: foreign.ID, wantErr: model.ErrValidation},
		{name: "inactive parent", node: tr.A.ID, newParent: inactive.ID, wantErr: model.ErrValidation},
		{name: "unknown parent", node: tr.A.ID, newParent: "ghost", wantErr: model.ErrValidation},
		{name: "unknown node", node: "ghost", newParent: tr.D.ID, wantErr: model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.MoveNode(ctx, tenant, tt.node, tt.newParent)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	got, err := st.GetByID(ctx, tr.A.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.A.Path, got.Path, "rejected moves must not write")
}

func TestMoveNode_OtherTenantCannotSeeNode(t *testing.T) {
	s, _, _ := newService(t)
	tr := buildTree(t, s)
	_, err := s.MoveNode(context.Background(), "tenant-b", tr.A.ID, tr.D.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPlanMove(t *testing.T) {
	s, _, _ := newService(t)
	tr := buildTree(t, s)

	plan, err := s.planMove(context.Background(), tr.A, tr.D)
	require.NoError(t, err)
	require.NoError(t, store.CheckMovePlan(plan))
	assert.Equal(t, tr.A.Path, plan.ExpectedPath)
	assert.Equal(t, tr.D.Path, plan.ExpectedParentPath)
	require.Len(t, plan.Updates, 3)
	assert.Equal(t, tr.A.ID, plan.Updates[0].NodeID)
	for _, u := range plan.Updates {
		assert.Equal(t, nodepath.Depth(u.Path), u.Depth)
		assert.Equal(t, u.NodeID, nodepath.LastSegmentID(u.Path))
	}
}

func TestDeleteNode(t *testing.T) {
	s, st, audit := newService(t)
	ctx := context.Background()
	tr := buildTree(t, s)

	assert.ErrorIs(t, s.DeleteNode(ctx, "tenant-b", tr.A.ID), model.ErrNotFound)
	require.NoError(t, s.DeleteNode(ctx, tenant, tr.A.ID))

	for _, id := range []string{tr.A.ID, tr.B.ID, tr.C.ID} {
		_, err := st.GetByID(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}
	_, err := st.GetByID(ctx, tr.D.ID)
	assert.NoError(t, err)
	assert.Len(t, audit.OfType(extensions.AuditNodeDeleted), 1)
}

func TestSetDependencyOverrides(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	tr := buildTree(t, s)

	disabled := true
	include := []string{tr.D.ID, tr.D.ID}
	n, err := s.SetDependencyOverrides(ctx, tenant, tr.B.ID, model.DependencyOverrides{
		DisableDependencyInheritance: &disabled,
		IncludeDependencyIDs:         &include,
	})
	require.NoError(t, err)
	assert.True(t, n.DisableDependencyInheritance)
	assert.Equal(t, []string{tr.D.ID}, n.IncludeDependencyIDs)
	assert.Empty(t, n.ExcludeDependencyIDs)

	bad := []string{"not valid"}
	_, err = s.SetDependencyOverrides(ctx, tenant, tr.B.ID, model.DependencyOverrides{ExcludeDependencyIDs: &bad})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.SetDependencyOverrides(ctx, "tenant-b", tr.B.ID, model.DependencyOverrides{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateFacet(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	tr := buildTree(t, s)

	err := s.UpdateFacet(ctx, tenant, &model.Facet{
		NodeID: tr.A.ID,
		Type:   model.NodeTypeStage,
		Stage:  &model.StageFacet{DependsOnNodeIDs: []string{tr.D.ID}},
	})
	require.NoError(t, err)

	f, err := s.GetFacet(ctx, tenant, tr.A.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tr.D.ID}, f.DependsOn())

	err = s.UpdateFacet(ctx, tenant, &model.Facet{NodeID: tr.C.ID, Type: model.NodeTypeStage, Stage: &model.StageFacet{}})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.ErrorIs(t, s.UpdateFacet(ctx, tenant, nil), model.ErrValidation)
	assert.ErrorIs(t, s.UpdateFacet(ctx, "tenant-b", &model.Facet{NodeID: tr.A.ID, Type: model.NodeTypeStage, Stage: &model.StageFacet{}}), model.ErrNotFound)
}
