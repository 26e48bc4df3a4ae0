// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest is the conformance suite every store.Store backend
// must pass.
//
// Backends call Run from their own tests with a factory that returns a
// fresh, empty store per subtest.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertDerivesPlacement", testInsertDerivesPlacement},
		{"InsertRejectsBadPlacement", testInsertRejectsBadPlacement},
		{"GetByIDMissing", testGetByIDMissing},
		{"GetByIDsSkipsMissing", testGetByIDsSkipsMissing},
		{"GetByParentFilters", testGetByParentFilters},
		{"GetByPlanAndType", testGetByPlanAndType},
		{"GetByPathPrefixStrictDescendants", testGetByPathPrefix},
		{"GetByPaths", testGetByPaths},
		{"TenantIsolation", testTenantIsolation},
		{"UpdatePatch", testUpdatePatch},
		{"DeleteCascades", testDeleteCascades},
		{"Facets", testFacets},
		{"ApplyMove", testApplyMove},
		{"ApplyMoveStalePath", testApplyMoveStalePath},
		{"ApplyMoveIncompleteSubtree", testApplyMoveIncompleteSubtree},
		{"SessionLifecycle", testSessionLifecycle},
		{"SessionChanges", testSessionChanges},
		{"SessionList", testSessionList},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// =============================================================================
// Fixtures
// =============================================================================

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

func insert(t *testing.T, s store.Store, tenant string, typ model.NodeType, name string, parent *model.Node) *model.Node {
	t.Helper()
	d := model.NodeDraft{Type: typ, Name: name, TenantID: tenant}
	if parent != nil {
		pid := parent.ID
		d.ParentID = &pid
	}
	n, err := s.Insert(context.Background(), d)
	require.NoError(t, err)
	return n
}

func ids(nodes []*model.Node) []string {
	return model.NormalizeIDs(model.NodeIDs(nodes))
}

func sorted(in ...string) []string {
	return model.NormalizeIDs(in)
}

// subtreeMove computes a MovePlan the way a caller would.
func subtreeMove(t *testing.T, s store.Store, node, newParent *model.Node) store.MovePlan {
	t.Helper()
	ctx := context.Background()
	newPath := nodepath.Build(newParent.Path, node.Type, node.ID)
	plan := store.MovePlan{
		NodeID:             node.ID,
		NewParentID:        newParent.ID,
		ExpectedPath:       node.Path,
		ExpectedParentPath: newParent.Path,
		Updates:            []store.PathUpdate{{NodeID: node.ID, Path: newPath, Depth: nodepath.Depth(newPath)}},
	}
	desc, err := s.GetByPathPrefix(ctx, node.TenantID, node.Path)
	require.NoError(t, err)
	for _, d := range desc {
		p, err := nodepath.Rebase(d.Path, node.Path, newPath)
		require.NoError(t, err)
		plan.Updates = append(plan.Updates, store.PathUpdate{NodeID: d.ID, Path: p, Depth: nodepath.Depth(p)})
	}
	return plan
}

func newSession(planID string) *model.ReplanSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.ReplanSession{
		ID:           uuid.NewString(),
		PlanNodeID:   planID,
		TenantID:     tenantA,
		ScopeType:    model.ScopeStage,
		ScopeNodeIDs: []string{"s1"},
		BlastRadius: model.BlastRadius{
			Kind:       model.BlastRadiusExecution,
			Upstream:   []string{"s0"},
			Downstream: []string{},
			Affected:   []string{"s1"},
		},
		Status:           model.SessionDraft,
		CreatedBy:        model.CreatedByHuman,
		OriginalSnapshot: []*model.Node{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// =============================================================================
// Nodes
// =============================================================================

func testInsertDerivesPlacement(t *testing.T, s store.Store) {
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	assert.Equal(t, plan.ID, plan.PlanID)
	assert.Equal(t, nodepath.Segment(model.NodeTypePlan, plan.ID), plan.Path)
	assert.Equal(t, 0, plan.Depth)
	assert.Nil(t, plan.ParentID)
	assert.True(t, plan.Active)

	stage := insert(t, s, tenantA, model.NodeTypeStage, "S", plan)
	job := insert(t, s, tenantA, model.NodeTypeJob, "J", stage)
	assert.Equal(t, plan.ID, job.PlanID)
	assert.Equal(t, 2, job.Depth)
	assert.Equal(t, nodepath.Build(stage.Path, model.NodeTypeJob, job.ID), job.Path)
	require.NotNil(t, job.ParentID)
	assert.Equal(t, stage.ID, *job.ParentID)

	got, err := s.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Path, got.Path)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, []string{}, got.IncludeDependencyIDs)
}

func testInsertRejectsBadPlacement(t *testing.T, s store.Store) {
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := s.Insert(ctx, model.NodeDraft{Type: model.NodeTypeStage, Name: "S", TenantID: tenantA, ParentID: &missing})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Insert(ctx, model.NodeDraft{Type: model.NodeTypeStage, Name: "S", TenantID: tenantA})
	assert.ErrorIs(t, err, model.ErrValidation)

	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	pid := plan.ID
	_, err = s.Insert(ctx, model.NodeDraft{Type: model.NodeTypePlan, Name: "P2", TenantID: tenantA, ParentID: &pid})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Insert(ctx, model.NodeDraft{Type: model.NodeTypeStage, Name: "S", TenantID: tenantB, ParentID: &pid})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func testGetByIDMissing(t *testing.T, s store.Store) {
	_, err := s.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testGetByIDsSkipsMissing(t *testing.T, s store.Store) {
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	stage := insert(t, s, tenantA, model.NodeTypeStage, "S", plan)

	got, err := s.GetByIDs(context.Background(), []string{stage.ID, uuid.NewString(), plan.ID})
	require.NoError(t, err)
	assert.Equal(t, sorted(plan.ID, stage.ID), ids(got))

	got, err = s.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testGetByParentFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	stage := insert(t, s, tenantA, model.NodeTypeStage, "S", plan)
	ctxNode := insert(t, s, tenantA, model.NodeTypeContext, "C", plan)
	gone := insert(t, s, tenantA, model.NodeTypeData, "D", plan)
	insert(t, s, tenantA, model.NodeTypeJob, "J", stage)

	inactive := false
	_, err := s.Update(ctx, gone.ID, model.NodePatch{Active: &inactive})
	require.NoError(t, err)

	got, err := s.GetByParent(ctx, tenantA, plan.ID, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, sorted(stage.ID, ctxNode.ID), ids(got))

	got, err = s.GetByParent(ctx, tenantA, plan.ID, store.Filter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, sorted(stage.ID, ctxNode.ID, gone.ID), ids(got))

	got, err = s.GetByParent(ctx, tenantA, plan.ID, store.ActiveOfTypes(model.NodeTypeContext, model.NodeTypeIO))
	require.NoError(t, err)
	assert.Equal(t, []string{ctxNode.ID}, ids(got))

	got, err = s.GetByParent(ctx, tenantB, plan.ID, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testGetByPlanAndType(t *testing.T, s store.Store) {
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	other := insert(t, s, tenantA, model.NodeTypePlan, "Q", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", s1)
	insert(t, s, tenantA, model.NodeTypeStage, "S3", other)
	insert(t, s, tenantA, model.NodeTypeJob, "J", s1)

	got, err := s.GetByPlanAndType(context.Background(), tenantA, plan.ID, model.NodeTypeStage, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, sorted(s1.ID, s2.ID), ids(got))
}

func testGetByPathPrefix(t *testing.T, s store.Store) {
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)
	j1 := insert(t, s, tenantA, model.NodeTypeJob, "J1", s1)
	c1 := insert(t, s, tenantA, model.NodeTypeContext, "C1", j1)
	insert(t, s, tenantA, model.NodeTypeJob, "J2", s2)

	got, err := s.GetByPathPrefix(context.Background(), tenantA, s1.Path)
	require.NoError(t, err)
	assert.Equal(t, sorted(j1.ID, c1.ID), ids(got))
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Path, got[i].Path)
	}

	got, err = s.GetByPathPrefix(context.Background(), tenantA, c1.Path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testGetByPaths(t *testing.T, s store.Store) {
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)

	got, err := s.GetByPaths(context.Background(), tenantA, []string{plan.Path, s1.Path, "plan_missing"})
	require.NoError(t, err)
	assert.Equal(t, sorted(plan.ID, s1.ID), ids(got))

	got, err = s.GetByPaths(context.Background(), tenantB, []string{plan.Path})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testTenantIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, tenantA, model.NodeTypePlan, "A", nil)
	insert(t, s, tenantA, model.NodeTypeStage, "AS", a)
	b := insert(t, s, tenantB, model.NodeTypePlan, "B", nil)

	got, err := s.GetByTenant(ctx, tenantB, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(got))

	got, err = s.GetByTenant(ctx, tenantA, store.ActiveOfTypes(model.NodeTypePlan))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(got))

	got, err = s.GetByPathPrefix(ctx, tenantB, a.Path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUpdatePatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)

	name := "renamed"
	disable := true
	include := []string{"b", "a", "b"}
	updated, err := s.Update(ctx, plan.ID, model.NodePatch{
		Name:                         &name,
		DisableDependencyInheritance: &disable,
		IncludeDependencyIDs:         &include,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.DisableDependencyInheritance)
	assert.Equal(t, []string{"a", "b"}, updated.IncludeDependencyIDs)
	assert.Equal(t, plan.Path, updated.Path)

	got, err := s.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.IncludeDependencyIDs)
	assert.Equal(t, []string{}, got.ExcludeDependencyIDs)

	_, err = s.Update(ctx, uuid.NewString(), model.NodePatch{Name: &name})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)
	j1 := insert(t, s, tenantA, model.NodeTypeJob, "J1", s1)
	require.NoError(t, s.UpsertFacet(ctx, &model.Facet{NodeID: j1.ID, Type: model.NodeTypeJob, Job: &model.JobFacet{Description: "x"}}))

	require.NoError(t, s.Delete(ctx, s1.ID))

	_, err := s.GetByID(ctx, s1.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetByID(ctx, j1.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetFacet(ctx, j1.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetByID(ctx, s2.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, s1.ID), model.ErrNotFound)
}

func testFacets(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	stage := insert(t, s, tenantA, model.NodeTypeStage, "S", plan)
	io := insert(t, s, tenantA, model.NodeTypeIO, "IO", stage)

	_, err := s.GetFacet(ctx, stage.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	stageFacet := &model.Facet{NodeID: stage.ID, Type: model.NodeTypeStage, Stage: &model.StageFacet{
		Description:      "build",
		ExecutionMode:    "sequential",
		DependsOnNodeIDs: []string{"x"},
	}}
	require.NoError(t, s.UpsertFacet(ctx, stageFacet))

	stageFacet.Stage.Description = "rebuild"
	require.NoError(t, s.UpsertFacet(ctx, stageFacet))

	got, err := s.GetFacet(ctx, stage.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Stage)
	assert.Equal(t, "rebuild", got.Stage.Description)
	assert.Equal(t, []string{"x"}, got.DependsOn())

	ioFacet := &model.Facet{NodeID: io.ID, Type: model.NodeTypeIO, IO: &model.IOFacet{
		Direction: model.IODirectionOutput,
		IOType:    "file",
		Data:      json.RawMessage(`{"uri":"s3://bucket"}`),
	}}
	require.NoError(t, s.UpsertFacet(ctx, ioFacet))

	all, err := s.GetFacets(ctx, []string{stage.ID, io.ID, plan.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.NotNil(t, all[io.ID].IO)
	assert.Equal(t, model.IODirectionOutput, all[io.ID].IO.Direction)
	assert.JSONEq(t, `{"uri":"s3://bucket"}`, string(all[io.ID].IO.Data))

	mismatch := &model.Facet{NodeID: io.ID, Type: model.NodeTypeJob, Job: &model.JobFacet{}}
	assert.ErrorIs(t, s.UpsertFacet(ctx, mismatch), model.ErrValidation)

	orphan := &model.Facet{NodeID: uuid.NewString(), Type: model.NodeTypeJob, Job: &model.JobFacet{}}
	assert.ErrorIs(t, s.UpsertFacet(ctx, orphan), model.ErrNotFound)
}

func testApplyMove(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)
	j1 := insert(t, s, tenantA, model.NodeTypeJob, "J1", s1)
	c1 := insert(t, s, tenantA, model.NodeTypeContext, "C1", j1)

	require.NoError(t, s.ApplyMove(ctx, subtreeMove(t, s, s1, s2)))

	moved, err := s.GetByID(ctx, s1.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, s2.ID, *moved.ParentID)
	assert.Equal(t, nodepath.Build(s2.Path, model.NodeTypeStage, s1.ID), moved.Path)
	assert.Equal(t, 2, moved.Depth)

	leaf, err := s.GetByID(ctx, c1.ID)
	require.NoError(t, err)
	assert.True(t, nodepath.IsDescendantOf(leaf.Path, moved.Path))
	assert.Equal(t, 4, leaf.Depth)

	under, err := s.GetByPathPrefix(ctx, tenantA, s2.Path)
	require.NoError(t, err)
	assert.Equal(t, sorted(s1.ID, j1.ID, c1.ID), ids(under))

	old, err := s.GetByPathPrefix(ctx, tenantA, s1.Path)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func testApplyMoveStalePath(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)

	mv := subtreeMove(t, s, s1, s2)
	mv.ExpectedPath = s1.Path + ".stale"
	assert.ErrorIs(t, s.ApplyMove(ctx, mv), model.ErrConcurrencyConflict)

	mv = subtreeMove(t, s, s1, s2)
	mv.ExpectedParentPath = "plan_elsewhere"
	assert.ErrorIs(t, s.ApplyMove(ctx, mv), model.ErrConcurrencyConflict)

	got, err := s.GetByID(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.Path, got.Path)
}

func testApplyMoveIncompleteSubtree(t *testing.T, s store.Store) {
	ctx := context.Background()
	plan := insert(t, s, tenantA, model.NodeTypePlan, "P", nil)
	s1 := insert(t, s, tenantA, model.NodeTypeStage, "S1", plan)
	s2 := insert(t, s, tenantA, model.NodeTypeStage, "S2", plan)

	mv := subtreeMove(t, s, s1, s2)
	// A child created after the plan was computed makes the plan stale.
	late := insert(t, s, tenantA, model.NodeTypeJob, "late", s1)

	assert.ErrorIs(t, s.ApplyMove(ctx, mv), model.ErrConcurrencyConflict)

	got, err := s.GetByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, late.Path, got.Path)
	got, err = s.GetByID(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.Path, got.Path)
}

// =============================================================================
// Sessions
// =============================================================================

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession("plan-1")
	require.NoError(t, s.InsertSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDraft, got.Status)
	assert.Equal(t, sess.BlastRadius, got.BlastRadius)
	assert.Equal(t, sess.ScopeNodeIDs, got.ScopeNodeIDs)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))

	later := sess.UpdatedAt.Add(time.Second)
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, model.SessionDraft, model.SessionInProgress, later))

	err = s.UpdateSessionStatus(ctx, sess.ID, model.SessionDraft, model.SessionCommitted, later)
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, got.Status)
	assert.True(t, later.Equal(got.UpdatedAt))

	err = s.UpdateSessionStatus(ctx, uuid.NewString(), model.SessionDraft, model.SessionInProgress, later)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), model.ErrNotFound)
}

func testSessionChanges(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession("plan-1")
	require.NoError(t, s.InsertSession(ctx, sess))

	changes := json.RawMessage(`{"rename":"x"}`)
	require.NoError(t, s.UpdateSessionChanges(ctx, sess.ID, model.SessionDraft, changes, time.Now().UTC()))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rename":"x"}`, string(got.ProposedChanges))

	err = s.UpdateSessionChanges(ctx, sess.ID, model.SessionInProgress, changes, time.Now().UTC())
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
}

func testSessionList(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := newSession("plan-1")
	second := newSession("plan-1")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	other := newSession("plan-2")

	require.NoError(t, s.InsertSession(ctx, second))
	require.NoError(t, s.InsertSession(ctx, first))
	require.NoError(t, s.InsertSession(ctx, other))

	got, err := s.ListSessionsForPlan(ctx, tenantA, "plan-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	got, err = s.ListSessionsForPlan(ctx, tenantB, "plan-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
