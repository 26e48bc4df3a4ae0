// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"context"
	"testing"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/storage/badger"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/store/badgerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

type fixture struct {
	store    store.Store
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := badgerstore.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, resolver: New(s)}
}

func (f *fixture) add(t *testing.T, typ model.NodeType, name string, parent *model.Node) *model.Node {
	t.Helper()
	return f.addIn(t, tenant, typ, name, parent)
}

func (f *fixture) addIn(t *testing.T, tenantID string, typ model.NodeType, name string, parent *model.Node) *model.Node {
	t.Helper()
	draft := model.NodeDraft{Type: typ, Name: name, TenantID: tenantID}
	if parent != nil {
		pid := parent.ID
		draft.ParentID = &pid
	}
	n, err := f.store.Insert(context.Background(), draft)
	require.NoError(t, err)
	return n
}

func (f *fixture) patch(t *testing.T, id string, p model.NodePatch) {
	t.Helper()
	_, err := f.store.Update(context.Background(), id, p)
	require.NoError(t, err)
}

func (f *fixture) io(t *testing.T, name string, parent *model.Node, dir model.IODirection) *model.Node {
	t.Helper()
	n := f.add(t, model.NodeTypeIO, name, parent)
	if dir != "" {
		require.NoError(t, f.store.UpsertFacet(context.Background(), &model.Facet{
			NodeID: n.ID,
			Type:   model.NodeTypeIO,
			IO:     &model.IOFacet{Direction: dir, IOType: "file"},
		}))
	}
	return n
}

func ptr[T any](v T) *T { return &v }

// basicTree is plan P with stage S holding job J and context C1, and an
// unrelated stage S2 holding context C2.
type basicTree struct {
	P, S, J, C1, S2, C2 *model.Node
}

func (f *fixture) basic(t *testing.T) basicTree {
	t.Helper()
	var b basicTree
	b.P = f.add(t, model.NodeTypePlan, "P", nil)
	b.S = f.add(t, model.NodeTypeStage, "S", b.P)
	b.J = f.add(t, model.NodeTypeJob, "J", b.S)
	b.C1 = f.add(t, model.NodeTypeContext, "C1", b.S)
	b.S2 = f.add(t, model.NodeTypeStage, "S2", b.P)
	b.C2 = f.add(t, model.NodeTypeContext, "C2", b.S2)
	return b
}

func TestResolve_InheritsFromEnclosingStage(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)

	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C1.ID}, res.DependencyIDs())
	assert.Equal(t, []string{b.C1.ID}, model.NodeIDs(res.Inherited))
	assert.Empty(t, res.Included)
	assert.False(t, res.InheritanceDisabled)
}

func TestResolve_ExcludeRemovesInherited(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	f.patch(t, b.J.ID, model.NodePatch{ExcludeDependencyIDs: &[]string{b.C1.ID}})

	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Dependencies)
	assert.Equal(t, []string{b.C1.ID}, res.ExcludedIDs)
}

func TestResolve_DisabledInheritanceUsesOnlyIncludes(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	f.patch(t, b.J.ID, model.NodePatch{
		DisableDependencyInheritance: ptr(true),
		IncludeDependencyIDs:         &[]string{b.C2.ID},
	})

	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C2.ID}, res.DependencyIDs())
	assert.Empty(t, res.Inherited)
	assert.NotNil(t, res.Inherited)
	assert.Equal(t, res.DependencyIDs(), model.NodeIDs(res.Included))
	assert.True(t, res.InheritanceDisabled)
}

func TestResolve_ExcludeWinsOverInclude(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)

	tests := []struct {
		name    string
		disable bool
	}{
		{name: "inheritance enabled", disable: false},
		{name: "inheritance disabled", disable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.patch(t, b.J.ID, model.NodePatch{
				DisableDependencyInheritance: ptr(tt.disable),
				IncludeDependencyIDs:         &[]string{b.C1.ID, b.C2.ID},
				ExcludeDependencyIDs:         &[]string{b.C1.ID, b.C2.ID},
			})
			res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
			require.NoError(t, err)
			assert.NotContains(t, res.DependencyIDs(), b.C1.ID)
			assert.NotContains(t, res.DependencyIDs(), b.C2.ID)
		})
	}
}

func TestResolve_InheritedAndIncludedAreDeduped(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	f.patch(t, b.J.ID, model.NodePatch{IncludeDependencyIDs: &[]string{b.C1.ID, b.C2.ID}})

	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C1.ID, b.C2.ID}, res.DependencyIDs())
	assert.ElementsMatch(t, []string{b.C1.ID, b.C2.ID}, model.NodeIDs(res.Included))
}

func TestResolve_RootLevelFirstAndOneLevelOnly(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	planCtx := f.add(t, model.NodeTypeContext, "plan-wide", b.P)
	sibling := f.add(t, model.NodeTypeJob, "K", b.S)
	nested := f.add(t, model.NodeTypeContext, "under K", sibling)
	own := f.add(t, model.NodeTypeData, "own", b.J)

	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{planCtx.ID, b.C1.ID, own.ID}, res.DependencyIDs())
	assert.NotContains(t, res.DependencyIDs(), nested.ID)
	assert.NotContains(t, res.DependencyIDs(), b.C2.ID)
}

func TestResolve_SkipsInactiveRows(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	planCtx := f.add(t, model.NodeTypeContext, "plan-wide", b.P)

	f.patch(t, b.S.ID, model.NodePatch{Active: ptr(false)})
	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{planCtx.ID}, res.DependencyIDs())

	f.patch(t, b.S.ID, model.NodePatch{Active: ptr(true)})
	f.patch(t, b.C1.ID, model.NodePatch{Active: ptr(false)})
	f.patch(t, b.J.ID, model.NodePatch{IncludeDependencyIDs: &[]string{b.C1.ID}})
	res, err = f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{planCtx.ID}, res.DependencyIDs())
}

func TestResolve_IncludesAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	foreignPlan := f.addIn(t, "tenant-b", model.NodeTypePlan, "other", nil)
	foreign := f.addIn(t, "tenant-b", model.NodeTypeContext, "secret", foreignPlan)

	f.patch(t, b.J.ID, model.NodePatch{IncludeDependencyIDs: &[]string{foreign.ID, "missing-id"}})
	res, err := f.resolver.ResolveDependencies(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C1.ID}, res.DependencyIDs())
	assert.Empty(t, res.Included)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.ResolveDependencies(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve_CancelledContext(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.ResolveDependencies(ctx, b.J.ID)
	assert.Error(t, err)
}

func TestGetEffectiveContextAndData(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	d := f.add(t, model.NodeTypeData, "dataset", b.S)
	f.io(t, "in", b.S, model.IODirectionInput)

	ctxNodes, err := f.resolver.GetEffectiveContext(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C1.ID}, model.NodeIDs(ctxNodes))

	data, err := f.resolver.GetEffectiveData(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, model.NodeIDs(data))
}

func TestGetEffectiveIO_SplitsByDirection(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	in := f.io(t, "in", b.S, model.IODirectionInput)
	out := f.io(t, "out", b.S, model.IODirectionOutput)
	f.io(t, "unlabelled", b.S, "")

	got, err := f.resolver.GetEffectiveIO(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{in.ID}, model.NodeIDs(got.Inputs))
	assert.Equal(t, []string{out.ID}, model.NodeIDs(got.Outputs))
}

func TestGetEffectiveIO_NoIO(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)

	got, err := f.resolver.GetEffectiveIO(context.Background(), b.J.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Inputs)
	assert.NotNil(t, got.Outputs)
	assert.Empty(t, got.Inputs)
	assert.Empty(t, got.Outputs)
}

func TestPreviewDependencyChanges(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)

	tests := []struct {
		name        string
		overrides   model.DependencyOverrides
		wantAfter   []string
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name:        "no overrides",
			wantAfter:   []string{b.C1.ID},
			wantAdded:   []string{},
			wantRemoved: []string{},
		},
		{
			name:        "exclude inherited",
			overrides:   model.DependencyOverrides{ExcludeDependencyIDs: &[]string{b.C1.ID}},
			wantAfter:   []string{},
			wantAdded:   []string{},
			wantRemoved: []string{b.C1.ID},
		},
		{
			name: "disable and include",
			overrides: model.DependencyOverrides{
				DisableDependencyInheritance: ptr(true),
				IncludeDependencyIDs:         &[]string{b.C2.ID},
			},
			wantAfter:   []string{b.C2.ID},
			wantAdded:   []string{b.C2.ID},
			wantRemoved: []string{b.C1.ID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.resolver.PreviewDependencyChanges(context.Background(), b.J.ID, tt.overrides)
			require.NoError(t, err)
			assert.Equal(t, []string{b.C1.ID}, p.Before.DependencyIDs())
			assert.Equal(t, tt.wantAfter, p.After.DependencyIDs())
			assert.Equal(t, tt.wantAdded, model.NodeIDs(p.Added))
			assert.Equal(t, tt.wantRemoved, model.NodeIDs(p.Removed))
		})
	}
}

func TestPreviewDependencyChanges_IsPure(t *testing.T) {
	f := newFixture(t)
	b := f.basic(t)
	ctx := context.Background()

	before, err := f.store.GetByID(ctx, b.J.ID)
	require.NoError(t, err)

	_, err = f.resolver.PreviewDependencyChanges(ctx, b.J.ID, model.DependencyOverrides{
		DisableDependencyInheritance: ptr(true),
		ExcludeDependencyIDs:         &[]string{b.C1.ID},
	})
	require.NoError(t, err)

	after, err := f.store.GetByID(ctx, b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err := f.resolver.ResolveDependencies(ctx, b.J.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.C1.ID}, res.DependencyIDs())
}

func TestPreviewDependencyChanges_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.PreviewDependencyChanges(context.Background(), "nope", model.DependencyOverrides{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
