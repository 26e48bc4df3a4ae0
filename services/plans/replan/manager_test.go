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
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/services/plans/events"
	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/storage/badger"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/store/badgerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

type fixture struct {
	store   store.Store
	manager *Manager
	audit   *extensions.MemoryAuditLogger
	emitter *events.Emitter

	P, S1, S2, S3, J1, Other *model.Node
}

// newFixture builds plan P with stages S1 -> S2 (S1 depends on S2), job J1
// under S1 and an unrelated stage S3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := badgerstore.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var tick int64
	clock := func() time.Time {
		n := atomic.AddInt64(&tick, 1)
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second)
	}

	f := &fixture{
		store:   s,
		audit:   &extensions.MemoryAuditLogger{},
		emitter: events.NewEmitter(),
	}
	f.manager = NewManager(s,
		WithAuditLogger(f.audit),
		WithEmitter(f.emitter),
		WithClock(clock))

	f.P = f.insert(t, tenant, model.NodeTypePlan, "P", nil)
	f.S1 = f.insert(t, tenant, model.NodeTypeStage, "S1", f.P)
	f.S2 = f.insert(t, tenant, model.NodeTypeStage, "S2", f.P)
	f.S3 = f.insert(t, tenant, model.NodeTypeStage, "S3", f.P)
	f.J1 = f.insert(t, tenant, model.NodeTypeJob, "J1", f.S1)
	require.NoError(t, s.UpsertFacet(context.Background(), &model.Facet{
		NodeID: f.S1.ID,
		Type:   model.NodeTypeStage,
		Stage:  &model.StageFacet{DependsOnNodeIDs: []string{f.S2.ID}},
	}))

	otherPlan := f.insert(t, tenant, model.NodeTypePlan, "Other", nil)
	f.Other = f.insert(t, tenant, model.NodeTypeStage, "foreign stage", otherPlan)
	return f
}

func (f *fixture) insert(t *testing.T, tenantID string, typ model.NodeType, name string, parent *model.Node) *model.Node {
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

func (f *fixture) request(scope ...string) InitiateRequest {
	return InitiateRequest{
		PlanNodeID:   f.P.ID,
		TenantID:     tenant,
		ScopeType:    model.ScopeStage,
		ScopeNodeIDs: scope,
		CreatedBy:    model.CreatedByAgent,
	}
}

func (f *fixture) initiate(t *testing.T, scope ...string) *model.ReplanSession {
	t.Helper()
	sess, err := f.manager.InitiateReplan(context.Background(), f.request(scope...))
	require.NoError(t, err)
	return sess
}

func TestInitiateReplan(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.S2.ID, f.S2.ID)
	req.ProposedChanges = json.RawMessage(`{"rename":"S2b"}`)

	sess, err := f.manager.InitiateReplan(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionDraft, sess.Status)
	assert.Equal(t, []string{f.S2.ID}, sess.ScopeNodeIDs)
	assert.Equal(t, []string{f.S1.ID}, sess.BlastRadius.Upstream)
	assert.Empty(t, sess.BlastRadius.Downstream)
	assert.Equal(t, []string{f.S2.ID}, sess.BlastRadius.Affected)

	stored, err := f.manager.GetReplanSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stored.ID)
	assert.JSONEq(t, `{"rename":"S2b"}`, string(stored.ProposedChanges))
}

func TestInitiateReplan_SnapshotIsScopedToBlastRadius(t *testing.T) {
	f := newFixture(t)
	sess := f.initiate(t, f.S1.ID)

	ids := model.NodeIDs(sess.OriginalSnapshot)
	assert.ElementsMatch(t, sess.BlastRadius.AllIDs(), ids)
	assert.ElementsMatch(t, []string{f.S1.ID, f.J1.ID, f.S2.ID}, ids)
	assert.NotContains(t, ids, f.S3.ID)
	assert.NotContains(t, ids, f.P.ID)
}

func TestInitiateReplan_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		mutate  func(*InitiateRequest)
		wantErr error
	}{
		{name: "empty scope", mutate: func(r *InitiateRequest) { r.ScopeNodeIDs = nil }, wantErr: model.ErrValidation},
		{name: "bad scope type", mutate: func(r *InitiateRequest) { r.ScopeType = "plan" }, wantErr: model.ErrValidation},
		{name: "bad creator", mutate: func(r *InitiateRequest) { r.CreatedBy = "robot" }, wantErr: model.ErrValidation},
		{name: "missing tenant", mutate: func(r *InitiateRequest) { r.TenantID = "" }, wantErr: model.ErrValidation},
		{name: "malformed scope id", mutate: func(r *InitiateRequest) { r.ScopeNodeIDs = []string{"a.b"} }, wantErr: model.ErrValidation},
		{name: "unknown plan", mutate: func(r *InitiateRequest) { r.PlanNodeID = "missing" }, wantErr: model.ErrNotFound},
		{name: "plan of other tenant", mutate: func(r *InitiateRequest) { r.TenantID = "tenant-b" }, wantErr: model.ErrNotFound},
		{name: "plan id is a stage", mutate: func(r *InitiateRequest) { r.PlanNodeID = f.S1.ID }, wantErr: model.ErrValidation},
		{name: "unknown scope node", mutate: func(r *InitiateRequest) { r.ScopeNodeIDs = []string{"ghost"} }, wantErr: model.ErrNotFound},
		{name: "scope node of other plan", mutate: func(r *InitiateRequest) { r.ScopeNodeIDs = []string{f.Other.ID} }, wantErr: model.ErrValidation},
		{name: "scope type mismatch", mutate: func(r *InitiateRequest) { r.ScopeNodeIDs = []string{f.J1.ID} }, wantErr: model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(f.S1.ID)
			tt.mutate(&req)
			_, err := f.manager.InitiateReplan(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAbortThenCommitFails(t *testing.T) {
	f := newFixture(t)
	sess := f.initiate(t, f.S2.ID)

	_, err := f.manager.AbortReplanSession(context.Background(), sess.ID)
	require.NoError(t, err)
	_, err = f.manager.CommitReplanSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestLifecycle(t *testing.T) {
	tests := []struct {
		name  string
		final func(m *Manager, ctx context.Context, id string) (*model.ReplanSession, error)
		want  model.SessionStatus
	}{
		{name: "commit", final: (*Manager).CommitReplanSession, want: model.SessionCommitted},
		{name: "abort", final: (*Manager).AbortReplanSession, want: model.SessionAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sess := f.initiate(t, f.S1.ID)

			started, err := f.manager.StartReplanSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, model.SessionInProgress, started.Status)

			_, err = f.manager.StartReplanSession(ctx, sess.ID)
			assert.ErrorIs(t, err, model.ErrInvalidTransition)

			done, err := tt.final(f.manager, ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, done.Status)
			assert.True(t, done.UpdatedAt.After(sess.CreatedAt))

			for _, op := range []func(context.Context, string) (*model.ReplanSession, error){
				f.manager.StartReplanSession,
				f.manager.CommitReplanSession,
				f.manager.AbortReplanSession,
			} {
				_, err := op(ctx, sess.ID)
				assert.ErrorIs(t, err, model.ErrInvalidTransition)
			}

			stored, err := f.manager.GetReplanSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
		})
	}
}

func TestTransition_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CommitReplanSession(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTransition_ConcurrentCommitsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	sess := f.initiate(t, f.S1.ID)

	var ok, invalid int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.CommitReplanSession(context.Background(), sess.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, model.ErrInvalidTransition):
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(7), invalid)
}

// staleStore reports every session as draft, as a reader that lost a
// race would.
type staleStore struct {
	store.Store
}

func (s staleStore) GetSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	sess, err := s.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionDraft
	return sess, nil
}

func TestTransition_LostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	sess := f.initiate(t, f.S1.ID)
	_, err := f.manager.AbortReplanSession(context.Background(), sess.ID)
	require.NoError(t, err)

	stale := NewManager(staleStore{f.store})
	_, err = stale.CommitReplanSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
}

func TestEventsAndAudit(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var got []events.Type
	f.emitter.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, events.ForPlan(tenant, f.P.ID))

	ctx := extensions.ContextWithTenant(context.Background(), &extensions.TenantInfo{TenantID: tenant, Actor: "alice"})
	sess := f.initiate(t, f.S1.ID)
	_, err := f.manager.StartReplanSession(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.manager.CommitReplanSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, f.manager.DeleteReplanSession(ctx, sess.ID))

	assert.Equal(t, []events.Type{
		events.TypeSessionCreated,
		events.TypeSessionStarted,
		events.TypeSessionCommitted,
		events.TypeSessionDeleted,
	}, got)

	committed := f.audit.OfType(extensions.AuditSessionCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, "alice", committed[0].Actor)
	assert.Equal(t, sess.ID, committed[0].ResourceID)
	assert.Equal(t, f.P.ID, committed[0].Metadata["plan_id"])
	assert.Len(t, f.audit.OfType(extensions.AuditSessionDeleted), 1)
	assert.Empty(t, f.audit.OfType(extensions.AuditSessionAborted))
}

func TestGetAffectedNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.initiate(t, f.S1.ID)

	renamed := "S2 renamed"
	_, err := f.store.Update(ctx, f.S2.ID, model.NodePatch{Name: &renamed})
	require.NoError(t, err)

	nodes, err := f.manager.GetAffectedNodes(ctx, sess.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, sess.BlastRadius.AllIDs(), model.NodeIDs(nodes))
	for _, n := range nodes {
		if n.ID == f.S2.ID {
			assert.Equal(t, renamed, n.Name)
		}
	}
}

func TestGetAffectedNodes_MissingSessionOrPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.manager.GetAffectedNodes(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NotNil(t, nodes)

	sess := f.initiate(t, f.S1.ID)
	require.NoError(t, f.store.Delete(ctx, f.P.ID))
	nodes, err = f.manager.GetAffectedNodes(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestDiffSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.initiate(t, f.S1.ID)

	d, err := f.manager.DiffSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, d.Empty())

	renamed := "S2 renamed"
	_, err = f.store.Update(ctx, f.S2.ID, model.NodePatch{Name: &renamed})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, f.J1.ID))

	d, err = f.manager.DiffSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, f.S2.ID, d.Modified[0].NodeID)
	assert.Equal(t, []string{"name"}, d.Modified[0].Fields)
	assert.Equal(t, "S2", d.Modified[0].Before.Name)
	assert.Equal(t, []string{f.J1.ID}, model.NodeIDs(d.Removed))
	assert.Empty(t, d.Added)

	_, err = f.manager.DiffSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDiffSnapshot_Added(t *testing.T) {
	a := &model.Node{ID: "a", Name: "a"}
	b := &model.Node{ID: "b", Name: "b"}
	d := diffSnapshot("s", []string{"a", "b"}, []*model.Node{a}, []*model.Node{a, b})
	assert.Equal(t, []string{"b"}, model.NodeIDs(d.Added))
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Modified)
}

func TestChangedFields(t *testing.T) {
	parent := "p2"
	before := &model.Node{Name: "n", Path: "plan_p.stage_s", Depth: 1, Active: true, IncludeDependencyIDs: []string{"a"}}
	after := before.Clone()
	after.Path = "plan_p.stage_p2.stage_s"
	after.Depth = 2
	after.ParentID = &parent
	after.IsFrozen = true
	after.IncludeDependencyIDs = []string{"a", "b"}
	after.UpdatedAt = time.Now()

	assert.Equal(t, []string{"path", "depth", "parent_id", "is_frozen", "include_dependency_ids"}, changedFields(before, after))
	assert.Empty(t, changedFields(before, before.Clone()))
}

func TestUpdateProposedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.initiate(t, f.S1.ID)

	updated, err := f.manager.UpdateProposedChanges(ctx, sess.ID, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(updated.ProposedChanges))

	_, err = f.manager.UpdateProposedChanges(ctx, sess.ID, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.manager.CommitReplanSession(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.manager.UpdateProposedChanges(ctx, sess.ID, json.RawMessage(`{"v":3}`))
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.manager.UpdateProposedChanges(ctx, "missing", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteReplanSession_AnyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, finish := range []func(context.Context, string) (*model.ReplanSession, error){
		nil,
		f.manager.StartReplanSession,
		f.manager.CommitReplanSession,
		f.manager.AbortReplanSession,
	} {
		sess := f.initiate(t, f.S1.ID)
		if finish != nil {
			_, err := finish(ctx, sess.ID)
			require.NoError(t, err)
		}
		require.NoError(t, f.manager.DeleteReplanSession(ctx, sess.ID))
		_, err := f.manager.GetReplanSession(ctx, sess.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}

	assert.ErrorIs(t, f.manager.DeleteReplanSession(ctx, "missing"), model.ErrNotFound)
}

func TestListReplanSessions(t *testing.T) {
	f := newFixture(t)
	first := f.initiate(t, f.S1.ID)
	second := f.initiate(t, f.S2.ID)

	list, err := f.manager.ListReplanSessions(context.Background(), tenant, f.P.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	list, err = f.manager.ListReplanSessions(context.Background(), "tenant-b", f.P.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
