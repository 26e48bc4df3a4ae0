// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replan manages replan sessions: a proposed change to part of a
// plan, its execution-graph blast radius and a review workflow.
//
// # Description
//
// A session is created in draft with a snapshot of every node in its
// blast radius. It may be started, then committed or aborted. Terminal
// sessions never change again, but any session may be deleted.
//
// Status changes are serialized per plan through a planlock.Locker and
// written with a compare-and-set on the expected source status, so two
// racing commits cannot both succeed.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package replan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/pkg/validation"
	"github.com/AleutianAI/plangraph/services/plans/blast"
	"github.com/AleutianAI/plangraph/services/plans/events"
	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/observability"
	"github.com/AleutianAI/plangraph/services/plans/planlock"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "plangraph/replan"

// statusNone labels session creation in transition metrics.
const statusNone model.SessionStatus = "none"

// InitiateRequest describes a new replan session.
type InitiateRequest struct {
	PlanNodeID      string          `json:"plan_node_id" validate:"required,node_id"`
	TenantID        string          `json:"tenant_id" validate:"required,tenant_id"`
	ScopeType       model.ScopeType `json:"scope_type" validate:"required,oneof=stage job context"`
	ScopeNodeIDs    []string        `json:"scope_node_ids" validate:"min=1,dive,node_id"`
	CreatedBy       model.CreatedBy `json:"created_by" validate:"required,oneof=agent human"`
	ProposedChanges json.RawMessage `json:"proposed_changes,omitempty"`
}

// Manager drives replan sessions.
type Manager struct {
	store   store.Store
	calc    *blast.Calculator
	machine *StateMachine
	locker  planlock.Locker
	emitter *events.Emitter
	audit   extensions.AuditLogger
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker sets the per-plan locker. Default: a LocalLocker waiting 5s.
func WithLocker(l planlock.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithEmitter sets the event emitter. Default: a private emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithAuditLogger sets the audit sink. Default: discard.
func WithAuditLogger(a extensions.AuditLogger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		machine: NewStateMachine(),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = planlock.NewLocalLocker(planlock.DefaultConfig().MaxWait)
	}
	if m.emitter == nil {
		m.emitter = events.NewEmitter(events.WithLogger(m.logger))
	}
	if m.audit == nil {
		m.audit = &extensions.NopAuditLogger{}
	}
	m.calc = blast.NewCalculator(s, m.logger)
	return m
}

// Emitter returns the emitter sessions events are published on.
func (m *Manager) Emitter() *events.Emitter {
	return m.emitter
}

// InitiateReplan creates a draft session.
//
// # Description
//
// Validates the request, checks that the plan exists for the tenant and
// that every scope node is a live node of ScopeType inside the plan,
// computes the blast radius and snapshots only the nodes it names.
//
// # Outputs
//
//   - *model.ReplanSession: The persisted session.
//   - error: model.ErrValidation for a malformed request or foreign scope
//     node, model.ErrNotFound for an unknown plan or scope node.
func (m *Manager) InitiateReplan(ctx context.Context, req InitiateRequest) (sess *model.ReplanSession, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Manager.InitiateReplan",
		attribute.String("plan_id", req.PlanNodeID),
		attribute.Int("scope", len(req.ScopeNodeIDs)))
	defer func() {
		telemetry.EndSpan(span, err)
		observability.ObserveTransition(statusNone, model.SessionDraft, err)
	}()

	if err := validation.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	scope := model.UnionIDs(req.ScopeNodeIDs)

	if err := m.checkScope(ctx, req, scope); err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, planlock.PlanKey(req.TenantID, req.PlanNodeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	br, err := m.calc.CalculateBlastRadius(ctx, req.PlanNodeID, scope, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("initiate replan: %w", err)
	}
	snapshot, err := m.liveRows(ctx, req.TenantID, br.AllIDs())
	if err != nil {
		return nil, fmt.Errorf("initiate replan snapshot: %w", err)
	}

	now := m.now()
	sess = &model.ReplanSession{
		ID:               uuid.NewString(),
		PlanNodeID:       req.PlanNodeID,
		TenantID:         req.TenantID,
		ScopeType:        req.ScopeType,
		ScopeNodeIDs:     scope,
		BlastRadius:      br,
		Status:           model.SessionDraft,
		CreatedBy:        req.CreatedBy,
		OriginalSnapshot: snapshot,
		ProposedChanges:  req.ProposedChanges,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("initiate replan: %w", err)
	}

	m.logger.Info("replan session created",
		"session_id", sess.ID,
		"plan_id", sess.PlanNodeID,
		"scope", len(scope),
		"snapshot", len(snapshot),
		"created_by", sess.CreatedBy)
	m.emit(events.TypeSessionCreated, sess)
	return sess, nil
}

// checkScope verifies the plan and every scope node.
func (m *Manager) checkScope(ctx context.Context, req InitiateRequest, scope []string) error {
	plan, err := m.store.GetByID(ctx, req.PlanNodeID)
	if err != nil {
		return fmt.Errorf("initiate replan: plan %s: %w", req.PlanNodeID, err)
	}
	if plan.TenantID != req.TenantID || !plan.Active {
		return fmt.Errorf("%w: plan %s", model.ErrNotFound, req.PlanNodeID)
	}
	if plan.Type != model.NodeTypePlan {
		return fmt.Errorf("%w: node %s is a %s, not a plan", model.ErrValidation, plan.ID, plan.Type)
	}

	rows, err := m.store.GetByIDs(ctx, scope)
	if err != nil {
		return fmt.Errorf("initiate replan: scope: %w", err)
	}
	byID := make(map[string]*model.Node, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	var missing, foreign []string
	for _, id := range scope {
		n, ok := byID[id]
		switch {
		case !ok || n.TenantID != req.TenantID:
			missing = append(missing, id)
		case n.PlanID != plan.ID || string(n.Type) != string(req.ScopeType) || !n.Active:
			foreign = append(foreign, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: scope nodes %s", model.ErrNotFound, strings.Join(missing, ", "))
	}
	if len(foreign) > 0 {
		return fmt.Errorf("%w: scope nodes %s are not active %s nodes of plan %s",
			model.ErrValidation, strings.Join(foreign, ", "), req.ScopeType, plan.ID)
	}
	return nil
}

// StartReplanSession moves a draft session to in_progress.
func (m *Manager) StartReplanSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	return m.transition(ctx, id, model.SessionInProgress)
}

// CommitReplanSession commits a draft or in-progress session.
func (m *Manager) CommitReplanSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	return m.transition(ctx, id, model.SessionCommitted)
}

// AbortReplanSession aborts a draft or in-progress session.
func (m *Manager) AbortReplanSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	return m.transition(ctx, id, model.SessionAborted)
}

// transition applies one status change under the plan lock.
//
// # Outputs
//
//   - *model.ReplanSession: The session after the change.
//   - error: model.ErrNotFound, model.ErrInvalidTransition, or
//     model.ErrConcurrencyConflict if the stored status changed between
//     read and write.
func (m *Manager) transition(ctx context.Context, id string, to model.SessionStatus) (sess *model.ReplanSession, err error) {
	from := statusNone
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Manager.Transition",
		attribute.String("session_id", id),
		attribute.String("to", string(to)))
	defer func() {
		telemetry.EndSpan(span, err)
		observability.ObserveTransition(from, to, err)
	}()

	sess, err = m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s session %s: %w", to, id, err)
	}

	unlock, err := m.locker.Lock(ctx, planlock.PlanKey(sess.TenantID, sess.PlanNodeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; another instance may have moved it.
	sess, err = m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s session %s: %w", to, id, err)
	}
	from = sess.Status
	if err := m.machine.Check(from, to); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	now := m.now()
	if err := m.store.UpdateSessionStatus(ctx, id, from, to, now); err != nil {
		return nil, fmt.Errorf("%s session %s: %w", to, id, err)
	}
	sess.Status = to
	sess.UpdatedAt = now

	m.logger.Info("replan session transitioned",
		"session_id", id,
		"plan_id", sess.PlanNodeID,
		"from", from,
		"to", to)
	m.emit(events.TypeForStatus(to), sess)
	switch to {
	case model.SessionCommitted:
		m.recordAudit(ctx, extensions.AuditSessionCommitted, sess)
	case model.SessionAborted:
		m.recordAudit(ctx, extensions.AuditSessionAborted, sess)
	}
	return sess, nil
}

// GetReplanSession returns a session by id.
func (m *Manager) GetReplanSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListReplanSessions returns a plan's sessions, oldest first.
func (m *Manager) ListReplanSessions(ctx context.Context, tenantID, planID string) ([]*model.ReplanSession, error) {
	out, err := m.store.ListSessionsForPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of plan %s: %w", planID, err)
	}
	return out, nil
}

// UpdateProposedChanges replaces the proposal of a non-terminal session.
func (m *Manager) UpdateProposedChanges(ctx context.Context, id string, changes json.RawMessage) (*model.ReplanSession, error) {
	if len(changes) > 0 && !json.Valid(changes) {
		return nil, fmt.Errorf("%w: proposed changes are not valid JSON", model.ErrValidation)
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}

	unlock, err := m.locker.Lock(ctx, planlock.PlanKey(sess.TenantID, sess.PlanNodeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err = m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	if sess.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", model.ErrInvalidTransition, id, sess.Status)
	}

	now := m.now()
	if err := m.store.UpdateSessionChanges(ctx, id, sess.Status, changes, now); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	sess.ProposedChanges = changes
	sess.UpdatedAt = now
	m.emit(events.TypeSessionChangesUpdated, sess)
	return sess, nil
}

// GetAffectedNodes returns the current rows of every node in a session's
// blast radius.
//
// A missing session or a plan that no longer exists yields an empty
// result and a nil error.
func (m *Manager) GetAffectedNodes(ctx context.Context, id string) ([]*model.Node, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return []*model.Node{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("affected nodes of %s: %w", id, err)
	}

	plan, err := m.store.GetByID(ctx, sess.PlanNodeID)
	if errors.Is(err, model.ErrNotFound) {
		return []*model.Node{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("affected nodes of %s: %w", id, err)
	}
	if !plan.Active || plan.TenantID != sess.TenantID {
		return []*model.Node{}, nil
	}

	return m.liveRows(ctx, sess.TenantID, sess.BlastRadius.AllIDs())
}

// DiffSnapshot compares a session's snapshot with the current rows.
func (m *Manager) DiffSnapshot(ctx context.Context, id string) (*SnapshotDiff, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("diff session %s: %w", id, err)
	}
	ids := sess.BlastRadius.AllIDs()
	live, err := m.liveRows(ctx, sess.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("diff session %s: %w", id, err)
	}
	return diffSnapshot(id, ids, sess.OriginalSnapshot, live), nil
}

// DeleteReplanSession removes a session in any state.
func (m *Manager) DeleteReplanSession(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	m.logger.Info("replan session deleted",
		"session_id", id,
		"plan_id", sess.PlanNodeID,
		"status", sess.Status)
	m.emit(events.TypeSessionDeleted, sess)
	m.recordAudit(ctx, extensions.AuditSessionDeleted, sess)
	return nil
}

// liveRows fetches ids, keeps rows of tenantID and returns them in ids
// order.
func (m *Manager) liveRows(ctx context.Context, tenantID string, ids []string) ([]*model.Node, error) {
	out := make([]*model.Node, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Node, len(rows))
	for _, n := range rows {
		if n.TenantID == tenantID {
			byID[n.ID] = n
		}
	}
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Manager) emit(t events.Type, sess *model.ReplanSession) {
	m.emitter.Emit(events.Event{
		Type:      t,
		TenantID:  sess.TenantID,
		PlanID:    sess.PlanNodeID,
		SessionID: sess.ID,
		Status:    sess.Status,
	})
}

// recordAudit writes an audit event. A failure is logged, not returned.
func (m *Manager) recordAudit(ctx context.Context, eventType string, sess *model.ReplanSession) {
	err := m.audit.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		TenantID:     sess.TenantID,
		Actor:        extensions.ActorFromContext(ctx, string(sess.CreatedBy)),
		ResourceType: "replan_session",
		ResourceID:   sess.ID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata: map[string]any{
			"plan_id": sess.PlanNodeID,
			"status":  string(sess.Status),
		},
	})
	if err != nil {
		m.logger.Warn("audit write failed",
			"event_type", eventType,
			"session_id", sess.ID,
			"error", err)
	}
}
