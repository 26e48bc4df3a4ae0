// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

const sessionColumns = `id, tenant_id, plan_node_id, scope_type, scope_node_ids, blast_radius, status,
	created_by, original_snapshot, proposed_changes, created_at, updated_at`

func scanSession(r rowScanner) (*model.ReplanSession, error) {
	var (
		sess      model.ReplanSession
		scope     string
		radius    string
		snapshot  string
		changes   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&sess.ID, &sess.TenantID, &sess.PlanNodeID, &sess.ScopeType, &scope, &radius, &sess.Status,
		&sess.CreatedBy, &snapshot, &changes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scope), &sess.ScopeNodeIDs); err != nil {
		return nil, fmt.Errorf("decode scope of session %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(radius), &sess.BlastRadius); err != nil {
		return nil, fmt.Errorf("decode blast radius of session %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &sess.OriginalSnapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot of session %s: %w", sess.ID, err)
	}
	if changes.Valid && changes.String != "" {
		sess.ProposedChanges = json.RawMessage(changes.String)
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sess, nil
}

// InsertSession persists a new session.
func (s *Store) InsertSession(ctx context.Context, sess *model.ReplanSession) error {
	scope, err := json.Marshal(sess.ScopeNodeIDs)
	if err != nil {
		return fmt.Errorf("sqlstore: encode scope: %w", err)
	}
	radius, err := json.Marshal(sess.BlastRadius)
	if err != nil {
		return fmt.Errorf("sqlstore: encode blast radius: %w", err)
	}
	snapshot, err := json.Marshal(sess.OriginalSnapshot)
	if err != nil {
		return fmt.Errorf("sqlstore: encode snapshot: %w", err)
	}
	var changes any
	if len(sess.ProposedChanges) > 0 {
		changes = string(sess.ProposedChanges)
	}
	_, err = s.exec(ctx, s.db, "INSERT INTO replan_sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sess.ID, sess.TenantID, sess.PlanNodeID, string(sess.ScopeType), string(scope), string(radius),
		string(sess.Status), string(sess.CreatedBy), string(snapshot), changes,
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		return mapWriteErr(fmt.Errorf("sqlstore: insert session %s: %w", sess.ID, err))
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	row := s.queryRow(ctx, s.db, "SELECT "+sessionColumns+" FROM replan_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSessionStatus moves a session from one status to another.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	res, err := s.exec(ctx, s.db, "UPDATE replan_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), at.UnixNano(), id, string(from))
	if err != nil {
		return fmt.Errorf("sqlstore: update session %s status: %w", id, err)
	}
	return s.checkCAS(ctx, res, id, from)
}

// UpdateSessionChanges replaces ProposedChanges while the status is expected.
func (s *Store) UpdateSessionChanges(ctx context.Context, id string, expected model.SessionStatus, changes json.RawMessage, at time.Time) error {
	var val any
	if len(changes) > 0 {
		val = string(changes)
	}
	res, err := s.exec(ctx, s.db, "UPDATE replan_sessions SET proposed_changes = ?, updated_at = ? WHERE id = ? AND status = ?",
		val, at.UnixNano(), id, string(expected))
	if err != nil {
		return fmt.Errorf("sqlstore: update session %s changes: %w", id, err)
	}
	return s.checkCAS(ctx, res, id, expected)
}

// checkCAS turns a zero-row conditional update into NotFound or Conflict.
func (s *Store) checkCAS(ctx context.Context, res sql.Result, id string, expected model.SessionStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is no longer %s", model.ErrConcurrencyConflict, id, expected)
}

// DeleteSession removes a session in any state.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, "DELETE FROM replan_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	return nil
}

// ListSessionsForPlan returns a plan's sessions, oldest first.
func (s *Store) ListSessionsForPlan(ctx context.Context, tenantID, planID string) ([]*model.ReplanSession, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT "+sessionColumns+" FROM replan_sessions WHERE tenant_id = ? AND plan_node_id = ? ORDER BY created_at, id",
		tenantID, planID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list sessions of %s: %w", planID, err)
	}
	defer rows.Close()

	out := make([]*model.ReplanSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
