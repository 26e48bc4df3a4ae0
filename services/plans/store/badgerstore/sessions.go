// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	dgbadger "github.com/dgraph-io/badger/v4"
)

func getSession(txn *dgbadger.Txn, id string) (*model.ReplanSession, error) {
	var sess model.ReplanSession
	err := getJSON(txn, sessionKey(id), &sess)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get session %s: %w", id, err)
	}
	return &sess, nil
}

// InsertSession persists a new session.
func (s *Store) InsertSession(ctx context.Context, sess *model.ReplanSession) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(sessionKey(sess.ID)); err == nil {
			return fmt.Errorf("%w: session %s already exists", model.ErrConcurrencyConflict, sess.ID)
		}
		if err := setJSON(txn, sessionKey(sess.ID), sess); err != nil {
			return fmt.Errorf("badgerstore: write session %s: %w", sess.ID, err)
		}
		return txn.Set(sessionPlanKey(sess.TenantID, sess.PlanNodeID, sess.CreatedAt.UnixNano(), sess.ID), nil)
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.ReplanSession, error) {
	var out *model.ReplanSession
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		var err error
		out, err = getSession(txn, id)
		return err
	})
	return out, err
}

// casSession applies mutate to a session whose status is expected.
func (s *Store) casSession(ctx context.Context, id string, expected model.SessionStatus, mutate func(*model.ReplanSession)) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		sess, err := getSession(txn, id)
		if err != nil {
			return err
		}
		if sess.Status != expected {
			return fmt.Errorf("%w: session %s is %s, not %s", model.ErrConcurrencyConflict, id, sess.Status, expected)
		}
		mutate(sess)
		return setJSON(txn, sessionKey(id), sess)
	})
}

// UpdateSessionStatus moves a session from one status to another.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	return s.casSession(ctx, id, from, func(sess *model.ReplanSession) {
		sess.Status = to
		sess.UpdatedAt = at
	})
}

// UpdateSessionChanges replaces ProposedChanges while the status is expected.
func (s *Store) UpdateSessionChanges(ctx context.Context, id string, expected model.SessionStatus, changes json.RawMessage, at time.Time) error {
	return s.casSession(ctx, id, expected, func(sess *model.ReplanSession) {
		sess.ProposedChanges = changes
		sess.UpdatedAt = at
	})
}

// DeleteSession removes a session in any state.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		sess, err := getSession(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(sessionPlanKey(sess.TenantID, sess.PlanNodeID, sess.CreatedAt.UnixNano(), id))
	})
}

// ListSessionsForPlan returns a plan's sessions, oldest first.
func (s *Store) ListSessionsForPlan(ctx context.Context, tenantID, planID string) ([]*model.ReplanSession, error) {
	out := make([]*model.ReplanSession, 0)
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		for _, id := range scanIDs(txn, sessionPlanScan(tenantID, planID)) {
			sess, err := getSession(txn, id)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	return out, err
}
