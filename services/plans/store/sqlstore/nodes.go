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
	"strings"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/google/uuid"
)

const nodeColumns = `id, tenant_id, plan_id, parent_id, type, name, path, depth, active, is_frozen,
	disable_dependency_inheritance, include_dependency_ids, exclude_dependency_ids, created_at, updated_at`

// inChunk bounds the number of bound parameters per IN list.
const inChunk = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*model.Node, error) {
	var (
		n         model.Node
		parentID  sql.NullString
		include   string
		exclude   string
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&n.ID, &n.TenantID, &n.PlanID, &parentID, &n.Type, &n.Name, &n.Path, &n.Depth,
		&n.Active, &n.IsFrozen, &n.DisableDependencyInheritance, &include, &exclude, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		n.ParentID = &p
	}
	if err := json.Unmarshal([]byte(include), &n.IncludeDependencyIDs); err != nil {
		return nil, fmt.Errorf("decode include ids of %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(exclude), &n.ExcludeDependencyIDs); err != nil {
		return nil, fmt.Errorf("decode exclude ids of %s: %w", n.ID, err)
	}
	n.IncludeDependencyIDs = model.NormalizeIDs(n.IncludeDependencyIDs)
	n.ExcludeDependencyIDs = model.NormalizeIDs(n.ExcludeDependencyIDs)
	n.CreatedAt = time.Unix(0, createdAt).UTC()
	n.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &n, nil
}

func (s *Store) scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	defer rows.Close()
	out := make([]*model.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func encodeIDs(ids []string) string {
	b, _ := json.Marshal(model.NormalizeIDs(ids))
	return string(b)
}

// filterSQL renders a store.Filter as trailing AND clauses.
func filterSQL(f store.Filter) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	if !f.IncludeInactive {
		sb.WriteString(" AND active = ?")
		args = append(args, true)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		clause, targs := inClause(types)
		sb.WriteString(" AND type IN " + clause)
		args = append(args, targs...)
	}
	return sb.String(), args
}

func (s *Store) getNode(ctx context.Context, q querier, id string) (*model.Node, error) {
	row := s.queryRow(ctx, q, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get node %s: %w", id, err)
	}
	return n, nil
}

// =============================================================================
// NodeReader
// =============================================================================

// GetByID returns the node with id.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Node, error) {
	return s.getNode(ctx, s.db, id)
}

// GetByIDs returns the nodes that exist among ids.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*model.Node, error) {
	ids = model.NormalizeIDs(ids)
	out := make([]*model.Node, 0, len(ids))
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		clause, args := inClause(ids[start:end])
		rows, err := s.query(ctx, s.db, "SELECT "+nodeColumns+" FROM nodes WHERE id IN "+clause, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: get nodes by ids: %w", err)
		}
		nodes, err := s.scanNodes(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan nodes by ids: %w", err)
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// GetByParent returns the direct children of parentID.
func (s *Store) GetByParent(ctx context.Context, tenantID, parentID string, f store.Filter) ([]*model.Node, error) {
	where, fargs := filterSQL(f)
	args := append([]any{tenantID, parentID}, fargs...)
	rows, err := s.query(ctx, s.db,
		"SELECT "+nodeColumns+" FROM nodes WHERE tenant_id = ? AND parent_id = ?"+where+" ORDER BY path", args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get children of %s: %w", parentID, err)
	}
	return s.scanNodes(rows)
}

// GetByPlanAndType returns the nodes of one type within a plan.
func (s *Store) GetByPlanAndType(ctx context.Context, tenantID, planID string, t model.NodeType, f store.Filter) ([]*model.Node, error) {
	where, fargs := filterSQL(f)
	args := append([]any{tenantID, planID, string(t)}, fargs...)
	rows, err := s.query(ctx, s.db,
		"SELECT "+nodeColumns+" FROM nodes WHERE tenant_id = ? AND plan_id = ? AND type = ?"+where+" ORDER BY path", args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s nodes of plan %s: %w", t, planID, err)
	}
	return s.scanNodes(rows)
}

// GetByPathPrefix returns every strict descendant of prefix.
func (s *Store) GetByPathPrefix(ctx context.Context, tenantID, prefix string) ([]*model.Node, error) {
	return s.descendants(ctx, s.db, tenantID, prefix)
}

func (s *Store) descendants(ctx context.Context, q querier, tenantID, prefix string) ([]*model.Node, error) {
	rows, err := s.query(ctx, q,
		"SELECT "+nodeColumns+` FROM nodes WHERE tenant_id = ? AND path LIKE ? ESCAPE '\' ORDER BY path`,
		tenantID, likePrefix(nodepath.DescendantPattern(prefix)))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get descendants of %s: %w", prefix, err)
	}
	return s.scanNodes(rows)
}

// GetByPaths returns the nodes at the given paths.
func (s *Store) GetByPaths(ctx context.Context, tenantID string, paths []string) ([]*model.Node, error) {
	paths = model.NormalizeIDs(paths)
	out := make([]*model.Node, 0, len(paths))
	for start := 0; start < len(paths); start += inChunk {
		end := min(start+inChunk, len(paths))
		clause, pargs := inClause(paths[start:end])
		args := append([]any{tenantID}, pargs...)
		rows, err := s.query(ctx, s.db,
			"SELECT "+nodeColumns+" FROM nodes WHERE tenant_id = ? AND path IN "+clause+" ORDER BY path", args...)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: get nodes by paths: %w", err)
		}
		nodes, err := s.scanNodes(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// GetByTenant returns every node of a tenant.
func (s *Store) GetByTenant(ctx context.Context, tenantID string, f store.Filter) ([]*model.Node, error) {
	where, fargs := filterSQL(f)
	args := append([]any{tenantID}, fargs...)
	rows, err := s.query(ctx, s.db,
		"SELECT "+nodeColumns+" FROM nodes WHERE tenant_id = ?"+where+" ORDER BY path", args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get nodes of tenant %s: %w", tenantID, err)
	}
	return s.scanNodes(rows)
}

// =============================================================================
// NodeWriter
// =============================================================================

// Insert persists a new node under its parent.
func (s *Store) Insert(ctx context.Context, draft model.NodeDraft) (*model.Node, error) {
	var out *model.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var parent *model.Node
		if draft.ParentID != nil {
			p, err := s.getNode(ctx, tx, *draft.ParentID)
			if err != nil {
				return fmt.Errorf("parent: %w", err)
			}
			parent = p
		}
		n, err := store.BuildNode(draft, parent, uuid.NewString(), now())
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, "INSERT INTO nodes ("+nodeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			n.ID, n.TenantID, n.PlanID, nullable(n.ParentID), string(n.Type), n.Name, n.Path, n.Depth,
			n.Active, n.IsFrozen, n.DisableDependencyInheritance,
			encodeIDs(n.IncludeDependencyIDs), encodeIDs(n.ExcludeDependencyIDs),
			n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano())
		if err != nil {
			return mapWriteErr(fmt.Errorf("sqlstore: insert node: %w", err))
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a non-structural patch.
func (s *Store) Update(ctx context.Context, id string, patch model.NodePatch) (*model.Node, error) {
	var out *model.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getNode(ctx, tx, id)
		if err != nil {
			return err
		}
		n := patch.Apply(cur)
		n.UpdatedAt = now()
		_, err = s.exec(ctx, tx, `UPDATE nodes SET name = ?, active = ?, is_frozen = ?,
			disable_dependency_inheritance = ?, include_dependency_ids = ?, exclude_dependency_ids = ?,
			updated_at = ? WHERE id = ?`,
			n.Name, n.Active, n.IsFrozen, n.DisableDependencyInheritance,
			encodeIDs(n.IncludeDependencyIDs), encodeIDs(n.ExcludeDependencyIDs), n.UpdatedAt.UnixNano(), id)
		if err != nil {
			return mapWriteErr(fmt.Errorf("sqlstore: update node %s: %w", id, err))
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the node, its subtree and their facets.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.getNode(ctx, tx, id)
		if err != nil {
			return err
		}
		subtree := `SELECT id FROM nodes WHERE tenant_id = ? AND (id = ? OR path LIKE ? ESCAPE '\')`
		pattern := likePrefix(nodepath.DescendantPattern(n.Path))
		if _, err := s.exec(ctx, tx, "DELETE FROM node_facets WHERE node_id IN ("+subtree+")", n.TenantID, n.ID, pattern); err != nil {
			return fmt.Errorf("sqlstore: delete facets under %s: %w", id, err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM nodes WHERE tenant_id = ? AND (id = ? OR path LIKE ? ESCAPE '\')`, n.TenantID, n.ID, pattern)
		if err != nil {
			return fmt.Errorf("sqlstore: delete subtree %s: %w", id, err)
		}
		if cnt, err := res.RowsAffected(); err == nil {
			s.logger.Debug("subtree deleted", "node_id", id, "rows", cnt)
		}
		return nil
	})
}

// ApplyMove rewrites a subtree in one transaction.
func (s *Store) ApplyMove(ctx context.Context, plan store.MovePlan) error {
	if err := store.CheckMovePlan(plan); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, plan.NodeID)
		if err != nil {
			return err
		}
		if node.Path != plan.ExpectedPath {
			return fmt.Errorf("%w: node %s moved concurrently", model.ErrConcurrencyConflict, plan.NodeID)
		}
		parent, err := s.getNode(ctx, tx, plan.NewParentID)
		if err != nil {
			return fmt.Errorf("new parent: %w", err)
		}
		if parent.Path != plan.ExpectedParentPath {
			return fmt.Errorf("%w: parent %s moved concurrently", model.ErrConcurrencyConflict, plan.NewParentID)
		}

		desc, err := s.descendants(ctx, tx, node.TenantID, node.Path)
		if err != nil {
			return err
		}
		if !sameSubtree(desc, plan.Updates[1:]) {
			return fmt.Errorf("%w: subtree of %s changed concurrently", model.ErrConcurrencyConflict, plan.NodeID)
		}

		ts := now().UnixNano()
		for _, u := range plan.Updates {
			if _, err := s.exec(ctx, tx, "UPDATE nodes SET path = ?, depth = ?, updated_at = ? WHERE id = ?",
				u.Path, u.Depth, ts, u.NodeID); err != nil {
				return mapWriteErr(fmt.Errorf("sqlstore: rewrite path of %s: %w", u.NodeID, err))
			}
		}
		if _, err := s.exec(ctx, tx, "UPDATE nodes SET parent_id = ? WHERE id = ?", plan.NewParentID, plan.NodeID); err != nil {
			return fmt.Errorf("sqlstore: reparent %s: %w", plan.NodeID, err)
		}
		return nil
	})
}

// sameSubtree reports whether updates cover exactly the nodes in desc.
func sameSubtree(desc []*model.Node, updates []store.PathUpdate) bool {
	if len(desc) != len(updates) {
		return false
	}
	want := model.IDSet(model.NodeIDs(desc))
	for _, u := range updates {
		if _, ok := want[u.NodeID]; !ok {
			return false
		}
	}
	return true
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func now() time.Time {
	return time.Now().UTC()
}
