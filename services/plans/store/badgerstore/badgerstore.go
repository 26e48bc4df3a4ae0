// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements store.Store on an embedded BadgerDB.
//
// # Description
//
// Nodes are JSON values keyed by id with secondary index keys for path,
// parent and plan/type. Every write updates the row and its indexes in
// one Badger transaction. Path-prefix queries are prefix iterations over
// the path index, so the key order is the path order.
//
// Badger transactions are serializable: a commit that read a key another
// transaction wrote first fails with badger.ErrConflict, which this
// package reports as model.ErrConcurrencyConflict.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/nodepath"
	"github.com/AleutianAI/plangraph/services/plans/storage/badger"
	"github.com/AleutianAI/plangraph/services/plans/store"
	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Store is the BadgerDB implementation of store.Store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an open database. The Store takes ownership and closes it.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "badgerstore")}
}

// Open opens a database with cfg and wraps it.
func Open(cfg badger.Config) (*Store, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(db, cfg.Logger), nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badgerstore: database closed")
	}
	return ctx.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction and maps commit conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	err := s.db.WithTxn(ctx, fn)
	if errors.Is(err, dgbadger.ErrConflict) {
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	return s.db.WithReadTxn(ctx, fn)
}

// =============================================================================
// Row helpers
// =============================================================================

func getJSON(txn *dgbadger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *dgbadger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func getNode(txn *dgbadger.Txn, id string) (*model.Node, error) {
	var n model.Node
	err := getJSON(txn, nodeKey(id), &n)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get node %s: %w", id, err)
	}
	n.IncludeDependencyIDs = model.NormalizeIDs(n.IncludeDependencyIDs)
	n.ExcludeDependencyIDs = model.NormalizeIDs(n.ExcludeDependencyIDs)
	return &n, nil
}

// getNodes loads ids in order, skipping ids with no row.
func getNodes(txn *dgbadger.Txn, ids []string) ([]*model.Node, error) {
	out := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		n, err := getNode(txn, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// scanIDs returns the trailing id of every key under prefix, in key order.
func scanIDs(txn *dgbadger.Txn, prefix []byte) []string {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	ids := make([]string, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, lastPart(it.Item().Key()))
	}
	return ids
}

// scanPathIDs returns the ids stored as values under a path-index prefix,
// in path order.
func scanPathIDs(txn *dgbadger.Txn, prefix []byte) ([]string, error) {
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	ids := make([]string, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("badgerstore: read path index: %w", err)
		}
		ids = append(ids, string(val))
	}
	return ids, nil
}

func putNode(txn *dgbadger.Txn, n *model.Node) error {
	if err := setJSON(txn, nodeKey(n.ID), n); err != nil {
		return fmt.Errorf("badgerstore: write node %s: %w", n.ID, err)
	}
	return nil
}

func putIndexes(txn *dgbadger.Txn, n *model.Node) error {
	if err := txn.Set(pathKey(n.TenantID, n.Path), []byte(n.ID)); err != nil {
		return err
	}
	if n.ParentID != nil {
		if err := txn.Set(childKey(n.TenantID, *n.ParentID, n.ID), nil); err != nil {
			return err
		}
	}
	return txn.Set(planTypeKey(n.TenantID, n.PlanID, n.Type, n.ID), nil)
}

func deleteNode(txn *dgbadger.Txn, n *model.Node) error {
	keys := [][]byte{
		nodeKey(n.ID),
		pathKey(n.TenantID, n.Path),
		planTypeKey(n.TenantID, n.PlanID, n.Type, n.ID),
		facetKey(n.ID),
	}
	if n.ParentID != nil {
		keys = append(keys, childKey(n.TenantID, *n.ParentID, n.ID))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return fmt.Errorf("badgerstore: delete %s: %w", k, err)
		}
	}
	return nil
}

func descendants(txn *dgbadger.Txn, tenantID, path string) ([]*model.Node, error) {
	ids, err := scanPathIDs(txn, pathScan(tenantID, nodepath.DescendantPattern(path)))
	if err != nil {
		return nil, err
	}
	return getNodes(txn, ids)
}

func filterNodes(nodes []*model.Node, f store.Filter) []*model.Node {
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

func now() time.Time {
	return time.Now().UTC()
}

// =============================================================================
// NodeReader
// =============================================================================

// GetByID returns the node with id.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Node, error) {
	var n *model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		var err error
		n, err = getNode(txn, id)
		return err
	})
	return n, err
}

// GetByIDs returns the nodes that exist among ids.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		var err error
		out, err = getNodes(txn, model.NormalizeIDs(ids))
		return err
	})
	return out, err
}

// GetByParent returns the direct children of parentID.
func (s *Store) GetByParent(ctx context.Context, tenantID, parentID string, f store.Filter) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		nodes, err := getNodes(txn, scanIDs(txn, childScan(tenantID, parentID)))
		if err != nil {
			return err
		}
		out = filterNodes(nodes, f)
		model.SortNodesByPath(out)
		return nil
	})
	return out, err
}

// GetByPlanAndType returns the nodes of one type within a plan.
func (s *Store) GetByPlanAndType(ctx context.Context, tenantID, planID string, t model.NodeType, f store.Filter) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		nodes, err := getNodes(txn, scanIDs(txn, planTypeScan(tenantID, planID, t)))
		if err != nil {
			return err
		}
		out = filterNodes(nodes, f)
		model.SortNodesByPath(out)
		return nil
	})
	return out, err
}

// GetByPathPrefix returns every strict descendant of prefix.
func (s *Store) GetByPathPrefix(ctx context.Context, tenantID, prefix string) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		var err error
		out, err = descendants(txn, tenantID, prefix)
		return err
	})
	return out, err
}

// GetByPaths returns the nodes at the given paths.
func (s *Store) GetByPaths(ctx context.Context, tenantID string, paths []string) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		ids := make([]string, 0, len(paths))
		for _, p := range model.NormalizeIDs(paths) {
			item, err := txn.Get(pathKey(tenantID, p))
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("badgerstore: get path %s: %w", p, err)
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}
		var err error
		out, err = getNodes(txn, ids)
		return err
	})
	return out, err
}

// GetByTenant returns every node of a tenant.
func (s *Store) GetByTenant(ctx context.Context, tenantID string, f store.Filter) ([]*model.Node, error) {
	var out []*model.Node
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		ids, err := scanPathIDs(txn, pathScan(tenantID, ""))
		if err != nil {
			return err
		}
		nodes, err := getNodes(txn, ids)
		if err != nil {
			return err
		}
		out = filterNodes(nodes, f)
		return nil
	})
	return out, err
}

// GetFacet returns the facet of a node.
func (s *Store) GetFacet(ctx context.Context, nodeID string) (*model.Facet, error) {
	var f model.Facet
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		return getJSON(txn, facetKey(nodeID), &f)
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: facet of %s", model.ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get facet %s: %w", nodeID, err)
	}
	f.NodeID = nodeID
	return &f, nil
}

// GetFacets returns the facets that exist among nodeIDs.
func (s *Store) GetFacets(ctx context.Context, nodeIDs []string) (map[string]*model.Facet, error) {
	out := make(map[string]*model.Facet, len(nodeIDs))
	err := s.view(ctx, func(txn *dgbadger.Txn) error {
		for _, id := range model.NormalizeIDs(nodeIDs) {
			var f model.Facet
			err := getJSON(txn, facetKey(id), &f)
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("badgerstore: get facet %s: %w", id, err)
			}
			f.NodeID = id
			out[id] = &f
		}
		return nil
	})
	return out, err
}

// =============================================================================
// NodeWriter
// =============================================================================

// Insert persists a new node under its parent.
func (s *Store) Insert(ctx context.Context, draft model.NodeDraft) (*model.Node, error) {
	var out *model.Node
	err := s.update(ctx, func(txn *dgbadger.Txn) error {
		var parent *model.Node
		if draft.ParentID != nil {
			p, err := getNode(txn, *draft.ParentID)
			if err != nil {
				return fmt.Errorf("parent: %w", err)
			}
			parent = p
		}
		n, err := store.BuildNode(draft, parent, uuid.NewString(), now())
		if err != nil {
			return err
		}
		if _, err := txn.Get(pathKey(n.TenantID, n.Path)); err == nil {
			return fmt.Errorf("%w: path %s already exists", model.ErrConcurrencyConflict, n.Path)
		}
		if err := putNode(txn, n); err != nil {
			return err
		}
		if err := putIndexes(txn, n); err != nil {
			return fmt.Errorf("badgerstore: index node %s: %w", n.ID, err)
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
	err := s.update(ctx, func(txn *dgbadger.Txn) error {
		cur, err := getNode(txn, id)
		if err != nil {
			return err
		}
		n := patch.Apply(cur)
		n.UpdatedAt = now()
		if err := putNode(txn, n); err != nil {
			return err
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
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		n, err := getNode(txn, id)
		if err != nil {
			return err
		}
		desc, err := descendants(txn, n.TenantID, n.Path)
		if err != nil {
			return err
		}
		for _, d := range append(desc, n) {
			if err := deleteNode(txn, d); err != nil {
				return err
			}
		}
		s.logger.Debug("subtree deleted", "node_id", id, "rows", len(desc)+1)
		return nil
	})
}

// UpsertFacet writes the facet of an existing node.
func (s *Store) UpsertFacet(ctx context.Context, facet *model.Facet) error {
	if facet == nil {
		return fmt.Errorf("%w: facet is nil", model.ErrValidation)
	}
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		n, err := getNode(txn, facet.NodeID)
		if err != nil {
			return err
		}
		if err := store.CheckFacetFor(n, facet); err != nil {
			return err
		}
		return setJSON(txn, facetKey(facet.NodeID), facet)
	})
}

// ApplyMove rewrites a subtree in one transaction.
func (s *Store) ApplyMove(ctx context.Context, plan store.MovePlan) error {
	if err := store.CheckMovePlan(plan); err != nil {
		return err
	}
	return s.update(ctx, func(txn *dgbadger.Txn) error {
		node, err := getNode(txn, plan.NodeID)
		if err != nil {
			return err
		}
		if node.Path != plan.ExpectedPath {
			return fmt.Errorf("%w: node %s moved concurrently", model.ErrConcurrencyConflict, plan.NodeID)
		}
		parent, err := getNode(txn, plan.NewParentID)
		if err != nil {
			return fmt.Errorf("new parent: %w", err)
		}
		if parent.Path != plan.ExpectedParentPath {
			return fmt.Errorf("%w: parent %s moved concurrently", model.ErrConcurrencyConflict, plan.NewParentID)
		}

		desc, err := descendants(txn, node.TenantID, node.Path)
		if err != nil {
			return err
		}
		rows := make(map[string]*model.Node, len(desc)+1)
		rows[node.ID] = node
		for _, d := range desc {
			rows[d.ID] = d
		}
		if len(rows) != len(plan.Updates) {
			return fmt.Errorf("%w: subtree of %s changed concurrently", model.ErrConcurrencyConflict, plan.NodeID)
		}

		ts := now()
		// Drop every old path key before writing new ones so that no
		// rewritten path collides with a stale index entry.
		for _, u := range plan.Updates {
			n, ok := rows[u.NodeID]
			if !ok {
				return fmt.Errorf("%w: subtree of %s changed concurrently", model.ErrConcurrencyConflict, plan.NodeID)
			}
			if err := txn.Delete(pathKey(n.TenantID, n.Path)); err != nil {
				return err
			}
		}
		for _, u := range plan.Updates {
			n := rows[u.NodeID]
			n.Path = u.Path
			n.Depth = u.Depth
			n.UpdatedAt = ts
			if n.ID == node.ID {
				if n.ParentID != nil {
					if err := txn.Delete(childKey(n.TenantID, *n.ParentID, n.ID)); err != nil {
						return err
					}
				}
				pid := plan.NewParentID
				n.ParentID = &pid
				if err := txn.Set(childKey(n.TenantID, pid, n.ID), nil); err != nil {
					return err
				}
			}
			if err := txn.Set(pathKey(n.TenantID, n.Path), []byte(n.ID)); err != nil {
				return err
			}
			if err := putNode(txn, n); err != nil {
				return err
			}
		}
		return nil
	})
}
