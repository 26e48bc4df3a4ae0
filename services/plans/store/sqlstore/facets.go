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

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/store"
)

// GetFacet returns the facet of a node.
func (s *Store) GetFacet(ctx context.Context, nodeID string) (*model.Facet, error) {
	var data string
	err := s.queryRow(ctx, s.db, "SELECT data FROM node_facets WHERE node_id = ?", nodeID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: facet of %s", model.ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get facet %s: %w", nodeID, err)
	}
	return decodeFacet(nodeID, data)
}

// GetFacets returns the facets that exist among nodeIDs.
func (s *Store) GetFacets(ctx context.Context, nodeIDs []string) (map[string]*model.Facet, error) {
	nodeIDs = model.NormalizeIDs(nodeIDs)
	out := make(map[string]*model.Facet, len(nodeIDs))
	for start := 0; start < len(nodeIDs); start += inChunk {
		end := min(start+inChunk, len(nodeIDs))
		clause, args := inClause(nodeIDs[start:end])
		rows, err := s.query(ctx, s.db, "SELECT node_id, data FROM node_facets WHERE node_id IN "+clause, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: get facets: %w", err)
		}
		if err := scanFacets(rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanFacets(rows *sql.Rows, into map[string]*model.Facet) error {
	defer rows.Close()
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("sqlstore: scan facet: %w", err)
		}
		f, err := decodeFacet(id, data)
		if err != nil {
			return err
		}
		into[id] = f
	}
	return rows.Err()
}

// UpsertFacet writes the facet of an existing node.
func (s *Store) UpsertFacet(ctx context.Context, facet *model.Facet) error {
	if facet == nil {
		return fmt.Errorf("%w: facet is nil", model.ErrValidation)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.getNode(ctx, tx, facet.NodeID)
		if err != nil {
			return err
		}
		if err := store.CheckFacetFor(n, facet); err != nil {
			return err
		}
		data, err := json.Marshal(facet)
		if err != nil {
			return fmt.Errorf("sqlstore: encode facet %s: %w", facet.NodeID, err)
		}
		_, err = s.exec(ctx, tx, `INSERT INTO node_facets (node_id, type, data) VALUES (?, ?, ?)
			ON CONFLICT (node_id) DO UPDATE SET type = excluded.type, data = excluded.data`,
			facet.NodeID, string(facet.Type), string(data))
		if err != nil {
			return fmt.Errorf("sqlstore: upsert facet %s: %w", facet.NodeID, err)
		}
		return nil
	})
}

func decodeFacet(nodeID, data string) (*model.Facet, error) {
	var f model.Facet
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("sqlstore: decode facet %s: %w", nodeID, err)
	}
	f.NodeID = nodeID
	return &f, nil
}
