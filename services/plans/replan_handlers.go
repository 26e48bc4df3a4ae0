// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plans

import (
	"fmt"
	"net/http"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/replan"
	"github.com/gin-gonic/gin"
)

// HandleInitiateReplan handles POST /v1/plans/:planId/replans.
//
// Response:
//
//	201 Created: the draft ReplanSession
//	400 Bad Request: malformed request or scope outside the plan
//	404 Not Found: unknown plan or scope node
func (h *Handlers) HandleInitiateReplan(c *gin.Context) {
	var req InitiateReplanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.svc.Replans.InitiateReplan(c.Request.Context(), replan.InitiateRequest{
		PlanNodeID:      c.Param("planId"),
		TenantID:        tenantID(c),
		ScopeType:       req.ScopeType,
		ScopeNodeIDs:    req.ScopeNodeIDs,
		CreatedBy:       req.CreatedBy,
		ProposedChanges: req.ProposedChanges,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// HandleListReplans handles GET /v1/plans/:planId/replans.
func (h *Handlers) HandleListReplans(c *gin.Context) {
	plan, ok := h.ownPlan(c)
	if !ok {
		return
	}
	list, err := h.svc.Replans.ListReplanSessions(c.Request.Context(), plan.TenantID, plan.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{Sessions: list})
}

// ownSession loads :id and hides sessions of other tenants.
func (h *Handlers) ownSession(c *gin.Context) (*model.ReplanSession, bool) {
	id := c.Param("id")
	sess, err := h.svc.Replans.GetReplanSession(c.Request.Context(), id)
	if err == nil && sess.TenantID != tenantID(c) {
		err = fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return sess, true
}

// HandleGetReplan handles GET /v1/replans/:id.
func (h *Handlers) HandleGetReplan(c *gin.Context) {
	sess, ok := h.ownSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleTransition builds the start, commit and abort handlers.
//
// Response:
//
//	200 OK: the session after the change
//	404 Not Found: unknown session
//	409 Conflict: INVALID_TRANSITION from a terminal state, or
//	CONCURRENCY_CONFLICT when another request won a race
func (h *Handlers) handleTransition(op func(m *replan.Manager, c *gin.Context, id string) (*model.ReplanSession, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := h.ownSession(c)
		if !ok {
			return
		}
		updated, err := op(h.svc.Replans, c, sess.ID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// HandleStartReplan handles POST /v1/replans/:id/start.
func (h *Handlers) HandleStartReplan() gin.HandlerFunc {
	return h.handleTransition(func(m *replan.Manager, c *gin.Context, id string) (*model.ReplanSession, error) {
		return m.StartReplanSession(c.Request.Context(), id)
	})
}

// HandleCommitReplan handles POST /v1/replans/:id/commit.
func (h *Handlers) HandleCommitReplan() gin.HandlerFunc {
	return h.handleTransition(func(m *replan.Manager, c *gin.Context, id string) (*model.ReplanSession, error) {
		return m.CommitReplanSession(c.Request.Context(), id)
	})
}

// HandleAbortReplan handles POST /v1/replans/:id/abort.
func (h *Handlers) HandleAbortReplan() gin.HandlerFunc {
	return h.handleTransition(func(m *replan.Manager, c *gin.Context, id string) (*model.ReplanSession, error) {
		return m.AbortReplanSession(c.Request.Context(), id)
	})
}

// HandleUpdateChanges handles PUT /v1/replans/:id/changes.
func (h *Handlers) HandleUpdateChanges(c *gin.Context) {
	var req UpdateChangesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, ok := h.ownSession(c)
	if !ok {
		return
	}
	updated, err := h.svc.Replans.UpdateProposedChanges(c.Request.Context(), sess.ID, req.ProposedChanges)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// HandleAffected handles GET /v1/replans/:id/affected.
func (h *Handlers) HandleAffected(c *gin.Context) {
	sess, ok := h.ownSession(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Replans.GetAffectedNodes(c.Request.Context(), sess.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nodes})
}

// HandleDiff handles GET /v1/replans/:id/diff.
func (h *Handlers) HandleDiff(c *gin.Context) {
	sess, ok := h.ownSession(c)
	if !ok {
		return
	}
	d, err := h.svc.Replans.DiffSnapshot(c.Request.Context(), sess.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// HandleDeleteReplan handles DELETE /v1/replans/:id. Sessions in any
// state may be deleted.
func (h *Handlers) HandleDeleteReplan(c *gin.Context) {
	sess, ok := h.ownSession(c)
	if !ok {
		return
	}
	if err := h.svc.Replans.DeleteReplanSession(c.Request.Context(), sess.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
