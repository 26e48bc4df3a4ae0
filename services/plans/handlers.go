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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/gin-gonic/gin"
)

// Handlers contains the HTTP handlers.
type Handlers struct {
	svc     *Service
	limiter *tenantLimiter
	logger  *slog.Logger
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithRateLimit limits each tenant to perSecond sustained requests with
// the given burst. perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handlers) {
		if perSecond > 0 {
			h.limiter = newTenantLimiter(perSecond, burst)
		} else {
			h.limiter = nil
		}
	}
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service, opts ...HandlerOption) *Handlers {
	h := &Handlers{svc: svc, logger: svc.logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   ServiceVersion,
		Timestamp: time.Now().UTC(),
	})
}

// HandleReady handles GET /ready.
//
// Response:
//
//	200 OK: the store answered a ping
//	503 Service Unavailable: it did not
func (h *Handlers) HandleReady(c *gin.Context) {
	if err := h.svc.Ready(c.Request.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true})
}

// =============================================================================
// Nodes
// =============================================================================

// HandleCreateNode handles POST /v1/nodes.
//
// Response:
//
//	201 Created: NodeResponse
//	400 Bad Request: malformed draft or facet
//	404 Not Found: unknown parent
func (h *Handlers) HandleCreateNode(c *gin.Context) {
	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.svc.Tree.CreateNode(c.Request.Context(), req.draft(tenantID(c)), req.Facet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := NodeResponse{Node: n}
	if req.Facet != nil {
		f := *req.Facet
		f.NodeID = n.ID
		resp.Facet = &f
	}
	c.JSON(http.StatusCreated, resp)
}

// HandleGetNode handles GET /v1/nodes/:id.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.svc.Tree.GetNode(ctx, tenantID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	facet, err := h.svc.Store.GetFacet(ctx, n.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodeResponse{Node: n, Facet: facet})
}

// HandleSetOverrides handles PATCH /v1/nodes/:id/overrides.
func (h *Handlers) HandleSetOverrides(c *gin.Context) {
	var o model.DependencyOverrides
	if err := c.ShouldBindJSON(&o); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.svc.Tree.SetDependencyOverrides(c.Request.Context(), tenantID(c), c.Param("id"), o)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodeResponse{Node: n})
}

// HandleMoveNode handles POST /v1/nodes/:id/move.
//
// Response:
//
//	200 OK: NodeResponse with the moved node
//	400 Bad Request: cycle, plan move, or target in another plan
//	409 Conflict: CONCURRENCY_CONFLICT if the subtree changed meanwhile
func (h *Handlers) HandleMoveNode(c *gin.Context) {
	var req MoveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.NewParentID == "" {
		badRequest(c, "new_parent_id is required")
		return
	}
	n, err := h.svc.Tree.MoveNode(c.Request.Context(), tenantID(c), c.Param("id"), req.NewParentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodeResponse{Node: n})
}

// HandleDeleteNode handles DELETE /v1/nodes/:id.
func (h *Handlers) HandleDeleteNode(c *gin.Context) {
	if err := h.svc.Tree.DeleteNode(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePutFacet handles PUT /v1/nodes/:id/facet.
func (h *Handlers) HandlePutFacet(c *gin.Context) {
	var f model.Facet
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, err.Error())
		return
	}
	f.NodeID = c.Param("id")
	if err := h.svc.Tree.UpdateFacet(c.Request.Context(), tenantID(c), &f); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// =============================================================================
// Resolution
// =============================================================================

// ownNode verifies that the :id node belongs to the caller's tenant.
func (h *Handlers) ownNode(c *gin.Context) (*model.Node, bool) {
	n, err := h.svc.Tree.GetNode(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return n, true
}

// HandleDependencies handles GET /v1/nodes/:id/dependencies.
func (h *Handlers) HandleDependencies(c *gin.Context) {
	n, ok := h.ownNode(c)
	if !ok {
		return
	}
	res, err := h.svc.Resolver.ResolveDependencies(c.Request.Context(), n.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleContext handles GET /v1/nodes/:id/context.
func (h *Handlers) HandleContext(c *gin.Context) {
	n, ok := h.ownNode(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Resolver.GetEffectiveContext(c.Request.Context(), n.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nodes})
}

// HandleData handles GET /v1/nodes/:id/data.
func (h *Handlers) HandleData(c *gin.Context) {
	n, ok := h.ownNode(c)
	if !ok {
		return
	}
	nodes, err := h.svc.Resolver.GetEffectiveData(c.Request.Context(), n.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nodes})
}

// HandleIO handles GET /v1/nodes/:id/io.
func (h *Handlers) HandleIO(c *gin.Context) {
	n, ok := h.ownNode(c)
	if !ok {
		return
	}
	split, err := h.svc.Resolver.GetEffectiveIO(c.Request.Context(), n.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, split)
}

// HandlePreview handles POST /v1/nodes/:id/dependencies/preview. Nothing
// is written.
func (h *Handlers) HandlePreview(c *gin.Context) {
	var o model.DependencyOverrides
	if err := c.ShouldBindJSON(&o); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, ok := h.ownNode(c)
	if !ok {
		return
	}
	p, err := h.svc.Resolver.PreviewDependencyChanges(c.Request.Context(), n.ID, o)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleContainment handles POST /v1/impact/containment.
func (h *Handlers) HandleContainment(c *gin.Context) {
	var req ContainmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	tenant := tenantID(c)
	for _, id := range model.UnionIDs(req.NodeIDs) {
		if _, err := h.svc.Tree.GetNode(ctx, tenant, id); err != nil {
			h.writeError(c, err)
			return
		}
	}
	br, err := h.svc.Resolver.ComputeContainmentBlastRadius(ctx, req.NodeIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, br)
}

// HandleBlastRadius handles POST /v1/plans/:planId/blast-radius.
//
// Unknown, foreign or inactive plans yield an empty radius, never an
// error.
func (h *Handlers) HandleBlastRadius(c *gin.Context) {
	var req BlastRadiusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	br, err := h.svc.Blast.CalculateBlastRadius(c.Request.Context(), c.Param("planId"), req.ScopeNodeIDs, tenantID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, br)
}

// ownPlan verifies that :planId is a plan of the caller's tenant.
func (h *Handlers) ownPlan(c *gin.Context) (*model.Node, bool) {
	n, err := h.svc.Tree.GetNode(c.Request.Context(), tenantID(c), c.Param("planId"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if n.Type != model.NodeTypePlan {
		h.writeError(c, fmt.Errorf("%w: node %s is a %s, not a plan", model.ErrValidation, n.ID, n.Type))
		return nil, false
	}
	return n, true
}
