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
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1 API on rg.
//
// Every route requires a tenant and is rate limited per tenant.
//
//	Nodes:
//	  POST   /nodes
//	  GET    /nodes/:id
//	  DELETE /nodes/:id
//	  PATCH  /nodes/:id/overrides
//	  POST   /nodes/:id/move
//	  PUT    /nodes/:id/facet
//	  GET    /nodes/:id/dependencies
//	  POST   /nodes/:id/dependencies/preview
//	  GET    /nodes/:id/context
//	  GET    /nodes/:id/data
//	  GET    /nodes/:id/io
//
//	Impact:
//	  POST   /impact/containment
//	  POST   /plans/:planId/blast-radius
//
//	Replans:
//	  POST   /plans/:planId/replans
//	  GET    /plans/:planId/replans
//	  GET    /plans/:planId/replans/watch  (WebSocket)
//	  GET    /replans/:id
//	  DELETE /replans/:id
//	  POST   /replans/:id/start
//	  POST   /replans/:id/commit
//	  POST   /replans/:id/abort
//	  PUT    /replans/:id/changes
//	  GET    /replans/:id/affected
//	  GET    /replans/:id/diff
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.Use(h.tenantAuth(), h.rateLimit())

	nodes := rg.Group("/nodes")
	{
		nodes.POST("", h.HandleCreateNode)
		nodes.GET("/:id", h.HandleGetNode)
		nodes.DELETE("/:id", h.HandleDeleteNode)
		nodes.PATCH("/:id/overrides", h.HandleSetOverrides)
		nodes.POST("/:id/move", h.HandleMoveNode)
		nodes.PUT("/:id/facet", h.HandlePutFacet)
		nodes.GET("/:id/dependencies", h.HandleDependencies)
		nodes.POST("/:id/dependencies/preview", h.HandlePreview)
		nodes.GET("/:id/context", h.HandleContext)
		nodes.GET("/:id/data", h.HandleData)
		nodes.GET("/:id/io", h.HandleIO)
	}

	rg.POST("/impact/containment", h.HandleContainment)

	plans := rg.Group("/plans/:planId")
	{
		plans.POST("/blast-radius", h.HandleBlastRadius)
		plans.POST("/replans", h.HandleInitiateReplan)
		plans.GET("/replans", h.HandleListReplans)
		plans.GET("/replans/watch", h.HandleWatchReplans)
	}

	replans := rg.Group("/replans/:id")
	{
		replans.GET("", h.HandleGetReplan)
		replans.DELETE("", h.HandleDeleteReplan)
		replans.POST("/start", h.HandleStartReplan())
		replans.POST("/commit", h.HandleCommitReplan())
		replans.POST("/abort", h.HandleAbortReplan())
		replans.PUT("/changes", h.HandleUpdateChanges)
		replans.GET("/affected", h.HandleAffected)
		replans.GET("/diff", h.HandleDiff)
	}
}

// NewRouter builds the engine with health, readiness, metrics and the
// /v1 API.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(h.requestID())

	router.GET("/health", h.HandleHealth)
	router.GET("/ready", h.HandleReady)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	RegisterRoutes(router.Group("/v1"), h)
	return router
}
