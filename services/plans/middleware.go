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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/pkg/logging"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	ctxTenantKey    = "plangraph_tenant"
	ctxRequestID    = "plangraph_request_id"
)

// requestID echoes X-Request-ID, generating one when absent, and puts a
// request-scoped logger in the request context.
func (h *Handlers) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Set(ctxRequestID, id)

		logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With("request_id", id)
		c.Request = c.Request.WithContext(logging.WithContext(c.Request.Context(), logger))
		c.Next()
	}
}

// tenantAuth resolves the caller's tenant through the TenantProvider and
// stores it in both the gin and request contexts.
func (h *Handlers) tenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.svc.Options.TenantProvider.Tenant(c.Request)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.Set(ctxTenantKey, info)
		ctx := extensions.ContextWithTenant(c.Request.Context(), info)
		logger := logging.FromContext(ctx).With("tenant_id", info.TenantID)
		c.Request = c.Request.WithContext(logging.WithContext(ctx, logger))
		c.Next()
	}
}

// tenantID returns the tenant set by tenantAuth.
func tenantID(c *gin.Context) string {
	if v, ok := c.Get(ctxTenantKey); ok {
		if info, ok := v.(*extensions.TenantInfo); ok {
			return info.TenantID
		}
	}
	return ""
}

func (h *Handlers) requestLogger(c *gin.Context) *slog.Logger {
	return logging.FromContext(c.Request.Context())
}

// tenantLimiter keeps one token bucket per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newTenantLimiter(perSecond float64, burst int) *tenantLimiter {
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *tenantLimiter) allow(tenant string, now time.Time) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// rateLimit rejects a tenant's requests beyond its token bucket. Must run
// after tenantAuth.
func (h *Handlers) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		if !h.limiter.allow(tenantID(c), time.Now()) {
			h.requestLogger(c).Warn("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "Too many requests",
				Code:  CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}
