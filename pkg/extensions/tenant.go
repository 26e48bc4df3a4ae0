// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/AleutianAI/plangraph/pkg/validation"
)

// ErrUnauthorized is returned when a request carries no usable tenant.
var ErrUnauthorized = errors.New("unauthorized")

// Default header names read by HeaderTenantProvider.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderActor    = "X-Actor"
)

// TenantInfo identifies the caller of a request.
type TenantInfo struct {
	// TenantID scopes every store query. Never empty.
	TenantID string

	// Actor names the caller for audit events. "anonymous" if unknown.
	Actor string
}

// TenantProvider extracts the tenant from a request.
type TenantProvider interface {
	// Tenant returns the caller's tenant or an error wrapping
	// ErrUnauthorized.
	Tenant(r *http.Request) (*TenantInfo, error)
}

// HeaderTenantProvider trusts tenant and actor headers set by an upstream
// gateway.
type HeaderTenantProvider struct {
	TenantHeader string
	ActorHeader  string
}

// NewHeaderTenantProvider reads X-Tenant-ID and X-Actor.
func NewHeaderTenantProvider() *HeaderTenantProvider {
	return &HeaderTenantProvider{TenantHeader: HeaderTenantID, ActorHeader: HeaderActor}
}

// Tenant validates and returns the header values.
func (p *HeaderTenantProvider) Tenant(r *http.Request) (*TenantInfo, error) {
	raw := r.Header.Get(p.TenantHeader)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrUnauthorized, p.TenantHeader)
	}
	tenant, err := validation.SanitizeTenantID(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	actor := strings.TrimSpace(r.Header.Get(p.ActorHeader))
	if actor == "" {
		actor = "anonymous"
	}
	return &TenantInfo{TenantID: tenant, Actor: actor}, nil
}

// StaticTenantProvider returns the same tenant for every request. Used by
// the CLI and single-tenant deployments.
type StaticTenantProvider struct {
	Info TenantInfo
}

// Tenant returns p.Info.
func (p *StaticTenantProvider) Tenant(_ *http.Request) (*TenantInfo, error) {
	info := p.Info
	return &info, nil
}

type tenantKey struct{}

// ContextWithTenant returns a copy of ctx carrying info.
func ContextWithTenant(ctx context.Context, info *TenantInfo) context.Context {
	return context.WithValue(ctx, tenantKey{}, info)
}

// TenantFromContext returns the TenantInfo stored by ContextWithTenant.
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	info, ok := ctx.Value(tenantKey{}).(*TenantInfo)
	return info, ok && info != nil
}

// ActorFromContext returns the caller's actor, or fallback when ctx
// carries no tenant.
func ActorFromContext(ctx context.Context, fallback string) string {
	if info, ok := TenantFromContext(ctx); ok && info.Actor != "" {
		return info.Actor
	}
	return fallback
}
