// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable edges of the plan service:
// who the caller is and where audit events go.
//
// # Design Philosophy
//
// The core trusts a tenant id and never authenticates. Deployments that
// need more plug their own TenantProvider (for example one that reads
// verified token claims) and AuditLogger into ServiceOptions. The
// defaults read the X-Tenant-ID header and write audit events to slog.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

import "log/slog"

// ServiceOptions groups the extension points.
//
// Example:
//
//	opts := extensions.DefaultOptions(logger).
//	    WithAudit(myAuditSink)
type ServiceOptions struct {
	// TenantProvider identifies the tenant of an HTTP request.
	// Default: HeaderTenantProvider reading X-Tenant-ID.
	TenantProvider TenantProvider

	// AuditLogger records session and structural changes.
	// Default: SlogAuditLogger.
	AuditLogger AuditLogger
}

// DefaultOptions returns header-based tenancy and slog auditing.
func DefaultOptions(logger *slog.Logger) ServiceOptions {
	return ServiceOptions{
		TenantProvider: NewHeaderTenantProvider(),
		AuditLogger:    NewSlogAuditLogger(logger),
	}
}

// WithTenant returns a copy of opts with the given TenantProvider.
func (opts ServiceOptions) WithTenant(provider TenantProvider) ServiceOptions {
	opts.TenantProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize returns opts with nil fields replaced by defaults that do
// not log.
func Normalize(opts ServiceOptions) ServiceOptions {
	if opts.TenantProvider == nil {
		opts.TenantProvider = NewHeaderTenantProvider()
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
