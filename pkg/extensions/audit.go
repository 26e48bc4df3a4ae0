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
	"log/slog"
	"sync"
	"time"
)

// Audit event types.
const (
	AuditSessionCommitted = "replan.commit"
	AuditSessionAborted   = "replan.abort"
	AuditSessionDeleted   = "replan.delete"
	AuditNodeMoved        = "node.move"
	AuditNodeDeleted      = "node.delete"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one change worth keeping a trail of.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    AuditSessionCommitted,
//	    TenantID:     tenantID,
//	    Actor:        "human",
//	    ResourceType: "replan_session",
//	    ResourceID:   sessionID,
//	    Outcome:      OutcomeSuccess,
//	    Metadata:     map[string]any{"plan_id": planID},
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "replan.commit".
	EventType string

	// Timestamp is set to time.Now().UTC() by loggers when zero.
	Timestamp time.Time

	TenantID     string
	Actor        string
	ResourceType string
	ResourceID   string
	Outcome      string

	// Metadata holds event-specific details such as plan_id or error.
	Metadata map[string]any
}

// AuditLogger records audit events.
//
// Log should return quickly. A failed audit write is reported to the
// caller, which logs it without failing the audited operation.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// SlogAuditLogger writes events as structured log records in an "audit"
// group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates a SlogAuditLogger. A nil logger uses
// slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes event at info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("tenant_id", event.TenantID),
		slog.String("actor", event.Actor),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

// MemoryAuditLogger keeps events in memory. Intended for tests.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Log appends event.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEvent(nil), l.events...)
}

// OfType returns recorded events with the given type.
func (l *MemoryAuditLogger) OfType(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, e := range l.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
