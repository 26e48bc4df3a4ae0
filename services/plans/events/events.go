// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts replan session status changes in process.
//
// The replan manager emits one event per successful mutation. The HTTP
// layer subscribes per plan to feed the WebSocket status stream.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	TypeSessionCreated        Type = "session.created"
	TypeSessionStarted        Type = "session.started"
	TypeSessionCommitted      Type = "session.committed"
	TypeSessionAborted        Type = "session.aborted"
	TypeSessionDeleted        Type = "session.deleted"
	TypeSessionChangesUpdated Type = "session.changes_updated"
)

// TypeForStatus returns the event emitted when a session enters status.
func TypeForStatus(status model.SessionStatus) Type {
	switch status {
	case model.SessionInProgress:
		return TypeSessionStarted
	case model.SessionCommitted:
		return TypeSessionCommitted
	case model.SessionAborted:
		return TypeSessionAborted
	default:
		return TypeSessionCreated
	}
}

// Event is one session change.
type Event struct {
	ID        string              `json:"id"`
	Type      Type                `json:"type"`
	TenantID  string              `json:"tenant_id"`
	PlanID    string              `json:"plan_id"`
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Handler processes an event. Handlers run on the emitting goroutine and
// must not block.
type Handler func(event Event)

// Filter selects events for a subscription.
type Filter func(event Event) bool

// ForPlan matches events of one plan of one tenant.
func ForPlan(tenantID, planID string) Filter {
	return func(e Event) bool {
		return e.TenantID == tenantID && e.PlanID == planID
	}
}

type subscription struct {
	handler Handler
	filter  Filter
}

// Emitter fans events out to subscribers and keeps a bounded history.
//
// # Thread Safety
//
// Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
	logger        *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithBufferSize sets how many recent events are kept. Default 256.
func WithBufferSize(size int) Option {
	return func(e *Emitter) {
		if size >= 0 {
			e.bufferSize = size
		}
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates an Emitter.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		bufferSize:    256,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers handler for events passing filter (nil = all) and
// returns the subscription id.
func (e *Emitter) Subscribe(handler Handler, filter Filter) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.NewString()
	e.subscriptions[id] = &subscription{handler: handler, filter: filter}
	return id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// Emit stamps event with an id and timestamp when missing, records it and
// delivers it to matching subscribers.
func (e *Emitter) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if e.bufferSize > 0 {
		if len(e.buffer) >= e.bufferSize {
			e.buffer = e.buffer[1:]
		}
		e.buffer = append(e.buffer, event)
	}
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if sub.filter == nil || sub.filter(event) {
			e.invoke(sub.handler, event)
		}
	}
}

// invoke calls handler, recovering a panic so other subscribers still
// receive the event.
func (e *Emitter) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r)
		}
	}()
	handler(event)
}

// Recent returns buffered events passing filter, oldest first.
func (e *Emitter) Recent(filter Filter) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, 0, len(e.buffer))
	for _, ev := range e.buffer {
		if filter == nil || filter(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of live subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}
