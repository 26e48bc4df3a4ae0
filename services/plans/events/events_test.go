// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeForStatus(t *testing.T) {
	tests := []struct {
		status model.SessionStatus
		want   Type
	}{
		{model.SessionDraft, TypeSessionCreated},
		{model.SessionInProgress, TypeSessionStarted},
		{model.SessionCommitted, TypeSessionCommitted},
		{model.SessionAborted, TypeSessionAborted},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, TypeForStatus(tt.status))
		})
	}
}

func TestEmitter_SubscribeFilterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var mu sync.Mutex
	var got []Event

	id := e.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}, ForPlan("t", "p1"))
	assert.Equal(t, 1, e.SubscriptionCount())

	e.Emit(Event{Type: TypeSessionCreated, TenantID: "t", PlanID: "p1", SessionID: "s1"})
	e.Emit(Event{Type: TypeSessionCreated, TenantID: "t", PlanID: "p2", SessionID: "s2"})
	e.Emit(Event{Type: TypeSessionCreated, TenantID: "other", PlanID: "p1", SessionID: "s3"})

	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	e.Emit(Event{Type: TypeSessionAborted, TenantID: "t", PlanID: "p1", SessionID: "s1"})
	assert.Len(t, got, 1)
}

func TestEmitter_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	e := NewEmitter()
	delivered := 0
	e.Subscribe(func(Event) { panic("boom") }, nil)
	e.Subscribe(func(Event) { delivered++ }, nil)

	assert.NotPanics(t, func() {
		e.Emit(Event{Type: TypeSessionDeleted})
	})
	assert.Equal(t, 1, delivered)
}

func TestEmitter_RecentIsBounded(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))
	for _, id := range []string{"a", "b", "c"} {
		e.Emit(Event{Type: TypeSessionCreated, TenantID: "t", PlanID: "p", SessionID: id})
	}

	recent := e.Recent(nil)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].SessionID)
	assert.Equal(t, "c", recent[1].SessionID)

	assert.Empty(t, e.Recent(ForPlan("t", "other")))
}

func TestEmitter_ZeroBuffer(t *testing.T) {
	e := NewEmitter(WithBufferSize(0))
	e.Emit(Event{Type: TypeSessionCreated})
	assert.Empty(t, e.Recent(nil))
}
