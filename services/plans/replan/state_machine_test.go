// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replan

import (
	"testing"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/stretchr/testify/assert"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()

	valid := []struct {
		from model.SessionStatus
		to   model.SessionStatus
	}{
		{model.SessionDraft, model.SessionInProgress},
		{model.SessionDraft, model.SessionCommitted},
		{model.SessionDraft, model.SessionAborted},
		{model.SessionInProgress, model.SessionCommitted},
		{model.SessionInProgress, model.SessionAborted},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.True(t, sm.CanTransition(tt.from, tt.to))
			assert.NoError(t, sm.Check(tt.from, tt.to))
		})
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	invalid := []struct {
		from model.SessionStatus
		to   model.SessionStatus
	}{
		{model.SessionDraft, model.SessionDraft},
		{model.SessionInProgress, model.SessionDraft},
		{model.SessionInProgress, model.SessionInProgress},
		{model.SessionCommitted, model.SessionDraft},
		{model.SessionCommitted, model.SessionInProgress},
		{model.SessionCommitted, model.SessionCommitted},
		{model.SessionCommitted, model.SessionAborted},
		{model.SessionAborted, model.SessionDraft},
		{model.SessionAborted, model.SessionInProgress},
		{model.SessionAborted, model.SessionCommitted},
		{model.SessionAborted, model.SessionAborted},
		{model.SessionStatus("bogus"), model.SessionCommitted},
	}
	for _, tt := range invalid {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.False(t, sm.CanTransition(tt.from, tt.to))
			assert.ErrorIs(t, sm.Check(tt.from, tt.to), model.ErrInvalidTransition)
		})
	}
}

func TestStateMachine_TerminalStatesHaveNoExits(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range model.AllSessionStatuses() {
		exits := sm.ValidTransitionsFrom(s)
		assert.Equal(t, s.IsTerminal(), len(exits) == 0, "status %s", s)
	}
	assert.Equal(t,
		[]model.SessionStatus{model.SessionAborted, model.SessionCommitted, model.SessionInProgress},
		sm.ValidTransitionsFrom(model.SessionDraft))
}
