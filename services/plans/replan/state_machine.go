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
	"fmt"
	"sort"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// StateMachine holds the legal replan session transitions:
//
//	draft       → in_progress   : review started
//	draft       → committed     : accepted without review
//	draft       → aborted       : discarded before review
//	in_progress → committed     : review accepted
//	in_progress → aborted       : review rejected
//
// committed and aborted are terminal.
//
// # Thread Safety
//
// A StateMachine is immutable after construction and safe for concurrent
// use.
type StateMachine struct {
	transitions map[model.SessionStatus]map[model.SessionStatus]bool
}

// NewStateMachine creates the session state machine.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[model.SessionStatus]map[model.SessionStatus]bool),
	}
	for _, s := range model.AllSessionStatuses() {
		sm.transitions[s] = make(map[model.SessionStatus]bool)
	}

	sm.add(model.SessionDraft, model.SessionInProgress)
	sm.add(model.SessionDraft, model.SessionCommitted)
	sm.add(model.SessionDraft, model.SessionAborted)

	sm.add(model.SessionInProgress, model.SessionCommitted)
	sm.add(model.SessionInProgress, model.SessionAborted)

	return sm
}

func (sm *StateMachine) add(from, to model.SessionStatus) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is legal.
func (sm *StateMachine) CanTransition(from, to model.SessionStatus) bool {
	return sm.transitions[from][to]
}

// Check returns an error wrapping model.ErrInvalidTransition when from → to
// is not legal.
func (sm *StateMachine) Check(from, to model.SessionStatus) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns the legal targets of from, sorted.
func (sm *StateMachine) ValidTransitionsFrom(from model.SessionStatus) []model.SessionStatus {
	out := make([]model.SessionStatus, 0)
	for to, ok := range sm.transitions[from] {
		if ok {
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
