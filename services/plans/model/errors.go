// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import "errors"

// Sentinel errors shared by every plan-graph component.
//
// Errors returned by the store, resolver, calculator and session manager
// wrap exactly one of these, so callers classify failures with errors.Is.
var (
	// ErrNotFound indicates a referenced node, parent, plan or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input: a bad path segment, an empty
	// scope, an unknown enum value, or a move that would create a cycle.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition indicates a replan session status change from a
	// terminal or otherwise disallowed source state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrencyConflict indicates the store detected a lost update on a
	// transactional mutation. The caller may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
