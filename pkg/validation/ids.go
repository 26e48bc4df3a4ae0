// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end
// up in store keys, SQL parameters and lock keys.
//
// Tenant ids become part of badger index keys and Redis lock keys, so a
// "/" or ":" in one could alias another tenant's keys. Node ids become
// path segments, where a "." would split a segment in two.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid input")

// tenantPattern allows 1-128 characters: letters, digits, "-", "_" and
// "." after the first character.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// nodeIDPattern allows 1-128 characters: letters, digits, "-" and "_".
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateTenantID rejects tenant ids that could break key isolation.
//
// Example:
//
//	if err := validation.ValidateTenantID(header); err != nil {
//	    return nil, err
//	}
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tenant id cannot be empty", ErrInvalid)
	}
	if !tenantPattern.MatchString(id) {
		return fmt.Errorf("%w: tenant id %q (1-128 letters, digits, '.', '_' or '-')", ErrInvalid, id)
	}
	return nil
}

// SanitizeTenantID trims surrounding space and validates the result.
func SanitizeTenantID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateTenantID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateNodeID rejects ids that cannot be used as a path segment.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: node id cannot be empty", ErrInvalid)
	}
	if !nodeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: node id %q (1-128 letters, digits, '_' or '-')", ErrInvalid, id)
	}
	return nil
}

// ValidateNodeIDs validates every id and lists all the invalid ones.
func ValidateNodeIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateNodeID(id); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", id))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: node ids %s", ErrInvalid, strings.Join(invalid, ", "))
	}
	return nil
}
