// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "tenant-a", false},
		{"dotted", "acme.prod", false},
		{"underscore", "acme_1", false},
		{"max length", string(make128('a')), false},

		{"empty", "", true},
		{"slash aliases keys", "a/b", true},
		{"colon aliases lock keys", "a:b", true},
		{"leading dot", ".acme", true},
		{"space", "ac me", true},
		{"too long", string(make128('a')) + "a", true},
		{"sql quote", "a'; DROP TABLE nodes--", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTenantID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func make128(c byte) []byte {
	b := make([]byte, 128)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestSanitizeTenantID(t *testing.T) {
	got, err := SanitizeTenantID("  tenant-a ")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got)

	_, err = SanitizeTenantID("   ")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateNodeID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "3f1c2a8e-52a4-4a5d-9a57-0b1b6f4c6d11", false},
		{"short", "n1", false},
		{"empty", "", true},
		{"dot splits segments", "a.b", true},
		{"slash", "a/b", true},
		{"percent", "a%", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeID(tt.id)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateNodeID(%q) = %v", tt.id, err)
		})
	}
}

func TestValidateNodeIDs(t *testing.T) {
	assert.NoError(t, ValidateNodeIDs(nil))
	assert.NoError(t, ValidateNodeIDs([]string{"a", "b"}))

	err := ValidateNodeIDs([]string{"ok", "bad.id", "also/bad"})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "bad.id")
	assert.Contains(t, err.Error(), "also/bad")
	assert.NotContains(t, err.Error(), `"ok"`)
}

type request struct {
	Tenant string   `validate:"required,tenant_id"`
	Scope  []string `validate:"min=1,dive,node_id"`
	Kind   string   `validate:"oneof=stage job context"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(request{Tenant: "t", Scope: []string{"n1"}, Kind: "stage"}))

	err := Struct(request{Tenant: "a/b", Scope: nil, Kind: "plan"})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "Tenant: tenant_id")
	assert.Contains(t, err.Error(), "Scope: min=1")
	assert.Contains(t, err.Error(), "Kind: oneof=stage job context")

	err = Struct(request{Tenant: "t", Scope: []string{"x.y"}, Kind: "job"})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "Scope[0]: node_id")
}
