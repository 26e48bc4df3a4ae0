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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
//
// Besides the built-in tags it understands "tenant_id" and "node_id",
// which apply ValidateTenantID and ValidateNodeID. Slices use "dive".
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("tenant_id", func(fl validator.FieldLevel) bool {
			return ValidateTenantID(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
			return ValidateNodeID(fl.Field().String()) == nil
		})
		validate = v
	})
	return validate
}

// Struct validates s and flattens field errors into one ErrInvalid.
//
// # Outputs
//
//   - error: nil, or wraps ErrInvalid with "field: tag" pairs such as
//     "ScopeNodeIDs: min".
func Struct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}

func describe(fe validator.FieldError) string {
	name := fe.StructNamespace()
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: %s=%s", name, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: %s", name, fe.Tag())
}
