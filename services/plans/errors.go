// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plans

import (
	"errors"
	"net/http"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/pkg/validation"
	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/gin-gonic/gin"
)

// Error codes.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
)

// classify maps an error to a status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, model.ErrValidation), errors.Is(err, validation.ErrInvalid):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusConflict, CodeConcurrencyConflict
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError aborts c with the response for err. Internal errors are
// logged and their text is not returned.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: code}
	if status == http.StatusInternalServerError {
		h.requestLogger(c).Error("request failed", "error", err)
	} else {
		resp.Details = err.Error()
		h.requestLogger(c).Debug("request rejected", "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    CodeInvalidRequest,
		Details: details,
	})
}
