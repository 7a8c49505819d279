// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Stable machine codes carried in problem responses.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidState           = "INVALID_STATE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeLockTimeout            = "LOCK_TIMEOUT"
	CodeInternal               = "INTERNAL_ERROR"
)

// ErrorRule maps one sentinel to a response. Handlers pass rules for their
// own package errors; the shared taxonomy is always applied after them.
type ErrorRule struct {
	Target error
	Status int
	Title  string
	Code   string
}

var sharedRules = []ErrorRule{
	{Target: shared.ErrNotFound, Status: http.StatusNotFound, Title: "Not Found", Code: CodeNotFound},
	{Target: shared.ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed", Code: CodeValidation},
	{Target: shared.ErrInvalidState, Status: http.StatusConflict, Title: "Invalid State", Code: CodeInvalidState},
	{Target: shared.ErrConcurrentModification, Status: http.StatusConflict, Title: "Concurrent Modification", Code: CodeConcurrentModification},
	{Target: shared.ErrLockTimeout, Status: http.StatusServiceUnavailable, Title: "Lock Timeout", Code: CodeLockTimeout},
}

// Classify returns the first rule matching err, or the internal error rule.
func Classify(err error, rules ...ErrorRule) ErrorRule {
	for _, set := range [][]ErrorRule{rules, sharedRules} {
		for _, rule := range set {
			if errors.Is(err, rule.Target) {
				return rule
			}
		}
	}
	return ErrorRule{Status: http.StatusInternalServerError, Title: "Internal Error", Code: CodeInternal}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Internal errors never leak their message.
func RespondError(w http.ResponseWriter, err error, rules ...ErrorRule) {
	rule := Classify(err, rules...)
	detail := ""
	if rule.Status != http.StatusInternalServerError {
		detail = err.Error()
	}
	if rule.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, rule.Status, ProblemDetail{
		Title:  rule.Title,
		Status: rule.Status,
		Detail: detail,
		Code:   rule.Code,
	})
}
