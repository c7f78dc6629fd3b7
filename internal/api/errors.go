package api

import (
	"errors"
	"net/http"
)

// Sentinel errors mapped to HTTP status codes at the handler boundary,
// in the style of the teacher's writeError-per-case handlers
// generalized into one mapping function so every handler shares the
// same error taxonomy (spec.md §7 "API input errors").
var (
	ErrNotFound     = errors.New("api: not found")
	ErrInvalidInput = errors.New("api: invalid input")
	ErrSaveFailed   = errors.New("api: save failed")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrSaveFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
