package domain

import "errors"

// Sentinel errors - match with errors.Is().
var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrQuotaExceeded = errors.New("usage quota exceeded")
)
