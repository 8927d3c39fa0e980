package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidMetrics     = errors.New("invalid metrics")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrUnavailable        = errors.New("service unavailable")
)

// InvalidMetricsError names the snapshot field that failed validation.
// It matches ErrInvalidMetrics with errors.Is.
type InvalidMetricsError struct {
	Field  string
	Reason string
}

func (e *InvalidMetricsError) Error() string {
	return fmt.Sprintf("invalid metrics: %s %s", e.Field, e.Reason)
}

func (e *InvalidMetricsError) Is(target error) bool {
	return target == ErrInvalidMetrics
}

// Kind returns the short machine-readable name of err's category, used as the
// "error" field of API responses.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidMetrics):
		return "invalid_metrics"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrUnavailable):
		return "service_unavailable"
	default:
		return "internal"
	}
}
