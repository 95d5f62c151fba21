package engine

import (
	"errors"
	"fmt"

	"adpilot/internal/domain"
)

// ValidationError reports malformed input: an unknown decision type, a target
// that does not resolve, or a details payload that does not match the type.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports a lifecycle transition attempted from a status
// that does not permit it. The decision is left unchanged.
type InvalidStateError struct {
	DecisionID string
	Status     domain.DecisionStatus
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("decision %s: cannot %s from status %s", e.DecisionID, e.Op, e.Status)
}

// UpstreamError reports an unreachable or failing collaborator (metrics
// provider or execution adapter).
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var v *UpstreamError
	return errors.As(err, &v)
}
