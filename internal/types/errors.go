package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds are matched by behavior (errors.Is / errors.As), not by
// string comparison. Kind tags below appear in the terminal `error` event.
const (
	ErrKindSecurity   = "security_violation"
	ErrKindInput      = "input"
	ErrKindDependency = "dependency_unavailable"
	ErrKindCutover    = "cutover_violation"
	ErrKindTimeout    = "timeout"
	ErrKindInternal   = "internal"
)

// ErrDependencyUnavailable marks an unreachable retrieval or LLM backend.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// ErrInvalidInput marks a malformed request.
var ErrInvalidInput = errors.New("invalid input")

// SecurityViolationError is raised by the query-safety guard.
type SecurityViolationError struct {
	Reason string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: %s", e.Reason)
}

// CutoverViolationError is raised when cutover enforcement is on and a
// request resolved against legacy collection names.
type CutoverViolationError struct {
	Collections []string
}

func (e *CutoverViolationError) Error() string {
	return fmt.Sprintf("cutover violation: legacy collections %s", strings.Join(e.Collections, ", "))
}

// ErrorKind maps an error to its coarse kind tag for the error event.
func ErrorKind(err error) string {
	var sec *SecurityViolationError
	var cut *CutoverViolationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sec):
		return ErrKindSecurity
	case errors.As(err, &cut):
		return ErrKindCutover
	case errors.Is(err, ErrInvalidInput):
		return ErrKindInput
	case errors.Is(err, ErrDependencyUnavailable):
		return ErrKindDependency
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	default:
		return ErrKindInternal
	}
}
