package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// ValidationError   malformed trigger payload, rejected before enqueue
// AdapterError      any external call failure, carries stage and project
// ProjectError      single-project failure that does not abort siblings
// FatalStageError   whole-deployment abort, re-thrown to the task queue
// VerificationError post-mutation check failure, handled by the safeguard

// ValidationError rejects a trigger payload before a job is created.
// It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AdapterError wraps an external call failure with where it happened.
type AdapterError struct {
	Stage   Stage
	Project string // empty for per-deployment operations
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Project != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Project, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ProjectError is recorded on a single project; siblings continue.
type ProjectError struct {
	Project string
	Stage   Stage
	Err     error
}

func (e *ProjectError) Error() string {
	return fmt.Sprintf("project %s failed during %s: %v", e.Project, e.Stage, e.Err)
}

func (e *ProjectError) Unwrap() error { return e.Err }

// FatalStageError aborts the whole deployment with no partial result.
// The task queue applies its own retry policy to the job afterwards.
type FatalStageError struct {
	Stage Stage
	Err   error
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("fatal during %s: %v", e.Stage, e.Err)
}

func (e *FatalStageError) Unwrap() error { return e.Err }

// IsFatalStage reports whether err is (or wraps) a FatalStageError.
func IsFatalStage(err error) bool {
	var fe *FatalStageError
	return errors.As(err, &fe)
}

// VerificationError means the post-mutation check failed and a rollback
// should be attempted.
type VerificationError struct {
	Target string
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %s failed: %v", e.Target, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }
