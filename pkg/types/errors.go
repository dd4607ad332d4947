package types

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input from a caller. It is surfaced
// immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// MalformedPayloadError reports a bus message that can never be processed.
// Consumers log and drop such messages instead of asking for redelivery.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// DependencyError reports that a collaborator (bus, record store, vector
// index) is unavailable or throttling. Consumers signal it back to the bus
// so the delivery becomes eligible for redrive.
type DependencyError struct {
	Dependency string
	Op         string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Dependency, e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// SubjectNotFoundError reports that no query vector could be derived for a
// recommendation subject.
type SubjectNotFoundError struct {
	SubjectID string
	Reason    string
}

func (e *SubjectNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("subject %q not found", e.SubjectID)
	}
	return fmt.Sprintf("subject %q not found: %s", e.SubjectID, e.Reason)
}

// NewDependencyError wraps err as a DependencyError. A nil err yields nil.
func NewDependencyError(dependency, op string, err error) error {
	if err == nil {
		return nil
	}
	var dep *DependencyError
	if errors.As(err, &dep) {
		return err
	}
	return &DependencyError{Dependency: dependency, Op: op, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsMalformedPayload reports whether err is (or wraps) a MalformedPayloadError.
func IsMalformedPayload(err error) bool {
	var target *MalformedPayloadError
	return errors.As(err, &target)
}

// IsDependency reports whether err is (or wraps) a DependencyError.
func IsDependency(err error) bool {
	var target *DependencyError
	return errors.As(err, &target)
}

// IsSubjectNotFound reports whether err is (or wraps) a SubjectNotFoundError.
func IsSubjectNotFound(err error) bool {
	var target *SubjectNotFoundError
	return errors.As(err, &target)
}
