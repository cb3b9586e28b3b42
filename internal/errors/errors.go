// Package errors defines the finalize error taxonomy used throughout VaultGrid.
package errors

import (
	stderrors "errors"
	"fmt"
)

// FinalizeError is a classified failure on the replica finalize path. Two
// FinalizeErrors match under errors.Is when their codes are equal, so callers
// compare against the sentinels below even after Wrap attached a cause.
type FinalizeError struct {
	// Code is the machine-readable class (e.g., "SizeMismatch").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// Errno is the catalog-compatible negative status code reported to
	// callers that still speak integer statuses.
	Errno int
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for FinalizeError.
func (e *FinalizeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Errno, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Errno, e.Message)
}

// Unwrap returns the underlying cause.
func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// Is matches any FinalizeError with the same code.
func (e *FinalizeError) Is(target error) bool {
	t, ok := target.(*FinalizeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause as its underlying error.
func (e *FinalizeError) Wrap(cause error) *FinalizeError {
	cp := *e
	cp.Err = cause
	return &cp
}

// Withf returns a copy of e with a more specific message.
func (e *FinalizeError) Withf(format string, args ...any) *FinalizeError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Pre-defined finalize errors.
var (
	// ErrChecksumComputation is returned when a digest cannot be produced
	// (storage I/O failure, unsupported resource or scheme).
	ErrChecksumComputation = &FinalizeError{
		Code:    "ChecksumComputation",
		Message: "checksum could not be computed",
		Errno:   -407000,
	}

	// ErrChecksumMismatch is raised by finalize, not by the checksum engine,
	// when a requested verification did not match.
	ErrChecksumMismatch = &FinalizeError{
		Code:    "ChecksumMismatch",
		Message: "computed checksum does not match the expected checksum",
		Errno:   -314000,
	}

	// ErrSizeMismatch is returned when size verification was requested and
	// the physical size disagrees with the recorded size.
	ErrSizeMismatch = &FinalizeError{
		Code:    "SizeMismatch",
		Message: "size in vault does not match recorded size",
		Errno:   -1209000,
	}

	// ErrCatalogPublish is returned when the catalog rejected or failed a publish.
	ErrCatalogPublish = &FinalizeError{
		Code:    "CatalogPublish",
		Message: "publishing replica state to the catalog failed",
		Errno:   -806000,
	}

	// ErrStalePublishFailure is terminal: even the elevated stale publish failed.
	ErrStalePublishFailure = &FinalizeError{
		Code:    "StalePublishFailure",
		Message: "elevated stale publish failed; manual repair required",
		Errno:   -154000,
	}

	// ErrNoRSTEntry is returned when an operation needs a replica state
	// table entry that does not exist.
	ErrNoRSTEntry = &FinalizeError{
		Code:    "NoRSTEntry",
		Message: "no replica state table entry for data object",
		Errno:   -23000,
	}

	// ErrInvalidCondInput is returned for malformed condition-input payloads.
	ErrInvalidCondInput = &FinalizeError{
		Code:    "InvalidCondInput",
		Message: "malformed condition input",
		Errno:   -130000,
	}

	// ErrBadDescriptor is returned for an unknown or already-closed descriptor.
	ErrBadDescriptor = &FinalizeError{
		Code:    "BadDescriptor",
		Message: "bad L1 descriptor",
		Errno:   -324000,
	}

	// ErrAccessDenied is returned when the session lacks write access at
	// normal privilege.
	ErrAccessDenied = &FinalizeError{
		Code:    "AccessDenied",
		Message: "access denied",
		Errno:   -818000,
	}

	// ErrReplicaNotFound is returned when a catalog row does not exist.
	ErrReplicaNotFound = &FinalizeError{
		Code:    "ReplicaNotFound",
		Message: "replica not found in catalog",
		Errno:   -808000,
	}

	// ErrObjectLock is returned when the logical object lock cannot be taken.
	ErrObjectLock = &FinalizeError{
		Code:    "ObjectLock",
		Message: "logical object lock unavailable",
		Errno:   -169000,
	}
)

// Errno extracts the integer status carried by err: 0 for nil, the
// FinalizeError's Errno when one is in the chain, -1 otherwise.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var fe *FinalizeError
	if stderrors.As(err, &fe) {
		return fe.Errno
	}
	return -1
}

// Code extracts the FinalizeError code from err, or "" when none is present.
func Code(err error) string {
	var fe *FinalizeError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
