package patch

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before anything is mutated.
type ValidationError struct {
	// Code identifies the error category.
	Code ValidationErrorCode

	// Message is a human-readable description.
	Message string

	// PatchID identifies the affected patch, if any.
	PatchID string
}

// ValidationErrorCode categorizes validation errors.
type ValidationErrorCode string

const (
	// ErrCodeMixedKinds indicates rollup and non-rollup patches in one batch.
	ErrCodeMixedKinds ValidationErrorCode = "MIXED_KINDS"

	// ErrCodeMultipleRollups indicates more than one rollup in one batch.
	ErrCodeMultipleRollups ValidationErrorCode = "MULTIPLE_ROLLUPS"

	// ErrCodeMissingPrerequisite indicates a required patch is unknown or not installed.
	ErrCodeMissingPrerequisite ValidationErrorCode = "MISSING_PREREQUISITE"

	// ErrCodeUnresolvableRange indicates a version range that cannot be parsed.
	ErrCodeUnresolvableRange ValidationErrorCode = "UNRESOLVABLE_RANGE"

	// ErrCodeUnknownPatch indicates the patch was never added.
	ErrCodeUnknownPatch ValidationErrorCode = "UNKNOWN_PATCH"

	// ErrCodeAlreadyInstalled indicates an install of an installed patch.
	ErrCodeAlreadyInstalled ValidationErrorCode = "ALREADY_INSTALLED"

	// ErrCodeNotInstalled indicates a rollback of a patch that is not installed,
	// including one whose tag was removed by a later rollup.
	ErrCodeNotInstalled ValidationErrorCode = "NOT_INSTALLED"

	// ErrCodeNoBaseline indicates the history has no baseline yet.
	ErrCodeNoBaseline ValidationErrorCode = "NO_BASELINE"

	// ErrCodeInvalidDescriptor indicates a malformed descriptor or archive.
	ErrCodeInvalidDescriptor ValidationErrorCode = "INVALID_DESCRIPTOR"

	// ErrCodeDuplicatePatch indicates a patch id that was already added.
	ErrCodeDuplicatePatch ValidationErrorCode = "DUPLICATE_PATCH"
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.PatchID != "" {
		return fmt.Sprintf("%s: %s (patch=%s)", e.Code, e.Message, e.PatchID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(code ValidationErrorCode, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// NewPatchValidationError creates a ValidationError about one patch.
func NewPatchValidationError(code ValidationErrorCode, patchID, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message, PatchID: patchID}
}

// IsValidationError reports whether err is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// HasCode reports whether err is a ValidationError with the given code.
func HasCode(err error, code ValidationErrorCode) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
