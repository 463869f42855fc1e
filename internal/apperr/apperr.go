// Package apperr defines the error taxonomy shared by every claimlens
// component. Callers branch on the Code, not on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for caller-side handling.
type Code int

const (
	// CodeInternal is the zero value: an unexpected failure with no more
	// specific classification.
	CodeInternal Code = iota
	// CodeInvalidInput marks malformed caller input: bad employee id,
	// empty file, unknown hospital at submit, bad upload id format.
	CodeInvalidInput
	// CodeInvalidEdit marks a malformed line-item edit payload.
	CodeInvalidEdit
	// CodeNotFound marks a lookup for an upload id that does not exist
	// or is soft-deleted on a read path that excludes deleted records.
	CodeNotFound
	// CodeNotReady marks details/verification requests before the
	// upload reached the required lifecycle state.
	CodeNotReady
	// CodeAlreadyDeleted marks a delete of an already soft-deleted record.
	CodeAlreadyDeleted
	// CodeNotDeleted marks a restore of a record that is not deleted.
	CodeNotDeleted
	// CodeCatalogLoad marks rate-sheet loading or validation failure.
	CodeCatalogLoad
	// CodeHospitalNotFound marks a catalog lookup miss for a hospital.
	CodeHospitalNotFound
	// CodeOcrFailure marks total OCR failure (every page failed).
	CodeOcrFailure
	// CodeStoreUnavailable marks a transport failure to the state store.
	CodeStoreUnavailable
)

// String returns the stable name of the code.
func (c Code) String() string {
	switch c {
	case CodeInvalidInput:
		return "invalid_input"
	case CodeInvalidEdit:
		return "invalid_edit"
	case CodeNotFound:
		return "not_found"
	case CodeNotReady:
		return "not_ready"
	case CodeAlreadyDeleted:
		return "already_deleted"
	case CodeNotDeleted:
		return "not_deleted"
	case CodeCatalogLoad:
		return "catalog_load"
	case CodeHospitalNotFound:
		return "hospital_not_found"
	case CodeOcrFailure:
		return "ocr_failure"
	case CodeStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error is the structured error carried across component boundaries.
type Error struct {
	Code    Code
	Op      string // operation that failed, e.g. "store.claim_next_pending_job"
	Message string // human-readable description
	Err     error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.Message == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap supports errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with a code and message.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// WrapOp attaches a code to an underlying error. The op and the cause
// carry all the context; no extra message is added.
func WrapOp(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code from an error chain. Plain errors report
// CodeInternal; nil reports CodeInternal as well (callers check err != nil
// first).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
