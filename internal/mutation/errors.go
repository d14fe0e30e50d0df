package mutation

import (
	"errors"
	"fmt"
)

// Error is the error type surfaced by the consistency layer.
//
// Local-write failures (auth, storage, validation, not found) are returned
// synchronously to the caller. Remote failures are caught per record by the
// engine and only ever recorded on the record and in notifications.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// EntityType is the affected collection, when known.
	EntityType EntityType

	// RecordID is the affected mutation record or row, when known.
	RecordID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeAuth indicates a mutation was attempted with no authenticated owner.
	ErrCodeAuth ErrorCode = "AUTH"

	// ErrCodeStorage indicates the persistent local store failed to read or write.
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeRemote indicates the remote store rejected an operation.
	ErrCodeRemote ErrorCode = "REMOTE"

	// ErrCodeUnknownOperation indicates a record carries an operation outside
	// insert/update/delete. Fatal for that record.
	ErrCodeUnknownOperation ErrorCode = "UNKNOWN_OPERATION"

	// ErrCodeValidation indicates an entity payload failed validation.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound indicates the addressed row or record does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidTransition indicates a forbidden status change.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Sentinels for errors.Is matching against *Error by code.
var (
	ErrAuth              = &Error{Code: ErrCodeAuth}
	ErrStorage           = &Error{Code: ErrCodeStorage}
	ErrRemote            = &Error{Code: ErrCodeRemote}
	ErrUnknownOperation  = &Error{Code: ErrCodeUnknownOperation}
	ErrValidation        = &Error{Code: ErrCodeValidation}
	ErrNotFound          = &Error{Code: ErrCodeNotFound}
	ErrInvalidTransition = &Error{Code: ErrCodeInvalidTransition}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.EntityType != "" && e.RecordID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.EntityType, e.RecordID)
	} else if e.EntityType != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.EntityType)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so the package sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAuthError reports a mutation attempted without an authenticated owner.
func NewAuthError(et EntityType) *Error {
	return &Error{Code: ErrCodeAuth, Message: "no authenticated owner", EntityType: et}
}

// NewStorageError wraps a local store failure.
func NewStorageError(op string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Message: op, Err: err}
}

// NewRemoteError wraps a remote store failure.
func NewRemoteError(et EntityType, rowID string, err error) *Error {
	return &Error{Code: ErrCodeRemote, Message: "remote store rejected operation", EntityType: et, RecordID: rowID, Err: err}
}

// NewUnknownOperationError reports an operation name outside the closed set.
func NewUnknownOperationError(op string) *Error {
	return &Error{Code: ErrCodeUnknownOperation, Message: fmt.Sprintf("unknown operation %q", op)}
}

// NewNotFoundError reports a missing row or record.
func NewNotFoundError(et EntityType, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "not found", EntityType: et, RecordID: id}
}

// NewValidationError wraps a payload validation failure.
func NewValidationError(et EntityType, err error) *Error {
	return &Error{Code: ErrCodeValidation, Message: "invalid payload", EntityType: et, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsAuthError returns true if err is (or wraps) an auth error.
func IsAuthError(err error) bool { return hasCode(err, ErrCodeAuth) }

// IsStorageError returns true if err is (or wraps) a storage error.
func IsStorageError(err error) bool { return hasCode(err, ErrCodeStorage) }

// IsRemoteError returns true if err is (or wraps) a remote error.
func IsRemoteError(err error) bool { return hasCode(err, ErrCodeRemote) }

// IsUnknownOperation returns true if err is (or wraps) an unknown-operation error.
func IsUnknownOperation(err error) bool { return hasCode(err, ErrCodeUnknownOperation) }

// IsValidation returns true if err is (or wraps) a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound returns true if err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }
