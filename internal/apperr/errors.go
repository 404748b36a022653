// Package apperr defines the error taxonomy shared by the intake pipeline.
//
// Validation errors are never retried. External service errors come from the
// boundary detector and the extraction workflow. Reconciliation errors are
// transient status-query failures. Persistence errors come from Firestore and
// Cloud Storage writes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindExternalService
	KindReconciliation
	KindPersistence
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExternalService:
		return "external_service"
	case KindReconciliation:
		return "reconciliation"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the structured error carried through the pipeline.
// Field names the offending input or rule for validation errors.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error naming the violated rule.
func Validation(op, field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// External wraps a failure of an external collaborator.
func External(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternalService, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Reconciliation wraps a transient status-query failure.
func Reconciliation(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindReconciliation, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Persistence wraps a storage or database write failure.
func Persistence(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports a missing intake or record.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports a write that lost against the record's current state.
func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsExternal(err error) bool { return KindOf(err) == KindExternalService }
func IsReconciliation(err error) bool { return KindOf(err) == KindReconciliation }
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	case KindReconciliation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Wire is the JSON form of an error returned to API callers.
type Wire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ToWire converts any error into its wire form.
func ToWire(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return Wire{Code: e.Kind.String(), Message: e.Error(), Field: e.Field}
	}
	return Wire{Code: KindUnknown.String(), Message: err.Error()}
}
