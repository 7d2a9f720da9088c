// Package apperr defines the error taxonomy shared by the booking core and the
// HTTP layer. Every rejection produced by the domain packages is an *Error with
// a Kind that decides how callers surface it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAvailability
	KindAuthorization
	KindNotFound
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAvailability:
		return "availability"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	default:
		return "internal"
	}
}

// Availability reasons. Callers display the message verbatim, the reason is
// the stable machine-readable code.
const (
	ReasonTooSoon       = "too_soon"
	ReasonHoliday       = "holiday"
	ReasonNotConfigured = "not_configured"
	ReasonFull          = "full"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonContended     = "slot_contended"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and reason so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Validation returns a KindValidation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unavailable returns a KindAvailability error carrying reason.
func Unavailable(reason, message string) *Error {
	return &Error{Kind: KindAvailability, Reason: reason, Message: message}
}

// Forbidden returns a KindAuthorization error. The message is fixed so no
// detail about the target leaks to the caller.
func Forbidden() *Error {
	return &Error{Kind: KindAuthorization, Message: "not permitted to access this appointment"}
}

// NotFound returns a KindNotFound error for the named entity.
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// InvalidState returns a KindState error for an illegal status transition.
func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAvailability  = &Error{Kind: KindAvailability}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrState         = &Error{Kind: KindState}
)

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason code of err, if any.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAvailability, KindState:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to return to API callers.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Message
	}
	return "internal server error"
}
