// Package apierrors maps the engine's internal failure kinds onto the
// Admission API's HTTP status codes and JSON error body.
package apierrors

import (
	"encoding/json"
	"net/http"
)

// Kind identifies a category of admission failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindNotImplemented   Kind = "not_implemented"
	KindNoDevice         Kind = "no_device"
	KindQueueFull        Kind = "queue_full"
	KindModelFetchFailed Kind = "model_fetch_failed"
	KindInternal         Kind = "internal"
)

// statusByKind maps each kind to its HTTP status, per the error table:
// 400 validation, 401 auth, 404 not-found, 501 not-implemented, 503
// resource unavailability, 500 otherwise.
var statusByKind = map[Kind]int{
	KindValidation:       http.StatusBadRequest,
	KindUnauthorized:     http.StatusUnauthorized,
	KindNotFound:         http.StatusNotFound,
	KindNotImplemented:   http.StatusNotImplemented,
	KindNoDevice:         http.StatusServiceUnavailable,
	KindQueueFull:        http.StatusServiceUnavailable,
	KindModelFetchFailed: http.StatusServiceUnavailable,
	KindInternal:         http.StatusInternalServerError,
}

// Error is a typed admission failure carrying the kind used to choose its
// HTTP status.
type Error struct {
	Kind    Kind
	Detail  string
	wrapped error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: cause}
}

// Status returns the HTTP status code for kind, defaulting to 500 for an
// unrecognized kind.
func Status(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// body is the `{ detail }` JSON shape every error response carries.
type body struct {
	Detail string `json:"detail"`
}

// WriteJSON writes err as a JSON error body with the status code its kind
// maps to. A non-*Error is written as a 500 with its Error() text as the
// detail, never leaking internal error structure to the client.
func WriteJSON(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := err.Error()

	if e, ok := err.(*Error); ok {
		status = Status(e.Kind)
		detail = e.Detail
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Detail: detail})
}
