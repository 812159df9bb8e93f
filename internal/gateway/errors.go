package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed backend interaction.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindServer       Kind = "server"
	KindRejected     Kind = "rejected"
)

// Error is the single error type surfaced by backend calls.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	case e.Err != nil && e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" if err is not a gateway error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// CodeOf returns the machine code carried by err, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsValidation(err error) bool   { return KindOf(err) == KindValidation }

// Validation builds a client-side precondition failure. No request was sent.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an authorization failure that did not come from the wire.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusConflict:
		return KindConflict
	case status >= 500:
		return KindServer
	default:
		return KindRejected
	}
}

type errorBody struct {
	Message any             `json:"message"`
	Code    any             `json:"code"`
	Details json.RawMessage `json:"details"`
}

// errorFromResponse never fails: an unreadable body still yields a typed error.
func errorFromResponse(status int, body []byte) *Error {
	e := &Error{
		Kind:    kindForStatus(status),
		Status:  status,
		Message: fmt.Sprintf("Request failed (%d)", status),
	}
	var parsed errorBody
	if len(body) == 0 || json.Unmarshal(body, &parsed) != nil {
		return e
	}
	if msg, ok := parsed.Message.(string); ok && msg != "" {
		e.Message = msg
	}
	if code, ok := parsed.Code.(string); ok {
		e.Code = code
	}
	if len(parsed.Details) > 0 && string(parsed.Details) != "null" {
		var details any
		if json.Unmarshal(parsed.Details, &details) == nil {
			e.Details = details
		}
	}
	return e
}
