// Package apperr defines the error taxonomy shared by intake, validation and dispatch.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of failure.
type Kind string

const (
	RequiredField       Kind = "required_field"
	InvalidEmail        Kind = "invalid_email"
	InvalidURL          Kind = "invalid_url"
	InvalidNumber       Kind = "invalid_number"
	InvalidDate         Kind = "invalid_date"
	InvalidLength       Kind = "invalid_length"
	OutOfRange          Kind = "out_of_range"
	PatternMismatch     Kind = "pattern_mismatch"
	CustomRule          Kind = "custom_rule"
	CaptchaFailed       Kind = "captcha_failed"
	CaptchaUnavailable  Kind = "captcha_unavailable"
	RateLimited         Kind = "rate_limited"
	SchemaMissing       Kind = "schema_missing"
	UploadRejected      Kind = "upload_rejected"
	TransportError      Kind = "transport_error"
	ProviderRejected    Kind = "provider_rejected"
	ProviderUnavailable Kind = "provider_unavailable"
	InvalidSubmission   Kind = "invalid_submission"
	Expired             Kind = "expired"
	SecurityCheck       Kind = "security_check"
	FormNotFound        Kind = "form_not_found"
)

// Error is a classified failure. Field and Label are set for field-level errors,
// StatusCode and RetryAfter for provider responses.
type Error struct {
	Kind       Kind
	Field      string
	Label      string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return other.Kind == e.Kind && other.Field == "" && other.Message == ""
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Field builds a field-level validation error.
func Field(kind Kind, fieldID, label, message string) *Error {
	return &Error{Kind: kind, Field: fieldID, Label: label, Message: message}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Provider builds an error for a non-2xx provider response.
func Provider(statusCode int, message string) *Error {
	kind := ProviderRejected
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = ProviderUnavailable
	}
	return &Error{Kind: kind, Message: message, StatusCode: statusCode}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}
	return ""
}

// As returns the *Error inside err.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr, true
	}
	return nil, false
}

// IsValidation reports whether the kind is a field validation failure.
func (k Kind) IsValidation() bool {
	switch k {
	case RequiredField, InvalidEmail, InvalidURL, InvalidNumber, InvalidDate,
		InvalidLength, OutOfRange, PatternMismatch, CustomRule:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code of the public API.
func (k Kind) HTTPStatus() int {
	switch {
	case k.IsValidation(), k == CaptchaFailed, k == UploadRejected:
		return http.StatusUnprocessableEntity
	}
	switch k {
	case CaptchaUnavailable, SchemaMissing:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidSubmission, Expired:
		return http.StatusBadRequest
	case SecurityCheck:
		return http.StatusForbidden
	case FormNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
