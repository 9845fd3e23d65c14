package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class buckets backend failures into the behaviours the coordination layer
// must distinguish: surface, retry, or purge.
type Class string

const (
	// ClassUnauthenticated means the session is invalid or expired. The
	// caller must clear the session and force re-authentication.
	ClassUnauthenticated Class = "unauthenticated"
	// ClassForbidden means the caller lacks the required scope or relation.
	// Never retried.
	ClassForbidden Class = "forbidden"
	// ClassNotFound means the resource no longer resolves.
	ClassNotFound Class = "not_found"
	// ClassGone means the resource is terminally gone. For proof tokens this
	// requires purging any locally held secret.
	ClassGone Class = "gone"
	// ClassConflict means the action already happened. Never retried
	// automatically; the user is told the action already took effect.
	ClassConflict Class = "conflict"
	// ClassValidation means the payload or sequencing was invalid. Surfaced
	// verbatim, never retried.
	ClassValidation Class = "validation"
	// ClassRateLimited is eligible for bounded automatic retry with backoff.
	ClassRateLimited Class = "rate_limited"
	// ClassServer covers 5xx responses, eligible for bounded retry.
	ClassServer Class = "server"
	// ClassTransport covers network-level failures before any status code.
	ClassTransport Class = "transport"
)

// APIError is a classified backend failure.
type APIError struct {
	Status  int
	Class   Class
	Message string
	Code    string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("client: backend %d (%s/%s): %s", e.Status, e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("client: backend %d (%s): %s", e.Status, e.Class, e.Message)
}

// Retryable reports whether bounded automatic retry is permitted.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassRateLimited, ClassServer, ClassTransport:
		return true
	default:
		return false
	}
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsGone reports whether the error marks a terminally gone resource.
func IsGone(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Class == ClassGone
}

// IsConflict reports whether the backend rejected an already-executed action.
func IsConflict(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Class == ClassConflict
}

func classify(status int) Class {
	switch {
	case status == http.StatusUnauthorized:
		return ClassUnauthenticated
	case status == http.StatusForbidden:
		return ClassForbidden
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusGone:
		return ClassGone
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusUnprocessableEntity:
		return ClassValidation
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	default:
		return ClassValidation
	}
}

// errorEnvelope matches `{"error":{"message":...,"code":...,"details":...}}`.
type errorEnvelope struct {
	Error *struct {
		Message string          `json:"message"`
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// detailEnvelope matches `{"detail": string | validation-item[]}`.
type detailEnvelope struct {
	Detail json.RawMessage `json:"detail"`
}

// decodeError turns a non-2xx response body into an APIError. Both envelope
// shapes the backend emits are handled; an unparseable body falls back to the
// raw text so nothing is swallowed.
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Class: classify(status)}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Code = envelope.Error.Code
		apiErr.Details = envelope.Error.Details
		return apiErr
	}

	var detail detailEnvelope
	if err := json.Unmarshal(body, &detail); err == nil && len(detail.Detail) > 0 {
		var text string
		if err := json.Unmarshal(detail.Detail, &text); err == nil {
			apiErr.Message = text
			return apiErr
		}
		apiErr.Message = "validation failed"
		apiErr.Details = detail.Detail
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
