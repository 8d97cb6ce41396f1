package vesta

import (
	"errors"
	"fmt"
)

// AuthError reports a rejected login or an expired session. It is never
// retried automatically; the caller must re-supply credentials.
type AuthError struct {
	Username string
	Status   int
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed for %q: status %d", e.Username, e.Status)
	}
	return fmt.Sprintf("authentication failed for %q", e.Username)
}

// TransportError reports a network-level or server-side failure. Transient
// cases are retried with backoff before one of these surfaces.
type TransportError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request to %s failed: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a payload that does not match the expected schema.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError reports an identifier unknown to the remote service.
type NotFoundError struct {
	Kind string // "building" or "sensor"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	// 4xx responses and auth failures will not get better on retry.
	return te.Status == 0 || te.Status >= 500
}
