package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind is the coarse classification of a provider failure. The
// error classifier maps these onto the infrastructure/business taxonomy the
// backtrack manager and terminator consume.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth covers authentication and authorization
	// failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest marks requests that will not succeed
	// without being changed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited marks throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable marks transient failures (5xx, network)
	// where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown marks everything else.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError is a structured provider failure. Adapters construct one
// when an SDK error carries enough detail to classify; it crosses package
// boundaries so the classifier and executor can branch on stable fields
// instead of string matching.
type ProviderError struct {
	provider  string
	operation string
	status    int
	kind      ProviderErrorKind
	code      string
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewProviderError builds a ProviderError. provider and kind are required;
// cause preserves the SDK error chain when available.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		status:    httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier, e.g. "anthropic".
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the failing provider operation when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the HTTP status, or 0 when unknown.
func (e *ProviderError) HTTPStatus() int { return e.status }

// Kind returns the coarse classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether retrying the unchanged request may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	var status string
	if e.status > 0 {
		status = fmt.Sprintf("%d ", e.status)
	}
	var code string
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s%s", e.provider, e.kind, status, op, code, msg)
}

// Unwrap exposes the underlying SDK error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
