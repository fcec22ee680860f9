// Package domain contains the core business entities and logic.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLockContention indicates another attempt owns the idempotency key.
	ErrLockContention = errors.New("idempotency key is locked by another attempt")

	// ErrLockLost indicates the caller no longer holds the record it tried to
	// commit or clear (it was reaped or re-acquired by someone else).
	ErrLockLost = errors.New("idempotency lock lost")

	// ErrStoreUnavailable indicates the coordination store cannot be reached.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")

	// ErrQueueUnavailable indicates a job could not be durably enqueued.
	ErrQueueUnavailable = errors.New("queue unavailable")
)
