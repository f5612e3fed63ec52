package service

import "errors"

// Rejection and failure taxonomy for the execution pipeline. Callers match
// with errors.Is; handlers map these to HTTP statuses.
var (
	// ErrValidationRejected: policy denial, user-correctable.
	ErrValidationRejected = errors.New("command validation rejected")

	// ErrSecurityRejected: rate-limited or blocked; the user must wait or
	// be unblocked by an operator.
	ErrSecurityRejected = errors.New("security policy rejected")

	// ErrBreakoutDetected: always escalates to a sticky block plus an
	// audit event, never silently dropped.
	ErrBreakoutDetected = errors.New("breakout attempt detected")

	// ErrRuntimeUnavailable: the container runtime itself is unreachable.
	ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")

	// ErrContainerNotFound: target sandbox missing or not running, e.g.
	// raced with the stale sweep; recoverable by recreating the sandbox.
	ErrContainerNotFound = errors.New("sandbox container not found")
)
