package app

import (
	"errors"
	"fmt"
)

// Error taxonomy. Handlers and consumers classify failures with errors.Is.
var (
	// Validation: bad input or unknown references.
	ErrValidation = errors.New("validation failed")

	// State conflict: the record is not in a state that permits the operation.
	ErrInvalidTransition          = errors.New("invalid state transition")
	ErrAuthorizationNotRedeemable = errors.New("authorization is not redeemable")

	// Expiry: the deadline has passed.
	ErrLockExpired          = errors.New("lock has expired")
	ErrAuthorizationExpired = errors.New("authorization has expired")

	ErrContractMismatch     = errors.New("contract address does not match the expected token contract")
	ErrRateLimited          = errors.New("too many attempts")
	ErrSandboxResetDisabled = errors.New("sandbox reset is disabled")
)

// RateLimitedError carries the number of seconds until the next attempt is allowed.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// notFound marks a lookup miss as a validation failure while keeping the store sentinel.
func notFound(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func transitionError(kind, id string, from, to interface{}) error {
	return fmt.Errorf("%w: %s %s cannot move from %v to %v", ErrInvalidTransition, kind, id, from, to)
}
