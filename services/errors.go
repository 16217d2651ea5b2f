package services

import "errors"

// Typed errors returned by the payment services. Handlers map these to HTTP
// status codes; anything else is treated as an unexpected 5xx.
var (
	// ErrEnrollmentNotFound means the enrollment id is unknown (client bug or
	// stale data).
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrOrderNotFound means no PaymentOrder matches the submitted gateway
	// order id. Distinct from a signature mismatch: it points at stale or
	// garbage-collected orders rather than tampering.
	ErrOrderNotFound = errors.New("payment order not found")

	// ErrAlreadyPaid means the enrollment is already in a terminal success
	// state; issuing another order would be a no-op charge.
	ErrAlreadyPaid = errors.New("enrollment already paid")

	// ErrInvalidSignature means the completion payload failed HMAC
	// verification. Security-relevant; always logged with full context.
	ErrInvalidSignature = errors.New("invalid payment signature")

	// ErrConflict is the compare-and-swap failure: the stored status no longer
	// matches the expected one. Benign under concurrency; safe to retry by
	// refetching state.
	ErrConflict = errors.New("enrollment status conflict")

	// ErrStaleOrder means the verified order is not the enrollment's current
	// awaiting_gateway order. The enrollment is already resolved; the caller
	// should refresh its view.
	ErrStaleOrder = errors.New("stale payment order")

	// ErrIssueFailed means gateway order creation or the local persistence of
	// its mapping ultimately failed; the user can simply try again.
	ErrIssueFailed = errors.New("failed to issue payment order")
)
