package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation Errors (request input rejected before any mutation)
const (
	ErrCodeMissingField       ErrorCode = "missing_field"
	ErrCodeInvalidField       ErrorCode = "invalid_field"
	ErrCodeInvalidAmount      ErrorCode = "invalid_amount"
	ErrCodeInvalidDescription ErrorCode = "invalid_description"
	ErrCodeMissingFile        ErrorCode = "missing_file"
	ErrCodeFileTooLarge       ErrorCode = "file_too_large"
)

// Resource Errors (unknown transaction or file)
const (
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeFileNotFound        ErrorCode = "file_not_found"
)

// Authorization Errors (verified actor is not permitted to act)
const (
	ErrCodeActorNotParty   ErrorCode = "actor_not_party"
	ErrCodeActorNotSeller  ErrorCode = "actor_not_seller"
	ErrCodeAdminRequired   ErrorCode = "admin_required"
	ErrCodeActorUnverified ErrorCode = "actor_unverified"
)

// State Conflict Errors (legal request, illegal transition)
// These are surfaced distinctly from validation failures so callers can decide
// whether an already-terminal transaction is benign or an actual error.
const (
	ErrCodeTransactionNotPending ErrorCode = "transaction_not_pending"
	ErrCodeAlreadyCompleted      ErrorCode = "already_completed"
	ErrCodePaymentNotConfirmed   ErrorCode = "payment_not_confirmed"
	ErrCodePaymentAlreadyMade    ErrorCode = "payment_already_received"
	ErrCodeFileNotReady          ErrorCode = "file_not_ready"
	ErrCodeNotRefundable         ErrorCode = "not_refundable"
)

// Integrity Errors (envelope decryption failure)
// Deliberately a single opaque code: the response never reveals whether the
// tag, the wrapped key, or the ciphertext failed verification.
const (
	ErrCodeIntegrityFailure ErrorCode = "integrity_check_failed"
)

// External Service Errors (Stripe, callbacks)
const (
	ErrCodeStripeError   ErrorCode = "stripe_error"
	ErrCodeNetworkError  ErrorCode = "network_error"
	ErrCodePayoutPending ErrorCode = "payout_not_settled"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
	ErrCodeRateLimited   ErrorCode = "rate_limited"
)

// IsRetryable returns whether an error code represents a retryable error.
// Dependency failures leave the transaction unchanged, so re-invoking the
// operation is safe; conflicts, validation and integrity failures are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeStripeError,
		ErrCodeNetworkError,
		ErrCodePayoutPending,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidDescription,
		ErrCodeMissingFile,
		ErrCodeFileTooLarge:
		return 400

	// 401 Unauthorized - no verified actor identity
	case ErrCodeActorUnverified:
		return 401

	// 403 Forbidden - actor is verified but not permitted
	case ErrCodeActorNotParty,
		ErrCodeActorNotSeller,
		ErrCodeAdminRequired:
		return 403

	// 404 Not Found
	case ErrCodeTransactionNotFound,
		ErrCodeFileNotFound:
		return 404

	// 409 Conflict - illegal state transition, double-complete race loser
	case ErrCodeTransactionNotPending,
		ErrCodeAlreadyCompleted,
		ErrCodePaymentNotConfirmed,
		ErrCodePaymentAlreadyMade,
		ErrCodeFileNotReady,
		ErrCodeNotRefundable:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - external service errors
	case ErrCodeStripeError,
		ErrCodeNetworkError,
		ErrCodePayoutPending:
		return 502

	// 500 Internal Server Error - integrity and system errors
	default:
		return 500
	}
}
