package escrow

import (
	"fmt"

	"github.com/EscrowBox/server/internal/errors"
)

// Error classifies failures encountered while operating on a transaction.
type Error struct {
	Code    errors.ErrorCode // Machine-readable error code
	Message string           // User-friendly message
	Err     error            // Technical error for logging
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// NewError creates a new escrow error with a user-friendly message.
func NewError(code errors.ErrorCode, err error) Error {
	return Error{
		Code:    code,
		Message: GetUserFriendlyMessage(code),
		Err:     err,
	}
}

// GetUserFriendlyMessage converts error codes to user-friendly messages.
func GetUserFriendlyMessage(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeInvalidAmount:
		return "Amount must be greater than zero."
	case errors.ErrCodeInvalidDescription:
		return "Description is required and must be 1000 characters or fewer."
	case errors.ErrCodeMissingField:
		return "A required field is missing from the request."
	case errors.ErrCodeMissingFile:
		return "No file was provided."
	case errors.ErrCodeFileTooLarge:
		return "The uploaded file exceeds the size limit."
	case errors.ErrCodeTransactionNotFound:
		return "Transaction not found."
	case errors.ErrCodeFileNotFound:
		return "No file has been uploaded for this transaction."
	case errors.ErrCodeActorNotParty:
		return "You are not a party to this transaction."
	case errors.ErrCodeActorNotSeller:
		return "Only the seller may upload the deliverable."
	case errors.ErrCodeAdminRequired:
		return "This operation requires administrative privileges."
	case errors.ErrCodeActorUnverified:
		return "A verified actor identity is required."
	case errors.ErrCodeTransactionNotPending:
		return "The transaction is no longer pending."
	case errors.ErrCodeAlreadyCompleted:
		return "The transaction has already been completed."
	case errors.ErrCodePaymentNotConfirmed:
		return "The payment has not been confirmed yet."
	case errors.ErrCodePaymentAlreadyMade:
		return "Payment has already been received; only an administrator can cancel now."
	case errors.ErrCodeFileNotReady:
		return "The deliverable has not been uploaded yet."
	case errors.ErrCodeNotRefundable:
		return "Only completed transactions can be refunded."
	case errors.ErrCodeIntegrityFailure:
		return "The stored file failed its integrity check."
	case errors.ErrCodeStripeError:
		return "The payment provider is temporarily unavailable. Please try again."
	case errors.ErrCodeDatabaseError:
		return "Storage is temporarily unavailable. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
