package ledger

import "errors"

var (
	// ErrInvalidAmount indicates a non-positive amount or negative fee
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidWallet indicates an empty wallet id
	ErrInvalidWallet = errors.New("invalid wallet id")

	// ErrInsufficientBalance indicates the source wallet cannot cover the operation
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTxNotFound indicates the referenced transaction does not exist
	ErrTxNotFound = errors.New("transaction not found")

	// ErrEntryNotFound indicates the referenced entry does not exist
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNotRefundable indicates the referenced transaction carries no
	// refundable credit
	ErrNotRefundable = errors.New("transaction is not refundable")

	// ErrRefundExceedsOriginal indicates cumulative refunds would exceed
	// the original credit
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")

	// ErrHoldNotActive indicates the referenced hold is missing, captured,
	// or voided
	ErrHoldNotActive = errors.New("hold is not active")

	// ErrCaptureExceedsHold indicates a capture amount above the held amount
	ErrCaptureExceedsHold = errors.New("capture exceeds hold amount")

	// ErrUnbalanced indicates a transaction whose signed entry amounts do
	// not sum to zero; committed state never contains one
	ErrUnbalanced = errors.New("unbalanced transaction")

	// ErrChainBroken indicates a checksum mismatch in the entry chain
	ErrChainBroken = errors.New("entry chain integrity violation")

	// ErrClosed indicates the engine has been closed
	ErrClosed = errors.New("ledger engine is closed")
)
