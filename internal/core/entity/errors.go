package entity

import "errors"

// Sentinel errors returned by the registries. Callers surface them as
// stable error kinds through the orchestrator result types.
var (
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrWalletInactive   = errors.New("wallet is not active")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentInactive    = errors.New("agent is not active")
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrInvalidAmount    = errors.New("amount must be positive")

	ErrPerTxLimitExceeded = errors.New("amount exceeds per-transaction limit")
	ErrTotalLimitExceeded = errors.New("amount exceeds lifetime spending limit")

	ErrCardNotActive     = errors.New("card is not active")
	ErrCardCancelled     = errors.New("card is cancelled")
	ErrCardExpired       = errors.New("card is expired")
	ErrCardLimitExceeded = errors.New("amount exceeds card limit")
)
