package services

import "errors"

// Wallet engine error taxonomy. Validation failures are returned to the
// caller and never retried; transient external failures are surfaced by
// the gateway/aggregator packages and leave entries pending.
var (
	ErrInsufficientFunds    = errors.New("insufficient wallet balance")
	ErrInsufficientCashback = errors.New("insufficient cashback balance")
	ErrDuplicateReference   = errors.New("external reference already used")
	ErrInvalidSignature     = errors.New("webhook signature mismatch")
	ErrAmountMismatch       = errors.New("gateway amount does not match pending entry")
	ErrAggregatorDeclined   = errors.New("aggregator declined the purchase")
	ErrWrongPin             = errors.New("incorrect transaction pin")
	ErrPinLocked            = errors.New("transaction pin locked")
	ErrPinNotSet            = errors.New("transaction pin not set")
	ErrAccountNotFound      = errors.New("account not found")
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrEntryTerminal        = errors.New("ledger entry already settled")
)
