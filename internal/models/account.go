package models

import "time"

// KYC tiers, as reported by the backoffice. Tier gates virtual-account
// auto-provisioning only.
const (
	KYCTierUnverified = "unverified"
	KYCTierOne        = "tier1"
	KYCTierTwo        = "tier2"
)

// Account is the custodial wallet record, one per user. Balances are in
// kobo. Balance columns are mutated only through LedgerService.Settle;
// version backs the optimistic lock on every balance write.
type Account struct {
	ID              string     `json:"id" db:"id"`
	UserID          int        `json:"user_id" db:"user_id"`
	AccountNumber   string     `json:"account_number" db:"account_number"`
	WalletBalance   int64      `json:"wallet_balance" db:"wallet_balance"`
	CashbackBalance int64      `json:"cashback_balance" db:"cashback_balance"`
	KYCTier         string     `json:"kyc_tier" db:"kyc_tier"`
	VirtualAccount  string     `json:"virtual_account,omitempty" db:"virtual_account"`
	Version         int        `json:"-" db:"version"`
	PinHash         string     `json:"-" db:"pin_hash"`
	PinAttempts     int        `json:"-" db:"pin_attempts"`
	PinLockedUntil  *time.Time `json:"-" db:"pin_locked_until"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// PinLocked reports whether the PIN guard currently refuses all attempts.
func (a *Account) PinLocked(now time.Time) bool {
	return a.PinLockedUntil != nil && a.PinLockedUntil.After(now)
}
