package models

import "time"

// CashbackRule is the per-category reward configuration. Read-only to
// the wallet engine; the admin backoffice owns writes. Percentage is in
// whole percent, MinAmount and MaxCashback in kobo. MaxCashback of zero
// means no cap.
type CashbackRule struct {
	ID          int       `json:"id" db:"id"`
	Category    string    `json:"category" db:"category"`
	Percentage  float64   `json:"percentage" db:"percentage"`
	MinAmount   int64     `json:"min_amount" db:"min_amount"`
	MaxCashback int64     `json:"max_cashback" db:"max_cashback"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
