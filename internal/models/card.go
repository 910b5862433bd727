package models

import "time"

// SavedCard is a tokenized card reference captured from a successful
// gateway charge. Raw PANs are never stored; the token alone is enough
// to re-charge through the gateway. At most one card per account is the
// default.
type SavedCard struct {
	ID          int       `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	CardToken   string    `json:"-" db:"card_token"`
	Last4       string    `json:"last4" db:"last4"`
	Brand       string    `json:"brand" db:"brand"`
	ExpiryMonth string    `json:"expiry_month" db:"expiry_month"`
	ExpiryYear  string    `json:"expiry_year" db:"expiry_year"`
	IsDefault   bool      `json:"is_default" db:"is_default"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
