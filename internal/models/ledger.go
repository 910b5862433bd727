package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Entry directions
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Entry categories
const (
	CategoryFunding     = "funding"
	CategoryAirtime     = "airtime"
	CategoryData        = "data"
	CategoryElectricity = "electricity"
	CategoryTV          = "tv"
	CategoryEducation   = "education"
	CategoryInsurance   = "insurance"
	CategoryBetting     = "betting"
	CategoryOther       = "other"
)

// Entry statuses. An entry is created pending and transitions exactly
// once to a terminal status.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PurchaseCategories are the categories accepted by POST /purchase/{category}.
var PurchaseCategories = map[string]bool{
	CategoryAirtime:     true,
	CategoryData:        true,
	CategoryElectricity: true,
	CategoryTV:          true,
	CategoryEducation:   true,
	CategoryInsurance:   true,
	CategoryBetting:     true,
}

// LedgerEntry is the append-only record of a single balance-affecting
// event. Immutable once status is terminal: balance_before/balance_after
// are fixed at the terminal transition and never recomputed. Amounts in
// kobo.
type LedgerEntry struct {
	ID                string     `json:"id" db:"id"`
	AccountID         string     `json:"account_id" db:"account_id"`
	Direction         string     `json:"direction" db:"direction"`
	Category          string     `json:"category" db:"category"`
	Amount            int64      `json:"amount" db:"amount"`
	CashbackUsed      int64      `json:"cashback_used" db:"cashback_used"`
	CashbackEarned    int64      `json:"cashback_earned" db:"cashback_earned"`
	BalanceBefore     int64      `json:"balance_before" db:"balance_before"`
	BalanceAfter      int64      `json:"balance_after" db:"balance_after"`
	ExternalReference string     `json:"external_reference" db:"external_reference"`
	GatewayReference  string     `json:"gateway_reference,omitempty" db:"gateway_reference"`
	RequestID         string     `json:"request_id,omitempty" db:"request_id"`
	Recipient         string     `json:"recipient,omitempty" db:"recipient"`
	Status            string     `json:"status" db:"status"`
	Metadata          Metadata   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the entry has settled.
func (e *LedgerEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
