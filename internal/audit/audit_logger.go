package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// Logger emits structured JSON audit events for money movement so
// support can reconstruct what happened to any reference.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogSettlement(reference, accountID string, amount int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "SETTLEMENT",
		Reference: reference,
		AccountID: accountID,
		Amount:    amount,
		Status:    status,
	})
}

// LogMismatch records a gateway amount that disagreed with the pending
// entry. These are never auto-resolved.
func (a *Logger) LogMismatch(reference, accountID string, expected, reported int64) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "AMOUNT_MISMATCH",
		Reference: reference,
		AccountID: accountID,
		Amount:    reported,
		Status:    "FLAGGED",
		Details: map[string]int64{
			"expected_amount": expected,
			"reported_amount": reported,
		},
	})
}

// LogOrphanWebhook records a webhook that matched no ledger entry. The
// webhook is acknowledged regardless; this event is the trail for
// manual reconciliation.
func (a *Logger) LogOrphanWebhook(paymentReference, transactionReference string, amount int64) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ORPHAN_WEBHOOK",
		Reference: paymentReference,
		Amount:    amount,
		Status:    "UNMATCHED",
		Details:   map[string]string{"transaction_reference": transactionReference},
	})
}

func (a *Logger) LogError(reference, accountID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
