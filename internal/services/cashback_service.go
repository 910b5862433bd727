package services

import (
	"context"
	"database/sql"
	"log"

	"github.com/billvault/backend/internal/models"
)

// CashbackService computes the reward earned on a qualifying purchase.
// Rules are owned by the admin backoffice; this service only reads
// them. Crediting the earned amount is the orchestrator's job, inside
// the same settle as the purchase debit.
type CashbackService struct {
	db *sql.DB
}

func NewCashbackService(db *sql.DB) *CashbackService {
	return &CashbackService{db: db}
}

// RuleForCategory returns the active rule for a category, or nil when
// there is none.
func (s *CashbackService) RuleForCategory(ctx context.Context, category string) (*models.CashbackRule, error) {
	var rule models.CashbackRule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, category, percentage, min_amount, max_cashback, is_active, updated_at
		FROM cashback_rules WHERE category = $1 AND is_active = true`, category).
		Scan(&rule.ID, &rule.Category, &rule.Percentage, &rule.MinAmount,
			&rule.MaxCashback, &rule.IsActive, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ComputeCashback returns the kobo reward for a purchase amount under
// the active rule for the category. No rule, an inactive rule, or an
// amount under the rule minimum earns nothing.
func (s *CashbackService) ComputeCashback(ctx context.Context, category string, amount int64) (int64, error) {
	rule, err := s.RuleForCategory(ctx, category)
	if err != nil {
		// Cashback must never block a purchase; log and earn nothing.
		log.Printf("[CASHBACK] rule lookup failed for %s: %v", category, err)
		return 0, nil
	}
	return Compute(rule, amount), nil
}

// Compute is the pure rule application: amount * percentage / 100,
// floored to whole kobo, capped at MaxCashback when the cap is set.
func Compute(rule *models.CashbackRule, amount int64) int64 {
	if rule == nil || !rule.IsActive || amount < rule.MinAmount {
		return 0
	}

	earned := int64(float64(amount) * rule.Percentage / 100)
	if rule.MaxCashback > 0 && earned > rule.MaxCashback {
		earned = rule.MaxCashback
	}
	if earned < 0 {
		return 0
	}
	return earned
}
