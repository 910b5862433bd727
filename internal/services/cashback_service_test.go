package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/billvault/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	rule := &models.CashbackRule{
		Category:    models.CategoryAirtime,
		Percentage:  2.0,
		MinAmount:   10000,
		MaxCashback: 5000,
		IsActive:    true,
	}

	t.Run("percentage of amount", func(t *testing.T) {
		assert.Equal(t, int64(1000), Compute(rule, 50000))
	})

	t.Run("floored to whole kobo", func(t *testing.T) {
		// 2% of 10050 = 201.0, 2% of 10049 would floor
		assert.Equal(t, int64(200), Compute(rule, 10025))
	})

	t.Run("capped at max cashback", func(t *testing.T) {
		assert.Equal(t, int64(5000), Compute(rule, 10000000))
	})

	t.Run("below minimum earns nothing", func(t *testing.T) {
		assert.Equal(t, int64(0), Compute(rule, 9999))
	})

	t.Run("nil rule earns nothing", func(t *testing.T) {
		assert.Equal(t, int64(0), Compute(nil, 50000))
	})

	t.Run("inactive rule earns nothing", func(t *testing.T) {
		inactive := *rule
		inactive.IsActive = false
		assert.Equal(t, int64(0), Compute(&inactive, 50000))
	})

	t.Run("zero cap means no cap", func(t *testing.T) {
		uncapped := *rule
		uncapped.MaxCashback = 0
		assert.Equal(t, int64(200000), Compute(&uncapped, 10000000))
	})
}

func TestCashbackService_ComputeCashback(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewCashbackService(db)

	ruleColumns := []string{"id", "category", "percentage", "min_amount", "max_cashback", "is_active", "updated_at"}

	t.Run("applies active rule", func(t *testing.T) {
		mock.ExpectQuery("FROM cashback_rules WHERE category = \\$1 AND is_active = true").
			WithArgs(models.CategoryData).
			WillReturnRows(sqlmock.NewRows(ruleColumns).
				AddRow(1, models.CategoryData, 1.5, 0, 0, true, time.Now()))

		earned, err := service.ComputeCashback(context.Background(), models.CategoryData, 100000)
		assert.NoError(t, err)
		assert.Equal(t, int64(1500), earned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rule earns nothing", func(t *testing.T) {
		mock.ExpectQuery("FROM cashback_rules WHERE category = \\$1 AND is_active = true").
			WithArgs(models.CategoryBetting).
			WillReturnRows(sqlmock.NewRows(ruleColumns))

		earned, err := service.ComputeCashback(context.Background(), models.CategoryBetting, 100000)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), earned)
	})

	t.Run("lookup failure earns nothing instead of blocking", func(t *testing.T) {
		mock.ExpectQuery("FROM cashback_rules WHERE category = \\$1 AND is_active = true").
			WithArgs(models.CategoryTV).
			WillReturnError(errors.New("connection reset"))

		earned, err := service.ComputeCashback(context.Background(), models.CategoryTV, 100000)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), earned)
	})
}
