package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/billvault/backend/internal/aggregator"
	"github.com/billvault/backend/internal/config"
	"github.com/billvault/backend/internal/gateway"
	"github.com/billvault/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func sweepFixture(t *testing.T, gatewayHandler, aggregatorHandler http.HandlerFunc) (*Sweeper, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	gwServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" {
			json.NewEncoder(w).Encode(map[string]any{
				"responseBody": map[string]any{"accessToken": "test-token", "expiresIn": 3600},
			})
			return
		}
		if gatewayHandler != nil {
			gatewayHandler(w, r)
		}
	}))
	aggServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if aggregatorHandler != nil {
			aggregatorHandler(w, r)
		}
	}))

	gw := gateway.NewClient(&config.GatewayConfig{BaseURL: gwServer.URL, WebhookSecret: "whsecret"}, 5*time.Second)
	agg := aggregator.NewClient(&config.AggregatorConfig{BaseURL: aggServer.URL}, 5*time.Second)

	cfg := &config.WalletConfig{
		AmountEpsilon:       100,
		SweepInterval:       time.Minute,
		PendingAgeThreshold: 10 * time.Minute,
	}

	ledger := NewLedgerService(db)
	resolver := NewIdempotencyResolver(db)
	cards := NewCardService(db)
	funding := NewFundingService(db, ledger, resolver, gw, cards, cfg)
	pin := NewPinService(db, nil, cfg)
	cashback := NewCashbackService(db)
	purchase := NewPurchaseService(ledger, pin, cashback, agg, cfg)
	sweeper := NewSweeper(ledger, funding, purchase, gw, cfg)

	cleanup := func() {
		db.Close()
		gwServer.Close()
		aggServer.Close()
	}
	return sweeper, mock, cleanup
}

func agedEntryRows(id, category, direction string, amount int64) *sqlmock.Rows {
	return sqlmock.NewRows(entryColumnNames).
		AddRow(id, "account1", direction, category, amount, 0, 0,
			0, 0, "REF-"+id, "", "req-"+id, "", models.StatusPending, []byte(`{}`),
			time.Now().Add(-time.Hour), nil)
}

func TestSweeper_SweepOnce(t *testing.T) {
	t.Run("settles an aged funding entry confirmed paid", func(t *testing.T) {
		sweeper, mock, cleanup := sweepFixture(t,
			func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"requestSuccessful": true,
					"responseBody": map[string]any{
						"paymentStatus":        "PAID",
						"amountPaid":           500.0,
						"paymentReference":     "REF-fund1",
						"transactionReference": "MNFY-9",
					},
				})
			}, nil)
		defer cleanup()

		mock.ExpectQuery("WHERE status = 'pending' AND created_at < \\$1").
			WillReturnRows(agedEntryRows("fund1", models.CategoryFunding, models.DirectionCredit, 50000))

		// applyGatewayReport reload + settle
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1").
			WithArgs("fund1").
			WillReturnRows(agedEntryRows("fund1", models.CategoryFunding, models.DirectionCredit, 50000))
		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WillReturnRows(agedEntryRows("fund1", models.CategoryFunding, models.DirectionCredit, 50000))
		mock.ExpectQuery("FROM accounts WHERE id = \\$1 FOR UPDATE").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectExec("SET wallet_balance = \\$1, cashback_balance = \\$2").
			WithArgs(int64(50000), int64(0), sqlmock.AnyArg(), "account1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("WHERE id = \\$9 AND status = 'pending'").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		sweeper.SweepOnce(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails an aged purchase the aggregator declined", func(t *testing.T) {
		sweeper, mock, cleanup := sweepFixture(t, nil,
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/requery", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]any{
					"code":                 "016",
					"response_description": "TRANSACTION FAILED",
				})
			})
		defer cleanup()

		mock.ExpectQuery("WHERE status = 'pending' AND created_at < \\$1").
			WillReturnRows(agedEntryRows("bill1", models.CategoryAirtime, models.DirectionDebit, 50000))

		mock.ExpectBegin()
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1 FOR UPDATE").
			WillReturnRows(agedEntryRows("bill1", models.CategoryAirtime, models.DirectionDebit, 50000))
		mock.ExpectQuery("FROM accounts WHERE id = \\$1 FOR UPDATE").
			WillReturnRows(accountRow("account1", 100000, 0, 1))
		mock.ExpectExec("SET wallet_balance = \\$1, cashback_balance = \\$2").
			WithArgs(int64(100000), int64(0), sqlmock.AnyArg(), "account1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("WHERE id = \\$9 AND status = 'pending'").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		sweeper.SweepOnce(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("still-processing purchase stays pending", func(t *testing.T) {
		sweeper, mock, cleanup := sweepFixture(t, nil,
			func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"code": "001"})
			})
		defer cleanup()

		mock.ExpectQuery("WHERE status = 'pending' AND created_at < \\$1").
			WillReturnRows(agedEntryRows("bill2", models.CategoryData, models.DirectionDebit, 50000))

		sweeper.SweepOnce(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch does nothing", func(t *testing.T) {
		sweeper, mock, cleanup := sweepFixture(t, nil, nil)
		defer cleanup()

		mock.ExpectQuery("WHERE status = 'pending' AND created_at < \\$1").
			WillReturnRows(sqlmock.NewRows(entryColumnNames))

		sweeper.SweepOnce(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
