package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/billvault/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func walletRequest(path string) *http.Request {
	r := httptest.NewRequest("GET", path, nil)
	return r.WithContext(context.WithValue(r.Context(), "userID", "42"))
}

func TestWalletService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(NewLedgerService(db), NewIdempotencyResolver(db))

	t.Run("returns both balances", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 150000, 2500, 5))

		w := httptest.NewRecorder()
		service.GetBalance(w, walletRequest("/wallet/balance"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp BalanceResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, int64(150000), resp.WalletBalance)
		assert.Equal(t, int64(2500), resp.CashbackBalance)
		assert.Equal(t, "1234567890", resp.AccountNumber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.GetBalance(w, httptest.NewRequest("GET", "/wallet/balance", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestWalletService_ListTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(NewLedgerService(db), NewIdempotencyResolver(db))

	t.Run("lists with default paging", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectQuery("FROM ledger_entries WHERE account_id = \\$1").
			WithArgs("account1", 20, 0).
			WillReturnRows(pendingEntryRow("entry1", "account1", models.DirectionDebit, models.CategoryAirtime, 50000, 0))

		w := httptest.NewRecorder()
		service.ListTransactions(w, walletRequest("/wallet/transactions"))

		assert.Equal(t, http.StatusOK, w.Code)
		var entries []models.LedgerEntry
		json.Unmarshal(w.Body.Bytes(), &entries)
		assert.Len(t, entries, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("filters by category and status", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectQuery("FROM ledger_entries WHERE account_id = \\$1 AND category = \\$2 AND status = \\$3").
			WithArgs("account1", models.CategoryFunding, models.StatusCompleted, 10, 0).
			WillReturnRows(sqlmock.NewRows(entryColumnNames))

		w := httptest.NewRecorder()
		service.ListTransactions(w, walletRequest("/wallet/transactions?category=funding&status=completed&limit=10"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a bogus status filter", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))

		w := httptest.NewRecorder()
		service.ListTransactions(w, walletRequest("/wallet/transactions?status=paid"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestWalletService_GetTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(NewLedgerService(db), NewIdempotencyResolver(db))

	request := func(reference string) *http.Request {
		r := walletRequest("/wallet/transactions/" + reference)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("reference", reference)
		return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}

	t.Run("resolves any known reference", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("FND-abc").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry1"))
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1").
			WithArgs("entry1").
			WillReturnRows(pendingEntryRow("entry1", "account1", models.DirectionCredit, models.CategoryFunding, 100000, 0))

		w := httptest.NewRecorder()
		service.GetTransaction(w, request("FND-abc"))

		assert.Equal(t, http.StatusOK, w.Code)
		var entry models.LedgerEntry
		json.Unmarshal(w.Body.Bytes(), &entry)
		assert.Equal(t, "entry1", entry.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hides another account's entry", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("FND-theirs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry2"))
		mock.ExpectQuery("FROM ledger_entries WHERE id = \\$1").
			WithArgs("entry2").
			WillReturnRows(pendingEntryRow("entry2", "account2", models.DirectionCredit, models.CategoryFunding, 100000, 0))

		w := httptest.NewRecorder()
		service.GetTransaction(w, request("FND-theirs"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reference", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1::integer").
			WithArgs("42").
			WillReturnRows(accountRow("account1", 0, 0, 1))
		mock.ExpectQuery("WHERE external_reference = \\$1 OR gateway_reference = \\$1 OR request_id = \\$1").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		service.GetTransaction(w, request("nope"))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
