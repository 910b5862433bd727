package services

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/billvault/backend/internal/models"
)

// WalletService exposes the read-only wallet surface: balances and
// transaction history.
type WalletService struct {
	ledger   *LedgerService
	resolver *IdempotencyResolver
}

func NewWalletService(ledger *LedgerService, resolver *IdempotencyResolver) *WalletService {
	return &WalletService{ledger: ledger, resolver: resolver}
}

// BalanceResponse is the wallet balance payload
// @Description Wallet balance structure
type BalanceResponse struct {
	AccountNumber   string `json:"accountNumber"`
	WalletBalance   int64  `json:"walletBalance"`
	CashbackBalance int64  `json:"cashbackBalance"`
	KYCTier         string `json:"kycTier"`
	VirtualAccount  string `json:"virtualAccount,omitempty"`
}

// GetBalance handles GET /wallet/balance
// @Summary Get wallet balance
// @Description Returns the wallet and cashback balances as of the latest committed settle.
// @Tags wallet
// @Produce json
// @Success 200 {object} BalanceResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		log.Printf("[WALLET] Balance lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BalanceResponse{
		AccountNumber:   account.AccountNumber,
		WalletBalance:   account.WalletBalance,
		CashbackBalance: account.CashbackBalance,
		KYCTier:         account.KYCTier,
		VirtualAccount:  account.VirtualAccount,
	})
}

// ListTransactions handles GET /wallet/transactions
// @Summary List transactions
// @Description Returns the account's ledger entries, newest first. Filterable by category and status.
// @Tags wallet
// @Produce json
// @Param category query string false "Filter by category"
// @Param status query string false "Filter by status" Enums(pending, completed, failed)
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.LedgerEntry
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WalletService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	q := r.URL.Query()
	category := q.Get("category")
	status := q.Get("status")
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if status != "" && status != models.StatusPending && status != models.StatusCompleted && status != models.StatusFailed {
		SendErrorResponse(w, "Invalid status filter", http.StatusBadRequest, nil)
		return
	}

	entries, err := s.ledger.ListEntries(r.Context(), account.ID, category, status, limit, offset)
	if err != nil {
		log.Printf("[WALLET] Transaction listing failed for account %s: %v", account.ID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetTransaction handles GET /wallet/transactions/{reference}
// @Summary Get a transaction
// @Description Returns a single ledger entry looked up by any of its references.
// @Tags wallet
// @Produce json
// @Param reference path string true "External, gateway, or request reference"
// @Success 200 {object} models.LedgerEntry
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/transactions/{reference} [get]
func (s *WalletService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	reference := chi.URLParam(r, "reference")
	entryID, err := s.resolver.Resolve(r.Context(), reference)
	if err != nil {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	entry, err := s.ledger.GetEntry(r.Context(), entryID)
	if err != nil {
		log.Printf("[WALLET] Transaction lookup failed for %s: %v", reference, err)
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if entry.AccountID != account.ID {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
