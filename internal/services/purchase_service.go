package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/billvault/backend/internal/aggregator"
	"github.com/billvault/backend/internal/audit"
	"github.com/billvault/backend/internal/config"
	"github.com/billvault/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PurchaseService orchestrates bill purchases: PIN check, balance
// prechecks, pending debit, aggregator dispatch, settle. The wallet is
// only debited after the aggregator confirms delivery; a decline
// settles failed with no balance change, and an ambiguous answer leaves
// the entry pending for the sweep to requery.
type PurchaseService struct {
	ledger     *LedgerService
	pin        *PinService
	cashback   *CashbackService
	aggregator *aggregator.Client
	cfg        *config.WalletConfig
	audit      *audit.Logger
	validator  *ValidationHelper

	// Serializes the precheck-to-settle window per account so two
	// in-flight purchases cannot both pass prechecks against the same
	// balance. The conditional settle update is the cross-process
	// backstop.
	locks sync.Map
}

func NewPurchaseService(ledger *LedgerService, pin *PinService, cashback *CashbackService, agg *aggregator.Client, cfg *config.WalletConfig) *PurchaseService {
	return &PurchaseService{
		ledger:     ledger,
		pin:        pin,
		cashback:   cashback,
		aggregator: agg,
		cfg:        cfg,
		audit:      audit.NewLogger(),
		validator:  NewValidationHelper(),
	}
}

func (s *PurchaseService) accountLock(accountID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PurchaseRequest is the bill purchase payload
// @Description Bill purchase request structure
type PurchaseRequest struct {
	ServiceID      string `json:"serviceId" validate:"required" example:"mtn-airtime"`    // Aggregator service identifier
	BillerCode     string `json:"billersCode" validate:"required" example:"08012345678"`  // Meter number, smartcard number or phone
	Variation      string `json:"variation,omitempty" example:"mtn-1gb"`                  // Plan or bouquet code, where the service has one
	Amount         int64  `json:"amount" validate:"required,gt=0" example:"50000"`        // Amount in kobo
	Phone          string `json:"phone" validate:"required,msisdn" example:"+2348012345678"` // Delivery phone number
	Pin            string `json:"pin" validate:"required,numeric,min=4,max=6" example:"1234"` // Transaction PIN
	CashbackAmount int64  `json:"cashbackAmount,omitempty" validate:"gte=0" example:"0"`  // Cashback kobo to apply
}

// PurchaseResponse reports the purchase outcome
// @Description Bill purchase response structure
type PurchaseResponse struct {
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	Description     string `json:"description,omitempty"`
	NewBalance      int64  `json:"newBalance"`
	CashbackBalance int64  `json:"cashbackBalance"`
	CashbackEarned  int64  `json:"cashbackEarned,omitempty"`
}

// Purchase handles POST /bills/purchase/{category}
// @Summary Purchase a bill service
// @Description Pay for airtime, data, electricity, TV, education, insurance or betting through the bills aggregator. Requires the transaction PIN.
// @Tags bills
// @Accept json
// @Produce json
// @Param category path string true "Purchase category" Enums(airtime, data, electricity, tv, education, insurance, betting)
// @Param request body PurchaseRequest true "Purchase request"
// @Success 200 {object} PurchaseResponse "Purchase delivered"
// @Success 202 {object} PurchaseResponse "Purchase pending confirmation"
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse "Insufficient funds or declined"
// @Failure 423 {object} ErrorResponse "PIN locked"
// @Router /bills/purchase/{category} [post]
func (s *PurchaseService) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	category := chi.URLParam(r, "category")
	if !models.PurchaseCategories[category] {
		SendErrorResponse(w, fmt.Sprintf("Unknown purchase category %q", category), http.StatusBadRequest, nil)
		return
	}

	var req PurchaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.pin.Verify(r.Context(), userID, req.Pin); err != nil {
		s.writePinError(w, err)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	mu := s.accountLock(account.ID)
	mu.Lock()
	defer mu.Unlock()

	// Balances may have moved while waiting on the lock.
	account, err = s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	cashbackToUse := req.CashbackAmount
	if cashbackToUse > req.Amount {
		cashbackToUse = req.Amount
	}

	// Cashback shortfall is reported before wallet shortfall.
	if cashbackToUse > account.CashbackBalance {
		SendErrorResponse(w, "Insufficient cashback balance", http.StatusPaymentRequired, nil)
		return
	}
	netDebit := req.Amount - cashbackToUse
	if netDebit > account.WalletBalance {
		SendErrorResponse(w, "Insufficient wallet balance", http.StatusPaymentRequired, nil)
		return
	}

	reference := fmt.Sprintf("BIL-%s", uuid.New().String())
	requestID := uuid.New().String()

	entry, err := s.ledger.OpenPendingEntry(r.Context(), OpenPendingInput{
		AccountID:         account.ID,
		Direction:         models.DirectionDebit,
		Category:          category,
		Amount:            req.Amount,
		CashbackUsed:      cashbackToUse,
		ExternalReference: reference,
		RequestID:         requestID,
		Recipient:         req.BillerCode,
		Metadata: models.Metadata{
			"service_id": req.ServiceID,
			"variation":  req.Variation,
			"phone":      req.Phone,
		},
	})
	if err != nil {
		log.Printf("[BILLS] Failed to open entry for account %s: %v", account.ID, err)
		SendErrorResponse(w, "Failed to start purchase", http.StatusInternalServerError, nil)
		return
	}

	earned, err := s.cashback.ComputeCashback(r.Context(), category, req.Amount)
	if err != nil {
		// Cashback accrual never blocks a purchase.
		log.Printf("[BILLS] Cashback lookup failed for %s: %v", category, err)
		earned = 0
	}

	// The aggregator call and everything after it must survive a client
	// disconnect; the money question is already open.
	ctx := context.WithoutCancel(r.Context())

	resp, err := s.aggregator.Pay(ctx, aggregator.PurchaseRequest{
		ServiceID:  req.ServiceID,
		BillerCode: req.BillerCode,
		Variation:  req.Variation,
		Amount:     req.Amount,
		Phone:      req.Phone,
		RequestID:  requestID,
	})
	if err != nil {
		// Unreachable or unreadable aggregator: the purchase may or may
		// not have gone through, so the entry stays pending and the
		// sweep requeries it.
		log.Printf("[BILLS] Aggregator unreachable for %s: %v", reference, err)
		s.writePending(w, entry, account)
		return
	}

	switch resp.Outcome() {
	case aggregator.OutcomeSuccess:
		result, err := s.ledger.Settle(ctx, SettleInput{
			EntryID:        entry.ID,
			Outcome:        models.StatusCompleted,
			WalletDelta:    -netDebit,
			CashbackDelta:  earned - cashbackToUse,
			CashbackEarned: earned,
			GrossAmount:    req.Amount,
			Annotations:    models.Metadata{"aggregator_code": resp.Code},
		})
		if err != nil {
			log.Printf("[BILLS] Settle failed for delivered purchase %s: %v", reference, err)
			s.audit.LogError(reference, account.ID, err)
			SendErrorResponse(w, "Purchase delivered but settlement failed, contact support", http.StatusInternalServerError, nil)
			return
		}

		log.Printf("[BILLS] Purchase %s delivered, debited %d, cashback earned %d", reference, netDebit, earned)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PurchaseResponse{
			Reference:       reference,
			Status:          result.Entry.Status,
			NewBalance:      result.Account.WalletBalance,
			CashbackBalance: result.Account.CashbackBalance,
			CashbackEarned:  result.Entry.CashbackEarned,
		})

	case aggregator.OutcomeDeclined:
		if _, err := s.ledger.Settle(ctx, SettleInput{
			EntryID:     entry.ID,
			Outcome:     models.StatusFailed,
			Annotations: models.Metadata{"aggregator_code": resp.Code, "aggregator_message": resp.Description},
		}); err != nil {
			log.Printf("[BILLS] Settle failed for declined purchase %s: %v", reference, err)
		}

		log.Printf("[BILLS] Purchase %s declined by aggregator: %s %s", reference, resp.Code, resp.Description)
		SendErrorResponse(w, fmt.Sprintf("Purchase declined: %s", resp.Description), http.StatusPaymentRequired, nil)

	case aggregator.OutcomeProcessing:
		log.Printf("[BILLS] Purchase %s still processing at aggregator (code %s)", reference, resp.Code)
		s.writePending(w, entry, account)
	}
}

// FinalizePending settles an aged pending purchase from a requery
// answer. Shared by the sweep and the manual requery endpoint.
func (s *PurchaseService) FinalizePending(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.Terminal() {
		return nil
	}

	resp, err := s.aggregator.Requery(ctx, entry.RequestID)
	if err != nil {
		return err
	}

	switch resp.Outcome() {
	case aggregator.OutcomeSuccess:
		earned, err := s.cashback.ComputeCashback(ctx, entry.Category, entry.Amount)
		if err != nil {
			earned = 0
		}
		_, err = s.ledger.Settle(ctx, SettleInput{
			EntryID:        entry.ID,
			Outcome:        models.StatusCompleted,
			WalletDelta:    -(entry.Amount - entry.CashbackUsed),
			CashbackDelta:  earned - entry.CashbackUsed,
			CashbackEarned: earned,
			GrossAmount:    entry.Amount,
			Annotations:    models.Metadata{"aggregator_code": resp.Code, "requeried": true},
		})
		return err

	case aggregator.OutcomeDeclined:
		_, err := s.ledger.Settle(ctx, SettleInput{
			EntryID:     entry.ID,
			Outcome:     models.StatusFailed,
			Annotations: models.Metadata{"aggregator_code": resp.Code, "aggregator_message": resp.Description, "requeried": true},
		})
		return err

	default:
		// Still processing; leave it for the next sweep pass.
		return nil
	}
}

type requeryRequest struct {
	Reference string `json:"reference" validate:"required"`
}

// Requery handles POST /bills/requery
// @Summary Requery a pending purchase
// @Description Ask the aggregator for the final status of a purchase that was left pending.
// @Tags bills
// @Accept json
// @Produce json
// @Param request body requeryRequest true "Reference"
// @Success 200 {object} PurchaseResponse
// @Failure 404 {object} ErrorResponse
// @Router /bills/requery [post]
func (s *PurchaseService) Requery(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req requeryRequest
	if !s.decode(w, r, &req) {
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	resolver := NewIdempotencyResolver(s.ledger.db)
	entryID, err := resolver.Resolve(r.Context(), req.Reference)
	if err != nil {
		SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
		return
	}

	entry, err := s.ledger.GetEntry(r.Context(), entryID)
	if err != nil || entry.AccountID != account.ID {
		SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if !entry.Terminal() {
		mu := s.accountLock(account.ID)
		mu.Lock()
		err = s.FinalizePending(ctx, entry)
		mu.Unlock()
		if err != nil {
			log.Printf("[BILLS] Requery failed for %s: %v", req.Reference, err)
			SendErrorResponse(w, "Aggregator unavailable, try again shortly", http.StatusServiceUnavailable, nil)
			return
		}
		entry, err = s.ledger.GetEntry(ctx, entry.ID)
		if err != nil {
			SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
			return
		}
	}

	account, err = s.ledger.GetAccountByUserID(ctx, userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if entry.Status == models.StatusPending {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(PurchaseResponse{
		Reference:       entry.ExternalReference,
		Status:          entry.Status,
		NewBalance:      account.WalletBalance,
		CashbackBalance: account.CashbackBalance,
		CashbackEarned:  entry.CashbackEarned,
	})
}

func (s *PurchaseService) writePending(w http.ResponseWriter, entry *models.LedgerEntry, account *models.Account) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(PurchaseResponse{
		Reference:       entry.ExternalReference,
		Status:          models.StatusPending,
		Description:     "Purchase awaiting aggregator confirmation",
		NewBalance:      account.WalletBalance,
		CashbackBalance: account.CashbackBalance,
	})
}

func (s *PurchaseService) writePinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPinLocked):
		SendErrorResponse(w, "PIN locked due to repeated failures, try again later", http.StatusLocked, nil)
	case errors.Is(err, ErrWrongPin):
		SendErrorResponse(w, "Incorrect PIN", http.StatusUnauthorized, nil)
	case errors.Is(err, ErrPinNotSet):
		SendErrorResponse(w, "Transaction PIN not set", http.StatusForbidden, nil)
	default:
		SendErrorResponse(w, "PIN verification failed", http.StatusInternalServerError, nil)
	}
}

func (s *PurchaseService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := s.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
