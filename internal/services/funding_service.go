package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/billvault/backend/internal/audit"
	"github.com/billvault/backend/internal/config"
	"github.com/billvault/backend/internal/gateway"
	"github.com/billvault/backend/internal/models"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// SignatureHeader carries the gateway's HMAC-SHA512 digest of the raw
// webhook body.
const SignatureHeader = "x-gateway-signature"

// FundingService reconciles wallet funding against the payment gateway.
// Two independent paths can resolve a payment: the gateway webhook and
// the client verify poll. Both funnel through the same settle-once
// logic, so whichever arrives second is a no-op.
type FundingService struct {
	db        *sql.DB
	ledger    *LedgerService
	resolver  *IdempotencyResolver
	gateway   *gateway.Client
	cards     *CardService
	cfg       *config.WalletConfig
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewFundingService(db *sql.DB, ledger *LedgerService, resolver *IdempotencyResolver, gw *gateway.Client, cards *CardService, cfg *config.WalletConfig) *FundingService {
	return &FundingService{
		db:        db,
		ledger:    ledger,
		resolver:  resolver,
		gateway:   gw,
		cards:     cards,
		cfg:       cfg,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

type initializeFundingRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
	CardID int   `json:"cardId,omitempty" validate:"omitempty,gt=0"`
}

type initializeFundingResponse struct {
	Reference   string `json:"reference"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	CheckoutQR  string `json:"checkoutQr,omitempty"`
	Status      string `json:"status"`
	NewBalance  int64  `json:"newBalance,omitempty"`
}

// InitializeFunding opens a funding checkout session
// @Summary Initialize wallet funding
// @Description Open a pending funding entry and a gateway checkout session. With cardId, charges the saved card token directly.
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body initializeFundingRequest true "Funding request"
// @Success 200 {object} initializeFundingResponse
// @Failure 400 {object} ErrorResponse
// @Router /wallet/fund/initialize [post]
func (s *FundingService) InitializeFunding(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req initializeFundingRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Amount < s.cfg.MinFundingAmount {
		SendErrorResponse(w, fmt.Sprintf("Minimum funding amount is %d kobo", s.cfg.MinFundingAmount), http.StatusBadRequest, nil)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	reference := fmt.Sprintf("FND-%s", uuid.New().String())
	entry, err := s.ledger.OpenPendingEntry(r.Context(), OpenPendingInput{
		AccountID:         account.ID,
		Direction:         models.DirectionCredit,
		Category:          models.CategoryFunding,
		Amount:            req.Amount,
		ExternalReference: reference,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			SendErrorResponse(w, "Duplicate funding reference", http.StatusConflict, nil)
			return
		}
		log.Printf("[FUNDING] Failed to open entry for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to initialize funding", http.StatusInternalServerError, nil)
		return
	}

	var name, email string
	if err := s.db.QueryRowContext(r.Context(), `
		SELECT first_name || ' ' || last_name, email FROM users WHERE id = $1::integer`,
		userID).Scan(&name, &email); err != nil {
		log.Printf("[FUNDING] Failed to load customer for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to initialize funding", http.StatusInternalServerError, nil)
		return
	}

	// Once the external call is dispatched the outcome must be
	// reconciled even if this client goes away.
	ctx := context.WithoutCancel(r.Context())

	if req.CardID > 0 {
		s.chargeSavedCard(ctx, w, account, entry, req.CardID)
		return
	}

	init, err := s.gateway.InitializeTransaction(ctx, reference, name, email, req.Amount)
	if err != nil {
		log.Printf("[FUNDING] Gateway init failed for %s: %v", reference, err)
		if errors.Is(err, gateway.ErrUnavailable) {
			SendErrorResponse(w, "Payment gateway unavailable, try again shortly", http.StatusServiceUnavailable, nil)
			return
		}
		SendErrorResponse(w, "Failed to initialize funding", http.StatusBadGateway, nil)
		return
	}

	if err := s.attachGatewayReference(ctx, entry.ID, init.TransactionReference); err != nil {
		log.Printf("[FUNDING] Failed to attach gateway reference %s to %s: %v", init.TransactionReference, reference, err)
	}

	resp := initializeFundingResponse{
		Reference:   reference,
		CheckoutURL: init.CheckoutURL,
		Status:      models.StatusPending,
	}
	if png, err := qrcode.Encode(init.CheckoutURL, qrcode.Medium, 256); err == nil {
		resp.CheckoutQR = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}

	log.Printf("[FUNDING] Initialized %s for user %s, amount %d", reference, userID, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// chargeSavedCard runs the no-redirect funding path against a stored
// card token and settles from the synchronous gateway verdict.
func (s *FundingService) chargeSavedCard(ctx context.Context, w http.ResponseWriter, account *models.Account, entry *models.LedgerEntry, cardID int) {
	card, err := s.cards.GetCard(ctx, account.ID, cardID)
	if err != nil {
		SendErrorResponse(w, "Saved card not found", http.StatusNotFound, nil)
		return
	}

	report, err := s.gateway.ChargeCardToken(ctx, entry.ExternalReference, card.CardToken, entry.Amount)
	if err != nil {
		log.Printf("[FUNDING] Card charge failed for %s: %v", entry.ExternalReference, err)
		if errors.Is(err, gateway.ErrUnavailable) {
			// Entry stays pending; the sweep or a verify poll resolves it.
			SendErrorResponse(w, "Payment gateway unavailable, try again shortly", http.StatusServiceUnavailable, nil)
			return
		}
		SendErrorResponse(w, "Card charge failed", http.StatusBadGateway, nil)
		return
	}

	result, err := s.applyGatewayReport(ctx, entry.ID, report)
	if err != nil {
		s.writeReconcileError(w, entry.ExternalReference, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(initializeFundingResponse{
		Reference:  entry.ExternalReference,
		Status:     result.Entry.Status,
		NewBalance: result.Account.WalletBalance,
	})
}

type verifyFundingRequest struct {
	Reference string `json:"reference" validate:"required"`
}

type verifyFundingResponse struct {
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	NewBalance int64  `json:"newBalance"`
}

// VerifyFunding is the client-triggered poll path
// @Summary Verify a funding payment
// @Description Confirm a funding payment against the gateway's verify-by-reference endpoint.
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body verifyFundingRequest true "Reference"
// @Success 200 {object} verifyFundingResponse
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/fund/verify [post]
func (s *FundingService) VerifyFunding(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req verifyFundingRequest
	if !s.decode(w, r, &req) {
		return
	}

	entryID, err := s.resolver.Resolve(r.Context(), req.Reference)
	if err != nil {
		SendErrorResponse(w, "Funding reference not found", http.StatusNotFound, nil)
		return
	}

	entry, err := s.ledger.GetEntry(r.Context(), entryID)
	if err != nil {
		SendErrorResponse(w, "Funding reference not found", http.StatusNotFound, nil)
		return
	}

	account, err := s.ledger.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if entry.AccountID != account.ID {
		// Another account's reference reads as not-found.
		SendErrorResponse(w, "Funding reference not found", http.StatusNotFound, nil)
		return
	}

	if entry.Terminal() {
		s.writeVerifyResult(w, entry, account.WalletBalance)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	report, err := s.gateway.VerifyTransaction(ctx, req.Reference)
	if err != nil {
		log.Printf("[FUNDING] Gateway verify failed for %s: %v", req.Reference, err)
		if errors.Is(err, gateway.ErrUnavailable) {
			SendErrorResponse(w, "Payment gateway unavailable, try again shortly", http.StatusServiceUnavailable, nil)
			return
		}
		SendErrorResponse(w, "Payment not found at gateway", http.StatusNotFound, nil)
		return
	}

	result, err := s.applyGatewayReport(ctx, entry.ID, report)
	if err != nil {
		s.writeReconcileError(w, entry.ExternalReference, err)
		return
	}

	s.writeVerifyResult(w, result.Entry, result.Account.WalletBalance)
}

// HandleWebhook is the gateway-only callback path
// @Summary Payment gateway webhook
// @Description Signature-verified gateway callback. Always acknowledged once the signature checks out, even when no matching entry exists.
// @Tags wallet
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /wallet/fund/webhook [post]
func (s *FundingService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" || !s.gateway.VerifySignature(rawBody, signature) {
		log.Printf("[FUNDING] Webhook signature rejected from %s", r.RemoteAddr)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var event gateway.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	// Non-success events carry nothing to settle; acknowledge so the
	// gateway stops retrying.
	if event.EventType != gateway.EventTypeSuccessful {
		log.Printf("[FUNDING] Ignoring webhook event type %s", event.EventType)
		s.ack(w)
		return
	}

	data := event.EventData
	ctx := context.WithoutCancel(r.Context())

	entryID, err := s.resolver.Resolve(ctx, data.PaymentReference, data.TransactionReference)
	if err != nil {
		// The gateway will not retry a 2xx-acknowledged webhook, so an
		// unmatched event is acknowledged and left to manual
		// reconciliation via the audit trail.
		s.audit.LogOrphanWebhook(data.PaymentReference, data.TransactionReference, data.AmountKobo())
		s.ack(w)
		return
	}

	report := &gateway.VerifyResult{
		Status:               gateway.StatusPaid,
		AmountPaid:           data.AmountKobo(),
		PaymentReference:     data.PaymentReference,
		TransactionReference: data.TransactionReference,
		PaidOn:               data.PaidOn,
		Card:                 data.Card,
	}

	if _, err := s.applyGatewayReport(ctx, entryID, report); err != nil {
		// Mismatches are flagged, not settled, and the webhook is still
		// acknowledged to avoid retry storms. Real failures are logged;
		// the sweep will retry the settle.
		if !errors.Is(err, ErrAmountMismatch) {
			log.Printf("[FUNDING] Webhook settle failed for %s: %v", data.PaymentReference, err)
			s.audit.LogError(data.PaymentReference, "", err)
		}
	}

	s.ack(w)
}

// applyGatewayReport is the single reconciliation point both webhook
// and poll run through. Duplicate reports are absorbed by Settle's
// already-terminal no-op.
func (s *FundingService) applyGatewayReport(ctx context.Context, entryID string, report *gateway.VerifyResult) (*SettleResult, error) {
	entry, err := s.ledger.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	switch report.Status {
	case gateway.StatusPaid:
		diff := report.AmountPaid - entry.Amount
		if diff < 0 {
			diff = -diff
		}
		if !entry.Terminal() && diff > s.cfg.AmountEpsilon {
			s.audit.LogMismatch(entry.ExternalReference, entry.AccountID, entry.Amount, report.AmountPaid)
			if err := s.ledger.FlagForReview(ctx, entry.ID, models.Metadata{
				"expected_amount": entry.Amount,
				"reported_amount": report.AmountPaid,
				"gateway_ref":     report.TransactionReference,
			}); err != nil && !errors.Is(err, ErrEntryTerminal) {
				return nil, err
			}
			return nil, ErrAmountMismatch
		}

		// Credit the gateway-reported amount, not the requested one.
		result, err := s.ledger.Settle(ctx, SettleInput{
			EntryID:          entry.ID,
			Outcome:          models.StatusCompleted,
			WalletDelta:      report.AmountPaid,
			GrossAmount:      report.AmountPaid,
			GatewayReference: report.TransactionReference,
			Annotations:      models.Metadata{"paid_on": report.PaidOn},
		})
		if err != nil {
			return nil, err
		}

		if report.Card != nil && report.Card.Token != "" && !result.AlreadySettled {
			if err := s.cards.SaveFromGateway(ctx, entry.AccountID, report.Card); err != nil {
				log.Printf("[FUNDING] Failed to save card token for %s: %v", entry.ExternalReference, err)
			}
		}
		return result, nil

	case gateway.StatusFailed:
		return s.ledger.Settle(ctx, SettleInput{
			EntryID:          entry.ID,
			Outcome:          models.StatusFailed,
			GatewayReference: report.TransactionReference,
		})

	default:
		// Still pending at the gateway; nothing to settle yet.
		account, err := s.ledger.accountSnapshot(ctx, entry.AccountID)
		if err != nil {
			return nil, err
		}
		return &SettleResult{Entry: entry, Account: account}, nil
	}
}

func (s *FundingService) attachGatewayReference(ctx context.Context, entryID, gatewayRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries SET gateway_reference = $1 WHERE id = $2 AND status = 'pending'`,
		gatewayRef, entryID)
	return err
}

func (s *FundingService) writeVerifyResult(w http.ResponseWriter, entry *models.LedgerEntry, balance int64) {
	if entry.Status == models.StatusPending {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(verifyFundingResponse{
			Reference:  entry.ExternalReference,
			Status:     models.StatusPending,
			NewBalance: balance,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(verifyFundingResponse{
		Reference:  entry.ExternalReference,
		Status:     entry.Status,
		NewBalance: balance,
	})
}

func (s *FundingService) writeReconcileError(w http.ResponseWriter, reference string, err error) {
	switch {
	case errors.Is(err, ErrAmountMismatch):
		// The gateway was acknowledged; the client is told the payment
		// did not clear.
		SendErrorResponse(w, "Payment flagged for review due to amount mismatch", http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrEntryNotFound):
		SendErrorResponse(w, "Funding reference not found", http.StatusNotFound, nil)
	default:
		log.Printf("[FUNDING] Reconciliation failed for %s: %v", reference, err)
		SendErrorResponse(w, "Failed to verify funding", http.StatusInternalServerError, nil)
	}
}

func (s *FundingService) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "acknowledged"})
}

func (s *FundingService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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
