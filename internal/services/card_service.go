package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/billvault/backend/internal/gateway"
	"github.com/billvault/backend/internal/models"
	"github.com/go-chi/chi/v5"
)

var ErrCardNotFound = errors.New("saved card not found")

// CardService manages tokenized cards captured from successful gateway
// charges.
type CardService struct {
	db *sql.DB
}

func NewCardService(db *sql.DB) *CardService {
	return &CardService{db: db}
}

// SaveFromGateway upserts the card token reported alongside a
// successful payment. The first card an account saves becomes its
// default.
func (s *CardService) SaveFromGateway(ctx context.Context, accountID string, card *gateway.CardDetails) error {
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saved_cards WHERE account_id = $1`, accountID).Scan(&existing)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_cards (account_id, card_token, last4, brand, expiry_month, expiry_year, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id, card_token) DO UPDATE SET expiry_month = $5, expiry_year = $6`,
		accountID, card.Token, card.Last4, card.Brand, card.ExpiryMonth, card.ExpiryYear, existing == 0)
	return err
}

// GetCard fetches one of the account's saved cards, token included.
func (s *CardService) GetCard(ctx context.Context, accountID string, cardID int) (*models.SavedCard, error) {
	var card models.SavedCard
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, card_token, last4, brand, expiry_month, expiry_year, is_default, created_at
		FROM saved_cards WHERE id = $1 AND account_id = $2`,
		cardID, accountID).Scan(
		&card.ID, &card.AccountID, &card.CardToken, &card.Last4, &card.Brand,
		&card.ExpiryMonth, &card.ExpiryYear, &card.IsDefault, &card.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// ListCards handles GET /wallet/cards
// @Summary List saved cards
// @Description Returns the account's tokenized cards. Tokens are never included in the response.
// @Tags cards
// @Produce json
// @Success 200 {array} models.SavedCard
// @Failure 401 {object} ErrorResponse
// @Router /wallet/cards [get]
func (s *CardService) ListCards(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountFor(w, r)
	if !ok {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, account_id, last4, brand, expiry_month, expiry_year, is_default, created_at
		FROM saved_cards WHERE account_id = $1 ORDER BY is_default DESC, created_at DESC`, accountID)
	if err != nil {
		log.Printf("[CARDS] Failed to list cards for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch cards", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	cards := []models.SavedCard{}
	for rows.Next() {
		var card models.SavedCard
		if err := rows.Scan(&card.ID, &card.AccountID, &card.Last4, &card.Brand,
			&card.ExpiryMonth, &card.ExpiryYear, &card.IsDefault, &card.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch cards", http.StatusInternalServerError, nil)
			return
		}
		cards = append(cards, card)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cards)
}

// SetDefaultCard handles PUT /wallet/cards/{cardId}/default
// @Summary Set default card
// @Tags cards
// @Produce json
// @Param cardId path int true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /wallet/cards/{cardId}/default [put]
func (s *CardService) SetDefaultCard(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountFor(w, r)
	if !ok {
		return
	}
	cardID, err := strconv.Atoi(chi.URLParam(r, "cardId"))
	if err != nil {
		SendErrorResponse(w, "Invalid card id", http.StatusBadRequest, nil)
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(r.Context(),
		`UPDATE saved_cards SET is_default = TRUE WHERE id = $1 AND account_id = $2`, cardID, accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		return
	}
	if _, err := tx.ExecContext(r.Context(),
		`UPDATE saved_cards SET is_default = FALSE WHERE account_id = $1 AND id <> $2`, accountID, cardID); err != nil {
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Default card updated"})
}

// DeleteCard handles DELETE /wallet/cards/{cardId}
// @Summary Delete saved card
// @Tags cards
// @Produce json
// @Param cardId path int true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /wallet/cards/{cardId} [delete]
func (s *CardService) DeleteCard(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountFor(w, r)
	if !ok {
		return
	}
	cardID, err := strconv.Atoi(chi.URLParam(r, "cardId"))
	if err != nil {
		SendErrorResponse(w, "Invalid card id", http.StatusBadRequest, nil)
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`DELETE FROM saved_cards WHERE id = $1 AND account_id = $2`, cardID, accountID)
	if err != nil {
		log.Printf("[CARDS] Failed to delete card %d: %v", cardID, err)
		SendErrorResponse(w, "Failed to delete card", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Card deleted"})
}

func (s *CardService) accountFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	var accountID string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id FROM accounts WHERE user_id = $1::integer`, userID).Scan(&accountID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return "", false
	}
	return accountID, true
}
