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
	"time"

	cryptorand "crypto/rand"

	"github.com/billvault/backend/internal/config"
	"github.com/go-redis/redis/v8"
)

// PinService is the transaction PIN guard. Purchases must pass Verify
// before they may debit. Lockout state lives on the account row; the
// forgot-PIN one-time code and reset token live in Redis, each
// single-use with its own TTL.
type PinService struct {
	db        *sql.DB
	redis     *redis.Client
	cfg       *config.WalletConfig
	validator *ValidationHelper
}

func NewPinService(db *sql.DB, redisClient *redis.Client, cfg *config.WalletConfig) *PinService {
	return &PinService{
		db:        db,
		redis:     redisClient,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// Verify checks the PIN for the given user. While locked, every call
// fails with ErrPinLocked regardless of the PIN and the counter does
// not move. A correct PIN resets the counter and clears the lock.
func (s *PinService) Verify(ctx context.Context, userID, pin string) error {
	var hash string
	var attempts int
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(pin_hash, ''), pin_attempts, pin_locked_until
		FROM accounts WHERE user_id = $1::integer`, userID).
		Scan(&hash, &attempts, &lockedUntil)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if hash == "" {
		return ErrPinNotSet
	}

	now := time.Now()
	if lockedUntil.Valid && lockedUntil.Time.After(now) {
		return ErrPinLocked
	}
	if lockedUntil.Valid {
		// Lockout expired; start from a clean counter.
		attempts = 0
		if _, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET pin_attempts = 0, pin_locked_until = NULL WHERE user_id = $1::integer`,
			userID); err != nil {
			return err
		}
	}

	if verifyPassword(pin, hash) {
		if attempts > 0 {
			_, err = s.db.ExecContext(ctx, `
				UPDATE accounts SET pin_attempts = 0, pin_locked_until = NULL WHERE user_id = $1::integer`,
				userID)
		}
		return err
	}

	// Wrong PIN. The counter is bumped in the database, not from the
	// value read above, so racing attempts never lose an increment.
	var newAttempts int
	err = s.db.QueryRowContext(ctx, `
		UPDATE accounts SET pin_attempts = pin_attempts + 1
		WHERE user_id = $1::integer
		RETURNING pin_attempts`, userID).Scan(&newAttempts)
	if err != nil {
		return err
	}

	if newAttempts >= s.cfg.PinMaxAttempts {
		lockUntil := now.Add(s.cfg.PinLockoutDuration)
		if _, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET pin_locked_until = $1 WHERE user_id = $2::integer`,
			lockUntil, userID); err != nil {
			return err
		}
		log.Printf("[PIN] Account locked for user %s until %s", userID, lockUntil.Format(time.RFC3339))
		return ErrPinLocked
	}
	return ErrWrongPin
}

// Set writes a new PIN hash and clears lockout state.
func (s *PinService) Set(ctx context.Context, userID, pin string) error {
	hash, err := hashPassword(pin)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET pin_hash = $1, pin_attempts = 0, pin_locked_until = NULL WHERE user_id = $2::integer`,
		hash, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

type pinRequest struct {
	Pin string `json:"pin" validate:"required,numeric,min=4,max=6"`
}

// VerifyPin handles the standalone verification endpoint
// @Summary Verify transaction PIN
// @Tags pin
// @Accept json
// @Produce json
// @Param request body pinRequest true "PIN"
// @Success 200 {object} map[string]bool
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /pin/verify [post]
func (s *PinService) VerifyPin(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req pinRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.Verify(r.Context(), userID, req.Pin); err != nil {
		s.writePinError(w, userID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"valid": true})
}

// SetupPin sets the PIN for an account that has none
// @Summary Set up transaction PIN
// @Tags pin
// @Accept json
// @Produce json
// @Param request body pinRequest true "PIN"
// @Success 200 {object} map[string]string
// @Failure 409 {object} ErrorResponse
// @Router /pin/setup [post]
func (s *PinService) SetupPin(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req pinRequest
	if !s.decode(w, r, &req) {
		return
	}

	var existing string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT COALESCE(pin_hash, '') FROM accounts WHERE user_id = $1::integer`, userID).Scan(&existing)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}
	if existing != "" {
		SendErrorResponse(w, "PIN already set, use change instead", http.StatusConflict, nil)
		return
	}

	if err := s.Set(r.Context(), userID, req.Pin); err != nil {
		log.Printf("[PIN] Setup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PIN] PIN set for user %s", userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "PIN set successfully"})
}

type changePinRequest struct {
	CurrentPin string `json:"currentPin" validate:"required,numeric,min=4,max=6"`
	NewPin     string `json:"newPin" validate:"required,numeric,min=4,max=6"`
}

// ChangePin rotates the PIN after verifying the current one
// @Summary Change transaction PIN
// @Tags pin
// @Accept json
// @Produce json
// @Param request body changePinRequest true "Current and new PIN"
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /pin/change [post]
func (s *PinService) ChangePin(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req changePinRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.Verify(r.Context(), userID, req.CurrentPin); err != nil {
		s.writePinError(w, userID, err)
		return
	}

	if err := s.Set(r.Context(), userID, req.NewPin); err != nil {
		log.Printf("[PIN] Change failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to change PIN", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PIN] PIN changed for user %s", userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "PIN changed successfully"})
}

// ForgotPinInitiate emails a one-time code to the account holder
// @Summary Start PIN reset
// @Tags pin
// @Produce json
// @Success 200 {object} map[string]string
// @Router /pin/forgot/initiate [post]
func (s *PinService) ForgotPinInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if s.redis == nil {
		SendErrorResponse(w, "PIN reset unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	var email string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT email FROM users WHERE id = $1::integer`, userID).Scan(&email)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	otp := generateOTP()
	key := fmt.Sprintf("pin_otp:%s", userID)
	if err := s.redis.Set(r.Context(), key, otp, s.cfg.PinOTPTTL).Err(); err != nil {
		log.Printf("[PIN] Failed to store reset OTP for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to start PIN reset", http.StatusInternalServerError, nil)
		return
	}

	// Delivery is the notification collaborator's job.
	log.Printf("[PIN] Reset OTP generated for user %s (email: %s)", userID, email)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Reset code sent"})
}

type forgotPinVerifyRequest struct {
	OTP string `json:"otp" validate:"required,len=8,numeric"`
}

// ForgotPinVerify exchanges the emailed code for a short-lived reset token
// @Summary Verify PIN reset code
// @Tags pin
// @Accept json
// @Produce json
// @Param request body forgotPinVerifyRequest true "One-time code"
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /pin/forgot/verify [post]
func (s *PinService) ForgotPinVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if s.redis == nil {
		SendErrorResponse(w, "PIN reset unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	var req forgotPinVerifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	key := fmt.Sprintf("pin_otp:%s", userID)
	stored, err := s.redis.Get(r.Context(), key).Result()
	if err != nil || stored != req.OTP {
		log.Printf("[PIN] Invalid or expired reset OTP for user %s", userID)
		SendErrorResponse(w, "Invalid or expired code", http.StatusUnauthorized, nil)
		return
	}
	// Single-use: burn the code before issuing the token.
	s.redis.Del(r.Context(), key)

	token := generateResetToken()
	tokenKey := fmt.Sprintf("pin_reset:%s", token)
	if err := s.redis.Set(r.Context(), tokenKey, userID, s.cfg.PinResetTokenTTL).Err(); err != nil {
		log.Printf("[PIN] Failed to store reset token for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to issue reset token", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"resetToken": token})
}

type forgotPinCompleteRequest struct {
	ResetToken string `json:"resetToken" validate:"required"`
	NewPin     string `json:"newPin" validate:"required,numeric,min=4,max=6"`
}

// ForgotPinComplete exchanges a reset token for a new PIN hash
// @Summary Complete PIN reset
// @Tags pin
// @Accept json
// @Produce json
// @Param request body forgotPinCompleteRequest true "Reset token and new PIN"
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /pin/forgot/complete [post]
func (s *PinService) ForgotPinComplete(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if s.redis == nil {
		SendErrorResponse(w, "PIN reset unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	var req forgotPinCompleteRequest
	if !s.decode(w, r, &req) {
		return
	}

	tokenKey := fmt.Sprintf("pin_reset:%s", req.ResetToken)
	owner, err := s.redis.Get(r.Context(), tokenKey).Result()
	if err != nil || owner != userID {
		log.Printf("[PIN] Invalid or expired reset token for user %s", userID)
		SendErrorResponse(w, "Invalid or expired reset token", http.StatusUnauthorized, nil)
		return
	}
	s.redis.Del(r.Context(), tokenKey)

	if err := s.Set(r.Context(), userID, req.NewPin); err != nil {
		log.Printf("[PIN] Reset failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to reset PIN", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PIN] PIN reset completed for user %s", userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "PIN reset successfully"})
}

func (s *PinService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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

func (s *PinService) writePinError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, ErrPinLocked):
		SendErrorResponse(w, "PIN locked, try again later", http.StatusLocked, nil)
	case errors.Is(err, ErrWrongPin):
		SendErrorResponse(w, "Incorrect PIN", http.StatusUnauthorized, nil)
	case errors.Is(err, ErrPinNotSet):
		SendErrorResponse(w, "No PIN set for this account", http.StatusPreconditionFailed, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	default:
		log.Printf("[PIN] Verification error for user %s: %v", userID, err)
		SendErrorResponse(w, "PIN verification failed", http.StatusInternalServerError, nil)
	}
}

func generateResetToken() string {
	b := make([]byte, 24)
	cryptorand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
