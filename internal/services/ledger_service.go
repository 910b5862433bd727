package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/billvault/backend/internal/audit"
	"github.com/billvault/backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// LedgerService owns every mutation of wallet and cashback balances.
// Request handlers never write balances directly; they open a pending
// entry and later settle it, and Settle is the only code path that
// touches account balance columns.
type LedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// OpenPendingInput describes the entry to create at request time.
type OpenPendingInput struct {
	AccountID         string
	Direction         string
	Category          string
	Amount            int64
	CashbackUsed      int64
	ExternalReference string
	RequestID         string
	Recipient         string
	Metadata          models.Metadata
}

// SettleInput drives the single pending→terminal transition of an entry.
// WalletDelta and CashbackDelta are signed kobo amounts applied to the
// account inside the same transaction that marks the entry terminal.
// GrossAmount, when non-zero, replaces the entry amount (the gateway's
// reported figure is authoritative for funding credits).
type SettleInput struct {
	EntryID          string
	Outcome          string
	WalletDelta      int64
	CashbackDelta    int64
	CashbackEarned   int64
	GrossAmount      int64
	GatewayReference string
	Annotations      models.Metadata
}

// SettleResult reports the terminal entry and the account snapshot as
// of the settle. AlreadySettled is true when the entry was terminal
// before this call; in that case nothing was re-applied and the
// recorded outcome is returned, which is what makes duplicate webhooks
// and duplicate verify polls safe.
type SettleResult struct {
	Entry          *models.LedgerEntry
	Account        *models.Account
	AlreadySettled bool
}

const entryColumns = `id, account_id, direction, category, amount, cashback_used, cashback_earned,
	       balance_before, balance_after, external_reference, COALESCE(gateway_reference, ''),
	       COALESCE(request_id, ''), COALESCE(recipient, ''), status, metadata, created_at, completed_at`

// OpenPendingEntry creates the pending ledger row for a funding or
// purchase request. The unique index on external_reference is the
// idempotency anchor: a reused reference fails with
// ErrDuplicateReference instead of opening a second entry.
func (s *LedgerService) OpenPendingEntry(ctx context.Context, in OpenPendingInput) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:                uuid.New().String(),
		AccountID:         in.AccountID,
		Direction:         in.Direction,
		Category:          in.Category,
		Amount:            in.Amount,
		CashbackUsed:      in.CashbackUsed,
		ExternalReference: in.ExternalReference,
		RequestID:         in.RequestID,
		Recipient:         in.Recipient,
		Status:            models.StatusPending,
		Metadata:          in.Metadata,
		CreatedAt:         time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, account_id, direction, category, amount, cashback_used, external_reference, request_id, recipient, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.AccountID, entry.Direction, entry.Category, entry.Amount,
		entry.CashbackUsed, entry.ExternalReference, entry.RequestID, entry.Recipient,
		entry.Status, entry.Metadata, entry.CreatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("open pending entry: %w", err)
	}

	return entry, nil
}

// Settle applies the balance deltas and flips the entry terminal,
// atomically with respect to concurrent settles on the same entry or
// account. Settling an already-terminal entry is a no-op that returns
// the recorded result.
func (s *LedgerService) Settle(ctx context.Context, in SettleInput) (*SettleResult, error) {
	if in.Outcome != models.StatusCompleted && in.Outcome != models.StatusFailed {
		return nil, fmt.Errorf("settle: invalid outcome %q", in.Outcome)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("settle begin: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.lockEntry(ctx, tx, in.EntryID)
	if err != nil {
		return nil, err
	}

	if entry.Terminal() {
		account, err := s.accountByIDTx(ctx, tx, entry.AccountID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("settle commit: %w", err)
		}
		return &SettleResult{Entry: entry, Account: account, AlreadySettled: true}, nil
	}

	account, err := s.lockAccount(ctx, tx, entry.AccountID)
	if err != nil {
		return nil, err
	}

	newWallet := account.WalletBalance + in.WalletDelta
	newCashback := account.CashbackBalance + in.CashbackDelta
	if newWallet < 0 {
		return nil, ErrInsufficientFunds
	}
	if newCashback < 0 {
		return nil, ErrInsufficientCashback
	}

	if err := s.updateAccountBalances(ctx, tx, account, newWallet, newCashback); err != nil {
		return nil, err
	}

	amount := entry.Amount
	if in.GrossAmount > 0 {
		amount = in.GrossAmount
	}

	metadata := entry.Metadata
	if len(in.Annotations) > 0 {
		if metadata == nil {
			metadata = models.Metadata{}
		}
		for k, v := range in.Annotations {
			metadata[k] = v
		}
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $1, amount = $2, balance_before = $3, balance_after = $4,
		    cashback_earned = $5, gateway_reference = COALESCE(NULLIF($6, ''), gateway_reference),
		    metadata = $7, completed_at = $8
		WHERE id = $9 AND status = 'pending'`,
		in.Outcome, amount, account.WalletBalance, newWallet,
		in.CashbackEarned, in.GatewayReference, metadata, now, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("settle entry update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// The row lock above makes this unreachable in practice; treat
		// it as a lost race all the same.
		return nil, ErrEntryTerminal
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("settle commit: %w", err)
	}

	entry.Status = in.Outcome
	entry.Amount = amount
	entry.BalanceBefore = account.WalletBalance
	entry.BalanceAfter = newWallet
	entry.CashbackEarned = in.CashbackEarned
	entry.Metadata = metadata
	entry.CompletedAt = &now
	if in.GatewayReference != "" {
		entry.GatewayReference = in.GatewayReference
	}

	account.WalletBalance = newWallet
	account.CashbackBalance = newCashback
	account.Version++

	s.audit.LogSettlement(entry.ExternalReference, entry.AccountID, in.WalletDelta, in.Outcome)
	return &SettleResult{Entry: entry, Account: account}, nil
}

// FlagForReview annotates a still-pending entry for manual
// reconciliation without settling it. Used for amount mismatches.
func (s *LedgerService) FlagForReview(ctx context.Context, entryID string, annotations models.Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := s.lockEntry(ctx, tx, entryID)
	if err != nil {
		return err
	}
	if entry.Terminal() {
		return ErrEntryTerminal
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}
	metadata["flagged_for_review"] = true
	for k, v := range annotations {
		metadata[k] = v
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET metadata = $1 WHERE id = $2 AND status = 'pending'`,
		metadata, entryID); err != nil {
		return fmt.Errorf("flag entry: %w", err)
	}

	return tx.Commit()
}

// GetAccountByUserID returns a balance snapshot consistent with the
// latest committed settle.
func (s *LedgerService) GetAccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, account_number, wallet_balance, cashback_balance, kyc_tier,
		       COALESCE(virtual_account, ''), version, COALESCE(pin_hash, ''), pin_attempts, pin_locked_until, created_at, updated_at
		FROM accounts WHERE user_id = $1::integer`, userID)
	return scanAccount(row)
}

func (s *LedgerService) accountSnapshot(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, account_number, wallet_balance, cashback_balance, kyc_tier,
		       COALESCE(virtual_account, ''), version, COALESCE(pin_hash, ''), pin_attempts, pin_locked_until, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// GetEntry fetches an entry by its id.
func (s *LedgerService) GetEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// ListEntries returns the account's transaction history, newest first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID, category, status string, limit, offset int) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1`
	args := []any{accountID}
	idx := 2

	if category != "" {
		query += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, category)
		idx++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// ListAgedPending returns pending entries older than the threshold that
// have not been flagged for review, for the reconciliation sweep.
func (s *LedgerService) ListAgedPending(ctx context.Context, olderThan time.Time, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE status = 'pending' AND created_at < $1
		  AND (metadata IS NULL OR NOT (metadata ? 'flagged_for_review'))
		ORDER BY created_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *LedgerService) lockEntry(ctx context.Context, tx *sql.Tx, entryID string) (*models.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, account_number, wallet_balance, cashback_balance, kyc_tier,
		       COALESCE(virtual_account, ''), version, COALESCE(pin_hash, ''), pin_attempts, pin_locked_until, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (s *LedgerService) accountByIDTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, account_number, wallet_balance, cashback_balance, kyc_tier,
		       COALESCE(virtual_account, ''), version, COALESCE(pin_hash, ''), pin_attempts, pin_locked_until, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (s *LedgerService) updateAccountBalances(ctx context.Context, tx *sql.Tx, account *models.Account, newWallet, newCashback int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET wallet_balance = $1, cashback_balance = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newWallet, newCashback, time.Now(), account.ID, account.Version)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", account.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var completedAt sql.NullTime
	err := row.Scan(
		&entry.ID, &entry.AccountID, &entry.Direction, &entry.Category, &entry.Amount,
		&entry.CashbackUsed, &entry.CashbackEarned, &entry.BalanceBefore, &entry.BalanceAfter,
		&entry.ExternalReference, &entry.GatewayReference, &entry.RequestID, &entry.Recipient,
		&entry.Status, &entry.Metadata, &entry.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		entry.CompletedAt = &completedAt.Time
	}
	return &entry, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var lockedUntil sql.NullTime
	err := row.Scan(
		&account.ID, &account.UserID, &account.AccountNumber, &account.WalletBalance,
		&account.CashbackBalance, &account.KYCTier, &account.VirtualAccount, &account.Version,
		&account.PinHash, &account.PinAttempts, &lockedUntil, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		account.PinLockedUntil = &lockedUntil.Time
	}
	return &account, nil
}
