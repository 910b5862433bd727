package services

import (
	"context"
	"log"
	"time"

	"github.com/billvault/backend/internal/config"
	"github.com/billvault/backend/internal/gateway"
	"github.com/billvault/backend/internal/models"
)

const sweepBatchSize = 100

// Sweeper walks aged pending entries on a timer and drives each one to
// a terminal state: funding entries are verified against the gateway,
// purchase entries are requeried at the aggregator. Entries flagged for
// review are excluded; those wait for a human.
type Sweeper struct {
	ledger   *LedgerService
	funding  *FundingService
	purchase *PurchaseService
	gateway  *gateway.Client
	cfg      *config.WalletConfig
}

func NewSweeper(ledger *LedgerService, funding *FundingService, purchase *PurchaseService, gw *gateway.Client, cfg *config.WalletConfig) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		funding:  funding,
		purchase: purchase,
		gateway:  gw,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[SWEEP] Started, interval %s, pending age threshold %s", s.cfg.SweepInterval, s.cfg.PendingAgeThreshold)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[SWEEP] Stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass. A failure on one entry never stops the
// pass; that entry is simply retried next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PendingAgeThreshold)
	entries, err := s.ledger.ListAgedPending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("[SWEEP] Failed to list aged pending entries: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	log.Printf("[SWEEP] Reconciling %d aged pending entries", len(entries))
	resolved := 0
	for i := range entries {
		entry := &entries[i]
		if err := s.reconcile(ctx, entry); err != nil {
			log.Printf("[SWEEP] Entry %s (%s) not resolved: %v", entry.ID, entry.ExternalReference, err)
			continue
		}
		resolved++
	}
	log.Printf("[SWEEP] Pass complete, %d/%d entries driven forward", resolved, len(entries))
}

func (s *Sweeper) reconcile(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.Category == models.CategoryFunding {
		report, err := s.gateway.VerifyTransaction(ctx, entry.ExternalReference)
		if err != nil {
			return err
		}
		_, err = s.funding.applyGatewayReport(ctx, entry.ID, report)
		return err
	}
	return s.purchase.FinalizePending(ctx, entry)
}
