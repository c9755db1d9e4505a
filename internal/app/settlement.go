package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"go.uber.org/zap"
)

// SettlementEngine moves money for a fully verified transfer and finalizes its status.
type SettlementEngine struct {
	ledger *Ledger
	clock  Clock
	logger *zap.Logger
}

func NewSettlementEngine(ledger *Ledger, clock Clock, logger *zap.Logger) *SettlementEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementEngine{ledger: ledger, clock: clock, logger: logger.With(zap.String("component", "settlement"))}
}

// Settle runs inside the caller's unit of work on a pending transfer.
//
// When the source balance no longer covers the total, nothing is posted, the transfer is
// written as failed and returned together with ErrSettlementFailed; the caller commits that.
// Any other error means the unit must be rolled back.
func (e *SettlementEngine) Settle(ctx context.Context, tx store.Tx, transfer *domain.Transfer) (*domain.Transfer, error) {
	now := e.clock.Now()

	entries, err := e.ledger.Post(ctx, tx, transfer, now)
	if errors.Is(err, ErrInsufficientBalance) {
		reason := ReasonInsufficientAtSettlement
		transfer.Status = domain.TransferStatusFailed
		transfer.FailureReason = &reason
		transfer.UpdatedAt = now
		if err := tx.UpdateTransferProgress(ctx, transfer, domain.TransferStatusPending); err != nil {
			return nil, fmt.Errorf("mark transfer failed: %w", err)
		}
		e.logger.Warn("settlement rejected: insufficient balance",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("reference", transfer.Reference),
			zap.Int64("total", transfer.Total),
		)
		return transfer, ErrSettlementFailed
	}
	if err != nil {
		return nil, err
	}

	next := domain.TransferStatusCompleted
	if !transfer.Type.SettlesSynchronously() {
		next = domain.TransferStatusProcessing
	}
	if !transfer.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("illegal status transition %s -> %s", transfer.Status, next)
	}

	transfer.Status = next
	transfer.CurrentStep = domain.StepCompleted
	transfer.CompletedAt = &now
	transfer.UpdatedAt = now
	if err := tx.UpdateTransferProgress(ctx, transfer, domain.TransferStatusPending); err != nil {
		return nil, fmt.Errorf("finalize transfer: %w", err)
	}

	e.logger.Info("transfer settled",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("reference", transfer.Reference),
		zap.String("status", string(transfer.Status)),
		zap.Int("ledger_entries", len(entries)),
	)
	return transfer, nil
}
