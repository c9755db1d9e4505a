package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClearingConsumer applies external clearing results to domestic and wire transfers that
// settled into the processing status.
type ClearingConsumer struct {
	repo   store.Repository
	events eventPublisher
	clock  Clock
	logger *zap.Logger

	exchange string
}

type eventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

func NewClearingConsumer(repo store.Repository, events eventPublisher, exchange string, clock Clock, logger *zap.Logger) *ClearingConsumer {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClearingConsumer{
		repo:     repo,
		events:   events,
		clock:    clock,
		logger:   logger.With(zap.String("component", "clearing_consumer")),
		exchange: exchange,
	}
}

// HandleCompleted handles transfer.clearing.completed deliveries.
func (c *ClearingConsumer) HandleCompleted(body []byte) bool {
	return c.handle(body, domain.TransferStatusCompleted)
}

// HandleFailed handles transfer.clearing.failed deliveries.
func (c *ClearingConsumer) HandleFailed(body []byte) bool {
	return c.handle(body, domain.TransferStatusFailed)
}

// handle returns false only for transient errors so the broker re-queues the message.
func (c *ClearingConsumer) handle(body []byte, status domain.TransferStatus) bool {
	var event domain.ClearingResultEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal clearing payload; dropping", zap.Error(err))
		return true
	}
	if event.TransferID == uuid.Nil {
		c.logger.Warn("clearing event without transfer id; dropping", zap.String("reference", event.Reference))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event, status); err != nil {
		c.logger.Error("clearing event processing failed",
			zap.String("transfer_id", event.TransferID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *ClearingConsumer) processEvent(ctx context.Context, event domain.ClearingResultEvent, status domain.TransferStatus) error {
	var reason *string
	if status == domain.TransferStatusFailed {
		text := strings.TrimSpace(event.Reason)
		if text == "" {
			text = "rejected by clearing network"
		}
		reason = &text
	}

	transfer, err := c.repo.UpdateClearingStatus(ctx, event.TransferID, status, reason, c.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransferNotFound):
			c.logger.Warn("no transfer found for clearing event; acknowledging", zap.String("transfer_id", event.TransferID.String()))
			return nil
		case errors.Is(err, store.ErrStatusConflict):
			// replay or late duplicate; terminal rows are never rewritten
			c.logger.Info("ignoring clearing event for transfer that is not processing", zap.String("transfer_id", event.TransferID.String()))
			return nil
		default:
			return fmt.Errorf("apply clearing status: %w", err)
		}
	}

	if transfer.Status == domain.TransferStatusFailed {
		c.logger.Error("external clearing failed after debit; manual reconciliation required",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("reference", transfer.Reference),
			zap.String("source_account_id", transfer.SourceAccountID.String()),
			zap.Int64("total", transfer.Total),
			zap.String("reason", *reason),
		)
	}

	if c.events != nil {
		lifecycle := domain.NewLifecycleEvent(transfer, c.clock.Now())
		if err := c.events.Publish(ctx, c.exchange, lifecycle.RoutingKey(), lifecycle); err != nil {
			c.logger.Warn("failed to publish transfer lifecycle event", zap.String("transfer_id", transfer.ID.String()), zap.Error(err))
		}
	}
	return nil
}
