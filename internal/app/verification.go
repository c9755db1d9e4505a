package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// stepCheck verifies the caller's secret for the transfer's current step. It runs inside the
// unit of work, after the transfer has been locked and its status and step validated.
type stepCheck func(ctx context.Context, tx store.Tx, transfer *domain.Transfer, policy *domain.UserPolicy) error

// settlementError marks a failure raised by the settlement engine, as opposed to a
// verification or sequencing failure.
type settlementError struct {
	cause error
}

func (e *settlementError) Error() string { return "settlement: " + e.cause.Error() }
func (e *settlementError) Unwrap() error { return e.cause }

// VerifyPIN checks the owner's transaction PIN for a transfer sitting at the Pin step.
func (s *Service) VerifyPIN(ctx context.Context, ownerID, transferID uuid.UUID, pin string) (*domain.Transfer, error) {
	return s.advance(ctx, ownerID, transferID, domain.StepPin, func(_ context.Context, _ store.Tx, _ *domain.Transfer, policy *domain.UserPolicy) error {
		if policy.TransactionPINHash == "" || pin == "" {
			return ErrVerificationFailed
		}
		if err := bcrypt.CompareHashAndPassword([]byte(policy.TransactionPINHash), []byte(pin)); err != nil {
			return ErrVerificationFailed
		}
		return nil
	})
}

// VerifyCode checks an IMF, tax or COT code. codeType is "imf", "tax" or "cot".
func (s *Service) VerifyCode(ctx context.Context, ownerID, transferID uuid.UUID, codeType, code string) (*domain.Transfer, error) {
	step, err := domain.ParseCodeStep(codeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.advance(ctx, ownerID, transferID, step, func(_ context.Context, _ store.Tx, _ *domain.Transfer, policy *domain.UserPolicy) error {
		expected := policy.CodeFor(step)
		if expected == "" {
			return ErrVerificationFailed
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			return ErrVerificationFailed
		}
		return nil
	})
}

// advance runs one verification step as a single unit of work: lock, validate status and step,
// check the secret, move to the next step, and settle when the sequence is exhausted.
func (s *Service) advance(ctx context.Context, ownerID, transferID uuid.UUID, step domain.Step, check stepCheck) (*domain.Transfer, error) {
	policy, err := s.policies.UserPolicy(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var (
		result    *domain.Transfer
		delivery  *domain.OtpDelivery
		settleErr error
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		transfer, err := lockOwnedPending(ctx, tx, ownerID, transferID)
		if err != nil {
			return err
		}
		if transfer.CurrentStep != step {
			return ErrStepSequence
		}
		if err := check(ctx, tx, transfer, policy); err != nil {
			return err
		}

		now := s.clock.Now()
		transfer.MarkStepVerified(step, now)
		transfer.UpdatedAt = now
		next := domain.NextStep(policy, step)

		// Settle moves the step to completed only when money actually moved.
		if next == domain.StepCompleted {
			settled, err := s.settlement.Settle(ctx, tx, transfer)
			if err != nil {
				if errors.Is(err, ErrSettlementFailed) && settled != nil {
					// nothing was posted; keep the failed status
					result, settleErr = settled, err
					return nil
				}
				return &settlementError{cause: err}
			}
			result = settled
			return nil
		}

		transfer.CurrentStep = next
		if err := tx.UpdateTransferProgress(ctx, transfer, domain.TransferStatusPending); err != nil {
			return fmt.Errorf("update transfer progress: %w", err)
		}
		if transfer.CurrentStep == domain.StepOtp {
			_, delivery, err = s.issueOtp(ctx, tx, transfer, now)
			if err != nil {
				return err
			}
		}
		result = transfer
		return nil
	})
	if err != nil {
		var se *settlementError
		if errors.As(err, &se) {
			return s.failAfterSettlementError(ctx, transferID, se.cause)
		}
		return nil, err
	}

	s.logger.Info("verification step passed",
		zap.String("transfer_id", transferID.String()),
		zap.String("step", string(step)),
		zap.String("next_step", string(result.CurrentStep)),
		zap.String("status", string(result.Status)),
	)
	if delivery != nil {
		s.dispatchOtp(*delivery)
	}
	s.publishLifecycle(result)
	return result, settleErr
}

// lockOwnedPending locks the transfer and checks that ownerID owns it and that it is still pending.
func lockOwnedPending(ctx context.Context, tx store.Tx, ownerID, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := tx.LockTransfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("lock transfer: %w", err)
	}
	if transfer.OwnerID != ownerID {
		return nil, ErrTransferNotFound
	}
	if transfer.Status != domain.TransferStatusPending {
		return nil, ErrTransferNotPending
	}
	return transfer, nil
}

// failAfterSettlementError records a settlement that was rolled back. The failed status is
// written in a fresh unit and only if the transfer is still pending.
func (s *Service) failAfterSettlementError(ctx context.Context, transferID uuid.UUID, cause error) (*domain.Transfer, error) {
	s.logger.Error("settlement rolled back",
		zap.String("transfer_id", transferID.String()),
		zap.Error(cause),
	)

	var failed *domain.Transfer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		transfer, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != domain.TransferStatusPending {
			return nil
		}
		now := s.clock.Now()
		reason := ReasonSettlementError
		transfer.Status = domain.TransferStatusFailed
		transfer.FailureReason = &reason
		transfer.UpdatedAt = now
		if err := tx.UpdateTransferProgress(ctx, transfer, domain.TransferStatusPending); err != nil {
			return err
		}
		failed = transfer
		return nil
	})
	if err != nil {
		s.logger.Error("failed to mark transfer as failed after settlement error",
			zap.String("transfer_id", transferID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, cause)
	}
	s.publishLifecycle(failed)
	return failed, ErrSettlementFailed
}
