package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpDigits  = 6
	otpPurpose = "transfer_verification"
)

var otpModulus = big.NewInt(1_000_000)

// RequestOTP issues a fresh OTP challenge for a transfer at the Otp step. Earlier unconsumed
// challenges are invalidated. Delivery happens after commit and never fails the call.
func (s *Service) RequestOTP(ctx context.Context, ownerID, transferID uuid.UUID) (*domain.OtpChallenge, error) {
	var (
		challenge *domain.OtpChallenge
		delivery  *domain.OtpDelivery
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		transfer, err := lockOwnedPending(ctx, tx, ownerID, transferID)
		if err != nil {
			return err
		}
		if transfer.CurrentStep != domain.StepOtp {
			return ErrStepSequence
		}
		challenge, delivery, err = s.issueOtp(ctx, tx, transfer, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatchOtp(*delivery)
	return challenge, nil
}

// VerifyOTP consumes the live challenge of a transfer at the Otp step. Wrong, expired, used and
// missing challenges all fail with the same ErrVerificationFailed.
func (s *Service) VerifyOTP(ctx context.Context, ownerID, transferID uuid.UUID, code string) (*domain.Transfer, error) {
	return s.advance(ctx, ownerID, transferID, domain.StepOtp, func(ctx context.Context, tx store.Tx, transfer *domain.Transfer, _ *domain.UserPolicy) error {
		challenge, err := tx.FindLiveOtpChallenge(ctx, transfer.ID)
		if err != nil {
			if errors.Is(err, store.ErrOtpChallengeNotFound) {
				return ErrVerificationFailed
			}
			return fmt.Errorf("load otp challenge: %w", err)
		}
		now := s.clock.Now()
		if challenge.Used || !now.Before(challenge.ExpiresAt) {
			return ErrVerificationFailed
		}
		if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
			return ErrVerificationFailed
		}
		if err := tx.MarkOtpChallengeUsed(ctx, challenge.ID, now); err != nil {
			return fmt.Errorf("consume otp challenge: %w", err)
		}
		return nil
	})
}

// issueOtp supersedes live challenges and stores a new hashed one inside tx. The returned
// delivery carries the plaintext code and must only be dispatched after commit.
func (s *Service) issueOtp(ctx context.Context, tx store.Tx, transfer *domain.Transfer, now time.Time) (*domain.OtpChallenge, *domain.OtpDelivery, error) {
	if err := tx.InvalidateOtpChallenges(ctx, transfer.ID, now); err != nil {
		return nil, nil, fmt.Errorf("invalidate otp challenges: %w", err)
	}

	code, err := generateOtpCode(s.random)
	if err != nil {
		return nil, nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.otpHashCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash otp code: %w", err)
	}

	challenge := &domain.OtpChallenge{
		ID:         uuid.New(),
		TransferID: transfer.ID,
		CodeHash:   string(hash),
		ExpiresAt:  now.Add(s.settings.OtpTTL),
		CreatedAt:  now,
	}
	if err := tx.CreateOtpChallenge(ctx, challenge); err != nil {
		return nil, nil, fmt.Errorf("create otp challenge: %w", err)
	}

	delivery := &domain.OtpDelivery{
		UserID:     transfer.OwnerID,
		Purpose:    otpPurpose,
		TransferID: transfer.ID,
		Reference:  transfer.Reference,
		Code:       code,
		ExpiresAt:  challenge.ExpiresAt,
	}
	return challenge, delivery, nil
}

// dispatchOtp hands the code to the delivery collaborator in the background.
func (s *Service) dispatchOtp(delivery domain.OtpDelivery) {
	if s.otp == nil {
		s.logger.Warn("no otp delivery service configured", zap.String("transfer_id", delivery.TransferID.String()))
		return
	}
	s.goAsync(s.settings.OtpDeliveryTimeout, func(ctx context.Context) {
		if err := s.otp.Send(ctx, delivery); err != nil {
			s.logger.Warn("otp delivery failed",
				zap.String("transfer_id", delivery.TransferID.String()),
				zap.String("user_id", delivery.UserID.String()),
				zap.Error(err),
			)
		}
	})
}

func generateOtpCode(random io.Reader) (string, error) {
	n, err := rand.Int(random, otpModulus)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}
