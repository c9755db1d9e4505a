package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxDescriptionLength = 255

// InitiateTransfer validates a transfer request and persists it as a pending transfer at
// the first verification step. No row is written when any check fails.
func (s *Service) InitiateTransfer(ctx context.Context, ownerID uuid.UUID, req domain.InitiateTransferRequest) (*domain.Transfer, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Type.Valid() {
		return nil, ErrUnsupportedTransferType
	}
	description := strings.TrimSpace(req.Description)
	if len(description) > maxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLength)
	}

	source, err := s.repo.FindAccountByID(ctx, req.SourceAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load source account: %w", err)
	}
	if source.OwnerID != ownerID {
		return nil, ErrAccountNotOwned
	}
	if !source.Active {
		return nil, ErrAccountInactive
	}

	destinationID, beneficiary, err := s.resolveDestination(ctx, req, source)
	if err != nil {
		return nil, err
	}

	schedule := s.settings.FeeSchedules[req.Type]
	fee, total, err := schedule.ComputeFee(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if schedule.ExceedsPerTransactionLimit(total) {
		return nil, ErrLimitExceeded
	}

	now := s.clock.Now()
	if schedule.DailyLimit > 0 {
		spent, err := s.repo.SumTransferTotalsSince(ctx, ownerID, req.Type, startOfDay(now, s.settings.Location))
		if err != nil {
			return nil, fmt.Errorf("sum daily totals: %w", err)
		}
		if schedule.ExceedsDailyLimit(spent, total) {
			return nil, ErrLimitExceeded
		}
	}

	if source.Balance < total {
		return nil, ErrInsufficientBalance
	}

	policy, err := s.policies.UserPolicy(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		Type:                 req.Type,
		SourceAccountID:      source.ID,
		DestinationAccountID: destinationID,
		Beneficiary:          beneficiary,
		Amount:               req.Amount,
		Fee:                  fee,
		Total:                total,
		Currency:             source.Currency,
		Description:          description,
		Status:               domain.TransferStatusPending,
		CurrentStep:          domain.StepSequence(policy)[0],
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// The unique index is the final arbiter when two allocations race.
	for attempt := 0; ; attempt++ {
		transfer.Reference, err = s.references.Allocate(ctx, req.Type)
		if err != nil {
			return nil, err
		}
		err = s.repo.CreateTransfer(ctx, transfer)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateReference) || attempt >= 2 {
			return nil, fmt.Errorf("create transfer: %w", err)
		}
	}

	s.logger.Info("transfer initiated",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("reference", transfer.Reference),
		zap.String("type", string(transfer.Type)),
		zap.Int64("total", transfer.Total),
		zap.String("current_step", string(transfer.CurrentStep)),
	)
	return transfer, nil
}

// resolveDestination checks the destination side of the request. Intra-bank transfers need an
// existing, active, same-currency account other than the source; external transfers need
// complete beneficiary data.
func (s *Service) resolveDestination(ctx context.Context, req domain.InitiateTransferRequest, source *domain.Account) (*uuid.UUID, *domain.Beneficiary, error) {
	if req.Type.IsIntraBank() {
		if req.DestinationAccountID == nil || *req.DestinationAccountID == uuid.Nil {
			return nil, nil, fmt.Errorf("%w: destination account is required", ErrInvalidBeneficiary)
		}
		destinationID := *req.DestinationAccountID
		if destinationID == source.ID {
			return nil, nil, fmt.Errorf("%w: destination must differ from source", ErrInvalidBeneficiary)
		}
		destination, err := s.repo.FindAccountByID(ctx, destinationID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return nil, nil, fmt.Errorf("%w: destination account not found", ErrInvalidBeneficiary)
			}
			return nil, nil, fmt.Errorf("load destination account: %w", err)
		}
		if !destination.Active {
			return nil, nil, fmt.Errorf("%w: destination account is inactive", ErrInvalidBeneficiary)
		}
		if destination.Currency != source.Currency {
			return nil, nil, fmt.Errorf("%w: currency mismatch", ErrInvalidBeneficiary)
		}
		return &destinationID, nil, nil
	}

	if req.DestinationAccountID != nil {
		return nil, nil, fmt.Errorf("%w: external transfers take beneficiary data, not an account", ErrInvalidBeneficiary)
	}
	if req.Beneficiary == nil {
		return nil, nil, fmt.Errorf("%w: beneficiary is required", ErrInvalidBeneficiary)
	}
	b := normalizeBeneficiary(*req.Beneficiary)
	if b.AccountName == "" || b.AccountNumber == "" || b.BankName == "" {
		return nil, nil, fmt.Errorf("%w: account name, account number and bank name are required", ErrInvalidBeneficiary)
	}
	if req.Type == domain.TransferTypeWire {
		if b.SwiftCode == "" {
			return nil, nil, fmt.Errorf("%w: swift code is required for wire transfers", ErrInvalidBeneficiary)
		}
		if len(b.SwiftCode) != 8 && len(b.SwiftCode) != 11 {
			return nil, nil, fmt.Errorf("%w: swift code must be 8 or 11 characters", ErrInvalidBeneficiary)
		}
	}
	return nil, &b, nil
}

func normalizeBeneficiary(b domain.Beneficiary) domain.Beneficiary {
	b.AccountName = strings.TrimSpace(b.AccountName)
	b.AccountNumber = strings.TrimSpace(b.AccountNumber)
	b.BankName = strings.TrimSpace(b.BankName)
	b.RoutingNumber = strings.TrimSpace(b.RoutingNumber)
	b.SwiftCode = strings.ToUpper(strings.TrimSpace(b.SwiftCode))
	b.IBAN = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(b.IBAN), " ", ""))
	b.BankAddress = strings.TrimSpace(b.BankAddress)
	b.Country = strings.ToUpper(strings.TrimSpace(b.Country))
	return b
}

// startOfDay returns local midnight of now in loc.
func startOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
