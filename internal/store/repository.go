/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, which specify the contract for all
 * data access operations required by the transfer-service. Business logic depends only on these
 * interfaces, so the PostgreSQL implementation and the in-memory store used by tests are
 * interchangeable.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrUserPolicyNotFound   = errors.New("user policy not found")
	ErrOtpChallengeNotFound = errors.New("otp challenge not found")
	ErrDuplicateReference   = errors.New("duplicate transfer reference")
	ErrStatusConflict       = errors.New("transfer status changed concurrently")
	ErrNegativeBalance      = errors.New("account balance cannot be negative")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn inside one database transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Account and policy methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindUserPolicy(ctx context.Context, userID uuid.UUID) (*domain.UserPolicy, error)

	// Transfer methods
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	ReferenceExists(ctx context.Context, transferType domain.TransferType, reference string) (bool, error)
	SumTransferTotalsSince(ctx context.Context, ownerID uuid.UUID, transferType domain.TransferType, since time.Time) (int64, error)
	ListTransfersByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.ListOptions) ([]domain.Transfer, error)
	// UpdateClearingStatus moves a processing transfer to completed or failed. It returns
	// ErrStatusConflict when the transfer is no longer processing.
	UpdateClearingStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, failureReason *string, at time.Time) (*domain.Transfer, error)

	// Ledger read model
	ListHistoryByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionHistory, error)

	// OTP housekeeping
	PurgeOtpChallenges(ctx context.Context, olderThan time.Time) (int64, error)
}

// Tx is the set of operations available inside a Repository.WithinTx unit.
type Tx interface {
	// LockTransfer reads the transfer row with a row-level lock held until the unit ends.
	LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	// LockAccount reads the account row with a row-level lock held until the unit ends.
	LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error
	// UpdateTransferProgress persists step, status and timestamp changes of a transfer whose
	// status is still expectedStatus. It returns ErrStatusConflict otherwise.
	UpdateTransferProgress(ctx context.Context, transfer *domain.Transfer, expectedStatus domain.TransferStatus) error
	InsertHistory(ctx context.Context, entry *domain.TransactionHistory) error

	CreateOtpChallenge(ctx context.Context, challenge *domain.OtpChallenge) error
	// InvalidateOtpChallenges marks every unconsumed challenge of the transfer as superseded.
	InvalidateOtpChallenges(ctx context.Context, transferID uuid.UUID, at time.Time) error
	// FindLiveOtpChallenge returns the newest challenge that is neither used nor invalidated.
	FindLiveOtpChallenge(ctx context.Context, transferID uuid.UUID) (*domain.OtpChallenge, error)
	MarkOtpChallengeUsed(ctx context.Context, challengeID uuid.UUID, at time.Time) error
}
