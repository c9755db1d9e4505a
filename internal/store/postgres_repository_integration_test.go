//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// setupRepository starts a disposable PostgreSQL container, applies the migrations and
// returns a repository bound to it.
func setupRepository(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("transfers"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(pool, zap.NewNop()))
	return NewPostgresRepository(pool), pool
}

var integrationEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, pool *pgxpool.Pool, owner uuid.UUID, number string, balance int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO accounts (id, owner_id, account_number, balance, currency) VALUES ($1, $2, $3, $4, 'USD')`,
		id, owner, number, balance,
	)
	require.NoError(t, err)
	return id
}

func newPendingTransfer(owner, source uuid.UUID, reference string) *domain.Transfer {
	return &domain.Transfer{
		ID:              uuid.New(),
		Reference:       reference,
		OwnerID:         owner,
		Type:            domain.TransferTypeWire,
		SourceAccountID: source,
		Beneficiary: &domain.Beneficiary{
			AccountName:   "Ada Obi",
			AccountNumber: "DE89370400440532013000",
			BankName:      "Commerzbank",
			SwiftCode:     "COBADEFFXXX",
		},
		Amount:      10000,
		Fee:         2500,
		Total:       12500,
		Currency:    "USD",
		Status:      domain.TransferStatusPending,
		CurrentStep: domain.StepPin,
		CreatedAt:   integrationEpoch,
		UpdatedAt:   integrationEpoch,
	}
}

func TestIntegration_TransferRoundTripAndUniqueReference(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	owner := uuid.New()
	source := seedAccount(t, pool, owner, "1000000001", 50000)

	transfer := newPendingTransfer(owner, source, "WIR0000000001")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	loaded, err := repo.FindTransferByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.Reference, loaded.Reference)
	assert.Equal(t, domain.TransferTypeWire, loaded.Type)
	require.NotNil(t, loaded.Beneficiary)
	assert.Equal(t, "COBADEFFXXX", loaded.Beneficiary.SwiftCode)
	assert.Nil(t, loaded.DestinationAccountID)

	dup := newPendingTransfer(owner, source, "WIR0000000001")
	require.ErrorIs(t, repo.CreateTransfer(ctx, dup), ErrDuplicateReference)

	exists, err := repo.ReferenceExists(ctx, domain.TransferTypeWire, "WIR0000000001")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.ReferenceExists(ctx, domain.TransferTypeInternal, "WIR0000000001")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.FindTransferByID(ctx, uuid.New())
	require.ErrorIs(t, err, ErrTransferNotFound)
}

func TestIntegration_WithinTxCommitAndRollback(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	owner := uuid.New()
	source := seedAccount(t, pool, owner, "1000000002", 50000)
	transfer := newPendingTransfer(owner, source, "WIR0000000002")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	err := repo.WithinTx(ctx, func(tx Tx) error {
		account, err := tx.LockAccount(ctx, source)
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountBalance(ctx, source, account.Balance-transfer.Total, integrationEpoch); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, &domain.TransactionHistory{
			ID:           uuid.New(),
			AccountID:    source,
			TransferID:   transfer.ID,
			Reference:    transfer.Reference,
			Direction:    domain.DirectionDebit,
			Amount:       transfer.Total,
			BalanceAfter: account.Balance - transfer.Total,
			CreatedAt:    integrationEpoch,
		})
	})
	require.NoError(t, err)

	account, err := repo.FindAccountByID(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, int64(37500), account.Balance)

	history, err := repo.ListHistoryByAccount(ctx, source, domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.DirectionDebit, history[0].Direction)

	err = repo.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpdateAccountBalance(ctx, source, 0, integrationEpoch); err != nil {
			return err
		}
		return tx.UpdateAccountBalance(ctx, source, -1, integrationEpoch)
	})
	require.ErrorIs(t, err, ErrNegativeBalance)

	account, err = repo.FindAccountByID(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, int64(37500), account.Balance)
}

func TestIntegration_TransferProgressAndClearing(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	owner := uuid.New()
	source := seedAccount(t, pool, owner, "1000000003", 50000)
	transfer := newPendingTransfer(owner, source, "WIR0000000003")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	at := integrationEpoch.Add(time.Minute)
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		locked, err := tx.LockTransfer(ctx, transfer.ID)
		if err != nil {
			return err
		}
		locked.Status = domain.TransferStatusProcessing
		locked.CurrentStep = domain.StepCompleted
		locked.PinVerifiedAt = &at
		locked.UpdatedAt = at
		return tx.UpdateTransferProgress(ctx, locked, domain.TransferStatusPending)
	}))

	err := repo.WithinTx(ctx, func(tx Tx) error {
		return tx.UpdateTransferProgress(ctx, transfer, domain.TransferStatusPending)
	})
	require.ErrorIs(t, err, ErrStatusConflict)

	reason := "beneficiary bank rejected"
	updated, err := repo.UpdateClearingStatus(ctx, transfer.ID, domain.TransferStatusFailed, &reason, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusFailed, updated.Status)
	require.NotNil(t, updated.FailureReason)
	assert.Equal(t, reason, *updated.FailureReason)

	_, err = repo.UpdateClearingStatus(ctx, transfer.ID, domain.TransferStatusCompleted, nil, at.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.UpdateClearingStatus(ctx, uuid.New(), domain.TransferStatusCompleted, nil, at)
	require.ErrorIs(t, err, ErrTransferNotFound)

	sum, err := repo.SumTransferTotalsSince(ctx, owner, domain.TransferTypeWire, integrationEpoch)
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestIntegration_OtpChallengeLifecycle(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	owner := uuid.New()
	source := seedAccount(t, pool, owner, "1000000004", 50000)
	transfer := newPendingTransfer(owner, source, "WIR0000000004")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	first := &domain.OtpChallenge{ID: uuid.New(), TransferID: transfer.ID, CodeHash: "h1", ExpiresAt: integrationEpoch.Add(10 * time.Minute), CreatedAt: integrationEpoch}
	second := &domain.OtpChallenge{ID: uuid.New(), TransferID: transfer.ID, CodeHash: "h2", ExpiresAt: integrationEpoch.Add(15 * time.Minute), CreatedAt: integrationEpoch.Add(5 * time.Minute)}

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		return tx.CreateOtpChallenge(ctx, first)
	}))
	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InvalidateOtpChallenges(ctx, transfer.ID, second.CreatedAt); err != nil {
			return err
		}
		return tx.CreateOtpChallenge(ctx, second)
	}))

	require.NoError(t, repo.WithinTx(ctx, func(tx Tx) error {
		live, err := tx.FindLiveOtpChallenge(ctx, transfer.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, second.ID, live.ID)
		return tx.MarkOtpChallengeUsed(ctx, live.ID, integrationEpoch.Add(6*time.Minute))
	}))

	err := repo.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.FindLiveOtpChallenge(ctx, transfer.ID)
		return err
	})
	require.ErrorIs(t, err, ErrOtpChallengeNotFound)

	purged, err := repo.PurgeOtpChallenges(ctx, integrationEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}

func TestIntegration_FindUserPolicy(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := repo.FindUserPolicy(ctx, user)
	require.ErrorIs(t, err, ErrUserPolicyNotFound)

	_, err = pool.Exec(ctx,
		`INSERT INTO user_verification_policies (user_id, transaction_pin_hash, imf_code) VALUES ($1, 'hash', 'IMF-77120')`,
		user,
	)
	require.NoError(t, err)

	policy, err := repo.FindUserPolicy(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "hash", policy.TransactionPINHash)
	assert.Equal(t, "IMF-77120", policy.ImfCode)
	assert.Empty(t, policy.TaxCode)
	assert.False(t, policy.OtpOptOut)
}
