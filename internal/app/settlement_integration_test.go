//go:build integration

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// pgFixture runs the Service against PostgresRepository in a disposable container, so
// settlement is serialized by real row locks rather than an in-process mutex.
type pgFixture struct {
	pool *pgxpool.Pool
	repo *store.PostgresRepository
	svc  *Service
}

func newPgFixture(t *testing.T) *pgFixture {
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

	poolConfig, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	poolConfig.MaxConns = 32
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, store.RunMigrations(pool, zap.NewNop()))

	repo := store.NewPostgresRepository(pool)
	svc := NewService(
		repo,
		NewUserPolicyProvider(repo, false),
		nil,
		nil,
		Settings{FeeSchedules: flatFee(100), Location: time.UTC},
		zap.NewNop(),
		WithOtpHashCost(bcrypt.MinCost),
	)
	t.Cleanup(svc.Wait)
	return &pgFixture{pool: pool, repo: repo, svc: svc}
}

// customer inserts a user with a PIN-only policy and one USD account.
func (f *pgFixture) customer(t *testing.T, accountNumber string, balance int64) (owner, account uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	owner, account = uuid.New(), uuid.New()

	pinHash, err := bcrypt.GenerateFromPassword([]byte(testPIN), bcrypt.MinCost)
	require.NoError(t, err)

	_, err = f.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, account_number, balance, currency) VALUES ($1, $2, $3, $4, 'USD')`,
		account, owner, accountNumber, balance,
	)
	require.NoError(t, err)
	_, err = f.pool.Exec(ctx,
		`INSERT INTO user_verification_policies (user_id, transaction_pin_hash) VALUES ($1, $2)`,
		owner, string(pinHash),
	)
	require.NoError(t, err)
	return owner, account
}

func (f *pgFixture) initiate(t *testing.T, owner, source, destination uuid.UUID, amount int64) *domain.Transfer {
	t.Helper()
	transfer, err := f.svc.InitiateTransfer(context.Background(), owner, domain.InitiateTransferRequest{
		Type:                 domain.TransferTypeInternal,
		SourceAccountID:      source,
		DestinationAccountID: &destination,
		Amount:               amount,
	})
	require.NoError(t, err)
	return transfer
}

func (f *pgFixture) balance(t *testing.T, account uuid.UUID) int64 {
	t.Helper()
	a, err := f.repo.FindAccountByID(context.Background(), account)
	require.NoError(t, err)
	return a.Balance
}

func TestIntegration_ConcurrentPinSubmissionsSettleOnce(t *testing.T) {
	f := newPgFixture(t)
	owner, source := f.customer(t, "2000000001", 10_000)
	_, destination := f.customer(t, "2000000002", 0)
	transfer := f.initiate(t, owner, source, destination, 1000)

	const attempts = 100
	var (
		wg         sync.WaitGroup
		successes  atomic.Int32
		notPending atomic.Int32
		unexpected = make(chan error, attempts)
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, err := f.svc.VerifyPIN(ctx, owner, transfer.ID, testPIN)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrTransferNotPending):
				notPending.Add(1)
			default:
				unexpected <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		t.Errorf("unexpected verification error: %v", err)
	}
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(attempts-1), notPending.Load())

	assert.Equal(t, int64(10_000-1100), f.balance(t, source))
	assert.Equal(t, int64(1000), f.balance(t, destination))

	debits, err := f.repo.ListHistoryByAccount(context.Background(), source, domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, domain.DirectionDebit, debits[0].Direction)
	assert.Equal(t, int64(1100), debits[0].Amount)

	credits, err := f.repo.ListHistoryByAccount(context.Background(), destination, domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, domain.DirectionCredit, credits[0].Direction)
	assert.Equal(t, int64(1000), credits[0].Amount)

	stored, err := f.repo.FindTransferByID(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusCompleted, stored.Status)
}

func TestIntegration_OppositeDirectionSettlementsDoNotDeadlock(t *testing.T) {
	f := newPgFixture(t)
	ownerA, accountA := f.customer(t, "3000000001", 100_000)
	ownerB, accountB := f.customer(t, "3000000002", 100_000)

	const pairs = 20
	type job struct {
		owner    uuid.UUID
		transfer *domain.Transfer
	}
	jobs := make([]job, 0, 2*pairs)
	for i := 0; i < pairs; i++ {
		jobs = append(jobs,
			job{owner: ownerA, transfer: f.initiate(t, ownerA, accountA, accountB, 500)},
			job{owner: ownerB, transfer: f.initiate(t, ownerB, accountB, accountA, 700)},
		)
	}

	var wg sync.WaitGroup
	failures := make(chan error, len(jobs))
	start := make(chan struct{})
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			settled, err := f.svc.VerifyPIN(ctx, j.owner, j.transfer.ID, testPIN)
			if err != nil {
				failures <- fmt.Errorf("transfer %s: %w", j.transfer.Reference, err)
				return
			}
			if settled.Status != domain.TransferStatusCompleted {
				failures <- fmt.Errorf("transfer %s settled as %s", j.transfer.Reference, settled.Status)
			}
		}(j)
	}
	close(start)
	wg.Wait()
	close(failures)

	// a lock-order inversion surfaces as a deadlock_detected rollback, which fails the transfer
	for err := range failures {
		t.Error(err)
	}

	// A pays 600 per transfer (500 + fee) and receives 700; B pays 800 and receives 500.
	assert.Equal(t, int64(100_000-pairs*600+pairs*700), f.balance(t, accountA))
	assert.Equal(t, int64(100_000-pairs*800+pairs*500), f.balance(t, accountB))

	historyA, err := f.repo.ListHistoryByAccount(context.Background(), accountA, domain.ListOptions{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, historyA, 2*pairs)
}
