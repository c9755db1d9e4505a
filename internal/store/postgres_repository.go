/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and `Tx` interfaces.
 * It contains the SQL for transfers, accounts, ledger history, per-user verification
 * policies and OTP challenges.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const transferColumns = `
	id, reference, owner_id, transfer_type, source_account_id, destination_account_id, beneficiary,
	amount, fee, total, currency, description, status, current_step,
	pin_verified_at, imf_verified_at, tax_verified_at, cot_verified_at, otp_verified_at,
	failure_reason, completed_at, created_at, updated_at`

const otpChallengeColumns = `id, transfer_id, code_hash, expires_at, used, used_at, invalidated_at, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn inside a single pgx transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindAccountByID retrieves an account without locking it.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT id, owner_id, account_number, balance, currency, active, updated_at FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// FindUserPolicy loads the per-user verification configuration.
func (r *PostgresRepository) FindUserPolicy(ctx context.Context, userID uuid.UUID) (*domain.UserPolicy, error) {
	var policy domain.UserPolicy
	query := `
		SELECT user_id, transaction_pin_hash, COALESCE(imf_code, ''), COALESCE(tax_code, ''), COALESCE(cot_code, ''), otp_opt_out
		FROM user_verification_policies
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&policy.UserID,
		&policy.TransactionPINHash,
		&policy.ImfCode,
		&policy.TaxCode,
		&policy.CotCode,
		&policy.OtpOptOut,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// CreateTransfer inserts a new transfer record.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	beneficiary, err := marshalBeneficiary(t.Beneficiary)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transfers (
			id, reference, owner_id, transfer_type, source_account_id, destination_account_id, beneficiary,
			amount, fee, total, currency, description, status, current_step, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Exec(ctx, query,
		t.ID, t.Reference, t.OwnerID, t.Type, t.SourceAccountID, t.DestinationAccountID, beneficiary,
		t.Amount, t.Fee, t.Total, t.Currency, t.Description, t.Status, t.CurrentStep, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransferByID retrieves a transfer without locking it.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, transferID))
}

// ReferenceExists reports whether a reference is already taken for the transfer type.
func (r *PostgresRepository) ReferenceExists(ctx context.Context, transferType domain.TransferType, reference string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM transfers WHERE transfer_type = $1 AND reference = $2)`
	if err := r.db.QueryRow(ctx, query, transferType, reference).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// SumTransferTotalsSince sums the totals of the owner's non-failed transfers of one type.
func (r *PostgresRepository) SumTransferTotalsSince(ctx context.Context, ownerID uuid.UUID, transferType domain.TransferType, since time.Time) (int64, error) {
	var sum int64
	query := `
		SELECT COALESCE(SUM(total), 0)::BIGINT
		FROM transfers
		WHERE owner_id = $1 AND transfer_type = $2 AND created_at >= $3 AND status <> 'failed'
	`
	if err := r.db.QueryRow(ctx, query, ownerID, transferType, since).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ListTransfersByOwner returns the owner's transfers, newest first.
func (r *PostgresRepository) ListTransfersByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.ListOptions) ([]domain.Transfer, error) {
	opts = opts.Normalize()
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// UpdateClearingStatus applies an external clearing result to a processing transfer.
func (r *PostgresRepository) UpdateClearingStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, failureReason *string, at time.Time) (*domain.Transfer, error) {
	query := `
		UPDATE transfers
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = $4
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + transferColumns
	t, err := scanTransfer(r.db.QueryRow(ctx, query, transferID, status, failureReason, at))
	if errors.Is(err, ErrTransferNotFound) {
		if _, findErr := r.FindTransferByID(ctx, transferID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}
	return t, err
}

// ListHistoryByAccount returns ledger rows for one account, newest first.
func (r *PostgresRepository) ListHistoryByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionHistory, error) {
	opts = opts.Normalize()
	query := `
		SELECT id, account_id, transfer_id, reference, direction, amount, balance_after, created_at
		FROM transaction_histories
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.TransactionHistory, 0, opts.Limit)
	for rows.Next() {
		var h domain.TransactionHistory
		if err := rows.Scan(&h.ID, &h.AccountID, &h.TransferID, &h.Reference, &h.Direction, &h.Amount, &h.BalanceAfter, &h.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// PurgeOtpChallenges deletes challenges that expired, were used or were invalidated before olderThan.
func (r *PostgresRepository) PurgeOtpChallenges(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM otp_challenges
		WHERE expires_at < $1 OR used_at < $1 OR invalidated_at < $1
	`
	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// postgresTx implements Tx on top of an open pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	// FOR UPDATE serializes every state-advancing call on the same transfer.
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 FOR UPDATE`
	return scanTransfer(t.tx.QueryRow(ctx, query, transferID))
}

func (t *postgresTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT id, owner_id, account_number, balance, currency, active, updated_at FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, accountID))
}

func (t *postgresTx) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`, accountID, balance, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return ErrNegativeBalance
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) UpdateTransferProgress(ctx context.Context, transfer *domain.Transfer, expectedStatus domain.TransferStatus) error {
	query := `
		UPDATE transfers
		SET status = $2, current_step = $3,
			pin_verified_at = $4, imf_verified_at = $5, tax_verified_at = $6, cot_verified_at = $7, otp_verified_at = $8,
			failure_reason = $9, completed_at = $10, updated_at = $11
		WHERE id = $1 AND status = $12
	`
	tag, err := t.tx.Exec(ctx, query,
		transfer.ID, transfer.Status, transfer.CurrentStep,
		transfer.PinVerifiedAt, transfer.ImfVerifiedAt, transfer.TaxVerifiedAt, transfer.CotVerifiedAt, transfer.OtpVerifiedAt,
		transfer.FailureReason, transfer.CompletedAt, transfer.UpdatedAt, expectedStatus,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (t *postgresTx) InsertHistory(ctx context.Context, h *domain.TransactionHistory) error {
	query := `
		INSERT INTO transaction_histories (id, account_id, transfer_id, reference, direction, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.tx.Exec(ctx, query, h.ID, h.AccountID, h.TransferID, h.Reference, h.Direction, h.Amount, h.BalanceAfter, h.CreatedAt)
	return err
}

func (t *postgresTx) CreateOtpChallenge(ctx context.Context, c *domain.OtpChallenge) error {
	query := `
		INSERT INTO otp_challenges (id, transfer_id, code_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`
	_, err := t.tx.Exec(ctx, query, c.ID, c.TransferID, c.CodeHash, c.ExpiresAt, c.CreatedAt)
	return err
}

func (t *postgresTx) InvalidateOtpChallenges(ctx context.Context, transferID uuid.UUID, at time.Time) error {
	query := `
		UPDATE otp_challenges SET invalidated_at = $2
		WHERE transfer_id = $1 AND used = FALSE AND invalidated_at IS NULL
	`
	_, err := t.tx.Exec(ctx, query, transferID, at)
	return err
}

func (t *postgresTx) FindLiveOtpChallenge(ctx context.Context, transferID uuid.UUID) (*domain.OtpChallenge, error) {
	query := `
		SELECT ` + otpChallengeColumns + `
		FROM otp_challenges
		WHERE transfer_id = $1 AND used = FALSE AND invalidated_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	var c domain.OtpChallenge
	err := t.tx.QueryRow(ctx, query, transferID).Scan(
		&c.ID, &c.TransferID, &c.CodeHash, &c.ExpiresAt, &c.Used, &c.UsedAt, &c.InvalidatedAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOtpChallengeNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *postgresTx) MarkOtpChallengeUsed(ctx context.Context, challengeID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE otp_challenges SET used = TRUE, used_at = $2 WHERE id = $1 AND used = FALSE`, challengeID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOtpChallengeNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.AccountNumber, &a.Balance, &a.Currency, &a.Active, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t           domain.Transfer
		beneficiary []byte
	)
	err := row.Scan(
		&t.ID, &t.Reference, &t.OwnerID, &t.Type, &t.SourceAccountID, &t.DestinationAccountID, &beneficiary,
		&t.Amount, &t.Fee, &t.Total, &t.Currency, &t.Description, &t.Status, &t.CurrentStep,
		&t.PinVerifiedAt, &t.ImfVerifiedAt, &t.TaxVerifiedAt, &t.CotVerifiedAt, &t.OtpVerifiedAt,
		&t.FailureReason, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if len(beneficiary) > 0 {
		var b domain.Beneficiary
		if err := json.Unmarshal(beneficiary, &b); err != nil {
			return nil, fmt.Errorf("decode beneficiary of transfer %s: %w", t.ID, err)
		}
		t.Beneficiary = &b
	}
	return &t, nil
}

func marshalBeneficiary(b *domain.Beneficiary) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode beneficiary: %w", err)
	}
	return raw, nil
}
