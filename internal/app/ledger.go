package app

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
)

// Posting is one balance movement on one account.
type Posting struct {
	AccountID uuid.UUID
	Direction domain.Direction
	Amount    int64
}

// Ledger is the only writer of account balances. Every balance change goes through Post,
// which also writes the matching TransactionHistory rows.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// PostingsFor returns the balance movements a settled transfer produces: a debit of the
// total on the source and, for intra-bank transfers, a credit of the amount on the destination.
func PostingsFor(t *domain.Transfer) []Posting {
	postings := []Posting{{AccountID: t.SourceAccountID, Direction: domain.DirectionDebit, Amount: t.Total}}
	if t.Type.IsIntraBank() && t.DestinationAccountID != nil {
		postings = append(postings, Posting{AccountID: *t.DestinationAccountID, Direction: domain.DirectionCredit, Amount: t.Amount})
	}
	return postings
}

// Post applies the transfer's postings inside tx. Accounts are locked in ascending id order.
// ErrInsufficientBalance is returned, with nothing written, when the source cannot cover the total.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, transfer *domain.Transfer, at time.Time) ([]domain.TransactionHistory, error) {
	postings := PostingsFor(transfer)

	locked, err := lockAccounts(ctx, tx, postings)
	if err != nil {
		return nil, err
	}

	source := locked[transfer.SourceAccountID]
	if source.Balance < transfer.Total {
		return nil, ErrInsufficientBalance
	}

	entries := make([]domain.TransactionHistory, 0, len(postings))
	for _, p := range postings {
		account := locked[p.AccountID]
		switch p.Direction {
		case domain.DirectionDebit:
			account.Balance -= p.Amount
		case domain.DirectionCredit:
			account.Balance += p.Amount
		}
		if account.Balance < 0 {
			return nil, fmt.Errorf("posting would overdraw account %s", account.ID)
		}
		if err := tx.UpdateAccountBalance(ctx, account.ID, account.Balance, at); err != nil {
			return nil, fmt.Errorf("update balance of account %s: %w", account.ID, err)
		}

		entry := domain.TransactionHistory{
			ID:           uuid.New(),
			AccountID:    account.ID,
			TransferID:   transfer.ID,
			Reference:    transfer.Reference,
			Direction:    p.Direction,
			Amount:       p.Amount,
			BalanceAfter: account.Balance,
			CreatedAt:    at,
		}
		if err := tx.InsertHistory(ctx, &entry); err != nil {
			return nil, fmt.Errorf("insert history for account %s: %w", account.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func lockAccounts(ctx context.Context, tx store.Tx, postings []Posting) (map[uuid.UUID]*domain.Account, error) {
	ids := make([]uuid.UUID, 0, len(postings))
	seen := make(map[uuid.UUID]bool, len(postings))
	for _, p := range postings {
		if !seen[p.AccountID] {
			seen[p.AccountID] = true
			ids = append(ids, p.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		account, err := tx.LockAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
		locked[id] = account
	}
	return locked, nil
}
