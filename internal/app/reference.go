package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/finora/transfer-service/internal/domain"
)

const (
	referenceAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceBodyLength  = 12
	maxReferenceAttempts = 8
)

type referenceChecker interface {
	ReferenceExists(ctx context.Context, transferType domain.TransferType, reference string) (bool, error)
}

// ReferenceAllocator hands out externally visible reference numbers that are unique per transfer type.
type ReferenceAllocator struct {
	repo   referenceChecker
	random io.Reader
}

func NewReferenceAllocator(repo referenceChecker, random io.Reader) *ReferenceAllocator {
	if random == nil {
		random = rand.Reader
	}
	return &ReferenceAllocator{repo: repo, random: random}
}

// Allocate returns a reference such as "WIR7K2Q9ZD4M1XPA" that no transfer of the same type uses yet.
func (a *ReferenceAllocator) Allocate(ctx context.Context, transferType domain.TransferType) (string, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		candidate, err := a.candidate(transferType)
		if err != nil {
			return "", err
		}
		exists, err := a.repo.ReferenceExists(ctx, transferType, candidate)
		if err != nil {
			return "", fmt.Errorf("check reference uniqueness: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrReferenceExhausted
}

func (a *ReferenceAllocator) candidate(transferType domain.TransferType) (string, error) {
	buf := make([]byte, 0, 3+referenceBodyLength)
	buf = append(buf, transferType.ReferencePrefix()...)
	alphabetSize := big.NewInt(int64(len(referenceAlphabet)))
	for i := 0; i < referenceBodyLength; i++ {
		n, err := rand.Int(a.random, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate reference: %w", err)
		}
		buf = append(buf, referenceAlphabet[n.Int64()])
	}
	return string(buf), nil
}
