/**
 * @description
 * This file contains the core business logic for the transfer-service. The `Service`
 * struct orchestrates transfer initiation, the multi-step verification state machine and
 * settlement, coordinating between the database repository, the user policy provider,
 * the OTP delivery collaborator and the message broker.
 *
 * Key features:
 * - Every state-advancing call is one repository transaction holding the transfer row lock.
 * - Settlement runs inside the same transaction as the final verification step.
 * - OTP delivery and lifecycle events are best-effort and run after commit.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For lifecycle event publishing.
 * - go.uber.org/zap: Structured logging.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/finora/transfer-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// UserPolicyProvider resolves the verification configuration of a user.
type UserPolicyProvider interface {
	UserPolicy(ctx context.Context, userID uuid.UUID) (*domain.UserPolicy, error)
}

type repositoryPolicyProvider struct {
	repo       store.Repository
	otpEnabled bool
}

// NewUserPolicyProvider reads per-user policies from the repository and folds in the
// global OTP switch. A user without a stored policy gets the empty policy, whose PIN
// check can never succeed.
func NewUserPolicyProvider(repo store.Repository, otpEnabled bool) UserPolicyProvider {
	return &repositoryPolicyProvider{repo: repo, otpEnabled: otpEnabled}
}

func (p *repositoryPolicyProvider) UserPolicy(ctx context.Context, userID uuid.UUID) (*domain.UserPolicy, error) {
	policy, err := p.repo.FindUserPolicy(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrUserPolicyNotFound) {
			return nil, fmt.Errorf("load user policy: %w", err)
		}
		policy = &domain.UserPolicy{UserID: userID}
	}
	policy.OtpEnabled = p.otpEnabled
	return policy, nil
}

// Settings carries the tunables of the Service.
type Settings struct {
	FeeSchedules       map[domain.TransferType]domain.FeeSchedule
	Location           *time.Location
	OtpTTL             time.Duration
	OtpDeliveryTimeout time.Duration
	EventsExchange     string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRandom replaces the crypto/rand source used for OTP codes and references.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// WithOtpHashCost sets the bcrypt cost used when hashing OTP codes.
func WithOtpHashCost(cost int) Option {
	return func(s *Service) { s.otpHashCost = cost }
}

// Service provides the core business logic for transfers.
type Service struct {
	repo        store.Repository
	policies    UserPolicyProvider
	otp         OtpDeliveryService
	events      rabbitmq.Publisher
	settings    Settings
	logger      *zap.Logger
	clock       Clock
	random      io.Reader
	otpHashCost int

	references *ReferenceAllocator
	settlement *SettlementEngine

	async sync.WaitGroup
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, policies UserPolicyProvider, otp OtpDeliveryService, events rabbitmq.Publisher, settings Settings, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:        repo,
		policies:    policies,
		otp:         otp,
		events:      events,
		settings:    settings,
		logger:      logger.With(zap.String("component", "transfer_service")),
		clock:       SystemClock(),
		random:      rand.Reader,
		otpHashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.Location == nil {
		s.settings.Location = time.UTC
	}
	if s.settings.OtpTTL <= 0 {
		s.settings.OtpTTL = 10 * time.Minute
	}
	if s.settings.OtpDeliveryTimeout <= 0 {
		s.settings.OtpDeliveryTimeout = 10 * time.Second
	}
	s.references = NewReferenceAllocator(repo, s.random)
	s.settlement = NewSettlementEngine(NewLedger(), s.clock, logger)
	return s
}

// Wait blocks until every in-flight OTP delivery and event publication has finished.
func (s *Service) Wait() {
	s.async.Wait()
}

// GetTransfer returns a transfer owned by ownerID.
func (s *Service) GetTransfer(ctx context.Context, ownerID, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if transfer.OwnerID != ownerID {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

// ListTransfers returns the owner's transfers as read models, newest first.
func (s *Service) ListTransfers(ctx context.Context, ownerID uuid.UUID, opts domain.ListOptions) ([]domain.TransferView, error) {
	transfers, err := s.repo.ListTransfersByOwner(ctx, ownerID, opts)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	views := make([]domain.TransferView, 0, len(transfers))
	for i := range transfers {
		views = append(views, transfers[i].View())
	}
	return views, nil
}

// ListAccountHistory returns the ledger rows of an account owned by ownerID.
func (s *Service) ListAccountHistory(ctx context.Context, ownerID, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionHistory, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, ErrAccountNotOwned
	}
	return s.repo.ListHistoryByAccount(ctx, accountID, opts)
}

// goAsync runs fn in the background with its own timeout, detached from the request context.
func (s *Service) goAsync(timeout time.Duration, fn func(ctx context.Context)) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// publishLifecycle announces a processing, completed or failed transfer. Failures are logged only.
func (s *Service) publishLifecycle(transfer *domain.Transfer) {
	if s.events == nil || transfer == nil || transfer.Status == domain.TransferStatusPending {
		return
	}
	event := domain.NewLifecycleEvent(transfer, s.clock.Now())
	exchange := s.settings.EventsExchange
	s.goAsync(s.settings.OtpDeliveryTimeout, func(ctx context.Context) {
		if err := s.events.Publish(ctx, exchange, event.RoutingKey(), event); err != nil {
			s.logger.Warn("failed to publish transfer lifecycle event",
				zap.String("transfer_id", event.TransferID.String()),
				zap.String("routing_key", event.RoutingKey()),
				zap.Error(err),
			)
		}
	})
}
