package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store/memstore"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

const testPIN = "4821"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingOtpDelivery struct {
	mu         sync.Mutex
	deliveries []domain.OtpDelivery
	err        error
}

func (r *recordingOtpDelivery) Send(ctx context.Context, d domain.OtpDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return r.err
}

func (r *recordingOtpDelivery) last(t *testing.T) domain.OtpDelivery {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.deliveries, "no otp delivered")
	return r.deliveries[len(r.deliveries)-1]
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

// fixture wires a Service over the in-memory store with one owner holding a source account
// and a second customer holding a destination account, both in USD.
type fixture struct {
	store  *memstore.Store
	svc    *Service
	clock  *fakeClock
	otp    *recordingOtpDelivery
	events *recordingPublisher
	logs   *observer.ObservedLogs

	owner       uuid.UUID
	source      uuid.UUID
	destination uuid.UUID
}

type fixtureOptions struct {
	policy     domain.UserPolicy
	otpEnabled bool
	schedules  map[domain.TransferType]domain.FeeSchedule
	balance    int64
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	pinHash, err := bcrypt.GenerateFromPassword([]byte(testPIN), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		store:       memstore.New(),
		clock:       newFakeClock(),
		otp:         &recordingOtpDelivery{},
		events:      &recordingPublisher{},
		owner:       uuid.New(),
		source:      uuid.New(),
		destination: uuid.New(),
	}

	balance := opts.balance
	if balance == 0 {
		balance = 10_000
	}
	f.store.PutAccount(domain.Account{ID: f.source, OwnerID: f.owner, AccountNumber: "1000000001", Balance: balance, Currency: "USD", Active: true})
	f.store.PutAccount(domain.Account{ID: f.destination, OwnerID: uuid.New(), AccountNumber: "1000000002", Balance: 0, Currency: "USD", Active: true})

	policy := opts.policy
	policy.UserID = f.owner
	policy.TransactionPINHash = string(pinHash)
	f.store.PutPolicy(policy)

	schedules := opts.schedules
	if schedules == nil {
		schedules = map[domain.TransferType]domain.FeeSchedule{}
	}

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs

	f.svc = NewService(
		f.store,
		NewUserPolicyProvider(f.store, opts.otpEnabled),
		f.otp,
		f.events,
		Settings{
			FeeSchedules:       schedules,
			Location:           time.UTC,
			OtpTTL:             10 * time.Minute,
			OtpDeliveryTimeout: time.Second,
			EventsExchange:     "finora.events",
		},
		zap.New(core),
		WithClock(f.clock),
		WithOtpHashCost(bcrypt.MinCost),
	)
	return f
}

func (f *fixture) internalRequest(amount int64) domain.InitiateTransferRequest {
	dest := f.destination
	return domain.InitiateTransferRequest{
		Type:                 domain.TransferTypeInternal,
		SourceAccountID:      f.source,
		DestinationAccountID: &dest,
		Amount:               amount,
		Description:          "rent",
	}
}

func (f *fixture) initiate(t *testing.T, req domain.InitiateTransferRequest) *domain.Transfer {
	t.Helper()
	transfer, err := f.svc.InitiateTransfer(context.Background(), f.owner, req)
	require.NoError(t, err)
	return transfer
}

func (f *fixture) transfer(t *testing.T, id uuid.UUID) *domain.Transfer {
	t.Helper()
	transfer, err := f.store.FindTransferByID(context.Background(), id)
	require.NoError(t, err)
	return transfer
}

func (f *fixture) ownerTransfers(t *testing.T) []domain.Transfer {
	t.Helper()
	transfers, err := f.store.ListTransfersByOwner(context.Background(), f.owner, domain.ListOptions{Limit: 100})
	require.NoError(t, err)
	return transfers
}

func (f *fixture) logMessages(level string) []string {
	var out []string
	for _, entry := range f.logs.All() {
		if entry.Level.String() == level {
			out = append(out, entry.Message)
		}
	}
	return out
}

func flatFee(fee int64) map[domain.TransferType]domain.FeeSchedule {
	schedules := make(map[domain.TransferType]domain.FeeSchedule)
	for _, t := range domain.TransferTypes {
		schedules[t] = domain.FeeSchedule{FlatFee: fee}
	}
	return schedules
}

func allCodesPolicy() domain.UserPolicy {
	return domain.UserPolicy{ImfCode: "IMF-77120", TaxCode: "TAX-55031", CotCode: "COT-90412"}
}

func decimalFromString(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return d
}
