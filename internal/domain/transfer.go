/**
 * @description
 * This file defines the core domain models for the transfer-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (minor units),
 *   which avoids floating-point inaccuracies with financial data.
 * - A Transfer only stores its current step. The full step sequence is re-derived
 *   from the owner's UserPolicy whenever it is needed (see steps.go).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferType identifies the money-movement product a transfer belongs to.
type TransferType string

const (
	TransferTypeInternal         TransferType = "internal"
	TransferTypeAccountToAccount TransferType = "account_to_account"
	TransferTypeDomestic         TransferType = "domestic"
	TransferTypeWire             TransferType = "wire"
)

// TransferTypes lists every supported transfer type.
var TransferTypes = []TransferType{
	TransferTypeInternal,
	TransferTypeAccountToAccount,
	TransferTypeDomestic,
	TransferTypeWire,
}

// Valid reports whether t is a supported transfer type.
func (t TransferType) Valid() bool {
	for _, known := range TransferTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsIntraBank reports whether the transfer moves funds between two accounts held by this bank.
func (t TransferType) IsIntraBank() bool {
	return t == TransferTypeInternal || t == TransferTypeAccountToAccount
}

// SettlesSynchronously reports whether a settled transfer of this type is final immediately.
// Domestic and wire transfers leave the bank and stay in processing until external clearing.
func (t TransferType) SettlesSynchronously() bool {
	return t.IsIntraBank()
}

// ReferencePrefix returns the prefix used for externally visible reference numbers.
func (t TransferType) ReferencePrefix() string {
	switch t {
	case TransferTypeInternal:
		return "INT"
	case TransferTypeAccountToAccount:
		return "A2A"
	case TransferTypeDomestic:
		return "DOM"
	case TransferTypeWire:
		return "WIR"
	default:
		return "TRF"
	}
}

// TransferStatus is the lifecycle status of a transfer.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusProcessing TransferStatus = "processing"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// CanTransitionTo enforces Pending -> {Processing, Completed, Failed} and
// Processing -> {Completed, Failed}.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	switch s {
	case TransferStatusPending:
		return next == TransferStatusProcessing || next == TransferStatusCompleted || next == TransferStatusFailed
	case TransferStatusProcessing:
		return next == TransferStatusCompleted || next == TransferStatusFailed
	default:
		return false
	}
}

// Transfer is the record of one initiated money movement.
// This struct maps directly to the `transfers` table in the database.
type Transfer struct {
	ID                   uuid.UUID      `json:"id"`
	Reference            string         `json:"reference_number"`
	OwnerID              uuid.UUID      `json:"owner_id"`
	Type                 TransferType   `json:"type"`
	SourceAccountID      uuid.UUID      `json:"source_account_id"`
	DestinationAccountID *uuid.UUID     `json:"destination_account_id,omitempty"`
	Beneficiary          *Beneficiary   `json:"beneficiary,omitempty"`
	Amount               int64          `json:"amount"`
	Fee                  int64          `json:"fee"`
	Total                int64          `json:"total"`
	Currency             string         `json:"currency"`
	Description          string         `json:"description"`
	Status               TransferStatus `json:"status"`
	CurrentStep          Step           `json:"current_step"`
	PinVerifiedAt        *time.Time     `json:"pin_verified_at,omitempty"`
	ImfVerifiedAt        *time.Time     `json:"imf_verified_at,omitempty"`
	TaxVerifiedAt        *time.Time     `json:"tax_verified_at,omitempty"`
	CotVerifiedAt        *time.Time     `json:"cot_verified_at,omitempty"`
	OtpVerifiedAt        *time.Time     `json:"otp_verified_at,omitempty"`
	FailureReason        *string        `json:"failure_reason,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// MarkStepVerified records the verified-at timestamp for step.
func (t *Transfer) MarkStepVerified(step Step, at time.Time) {
	ts := at
	switch step {
	case StepPin:
		t.PinVerifiedAt = &ts
	case StepImf:
		t.ImfVerifiedAt = &ts
	case StepTax:
		t.TaxVerifiedAt = &ts
	case StepCot:
		t.CotVerifiedAt = &ts
	case StepOtp:
		t.OtpVerifiedAt = &ts
	}
}

// Clone returns a deep copy of the transfer.
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DestinationAccountID = cloneUUID(t.DestinationAccountID)
	if t.Beneficiary != nil {
		b := *t.Beneficiary
		cp.Beneficiary = &b
	}
	cp.PinVerifiedAt = cloneTime(t.PinVerifiedAt)
	cp.ImfVerifiedAt = cloneTime(t.ImfVerifiedAt)
	cp.TaxVerifiedAt = cloneTime(t.TaxVerifiedAt)
	cp.CotVerifiedAt = cloneTime(t.CotVerifiedAt)
	cp.OtpVerifiedAt = cloneTime(t.OtpVerifiedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	if t.FailureReason != nil {
		reason := *t.FailureReason
		cp.FailureReason = &reason
	}
	return &cp
}

// Beneficiary holds the external payee data for domestic and wire transfers.
type Beneficiary struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	RoutingNumber string `json:"routing_number,omitempty"`
	SwiftCode     string `json:"swift_code,omitempty"`
	IBAN          string `json:"iban,omitempty"`
	BankAddress   string `json:"bank_address,omitempty"`
	Country       string `json:"country,omitempty"`
}

// Account represents a customer's bank account. Only the ledger mutates Balance.
type Account struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	AccountNumber string    `json:"account_number"`
	Balance       int64     `json:"balance"` // in minor units
	Currency      string    `json:"currency"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Direction is the side of a ledger posting.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// TransactionHistory is one immutable ledger row written per account mutation.
type TransactionHistory struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	TransferID   uuid.UUID `json:"transfer_id"`
	Reference    string    `json:"reference_number"`
	Direction    Direction `json:"direction"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// OtpChallenge is the one-time password issued for a transfer's Otp step.
type OtpChallenge struct {
	ID            uuid.UUID  `json:"id"`
	TransferID    uuid.UUID  `json:"transfer_id"`
	CodeHash      string     `json:"-"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Live reports whether the challenge can still be consumed, ignoring expiry.
func (c *OtpChallenge) Live() bool {
	return !c.Used && c.InvalidatedAt == nil
}

// UserPolicy is the per-user verification configuration resolved by the UserPolicyProvider.
type UserPolicy struct {
	UserID             uuid.UUID `json:"user_id"`
	TransactionPINHash string    `json:"-"`
	ImfCode            string    `json:"-"`
	TaxCode            string    `json:"-"`
	CotCode            string    `json:"-"`
	OtpOptOut          bool      `json:"otp_opt_out"`
	OtpEnabled         bool      `json:"otp_enabled"` // global setting folded in by the provider
}

// CodeFor returns the configured verification code for a code step.
func (p *UserPolicy) CodeFor(step Step) string {
	switch step {
	case StepImf:
		return p.ImfCode
	case StepTax:
		return p.TaxCode
	case StepCot:
		return p.CotCode
	default:
		return ""
	}
}

// InitiateTransferRequest is the DTO for incoming transfer initiation API requests.
type InitiateTransferRequest struct {
	Type                 TransferType `json:"type" validate:"required,oneof=internal account_to_account domestic wire"`
	SourceAccountID      uuid.UUID    `json:"source_account_id" validate:"required"`
	DestinationAccountID *uuid.UUID   `json:"destination_account_id,omitempty"`
	Amount               int64        `json:"amount" validate:"required,gt=0"` // in minor units
	Description          string       `json:"description" validate:"max=255"`
	Beneficiary          *Beneficiary `json:"beneficiary,omitempty"`
}

// TransferView is the read model exposed to statement, notification and dashboard consumers.
type TransferView struct {
	ID            uuid.UUID      `json:"id"`
	Reference     string         `json:"reference_number"`
	Type          TransferType   `json:"type"`
	Status        TransferStatus `json:"status"`
	CurrentStep   Step           `json:"current_step"`
	Amount        int64          `json:"amount"`
	Fee           int64          `json:"fee"`
	Total         int64          `json:"total"`
	Currency      string         `json:"currency"`
	Description   string         `json:"description,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	PinVerifiedAt *time.Time     `json:"pin_verified_at,omitempty"`
	ImfVerifiedAt *time.Time     `json:"imf_verified_at,omitempty"`
	TaxVerifiedAt *time.Time     `json:"tax_verified_at,omitempty"`
	CotVerifiedAt *time.Time     `json:"cot_verified_at,omitempty"`
	OtpVerifiedAt *time.Time     `json:"otp_verified_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// View projects the transfer onto its read model.
func (t *Transfer) View() TransferView {
	return TransferView{
		ID:            t.ID,
		Reference:     t.Reference,
		Type:          t.Type,
		Status:        t.Status,
		CurrentStep:   t.CurrentStep,
		Amount:        t.Amount,
		Fee:           t.Fee,
		Total:         t.Total,
		Currency:      t.Currency,
		Description:   t.Description,
		FailureReason: t.FailureReason,
		PinVerifiedAt: t.PinVerifiedAt,
		ImfVerifiedAt: t.ImfVerifiedAt,
		TaxVerifiedAt: t.TaxVerifiedAt,
		CotVerifiedAt: t.CotVerifiedAt,
		OtpVerifiedAt: t.OtpVerifiedAt,
		CompletedAt:   t.CompletedAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// ListOptions controls pagination for read-model queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps the options to sane paging bounds.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
