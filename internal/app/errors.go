package app

import (
	"errors"
	"fmt"
)

// Error taxonomy. Specific errors wrap one of these so callers can dispatch with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrAuthorization      = errors.New("authorization error")
	ErrPolicyViolation    = errors.New("policy violation")
	ErrStepSequence       = errors.New("operation does not match the transfer's current step")
	ErrVerificationFailed = errors.New("verification failed")
	ErrSettlementFailed   = errors.New("settlement failed")
	ErrTransferNotPending = errors.New("transfer is not pending")
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrReferenceExhausted = errors.New("could not allocate a unique reference number")
)

var (
	ErrInvalidAmount           = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	ErrUnsupportedTransferType = fmt.Errorf("%w: unsupported transfer type", ErrValidation)
	ErrInvalidBeneficiary      = fmt.Errorf("%w: invalid beneficiary", ErrValidation)
	ErrAccountNotOwned         = fmt.Errorf("%w: account does not belong to user", ErrAuthorization)
	ErrAccountInactive         = fmt.Errorf("%w: account is inactive", ErrAuthorization)
	ErrInsufficientBalance     = fmt.Errorf("%w: insufficient balance", ErrPolicyViolation)
	ErrLimitExceeded           = fmt.Errorf("%w: transfer limit exceeded", ErrPolicyViolation)
)

// Failure reasons recorded on failed transfers.
const (
	ReasonInsufficientAtSettlement = "insufficient balance at settlement"
	ReasonSettlementError          = "settlement error"
)
