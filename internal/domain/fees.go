package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrFeeOverflow is returned when amount plus fee does not fit in int64 minor units.
var ErrFeeOverflow = errors.New("transfer total overflows")

var hundred = decimal.NewFromInt(100)

// FeeSchedule is the per-transfer-type fee and limit configuration.
// PercentFee is a percentage (1.5 means 1.5%). A zero limit means unlimited.
type FeeSchedule struct {
	FlatFee             int64           `json:"flat_fee"`
	PercentFee          decimal.Decimal `json:"percent_fee"`
	PerTransactionLimit int64           `json:"per_transaction_limit"`
	DailyLimit          int64           `json:"daily_limit"`
}

// ComputeFee returns the fee and total for amount: fee = flat + floor(amount * percent / 100).
func (s FeeSchedule) ComputeFee(amount int64) (fee int64, total int64, err error) {
	variable := decimal.NewFromInt(amount).Mul(s.PercentFee).Div(hundred).Floor()
	if variable.GreaterThan(decimal.NewFromInt(maxInt64)) {
		return 0, 0, ErrFeeOverflow
	}
	fee = s.FlatFee + variable.IntPart()
	if fee < 0 {
		return 0, 0, ErrFeeOverflow
	}
	total = amount + fee
	if total < amount {
		return 0, 0, ErrFeeOverflow
	}
	return fee, total, nil
}

// ExceedsPerTransactionLimit reports whether total is above the per-transaction cap.
func (s FeeSchedule) ExceedsPerTransactionLimit(total int64) bool {
	return s.PerTransactionLimit > 0 && total > s.PerTransactionLimit
}

// ExceedsDailyLimit reports whether spentToday plus total is above the daily cap.
func (s FeeSchedule) ExceedsDailyLimit(spentToday, total int64) bool {
	if s.DailyLimit <= 0 {
		return false
	}
	sum := spentToday + total
	return sum < spentToday || sum > s.DailyLimit
}

const maxInt64 = 1<<63 - 1
