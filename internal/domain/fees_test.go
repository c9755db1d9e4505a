package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name      string
		schedule  FeeSchedule
		amount    int64
		wantFee   int64
		wantTotal int64
	}{
		{"flat only", FeeSchedule{FlatFee: 2500}, 8000, 2500, 10500},
		{"zero fee", FeeSchedule{}, 5000, 0, 5000},
		{"percent floors", FeeSchedule{PercentFee: decimal.RequireFromString("1.5")}, 999, 14, 1013},
		{"flat plus percent", FeeSchedule{FlatFee: 100, PercentFee: decimal.NewFromInt(1)}, 10000, 200, 10200},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fee, total, err := tc.schedule.ComputeFee(tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFee, fee)
			assert.Equal(t, tc.wantTotal, total)
		})
	}
}

func TestComputeFeeOverflow(t *testing.T) {
	_, _, err := FeeSchedule{FlatFee: 10}.ComputeFee(maxInt64 - 1)
	assert.ErrorIs(t, err, ErrFeeOverflow)
}

func TestLimits(t *testing.T) {
	s := FeeSchedule{PerTransactionLimit: 1000, DailyLimit: 5000}
	assert.False(t, s.ExceedsPerTransactionLimit(1000))
	assert.True(t, s.ExceedsPerTransactionLimit(1001))
	assert.False(t, s.ExceedsDailyLimit(4000, 1000))
	assert.True(t, s.ExceedsDailyLimit(4001, 1000))

	unlimited := FeeSchedule{}
	assert.False(t, unlimited.ExceedsPerTransactionLimit(maxInt64))
	assert.False(t, unlimited.ExceedsDailyLimit(maxInt64, 1))
}
