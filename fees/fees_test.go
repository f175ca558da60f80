package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		want   Breakdown
	}{
		{
			name:   "one hundred dollars",
			amount: 10000,
			want:   Breakdown{ProcessingFee: 320, PlatformFee: 1000, NetAmount: 8680, Total: 10000},
		},
		{
			name:   "fifty dollars",
			amount: 5000,
			want:   Breakdown{ProcessingFee: 175, PlatformFee: 500, NetAmount: 4325, Total: 5000},
		},
		{
			name:   "rounds half away from zero",
			amount: 1005,
			want:   Breakdown{ProcessingFee: 59, PlatformFee: 101, NetAmount: 845, Total: 1005},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateDollars(t *testing.T) {
	b, err := Calculate(10000)
	require.NoError(t, err)

	d := b.Dollars()
	assert.Equal(t, 3.20, d.ProcessingFee)
	assert.Equal(t, 10.00, d.PlatformFee)
	assert.Equal(t, 86.80, d.NetAmount)
	assert.Equal(t, 100.00, d.Total)
}

func TestCalculateSumsToAmount(t *testing.T) {
	for amount := int64(1); amount <= 250000; amount += 37 {
		b, err := Calculate(amount)
		require.NoError(t, err)
		if b.ProcessingFee+b.PlatformFee+b.NetAmount != amount {
			t.Fatalf("fees for %d do not add up: %+v", amount, b)
		}
		if b.Total != amount {
			t.Fatalf("total for %d = %d", amount, b.Total)
		}
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	for _, amount := range []int64{0, -1, -10000} {
		_, err := Calculate(amount)
		assert.ErrorIs(t, err, ErrNonPositiveAmount)
	}
}

func TestCalculateSmallAmountGoesNegative(t *testing.T) {
	b, err := Calculate(20)
	require.NoError(t, err)
	assert.True(t, b.Negative())
	assert.Equal(t, int64(20), b.ProcessingFee+b.PlatformFee+b.NetAmount)
}

func TestToMinor(t *testing.T) {
	assert.Equal(t, int64(10000), ToMinor(100.00))
	assert.Equal(t, int64(1999), ToMinor(19.99))
	assert.Equal(t, int64(-250), ToMinor(-2.5))
}
