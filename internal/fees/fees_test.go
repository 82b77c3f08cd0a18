package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		escrow   float64
		platform float64
		total    float64
	}{
		{
			// 2.5% of 1000 is 25 and 3% is 30, both below the floor.
			name:     "small amount hits per-fee floor",
			amount:   1000,
			escrow:   100,
			platform: 100,
			total:    200,
		},
		{
			name:     "mid amount uses rates directly",
			amount:   20000,
			escrow:   500,
			platform: 600,
			total:    1100,
		},
		{
			name:     "large amount hits total ceiling",
			amount:   200000,
			escrow:   5000,
			platform: 6000,
			total:    5000,
		},
		{
			name:     "floor boundary",
			amount:   4000,
			escrow:   100,
			platform: 120,
			total:    220,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.escrow, got.EscrowFee)
			assert.Equal(t, tt.platform, got.PlatformFee)
			assert.Equal(t, tt.total, got.TotalFee)
		})
	}
}

func TestCalculateBounds(t *testing.T) {
	for _, amount := range []float64{1, 500, 3999, 4001, 50000, 1e6} {
		got, err := Calculate(amount)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.EscrowFee, float64(MinimumFee), "amount %v", amount)
		assert.GreaterOrEqual(t, got.PlatformFee, float64(MinimumFee), "amount %v", amount)
		assert.LessOrEqual(t, got.TotalFee, float64(MaximumFee), "amount %v", amount)
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	for _, amount := range []float64{0, -1, -1000} {
		_, err := Calculate(amount)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %v", amount)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	a, err := Calculate(12345.67)
	require.NoError(t, err)
	b, err := Calculate(12345.67)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
