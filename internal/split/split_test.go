package split

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		gross, owner, merchant, platform string
	}{
		{"100.00", "70.00", "20.00", "10.00"},
		{"50.00", "35.00", "10.00", "5.00"},
		{"0.01", "0.01", "0.00", "0.00"},
		{"0.05", "0.04", "0.01", "0.00"},
		{"19.99", "13.99", "4.00", "2.00"},
		{"999999.99", "699999.99", "200000.00", "100000.00"},
	}
	for _, tt := range tests {
		t.Run(tt.gross, func(t *testing.T) {
			s := Calculate(decimal.RequireFromString(tt.gross))
			assert.True(t, s.Owner.Equal(decimal.RequireFromString(tt.owner)), "owner %s", s.Owner)
			assert.True(t, s.Merchant.Equal(decimal.RequireFromString(tt.merchant)), "merchant %s", s.Merchant)
			assert.True(t, s.Platform.Equal(decimal.RequireFromString(tt.platform)), "platform %s", s.Platform)
		})
	}
}

func TestCalculate_SumAlwaysEqualsGross(t *testing.T) {
	for cents := int64(1); cents <= 20000; cents++ {
		gross := decimal.New(cents, -2)
		s := Calculate(gross)
		sum := s.Owner.Add(s.Merchant).Add(s.Platform)
		if !sum.Equal(gross) {
			t.Fatalf("gross %s split into %s/%s/%s sums to %s", gross, s.Owner, s.Merchant, s.Platform, sum)
		}
		assert.False(t, s.Platform.IsNegative(), "platform share negative for %s", gross)
	}
}

func TestCalculate_NonPositive(t *testing.T) {
	for _, g := range []string{"0", "-0.01", "-100"} {
		s := Calculate(decimal.RequireFromString(g))
		assert.True(t, s.Owner.IsZero())
		assert.True(t, s.Merchant.IsZero())
		assert.True(t, s.Platform.IsZero())
		assert.True(t, s.Gross.IsZero())
	}
}
