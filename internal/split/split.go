// Package split computes the three-way division of a consignment sale.
package split

import "github.com/shopspring/decimal"

const places = 2

var (
	ownerRate    = decimal.RequireFromString("0.70")
	merchantRate = decimal.RequireFromString("0.20")
)

// Shares is the result of one split. Owner + Merchant + Platform == Gross.
type Shares struct {
	Gross    decimal.Decimal
	Owner    decimal.Decimal
	Merchant decimal.Decimal
	Platform decimal.Decimal
}

// Calculate splits gross 70/20 between owner and merchant and gives the
// platform whatever remains, so rounding never breaks the sum. Zero or
// negative input yields all-zero shares.
func Calculate(gross decimal.Decimal) Shares {
	if !gross.IsPositive() {
		return Shares{Gross: decimal.Zero, Owner: decimal.Zero, Merchant: decimal.Zero, Platform: decimal.Zero}
	}
	gross = gross.Round(places)
	owner := gross.Mul(ownerRate).Round(places)
	merchant := gross.Mul(merchantRate).Round(places)
	return Shares{
		Gross:    gross,
		Owner:    owner,
		Merchant: merchant,
		Platform: gross.Sub(owner).Sub(merchant),
	}
}
