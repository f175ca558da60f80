package fees

import (
	"github.com/pkg/errors"
)

// ErrNonPositiveAmount is returned when fees are requested for an amount <= 0.
var ErrNonPositiveAmount = errors.New("amount must be greater than zero")

// Rates holds the fee parameters. Percentages are expressed in basis points
// (1/100 of a percent), fixed fees in minor currency units.
type Rates struct {
	ProcessingBasisPoints int64 `json:"processing_basis_points"`
	ProcessingFixed       int64 `json:"processing_fixed"`
	PlatformBasisPoints   int64 `json:"platform_basis_points"`
}

// DefaultRates are 2.9% + $0.30 processing and a 10% platform fee.
var DefaultRates = Rates{
	ProcessingBasisPoints: 290,
	ProcessingFixed:       30,
	PlatformBasisPoints:   1000,
}

// Breakdown is the result of a fee calculation, all values in cents.
type Breakdown struct {
	ProcessingFee int64 `json:"processing_fee"`
	PlatformFee   int64 `json:"platform_fee"`
	NetAmount     int64 `json:"net_amount"`
	Total         int64 `json:"total"`
}

// DollarBreakdown is the two decimal view of a Breakdown.
type DollarBreakdown struct {
	ProcessingFee float64 `json:"processingFee"`
	PlatformFee   float64 `json:"platformFee"`
	NetAmount     float64 `json:"netAmount"`
	Total         float64 `json:"total"`
}

// Calculate computes the fee breakdown of amount with DefaultRates.
func Calculate(amount int64) (Breakdown, error) {
	return DefaultRates.Calculate(amount)
}

// Calculate computes the fee breakdown of amount with the receiver rates.
// NetAmount is not clamped: for very small amounts the fees can exceed the
// amount and NetAmount goes negative, see Breakdown.Negative.
func (r Rates) Calculate(amount int64) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, ErrNonPositiveAmount
	}

	processing := percentOf(amount, r.ProcessingBasisPoints) + r.ProcessingFixed
	platform := percentOf(amount, r.PlatformBasisPoints)

	return Breakdown{
		ProcessingFee: processing,
		PlatformFee:   platform,
		NetAmount:     amount - processing - platform,
		Total:         amount,
	}, nil
}

// Negative reports whether the fees exceed the gross amount.
func (b Breakdown) Negative() bool {
	return b.NetAmount < 0
}

// Dollars converts the breakdown to major units.
func (b Breakdown) Dollars() DollarBreakdown {
	return DollarBreakdown{
		ProcessingFee: ToMajor(b.ProcessingFee),
		PlatformFee:   ToMajor(b.PlatformFee),
		NetAmount:     ToMajor(b.NetAmount),
		Total:         ToMajor(b.Total),
	}
}

// ToMajor converts cents to a two decimal major unit value.
func ToMajor(cents int64) float64 {
	return float64(cents) / 100
}

// ToMinor converts a major unit value to cents, rounding half away from zero.
func ToMinor(major float64) int64 {
	if major < 0 {
		return -int64(-major*100 + 0.5)
	}
	return int64(major*100 + 0.5)
}

// percentOf returns amount*bp/10000 rounded half away from zero.
func percentOf(amount, basisPoints int64) int64 {
	product := amount * basisPoints
	if product < 0 {
		return -((-product + 5000) / 10000)
	}
	return (product + 5000) / 10000
}
