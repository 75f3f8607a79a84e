// Package fees computes the platform commission and the statutory
// worker-security withholding for a settlement.
//
// Commission is tiered on the gross amount:
//
//	gross <= 500          15%
//	500 < gross <= 2000   10%
//	gross > 2000           5%
//
// Withholding is 1.25% of net earnings (gross minus commission), never of
// gross. All results are rounded half-up to 2 decimal places (see money).
// Everything here is pure and deterministic.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/money"
)

var (
	tierLow  = decimal.NewFromInt(500)
	tierHigh = decimal.NewFromInt(2000)

	rateLow     = decimal.NewFromFloat(0.15)
	rateMid     = decimal.NewFromFloat(0.10)
	rateHigh    = decimal.NewFromFloat(0.05)
	rateStatute = decimal.NewFromFloat(0.0125)
)

// Commission returns the tiered platform fee for a gross amount.
func Commission(gross decimal.Decimal) decimal.Decimal {
	var rate decimal.Decimal
	switch {
	case gross.LessThanOrEqual(tierLow):
		rate = rateLow
	case gross.LessThanOrEqual(tierHigh):
		rate = rateMid
	default:
		rate = rateHigh
	}
	return money.Round2(gross.Mul(rate))
}

// Withholding returns the statutory worker-security deduction on net
// earnings: max(0, round2(net * 0.0125)).
func Withholding(net decimal.Decimal) decimal.Decimal {
	w := money.Round2(net.Mul(rateStatute))
	if w.Sign() < 0 {
		return decimal.Zero
	}
	return w
}

// FinalPayout returns net earnings minus the statutory withholding.
func FinalPayout(net decimal.Decimal) decimal.Decimal {
	return net.Sub(Withholding(net))
}

// Breakdown is the full fee decomposition of a single settlement.
type Breakdown struct {
	Gross       decimal.Decimal `json:"gross"`
	Commission  decimal.Decimal `json:"commission"`
	Net         decimal.Decimal `json:"net"`
	Withholding decimal.Decimal `json:"withholding"`
	Payout      decimal.Decimal `json:"payout"`
}

// Compute decomposes a gross amount into commission, net earnings,
// withholding, and the final payout credited to the freelancer.
func Compute(gross decimal.Decimal) Breakdown {
	commission := Commission(gross)
	net := gross.Sub(commission)
	withholding := Withholding(net)
	return Breakdown{
		Gross:       gross,
		Commission:  commission,
		Net:         net,
		Withholding: withholding,
		Payout:      net.Sub(withholding),
	}
}
