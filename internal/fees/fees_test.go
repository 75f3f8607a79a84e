package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kerjapay/escrowd/internal/money"
)

func TestCommission_Tiers(t *testing.T) {
	cases := []struct {
		gross string
		want  string
	}{
		{"75.00", "11.25"},      // 15% tier
		{"300.00", "45.00"},     // 15% tier
		{"500.00", "75.00"},     // top of 15% band
		{"500.01", "50.00"},     // bottom of 10% band
		{"1000.00", "100.00"},   // 10% tier
		{"2000.00", "200.00"},   // top of 10% band
		{"2000.01", "100.00"},   // bottom of 5% band
		{"10000.00", "500.00"},  // 5% tier
		{"0.01", "0.00"},        // 0.0015 rounds down
		{"0.05", "0.01"},        // 0.0075 rounds up
	}
	for _, tc := range cases {
		got := Commission(money.MustParse(tc.gross))
		assert.Equal(t, tc.want, money.Format(got), "gross=%s", tc.gross)
	}
}

func TestWithholding(t *testing.T) {
	cases := []struct {
		net  string
		want string
	}{
		{"63.75", "0.80"},  // 0.796875 rounds up
		{"900.00", "11.25"},
		{"255.00", "3.19"}, // 3.1875 rounds up
		{"0.00", "0.00"},
	}
	for _, tc := range cases {
		got := Withholding(money.MustParse(tc.net))
		assert.Equal(t, tc.want, money.Format(got), "net=%s", tc.net)
	}
}

func TestCompute_Scenarios(t *testing.T) {
	cases := []struct {
		gross, commission, net, withholding, payout string
	}{
		{"75.00", "11.25", "63.75", "0.80", "62.95"},
		{"1000.00", "100.00", "900.00", "11.25", "888.75"},
		{"300.00", "45.00", "255.00", "3.19", "251.81"},
	}
	for _, tc := range cases {
		b := Compute(money.MustParse(tc.gross))
		assert.Equal(t, tc.commission, money.Format(b.Commission), "gross=%s", tc.gross)
		assert.Equal(t, tc.net, money.Format(b.Net), "gross=%s", tc.gross)
		assert.Equal(t, tc.withholding, money.Format(b.Withholding), "gross=%s", tc.gross)
		assert.Equal(t, tc.payout, money.Format(b.Payout), "gross=%s", tc.gross)
	}
}

func TestFinalPayout_NonNegative(t *testing.T) {
	for _, net := range []string{"0.00", "0.01", "1.00", "888.75"} {
		p := FinalPayout(money.MustParse(net))
		assert.False(t, p.IsNegative(), "net=%s", net)
	}
}
