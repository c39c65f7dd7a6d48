package engine

import (
	"math"
	"testing"

	"copytrader/internal/exchange"
)

func TestSizeQuantity(t *testing.T) {
	rules := &exchange.SymbolRules{QuantityStep: 0.001, MinNotional: 100}

	cases := []struct {
		name      string
		available float64
		risk      float64
		leverage  int
		mark      float64
		want      float64
	}{
		// 10000 * 3% * 2x = 600 notional -> 0.012 BTC @ 50000
		{"happy path", 10000, 3, 2, 50000, 0.012},
		// 5000 * 3% * 2x = 300 -> 0.006
		{"half balance", 5000, 3, 2, 50000, 0.006},
		// raw 0.01998 snaps down to 0.019
		{"snaps down to step", 9990, 10, 1, 50000, 0.019},
		// 1000 * 1% * 1x = 10 notional, below min notional 100
		{"below min notional", 1000, 1, 1, 50000, 0},
		{"zero balance", 0, 3, 2, 50000, 0},
		{"zero mark", 10000, 3, 2, 0, 0},
	}
	for _, c := range cases {
		got := SizeQuantity(c.available, c.risk, c.leverage, c.mark, rules)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s: SizeQuantity = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSizeQuantityNeverExceedsBudget(t *testing.T) {
	rules := &exchange.SymbolRules{QuantityStep: 0.001, MinNotional: 5}
	qty := SizeQuantity(8000, 2.5, 3, 41777.77, rules)
	budget := 8000 * 0.025 * 3
	if qty*41777.77 > budget+1e-6 {
		t.Errorf("sized notional %v exceeds budget %v", qty*41777.77, budget)
	}
}
