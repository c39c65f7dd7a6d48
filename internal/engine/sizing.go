package engine

import "copytrader/internal/exchange"

// SizeQuantity converts a risk allocation into an order quantity:
// margin = available * risk%, notional = margin * leverage, qty = notional / mark,
// snapped down to the venue's quantity step. Returns 0 when the snapped order
// falls below the venue's minimum notional.
func SizeQuantity(available, riskPercent float64, leverage int, mark float64, rules *exchange.SymbolRules) float64 {
	if available <= 0 || riskPercent <= 0 || leverage < 1 || mark <= 0 {
		return 0
	}
	notional := available * (riskPercent / 100) * float64(leverage)
	qty := exchange.RoundQuantityDown(notional/mark, rules.QuantityStep)
	if qty <= 0 {
		return 0
	}
	if rules.MinNotional > 0 && qty*mark < rules.MinNotional {
		return 0
	}
	return qty
}
