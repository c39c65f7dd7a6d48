package exchange

import "math"

// RoundQuantityDown snaps a raw quantity down to the venue's step.
// Quantity always rounds down so the order never exceeds the sized budget.
func RoundQuantityDown(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// RoundPriceDown snaps a price down to the tick grid
func RoundPriceDown(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+1e-9) * tick
}

// RoundPriceUp snaps a price up to the tick grid
func RoundPriceUp(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick-1e-9) * tick
}

// BracketPrices derives the TP and SL trigger prices for an entry. Both round
// toward entry: the conservative direction that a venue can never reject for
// being on the wrong side of the mark.
func BracketPrices(side string, entry, tpPct, slPct, tick float64) (tp, sl float64) {
	if side == SideLong {
		tp = RoundPriceDown(entry*(1+tpPct/100), tick)
		sl = RoundPriceUp(entry*(1-slPct/100), tick)
	} else {
		tp = RoundPriceUp(entry*(1-tpPct/100), tick)
		sl = RoundPriceDown(entry*(1+slPct/100), tick)
	}
	return tp, sl
}

// Position sides as the adapter reports them
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)
