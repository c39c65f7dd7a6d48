package exchange

import (
	"context"
	"fmt"
	"sync"
)

// Paper is the simulated venue: orders fill instantly at the posted mark
// price and no network is involved. It backs dry-run deployments and the
// test suite.
type Paper struct {
	mu        sync.Mutex
	marks     map[string]float64
	balances  map[int64]Balance
	rules     map[string]SymbolRules
	positions map[string]*PositionInfo      // credID|symbol
	orders    map[string]paperReduceOrder   // live reduce orders by id
	leverage  map[string]int                // credID|symbol
	failures  map[string]error              // op name -> error injected once
	nextID    int64
}

type paperReduceOrder struct {
	credID  int64
	symbol  string
	side    string
	qty     float64
	trigger float64
	kind    string
}

// NewPaper creates an empty simulated venue
func NewPaper() *Paper {
	return &Paper{
		marks:     make(map[string]float64),
		balances:  make(map[int64]Balance),
		rules:     make(map[string]SymbolRules),
		positions: make(map[string]*PositionInfo),
		orders:    make(map[string]paperReduceOrder),
		leverage:  make(map[string]int),
		failures:  make(map[string]error),
	}
}

// ID returns the exchange identifier
func (p *Paper) ID() string { return "paper" }

// SetMark posts the mark price for a symbol
func (p *Paper) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

// SetBalance posts the balance for a credential
func (p *Paper) SetBalance(credID int64, equity, available float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[credID] = Balance{Equity: equity, Available: available}
}

// SetRules posts the numeric rules for a symbol
func (p *Paper) SetRules(symbol string, r SymbolRules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[symbol] = r
}

// FailNext injects one error for the named operation
// ("market", "reduce", "cancel", "balance", "position", "leverage").
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *Paper) takeFailure(op string) error {
	if err, ok := p.failures[op]; ok {
		delete(p.failures, op)
		return err
	}
	return nil
}

// OpenOrderCount reports live reduce orders for a credential and symbol
func (p *Paper) OpenOrderCount(credID int64, symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.credID == credID && o.symbol == symbol {
			n++
		}
	}
	return n
}

func posKey(credID int64, symbol string) string {
	return fmt.Sprintf("%d|%s", credID, symbol)
}

// FetchBalance returns the posted balance
func (p *Paper) FetchBalance(ctx context.Context, creds Credentials) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("balance"); err != nil {
		return nil, err
	}
	b, ok := p.balances[creds.ID]
	if !ok {
		return &Balance{}, nil
	}
	return &b, nil
}

// FetchSymbolRules returns the posted rules, defaulting to permissive ones
func (p *Paper) FetchSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rules[symbol]; ok {
		return &r, nil
	}
	return &SymbolRules{TickSize: 0.01, QuantityStep: 0.001, MinNotional: 5, MaxLeverage: 125}, nil
}

// SetLeverage records the leverage setting
func (p *Paper) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("leverage"); err != nil {
		return err
	}
	p.leverage[posKey(creds.ID, symbol)] = leverage
	return nil
}

// SubmitMarket fills instantly at the posted mark and nets the position
func (p *Paper) SubmitMarket(ctx context.Context, creds Credentials, symbol, side string, quantity float64, reduceOnly bool) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("market"); err != nil {
		return nil, err
	}
	mark, ok := p.marks[symbol]
	if !ok {
		return nil, NewError(KindSymbol, "no mark price for "+symbol)
	}

	key := posKey(creds.ID, symbol)
	pos := p.positions[key]

	if reduceOnly {
		if pos == nil {
			return nil, NewError(KindReject, "reduce-only with no position")
		}
		if quantity >= pos.Quantity {
			delete(p.positions, key)
		} else {
			pos.Quantity -= quantity
		}
	} else {
		posSide := SideLong
		if side == Sell {
			posSide = SideShort
		}
		if pos == nil {
			p.positions[key] = &PositionInfo{Side: posSide, Quantity: quantity, EntryPrice: mark}
		} else if pos.Side == posSide {
			total := pos.Quantity + quantity
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + mark*quantity) / total
			pos.Quantity = total
		} else {
			return nil, NewError(KindReject, "opposing position open")
		}
	}

	p.nextID++
	return &OrderResult{
		OrderID:   fmt.Sprintf("paper-%d", p.nextID),
		FillPrice: mark,
		FilledQty: quantity,
	}, nil
}

// SubmitReduceOrder records a live trigger order
func (p *Paper) SubmitReduceOrder(ctx context.Context, creds Credentials, symbol, side string, quantity, triggerPrice float64, kind string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("reduce"); err != nil {
		return nil, err
	}
	p.nextID++
	id := fmt.Sprintf("paper-%d", p.nextID)
	p.orders[id] = paperReduceOrder{
		credID: creds.ID, symbol: symbol, side: side,
		qty: quantity, trigger: triggerPrice, kind: kind,
	}
	return &OrderResult{OrderID: id}, nil
}

// CancelOrder drops a live reduce order
func (p *Paper) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cancel"); err != nil {
		return err
	}
	delete(p.orders, orderID)
	return nil
}

// FetchPosition returns the simulated position, nil when flat
func (p *Paper) FetchPosition(ctx context.Context, creds Credentials, symbol string) (*PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("position"); err != nil {
		return nil, err
	}
	pos, ok := p.positions[posKey(creds.ID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

// MarkPrice returns the posted mark price
func (p *Paper) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mark, ok := p.marks[symbol]
	if !ok {
		return 0, NewError(KindSymbol, "no mark price for "+symbol)
	}
	return mark, nil
}

// RemovePosition clears the venue-side position, simulating an external close
// (TP or SL filling between supervisor ticks).
func (p *Paper) RemovePosition(credID int64, symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, posKey(credID, symbol))
}
