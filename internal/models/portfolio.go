package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recalc re-establishes the portfolio invariant after any mutation:
// every position's market value and unrealized P&L are derived from its
// current price, total_value = cash + sum of market values, and position
// weights are recomputed against the new total.
func (p *Portfolio) Recalc() {
	total := p.Cash
	for i := range p.Positions {
		pos := &p.Positions[i]
		pos.MarketValue = pos.Shares.Mul(pos.CurrentPrice)
		pos.UnrealizedPL = pos.CurrentPrice.Sub(pos.AvgCost).Mul(pos.Shares)
		total = total.Add(pos.MarketValue)
	}
	p.TotalValue = total

	for i := range p.Positions {
		pos := &p.Positions[i]
		if total.IsZero() {
			pos.WeightPct = decimal.Zero
			continue
		}
		pos.WeightPct = pos.MarketValue.Div(total).Mul(decimal.NewFromInt(100)).Round(2)
	}

	p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// FindPosition returns a pointer to the position for symbol, or nil.
func (p *Portfolio) FindPosition(symbol string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			return &p.Positions[i]
		}
	}
	return nil
}

// RemovePosition deletes the position for symbol if present.
func (p *Portfolio) RemovePosition(symbol string) {
	out := p.Positions[:0]
	for _, pos := range p.Positions {
		if pos.Symbol != symbol {
			out = append(out, pos)
		}
	}
	p.Positions = out
}
