package stoploss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundwatch/internal/broker"
	"fundwatch/internal/config"
	"fundwatch/internal/ledger"
	"fundwatch/internal/logger"
	"fundwatch/internal/models"
	"fundwatch/internal/notify"
	"fundwatch/internal/store"
)

// Monitor detects positions whose live price has fallen to or below their
// protective floor and liquidates them at most once per breach.
type Monitor struct {
	store   *store.Store
	ledger  *ledger.Ledger
	gateway broker.Factory
}

func New(st *store.Store, lg *ledger.Ledger, gw broker.Factory) *Monitor {
	return &Monitor{store: st, ledger: lg, gateway: gw}
}

// ExecReport lists the per-symbol outcome of one execute batch. Each symbol's
// order + ledger entry commits independently, so a failure affects only its
// own symbol. SettleErr is set when the post-liquidation portfolio write
// failed: the sold symbols are still in the persisted portfolio and the next
// check would re-detect them, so callers must treat it as an error.
type ExecReport struct {
	Sold      []models.StopLossEvent
	Failed    map[string]error
	SettleErr error
}

// Check is the read-only phase: load the portfolio, select positions with a
// positive share count and a configured stop, fetch live prices for exactly
// those symbols in one call, and return the breached subset. No eligible
// positions means no price call at all.
func (m *Monitor) Check(ctx context.Context, fund config.FundConfig) ([]models.StopLossEvent, error) {
	pf, err := m.store.LoadPortfolio(fund.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil // fund has no portfolio yet, nothing to protect
	}
	if err != nil {
		return nil, err
	}

	var eligible []models.Position
	for _, pos := range pf.Positions {
		if pos.Shares.IsPositive() && pos.StopLoss.IsPositive() {
			eligible = append(eligible, pos)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	symbols := make([]string, len(eligible))
	for i, pos := range eligible {
		symbols[i] = pos.Symbol
	}

	prices, err := m.gateway(fund).GetPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	var events []models.StopLossEvent
	for _, pos := range eligible {
		price, ok := prices[pos.Symbol]
		if !ok || !price.IsPositive() {
			logger.WithFund(fund.ID).Warnf("no price for %s, skipping stop check", pos.Symbol)
			continue
		}
		if price.GreaterThan(pos.StopLoss) {
			continue
		}

		loss := price.Sub(pos.AvgCost).Mul(pos.Shares)
		lossPct := decimal.Zero
		if pos.AvgCost.IsPositive() {
			lossPct = price.Sub(pos.AvgCost).Div(pos.AvgCost).Mul(decimal.NewFromInt(100))
		}
		events = append(events, models.StopLossEvent{
			Symbol:        pos.Symbol,
			Shares:        pos.Shares,
			StopPrice:     pos.StopLoss,
			ObservedPrice: price,
			AvgCost:       pos.AvgCost,
			Loss:          loss,
			LossPct:       lossPct,
		})
	}
	return events, nil
}

// Execute is the mutating phase: one market sell plus one ledger entry per
// event, then a single portfolio rewrite reflecting only the symbols that
// were actually confirmed sold. The executor trusts the check phase's price
// snapshot and does not re-read prices mid-batch.
func (m *Monitor) Execute(ctx context.Context, fund config.FundConfig, events []models.StopLossEvent) ExecReport {
	report := ExecReport{Failed: map[string]error{}}
	if len(events) == 0 {
		return report
	}

	gw := m.gateway(fund)
	flog := logger.WithFund(fund.ID)

	for _, ev := range events {
		ack, err := gw.PlaceMarketSell(ctx, ev.Symbol, ev.Shares)
		if err != nil {
			// Per-symbol isolation: the rest of the batch still runs.
			flog.Errorf("stop-loss sell failed for %s: %v", ev.Symbol, err)
			report.Failed[ev.Symbol] = err
			continue
		}
		flog.Infof("stop-loss sell placed for %s: order %s (%s shares @ ~$%s)",
			ev.Symbol, ack.OrderID, ev.Shares.String(), ev.ObservedPrice.StringFixed(2))

		reasoning := fmt.Sprintf(
			"Stop loss triggered: price $%s breached stop $%s (avg cost $%s, loss $%s, %s%%)",
			ev.ObservedPrice.StringFixed(2), ev.StopPrice.StringFixed(2),
			ev.AvgCost.StringFixed(2), ev.Loss.StringFixed(2), ev.LossPct.StringFixed(1))

		entry, err := m.ledger.Append(models.TradeEntry{
			Fund:        fund.ID,
			Symbol:      ev.Symbol,
			Side:        "sell",
			Quantity:    ev.Shares,
			Price:       ev.ObservedPrice,
			TotalValue:  ev.Shares.Mul(ev.ObservedPrice),
			OrderType:   "market",
			SessionType: "stop_loss",
			Reasoning:   reasoning,
		})
		if err != nil {
			// The order is already live; the symbol still counts as sold so
			// the portfolio write stays truthful.
			flog.Errorf("ledger write failed for %s sell: %v", ev.Symbol, err)
		} else {
			m.linkClose(fund.ID, ev, entry.Timestamp)
		}

		report.Sold = append(report.Sold, ev)
	}

	if len(report.Sold) > 0 {
		if err := m.settle(fund, report.Sold); err != nil {
			flog.Errorf("portfolio settle after stop-loss failed: %v", err)
			report.SettleErr = err
		}
		m.notifyBreaches(fund, report.Sold)
	}
	return report
}

// linkClose fills the close-linkage columns on the oldest open buy row for
// the liquidated symbol, if one exists.
func (m *Monitor) linkClose(fundID string, ev models.StopLossEvent, closedAt time.Time) {
	buys, err := m.ledger.OpenBuys(fundID, ev.Symbol)
	if err != nil {
		logger.WithFund(fundID).Warnf("open-buy lookup failed for %s: %v", ev.Symbol, err)
		return
	}
	if len(buys) == 0 {
		return
	}
	if err := m.ledger.CloseTrade(buys[0].ID, closedAt, ev.ObservedPrice); err != nil {
		logger.WithFund(fundID).Warnf("close linkage failed for %s: %v", ev.Symbol, err)
	}
}

// settle re-reads the portfolio once, removes the liquidated symbols, adds
// the sale proceeds to cash, and persists atomically with the invariant
// re-established.
func (m *Monitor) settle(fund config.FundConfig, sold []models.StopLossEvent) error {
	pf, err := m.store.LoadPortfolio(fund.ID)
	if err != nil {
		return err
	}

	for _, ev := range sold {
		pos := pf.FindPosition(ev.Symbol)
		if pos == nil {
			continue // already gone, e.g. a concurrent sync removed it
		}
		proceeds := pos.Shares.Mul(ev.ObservedPrice)
		pf.Cash = pf.Cash.Add(proceeds)
		pf.RemovePosition(ev.Symbol)
	}

	pf.Recalc()
	return m.store.SavePortfolio(fund.ID, pf)
}

func (m *Monitor) notifyBreaches(fund config.FundConfig, sold []models.StopLossEvent) {
	for _, ev := range sold {
		notify.Notify(fmt.Sprintf("🛑 *STOP LOSS: %s*\nFund: %s\nSold %s shares @ $%s (stop $%s, loss $%s / %s%%)",
			ev.Symbol, fund.Name, ev.Shares.String(), ev.ObservedPrice.StringFixed(2),
			ev.StopPrice.StringFixed(2), ev.Loss.StringFixed(2), ev.LossPct.StringFixed(1)))
	}
}

// ApplyDefaultStops backfills a default stop price for any position lacking
// one, from the fund's risk profile. Idempotent; an explicitly set stop is
// never overwritten.
func (m *Monitor) ApplyDefaultStops(fund config.FundConfig) error {
	if fund.Risk.StopLossPct <= 0 {
		return nil
	}

	pf, err := m.store.LoadPortfolio(fund.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	factor := decimal.NewFromInt(1).Sub(
		decimal.NewFromFloat(fund.Risk.StopLossPct).Div(decimal.NewFromInt(100)))

	changed := false
	for i := range pf.Positions {
		pos := &pf.Positions[i]
		if !pos.StopLoss.IsZero() || !pos.Shares.IsPositive() {
			continue
		}
		pos.StopLoss = pos.AvgCost.Mul(factor).Round(2)
		changed = true
		logger.WithFund(fund.ID).Infof("default stop for %s: $%s (avg cost $%s, %.1f%%)",
			pos.Symbol, pos.StopLoss.StringFixed(2), pos.AvgCost.StringFixed(2), fund.Risk.StopLossPct)
	}
	if !changed {
		return nil
	}

	pf.Recalc()
	return m.store.SavePortfolio(fund.ID, pf)
}
