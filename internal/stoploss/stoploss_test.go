package stoploss

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"fundwatch/internal/broker"
	"fundwatch/internal/config"
	"fundwatch/internal/ledger"
	"fundwatch/internal/models"
	"fundwatch/internal/store"
)

// fakeGateway records calls so tests can assert on batch sizes and orders.
type fakeGateway struct {
	prices      map[string]decimal.Decimal
	priceCalls  int
	lastSymbols []string
	sells       map[string]decimal.Decimal
	failSells   map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices:    map[string]decimal.Decimal{},
		sells:     map[string]decimal.Decimal{},
		failSells: map[string]error{},
	}
}

func (g *fakeGateway) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	g.priceCalls++
	g.lastSymbols = symbols
	out := map[string]decimal.Decimal{}
	for _, s := range symbols {
		if p, ok := g.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (g *fakeGateway) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*broker.OrderAck, error) {
	if err, ok := g.failSells[symbol]; ok {
		return nil, err
	}
	g.sells[symbol] = qty
	return &broker.OrderAck{OrderID: "ord-" + symbol, Symbol: symbol, Qty: qty, Status: "accepted"}, nil
}

func (g *fakeGateway) GetAccount(ctx context.Context) (*broker.AccountInfo, error) { return nil, nil }
func (g *fakeGateway) GetClock(ctx context.Context) (*broker.Clock, error)         { return nil, nil }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var testFund = config.FundConfig{
	ID:   "growth",
	Name: "Growth Fund",
	Risk: config.RiskConfig{StopLossPct: 10},
}

func newTestMonitor(t *testing.T, gw *fakeGateway) (*Monitor, *store.Store, *ledger.Ledger) {
	t.Helper()
	st := store.New(t.TempDir())
	lg, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })

	m := New(st, lg, func(f config.FundConfig) broker.Gateway { return gw })
	return m, st, lg
}

func seedPortfolio(t *testing.T, st *store.Store, positions ...models.Position) {
	t.Helper()
	pf := models.Portfolio{Cash: d("1000"), Positions: positions}
	pf.Recalc()
	if err := st.SavePortfolio(testFund.ID, pf); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
}

func TestCheckDetectsBreach(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("88")
	m, st, _ := newTestMonitor(t, gw)

	seedPortfolio(t, st, models.Position{
		Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"),
		CurrentPrice: d("95"), StopLoss: d("90"),
	})

	events, err := m.Check(context.Background(), testFund)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	// (88-100)*10 = -120; (88-100)/100*100 = -12%
	if !ev.Loss.Equal(d("-120")) {
		t.Errorf("loss: got %s, want -120", ev.Loss)
	}
	if !ev.LossPct.Equal(d("-12")) {
		t.Errorf("loss pct: got %s, want -12", ev.LossPct)
	}
	if !ev.ObservedPrice.Equal(d("88")) || !ev.StopPrice.Equal(d("90")) {
		t.Errorf("prices: observed %s, stop %s", ev.ObservedPrice, ev.StopPrice)
	}
}

func TestCheckNoEligibleSkipsPriceCall(t *testing.T) {
	gw := newFakeGateway()
	m, st, _ := newTestMonitor(t, gw)

	// Position without a stop, and one fully sold out.
	seedPortfolio(t, st,
		models.Position{Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"), CurrentPrice: d("95")},
		models.Position{Symbol: "MSFT", Shares: d("0"), AvgCost: d("300"), CurrentPrice: d("290"), StopLoss: d("280")},
	)

	events, err := m.Check(context.Background(), testFund)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if gw.priceCalls != 0 {
		t.Errorf("price call made with no eligible positions")
	}
}

func TestCheckBatchesOnlyEligibleSymbols(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("95")
	gw.prices["NVDA"] = d("200")
	m, st, _ := newTestMonitor(t, gw)

	seedPortfolio(t, st,
		models.Position{Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"), CurrentPrice: d("95"), StopLoss: d("90")},
		models.Position{Symbol: "MSFT", Shares: d("5"), AvgCost: d("300"), CurrentPrice: d("290")}, // no stop
		models.Position{Symbol: "NVDA", Shares: d("2"), AvgCost: d("180"), CurrentPrice: d("190"), StopLoss: d("170")},
	)

	if _, err := m.Check(context.Background(), testFund); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if gw.priceCalls != 1 {
		t.Errorf("expected exactly one batch price call, got %d", gw.priceCalls)
	}
	if len(gw.lastSymbols) != 2 {
		t.Errorf("expected 2 symbols in batch, got %v", gw.lastSymbols)
	}
}

func TestExecuteLiquidatesAndSettles(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("88")
	m, st, lg := newTestMonitor(t, gw)

	seedPortfolio(t, st, models.Position{
		Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"),
		CurrentPrice: d("95"), StopLoss: d("90"),
	})
	// The buy that opened the position; the sell should link back to it.
	buy, err := lg.Append(models.TradeEntry{
		Fund: testFund.ID, Symbol: "AAPL", Side: "buy",
		Quantity: d("10"), Price: d("100"), TotalValue: d("1000"),
		OrderType: "market", SessionType: "morning", Reasoning: "entry",
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := m.Check(context.Background(), testFund)
	if err != nil || len(events) != 1 {
		t.Fatalf("Check: events=%d err=%v", len(events), err)
	}

	report := m.Execute(context.Background(), testFund, events)
	if len(report.Sold) != 1 || len(report.Failed) != 0 {
		t.Fatalf("report: %+v", report)
	}

	// One sell for the full share count.
	if qty, ok := gw.sells["AAPL"]; !ok || !qty.Equal(d("10")) {
		t.Errorf("sell order: %v", gw.sells)
	}

	// Ledger entry with human-readable reasoning.
	trades, err := lg.ListByFund(testFund.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sell *models.TradeEntry
	for i := range trades {
		if trades[i].Side == "sell" {
			sell = &trades[i]
		}
	}
	if sell == nil {
		t.Fatal("no sell row in ledger")
	}
	if !strings.Contains(sell.Reasoning, "88.00") || !strings.Contains(sell.Reasoning, "-12.0%") {
		t.Errorf("reasoning missing price/loss detail: %q", sell.Reasoning)
	}
	if sell.SessionType != "stop_loss" {
		t.Errorf("session type: %s", sell.SessionType)
	}

	// The opening buy got its close linkage.
	open, err := lg.OpenBuys(testFund.ID, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("buy %s not closed", buy.ID)
	}

	// Portfolio: symbol gone, cash up by 10*88=880, invariant re-established.
	pf, err := st.LoadPortfolio(testFund.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pf.FindPosition("AAPL") != nil {
		t.Error("AAPL still in portfolio")
	}
	if !pf.Cash.Equal(d("1880")) {
		t.Errorf("cash: got %s, want 1880", pf.Cash)
	}
	if !pf.TotalValue.Equal(d("1880")) {
		t.Errorf("total: got %s, want 1880", pf.TotalValue)
	}
}

func TestCheckAfterExecuteFindsNothing(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("88")
	m, st, _ := newTestMonitor(t, gw)

	seedPortfolio(t, st, models.Position{
		Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"),
		CurrentPrice: d("95"), StopLoss: d("90"),
	})

	events, _ := m.Check(context.Background(), testFund)
	m.Execute(context.Background(), testFund, events)

	// The breach is gone from subsequent reads, so no second sell can happen.
	again, err := m.Check(context.Background(), testFund)
	if err != nil {
		t.Fatalf("second Check failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("breach detected twice: %+v", again)
	}
	if !d("10").Equal(gw.sells["AAPL"]) || len(gw.sells) != 1 {
		t.Errorf("more than one liquidation: %v", gw.sells)
	}
}

func TestExecutePartialFailureIsolatesSymbol(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("88")
	gw.prices["NVDA"] = d("160")
	gw.failSells["AAPL"] = errors.New("rejected: halted")
	m, st, _ := newTestMonitor(t, gw)

	seedPortfolio(t, st,
		models.Position{Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"), CurrentPrice: d("95"), StopLoss: d("90")},
		models.Position{Symbol: "NVDA", Shares: d("5"), AvgCost: d("200"), CurrentPrice: d("190"), StopLoss: d("170")},
	)

	events, err := m.Check(context.Background(), testFund)
	if err != nil || len(events) != 2 {
		t.Fatalf("Check: events=%d err=%v", len(events), err)
	}

	report := m.Execute(context.Background(), testFund, events)
	if len(report.Sold) != 1 || report.Sold[0].Symbol != "NVDA" {
		t.Fatalf("sold: %+v", report.Sold)
	}
	if _, ok := report.Failed["AAPL"]; !ok {
		t.Fatal("AAPL failure not reported")
	}

	// The portfolio reflects only the confirmed sale.
	pf, err := st.LoadPortfolio(testFund.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pf.FindPosition("AAPL") == nil {
		t.Error("failed symbol removed from portfolio")
	}
	if pf.FindPosition("NVDA") != nil {
		t.Error("sold symbol still in portfolio")
	}
	// 1000 + 5*160 = 1800
	if !pf.Cash.Equal(d("1800")) {
		t.Errorf("cash: got %s, want 1800", pf.Cash)
	}
}

func TestExecuteSettleFailureSurfaced(t *testing.T) {
	gw := newFakeGateway()
	gw.prices["AAPL"] = d("88")

	dir := t.TempDir()
	st := store.New(dir)
	lg, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })
	m := New(st, lg, func(f config.FundConfig) broker.Gateway { return gw })

	seedPortfolio(t, st, models.Position{
		Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"),
		CurrentPrice: d("95"), StopLoss: d("90"),
	})

	events, err := m.Check(context.Background(), testFund)
	if err != nil || len(events) != 1 {
		t.Fatalf("Check: events=%d err=%v", len(events), err)
	}

	// Break the persisted portfolio so the settle re-read fails after the
	// sell went out.
	path := filepath.Join(dir, "funds", testFund.ID, "portfolio.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	report := m.Execute(context.Background(), testFund, events)
	if report.SettleErr == nil {
		t.Fatal("settle failure not surfaced in the report")
	}
	// The order is already live and must still be counted as sold.
	if len(report.Sold) != 1 || report.Sold[0].Symbol != "AAPL" {
		t.Errorf("sold: %+v", report.Sold)
	}
	if _, ok := gw.sells["AAPL"]; !ok {
		t.Error("sell order missing")
	}
}

func TestApplyDefaultStops(t *testing.T) {
	gw := newFakeGateway()
	m, st, _ := newTestMonitor(t, gw)

	seedPortfolio(t, st,
		models.Position{Symbol: "AAPL", Shares: d("10"), AvgCost: d("100"), CurrentPrice: d("100")},
		models.Position{Symbol: "NVDA", Shares: d("5"), AvgCost: d("200"), CurrentPrice: d("200"), StopLoss: d("195")},
	)

	if err := m.ApplyDefaultStops(testFund); err != nil {
		t.Fatalf("ApplyDefaultStops failed: %v", err)
	}

	pf, _ := st.LoadPortfolio(testFund.ID)
	// 100 * (1 - 10/100) = 90
	if !pf.FindPosition("AAPL").StopLoss.Equal(d("90")) {
		t.Errorf("default stop: got %s, want 90", pf.FindPosition("AAPL").StopLoss)
	}
	// An explicitly set stop is never overwritten.
	if !pf.FindPosition("NVDA").StopLoss.Equal(d("195")) {
		t.Errorf("explicit stop overwritten: %s", pf.FindPosition("NVDA").StopLoss)
	}

	// Idempotent: a second pass changes nothing.
	if err := m.ApplyDefaultStops(testFund); err != nil {
		t.Fatal(err)
	}
	pf2, _ := st.LoadPortfolio(testFund.ID)
	if !pf2.FindPosition("AAPL").StopLoss.Equal(d("90")) {
		t.Errorf("second pass changed stop: %s", pf2.FindPosition("AAPL").StopLoss)
	}
}

func TestApplyDefaultStopsNoPortfolio(t *testing.T) {
	gw := newFakeGateway()
	m, _, _ := newTestMonitor(t, gw)
	if err := m.ApplyDefaultStops(testFund); err != nil {
		t.Errorf("missing portfolio should be a no-op, got %v", err)
	}
}
