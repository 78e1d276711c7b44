package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundwatch/internal/agent"
	"fundwatch/internal/config"
	"fundwatch/internal/ledger"
	"fundwatch/internal/models"
	"fundwatch/internal/store"
)

// scriptedTransport replays a fixed event stream and records the request it
// received. onStream runs mid-session, standing in for agent tool activity.
type scriptedTransport struct {
	events   []agent.Event
	lastReq  agent.Request
	onStream func()
}

func (s *scriptedTransport) Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	s.lastReq = req
	if s.onStream != nil {
		s.onStream()
	}
	ch := make(chan agent.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func successEvents(output string) []agent.Event {
	return []agent.Event{
		{Type: "init", SessionID: "agent-abc"},
		{Type: "result", Subtype: "success", Output: output, CostUSD: 0.37, Turns: 4},
	}
}

func testFund() config.FundConfig {
	return config.FundConfig{
		ID:       "growth",
		Name:     "Growth Fund",
		Status:   "active",
		Timezone: "America/New_York",
		Model:    "sonnet",
		Sessions: map[string]config.SessionSpec{
			"morning": {Enabled: true, Time: "09:30", MaxTurns: 30, MaxBudgetUSD: 2.5, TimeoutMins: 10},
		},
		Broker: config.BrokerConfig{Mode: "paper"},
		Risk:   config.RiskConfig{StopLossPct: 10, MaxPositionPct: 20, MaxDrawdownPct: 15},
	}
}

func newTestRunner(t *testing.T, tr agent.Transport) (*Runner, *store.Store, *ledger.Ledger) {
	t.Helper()
	st := store.New(t.TempDir())
	lg, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lg.Close() })

	inv := agent.NewInvoker(tr, decimal.NewFromInt(5), 15*time.Minute)
	r := NewRunner(st, lg, inv, config.SchedulerConfig{}, t.TempDir())
	r.notifier = func(string) {}
	return r, st, lg
}

func TestRunRecordsOutcome(t *testing.T) {
	tr := &scriptedTransport{events: successEvents("rotated into NVDA")}
	r, st, _ := newTestRunner(t, tr)

	rec, err := r.Run(context.Background(), testFund(), "morning", "overnight news")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rec.Status != models.SessionSuccess {
		t.Errorf("status: %s", rec.Status)
	}
	if rec.AgentSessionID != "agent-abc" {
		t.Errorf("agent session id: %q", rec.AgentSessionID)
	}
	if rec.Summary != "rotated into NVDA" {
		t.Errorf("summary: %q", rec.Summary)
	}
	if rec.EndedAt == "" {
		t.Error("EndedAt not stamped")
	}

	// The record is also the persisted session document.
	saved, err := st.LoadSession("growth")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != models.SessionSuccess || saved.Turns != 4 {
		t.Errorf("persisted record: %+v", saved)
	}
	if !saved.CostUSD.Equal(decimal.NewFromFloat(0.37)) {
		t.Errorf("persisted cost: %s", saved.CostUSD)
	}
}

func TestRunMapsLimitOutcomes(t *testing.T) {
	cases := []struct {
		subtype string
		want    string
	}{
		{"error_max_turns", models.SessionTurnLimit},
		{"error_max_budget", models.SessionBudgetLimit},
		{"error_during_execution", models.SessionError},
	}
	for _, tc := range cases {
		t.Run(tc.subtype, func(t *testing.T) {
			tr := &scriptedTransport{events: []agent.Event{
				{Type: "init", SessionID: "s"},
				{Type: "result", Subtype: tc.subtype},
			}}
			r, st, _ := newTestRunner(t, tr)

			rec, err := r.Run(context.Background(), testFund(), "morning", "")
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if rec.Status != tc.want {
				t.Errorf("status: got %s, want %s", rec.Status, tc.want)
			}
			saved, _ := st.LoadSession("growth")
			if saved.Status != tc.want {
				t.Errorf("persisted status: %s", saved.Status)
			}
		})
	}
}

func TestRunPassesSessionBounds(t *testing.T) {
	tr := &scriptedTransport{events: successEvents("ok")}
	r, _, _ := newTestRunner(t, tr)

	if _, err := r.Run(context.Background(), testFund(), "morning", ""); err != nil {
		t.Fatal(err)
	}

	if tr.lastReq.MaxTurns != 30 {
		t.Errorf("max turns: %d", tr.lastReq.MaxTurns)
	}
	if !tr.lastReq.MaxBudgetUSD.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("budget: %s", tr.lastReq.MaxBudgetUSD)
	}
	if tr.lastReq.Timeout != 10*time.Minute {
		t.Errorf("timeout: %s", tr.lastReq.Timeout)
	}
	if tr.lastReq.Model != "sonnet" {
		t.Errorf("model: %s", tr.lastReq.Model)
	}
}

func TestDirectiveVariesBySessionType(t *testing.T) {
	tr := &scriptedTransport{events: successEvents("ok")}
	r, _, _ := newTestRunner(t, tr)
	fund := testFund()

	_, _ = r.Run(context.Background(), fund, "daily_report", "")
	if !strings.Contains(tr.lastReq.Directive, "Do not place orders") {
		t.Errorf("report directive allows orders:\n%s", tr.lastReq.Directive)
	}

	_, _ = r.Run(context.Background(), fund, "morning", "earnings week")
	d := tr.lastReq.Directive
	if !strings.Contains(d, "Focus: earnings week") {
		t.Errorf("focus missing from directive:\n%s", d)
	}
	if !strings.Contains(d, "stop loss 10.0%") {
		t.Errorf("risk limits missing from directive:\n%s", d)
	}
	if strings.Contains(d, "Do not place orders") {
		t.Errorf("trading directive forbids orders:\n%s", d)
	}
}

func TestToolEnvScopedToFund(t *testing.T) {
	paper := testFund()
	live := testFund()
	live.ID = "income"
	live.Broker.Mode = "live"

	envPaper := toolEnv(paper)
	envLive := toolEnv(live)

	if envPaper["APCA_API_BASE_URL"] == envLive["APCA_API_BASE_URL"] {
		t.Error("paper and live funds share a broker endpoint")
	}
	if envPaper["FUND_ID"] != "growth" || envLive["FUND_ID"] != "income" {
		t.Errorf("fund scoping: %s / %s", envPaper["FUND_ID"], envLive["FUND_ID"])
	}

	// Each call builds a fresh map; mutating one must not leak into the next.
	envPaper["FUND_ID"] = "tampered"
	if toolEnv(paper)["FUND_ID"] != "growth" {
		t.Error("tool env reused across calls")
	}
}

func TestTradesExecutedCountsSessionTrades(t *testing.T) {
	var r *Runner
	var lg *ledger.Ledger
	tr := &scriptedTransport{events: successEvents("bought AAPL")}
	tr.onStream = func() {
		// Simulates the agent recording a trade mid-session.
		_, err := lg.Append(models.TradeEntry{
			Fund: "growth", Symbol: "AAPL", Side: "buy",
			Quantity: decimal.NewFromInt(5), Price: decimal.NewFromInt(150),
			TotalValue: decimal.NewFromInt(750), OrderType: "market",
			SessionType: "morning", Reasoning: "entry",
		})
		if err != nil {
			t.Errorf("append: %v", err)
		}
	}
	r, _, lg = newTestRunner(t, tr)

	// A trade from before the session must not be counted.
	_, err := lg.Append(models.TradeEntry{
		Fund: "growth", Symbol: "MSFT", Side: "buy", Timestamp: time.Now().UTC().Add(-time.Hour),
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(400),
		TotalValue: decimal.NewFromInt(400), OrderType: "market",
		SessionType: "morning", Reasoning: "old entry",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Neither may one appended just before the session starts, even inside
	// the same wall-clock second.
	_, err = lg.Append(models.TradeEntry{
		Fund: "growth", Symbol: "GOOG", Side: "buy",
		Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(180),
		TotalValue: decimal.NewFromInt(360), OrderType: "market",
		SessionType: "midday", Reasoning: "pre-session entry",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := r.Run(context.Background(), testFund(), "morning", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TradesExecuted != 1 {
		t.Errorf("trades executed: got %d, want 1", rec.TradesExecuted)
	}
}

func TestOverlapWarningDoesNotBlock(t *testing.T) {
	tr := &scriptedTransport{events: successEvents("ok")}
	r, st, _ := newTestRunner(t, tr)

	// A stuck "running" record from an earlier session.
	stale := models.SessionRecord{
		Fund: "growth", Type: "morning",
		StartedAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		Status:    models.SessionRunning,
	}
	if err := st.SaveSession("growth", stale); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Run(context.Background(), testFund(), "morning", "")
	if err != nil {
		t.Fatalf("overlap must warn, not block: %v", err)
	}
	if rec.Status != models.SessionSuccess {
		t.Errorf("status: %s", rec.Status)
	}
}
