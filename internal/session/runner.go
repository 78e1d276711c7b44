package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundwatch/internal/agent"
	"fundwatch/internal/broker"
	"fundwatch/internal/config"
	"fundwatch/internal/ledger"
	"fundwatch/internal/logger"
	"fundwatch/internal/models"
	"fundwatch/internal/notify"
	"fundwatch/internal/store"
)

// Runner composes a fund's configuration and a trigger reason into one
// bounded agent invocation, and records the outcome.
type Runner struct {
	store    *store.Store
	ledger   *ledger.Ledger
	invoker  *agent.Invoker
	sched    config.SchedulerConfig
	workDir  string
	notifier func(string)
}

func NewRunner(st *store.Store, lg *ledger.Ledger, inv *agent.Invoker, sched config.SchedulerConfig, workDir string) *Runner {
	return &Runner{
		store:    st,
		ledger:   lg,
		invoker:  inv,
		sched:    sched,
		workDir:  workDir,
		notifier: notify.Notify,
	}
}

// defaultTools is the capability set handed to the agent for every session.
var defaultTools = []agent.ToolDef{
	{Name: "get_portfolio", Description: "Read the fund's current portfolio document"},
	{Name: "get_prices", Description: "Fetch latest market prices for a list of symbols"},
	{Name: "place_order", Description: "Place a market or limit order at the broker"},
	{Name: "record_trade", Description: "Append an executed trade to the fund's ledger"},
	{Name: "update_objectives", Description: "Update the fund's objective tracker"},
	{Name: "send_notification", Description: "Send a short status note to the fund's channel"},
}

// Run executes one session for the fund. The returned error covers only
// bookkeeping failures (persistence); the agent call itself never errors,
// its outcome is recorded in the session document.
func (r *Runner) Run(ctx context.Context, fund config.FundConfig, sessionType, focus string) (models.SessionRecord, error) {
	flog := logger.WithFund(fund.ID)

	// Same-fund overlap is an operational invariant, not an enforced lock:
	// schedules are expected to space sessions wider than the timeout. We
	// surface a violation loudly instead of silently racing.
	if prev, err := r.store.LoadSession(fund.ID); err == nil {
		if prev.Status == models.SessionRunning && prev.EndedAt == "" {
			flog.Warnf("previous %s session still marked running (started %s); schedules may be overlapping",
				prev.Type, prev.StartedAt)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.SessionRecord{}, fmt.Errorf("load previous session: %w", err)
	}

	spec := fund.Sessions[sessionType]
	// The precise instant is the trade-count boundary; the record stores its
	// second-truncated rendering.
	startedAt := time.Now().UTC()
	record := models.SessionRecord{
		Fund:      fund.ID,
		Type:      sessionType,
		StartedAt: startedAt.Format(time.RFC3339),
		Model:     fund.Model,
		Status:    models.SessionRunning,
	}
	if err := r.store.SaveSession(fund.ID, record); err != nil {
		return record, fmt.Errorf("record session start: %w", err)
	}

	req := agent.Request{
		Fund:      fund.ID,
		Directive: r.buildDirective(fund, sessionType, focus),
		Model:     fund.Model,
		MaxTurns:  spec.MaxTurns,
		Timeout:   time.Duration(spec.TimeoutMins) * time.Minute,
		WorkDir:   r.workDir,
		Tools:     defaultTools,
		Env:       toolEnv(fund),
	}
	if spec.MaxBudgetUSD > 0 {
		req.MaxBudgetUSD = decimal.NewFromFloat(spec.MaxBudgetUSD)
	}

	flog.Infof("session %s starting (model=%s)", sessionType, fund.Model)
	res := r.invoker.Run(ctx, req)

	record.EndedAt = time.Now().UTC().Format(time.RFC3339)
	record.TradesExecuted = r.countTrades(fund.ID, startedAt)
	record.Summary = res.Output
	record.CostUSD = res.CostUSD
	record.Usage = res.Usage
	record.Turns = res.Turns
	record.AgentSessionID = res.SessionID
	record.Status = res.Status
	record.Error = res.ErrDetail
	if err := r.store.SaveSession(fund.ID, record); err != nil {
		return record, fmt.Errorf("record session end: %w", err)
	}

	flog.Infof("session %s finished: %s (cost $%s, %d turns, %s)",
		sessionType, res.Status, res.CostUSD.StringFixed(4), res.Turns, res.Duration.Round(time.Second))
	r.notifySession(fund, record, res.Duration)
	return record, nil
}

// countTrades counts ledger rows the agent appended during this session.
func (r *Runner) countTrades(fundID string, start time.Time) int {
	if r.ledger == nil {
		return 0
	}
	n, err := r.ledger.CountSince(fundID, start)
	if err != nil {
		logger.WithFund(fundID).Warnf("trade count lookup failed: %v", err)
		return 0
	}
	return n
}

func (r *Runner) buildDirective(fund config.FundConfig, sessionType, focus string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are managing the investment fund %q (%s).\n", fund.Name, fund.ID)
	fmt.Fprintf(&sb, "Session type: %s.\n", sessionType)
	if focus != "" {
		fmt.Fprintf(&sb, "Focus: %s\n", focus)
	}
	fmt.Fprintf(&sb, "Broker mode: %s.\n", fund.Broker.Mode)
	fmt.Fprintf(&sb, "Risk limits: stop loss %.1f%%, max position %.1f%%, max drawdown %.1f%%.\n",
		fund.Risk.StopLossPct, fund.Risk.MaxPositionPct, fund.Risk.MaxDrawdownPct)

	if obj, err := r.store.LoadObjectives(fund.ID); err == nil && len(obj.Objectives) > 0 {
		sb.WriteString("Fund objectives:\n")
		for _, o := range obj.Objectives {
			fmt.Fprintf(&sb, "- %s\n", o)
		}
		if obj.Progress != "" {
			fmt.Fprintf(&sb, "Progress so far: %s\n", obj.Progress)
		}
	}

	switch {
	case strings.HasSuffix(sessionType, "_report"):
		sb.WriteString("Produce the performance report for this period using the portfolio and ledger tools. Do not place orders.\n")
	case sessionType == "portfolio_sync":
		sb.WriteString("Reconcile the persisted portfolio against the broker's account state. Do not place orders.\n")
	default:
		sb.WriteString("Review the portfolio and market conditions, then execute any trades that serve the objectives within the risk limits.\n")
	}
	return sb.String()
}

// toolEnv assembles the per-call credential set for the agent's tools. Built
// fresh for every call; a set scoped to one fund is never reused for another.
func toolEnv(fund config.FundConfig) map[string]string {
	creds := broker.CredentialsFor(fund)
	env := map[string]string{
		"APCA_API_KEY_ID":     creds.APIKey,
		"APCA_API_SECRET_KEY": creds.APISecret,
		"APCA_API_BASE_URL":   creds.BaseURL,
		"FUND_ID":             fund.ID,
	}
	if v := os.Getenv("MARKET_DATA_API_KEY"); v != "" {
		env["MARKET_DATA_API_KEY"] = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		env["TELEGRAM_BOT_TOKEN"] = v
		env["TELEGRAM_CHAT_ID"] = os.Getenv("TELEGRAM_CHAT_ID")
	}
	return env
}

func (r *Runner) notifySession(fund config.FundConfig, rec models.SessionRecord, dur time.Duration) {
	icon := "✅"
	if rec.Status != models.SessionSuccess {
		icon = "⚠️"
	}
	summary := rec.Summary
	if len(summary) > 400 {
		summary = summary[:400] + "…"
	}
	r.notifier(fmt.Sprintf("%s *%s session: %s*\nFund: %s\nCost: $%s | Turns: %d | %s\n%s",
		icon, rec.Type, rec.Status, fund.Name, rec.CostUSD.StringFixed(4), rec.Turns,
		dur.Round(time.Second), summary))
}
