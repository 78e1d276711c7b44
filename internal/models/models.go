package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents a single holding inside a fund's portfolio.
type Position struct {
	Symbol       string          `json:"symbol"`
	Shares       decimal.Decimal `json:"shares"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	WeightPct    decimal.Decimal `json:"weight_pct"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"` // zero means no stop configured
}

// Portfolio is the persisted account snapshot for one fund.
type Portfolio struct {
	Version    string          `json:"version"`
	UpdatedAt  string          `json:"updated_at"`
	Cash       decimal.Decimal `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	Positions  []Position      `json:"positions"`
}

// ObjectiveTracker holds a fund's free-form investment objectives and the
// progress notes the reasoning agent leaves behind between sessions.
type ObjectiveTracker struct {
	Version    string   `json:"version"`
	UpdatedAt  string   `json:"updated_at"`
	Objectives []string `json:"objectives"`
	Progress   string   `json:"progress"`
}

// Session outcome statuses. These mirror the agent invoker's classification;
// "running" is only ever seen in a record written before its session finished
// (or whose process died mid-session).
const (
	SessionRunning     = "running"
	SessionSuccess     = "success"
	SessionTurnLimit   = "turn_limit"
	SessionBudgetLimit = "budget_limit"
	SessionTimeout     = "timeout"
	SessionError       = "error"
)

// TokenUsage counts tokens consumed by one model during a session.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// SessionRecord describes the most recently completed (or in-flight) session
// for a fund. One document per fund, overwritten by each session.
type SessionRecord struct {
	Version        string                `json:"version"`
	Fund           string                `json:"fund"`
	Type           string                `json:"type"`
	StartedAt      string                `json:"started_at"`
	EndedAt        string                `json:"ended_at,omitempty"`
	TradesExecuted int                   `json:"trades_executed"`
	Summary        string                `json:"summary,omitempty"`
	CostUSD        decimal.Decimal       `json:"cost_usd"`
	Usage          map[string]TokenUsage `json:"usage,omitempty"`
	Model          string                `json:"model,omitempty"`
	Turns          int                   `json:"turns"`
	AgentSessionID string                `json:"agent_session_id,omitempty"`
	Status         string                `json:"status"`
	Error          string                `json:"error,omitempty"`
}

// StopLossEvent is produced by the stop-loss check and consumed by the
// executor in the same logical operation. It is never persisted on its own;
// its effect is the resulting portfolio mutation plus a ledger entry.
type StopLossEvent struct {
	Symbol        string
	Shares        decimal.Decimal
	StopPrice     decimal.Decimal
	ObservedPrice decimal.Decimal
	AvgCost       decimal.Decimal
	Loss          decimal.Decimal
	LossPct       decimal.Decimal
}

// TradeEntry is one row in the append-only trade ledger. The close linkage
// fields are filled in later when the position is closed; the original
// columns are never rewritten.
type TradeEntry struct {
	ID          string
	Timestamp   time.Time
	Fund        string
	Symbol      string
	Side        string // "buy" or "sell"
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	TotalValue  decimal.Decimal
	OrderType   string
	SessionType string
	Reasoning   string

	ClosedAt   *time.Time
	ClosePrice decimal.Decimal
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
}
