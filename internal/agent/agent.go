package agent

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fundwatch/internal/models"
)

// Outcome statuses. Everything the external call can do is folded into one of
// these; no error escapes the invoker boundary.
const (
	StatusSuccess     = "success"
	StatusTurnLimit   = "turn_limit"
	StatusBudgetLimit = "budget_limit"
	StatusTimeout     = "timeout"
	StatusError       = "error"
)

// Result subtypes as they appear on the wire's terminal event.
const (
	subtypeSuccess     = "success"
	subtypeMaxTurns    = "error_max_turns"
	subtypeMaxBudget   = "error_max_budget"
	permissionAutoMode = "auto-approve"
)

// ToolDef describes one capability the external agent may invoke.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Request is one bounded invocation of the external reasoning service.
type Request struct {
	Fund         string
	Directive    string
	Model        string
	MaxTurns     int
	MaxBudgetUSD decimal.Decimal // zero means "use the invoker default"
	Timeout      time.Duration
	WorkDir      string
	Tools        []ToolDef
	// Env is the per-call credential set for the agent's tools. Assembled
	// fresh per fund per call; never reused across funds.
	Env map[string]string
}

// Event is one typed progress event from the external service. An ordered
// stream of these, terminated by a single "result" event, makes up one call.
type Event struct {
	Type      string `json:"type"` // "init", "turn", "result", "error"
	SessionID string `json:"session_id,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	Text      string `json:"text,omitempty"`

	// result fields
	Subtype string                       `json:"subtype,omitempty"`
	Output  string                       `json:"output,omitempty"`
	CostUSD float64                      `json:"cost_usd,omitempty"`
	Turns   int                          `json:"turns,omitempty"`
	Usage   map[string]models.TokenUsage `json:"usage,omitempty"`

	// error fields
	Error string `json:"error,omitempty"`
}

// Result is the normalized outcome of one call. Always produced, regardless
// of how the call ended.
type Result struct {
	Output    string
	CostUSD   decimal.Decimal
	Duration  time.Duration
	Turns     int
	Usage     map[string]models.TokenUsage
	SessionID string
	Status    string
	ErrDetail string
}

// Transport delivers the event stream for one request. The returned channel
// is closed when the stream ends; a mid-stream failure is delivered as a
// final "error" event rather than tearing the channel down silently.
type Transport interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Observer receives every event as it arrives. Side channel for UI/logging;
// it must never alter the result, so panics inside it are swallowed.
type Observer func(Event)

// Invoker wraps a single external reasoning call with turn, budget, and
// wall-clock limits.
type Invoker struct {
	transport      Transport
	defaultBudget  decimal.Decimal
	defaultTimeout time.Duration
	observer       Observer
}

const defaultMaxTurns = 50

func NewInvoker(t Transport, defaultBudget decimal.Decimal, defaultTimeout time.Duration) *Invoker {
	return &Invoker{
		transport:      t,
		defaultBudget:  defaultBudget,
		defaultTimeout: defaultTimeout,
	}
}

// SetObserver installs the progress-event observer.
func (inv *Invoker) SetObserver(o Observer) { inv.observer = o }

// Run performs exactly one call. It never returns an error; every failure
// mode is classified into the Result status.
func (inv *Invoker) Run(ctx context.Context, req Request) Result {
	if req.MaxTurns <= 0 {
		req.MaxTurns = defaultMaxTurns
	}
	if req.MaxBudgetUSD.IsZero() {
		req.MaxBudgetUSD = inv.defaultBudget
	}
	if req.Timeout <= 0 {
		req.Timeout = inv.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	res := Result{Usage: map[string]models.TokenUsage{}}

	events, err := inv.transport.Stream(ctx, req)
	if err != nil {
		res.Duration = time.Since(start)
		res.Status, res.ErrDetail = classifyErr(ctx, err)
		return res
	}

	sawResult := false
	for ev := range events {
		inv.observe(ev)

		switch ev.Type {
		case "init":
			// Captured as soon as it arrives so even an aborted call can
			// report a resumable identifier.
			if res.SessionID == "" {
				res.SessionID = ev.SessionID
			}
		case "turn":
			res.Turns = ev.Turn
		case "result":
			sawResult = true
			res.Output = ev.Output
			res.CostUSD = decimal.NewFromFloat(ev.CostUSD)
			if ev.Turns > 0 {
				res.Turns = ev.Turns
			}
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			for model, u := range ev.Usage {
				res.Usage[model] = u
			}
			res.Status, res.ErrDetail = classifySubtype(ev)
		case "error":
			res.ErrDetail = ev.Error
		}
	}

	res.Duration = time.Since(start)
	if !sawResult {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = StatusTimeout
			res.ErrDetail = "call cancelled after timeout"
		} else {
			res.Status = StatusError
			if res.ErrDetail == "" {
				res.ErrDetail = "stream ended without a result event"
			}
		}
	}
	return res
}

func (inv *Invoker) observe(ev Event) {
	if inv.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	inv.observer(ev)
}

func classifySubtype(ev Event) (status, detail string) {
	switch ev.Subtype {
	case subtypeSuccess:
		return StatusSuccess, ""
	case subtypeMaxTurns:
		return StatusTurnLimit, "turn limit exceeded"
	case subtypeMaxBudget:
		return StatusBudgetLimit, "budget limit exceeded"
	default:
		detail = ev.Error
		if detail == "" {
			detail = "agent reported " + ev.Subtype
		}
		return StatusError, detail
	}
}

func classifyErr(ctx context.Context, err error) (status, detail string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout, "call cancelled after timeout"
	}
	return StatusError, err.Error()
}
