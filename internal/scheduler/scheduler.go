package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fundwatch/internal/broker"
	"fundwatch/internal/config"
	"fundwatch/internal/logger"
	"fundwatch/internal/models"
	"fundwatch/internal/stoploss"
	"fundwatch/internal/store"
)

// SessionRunner starts one agent session for a fund. Satisfied by
// *session.Runner; faked in tests.
type SessionRunner interface {
	Run(ctx context.Context, fund config.FundConfig, sessionType, focus string) (models.SessionRecord, error)
}

// StopMonitor is the stop-loss check/execute subsystem. Satisfied by
// *stoploss.Monitor.
type StopMonitor interface {
	Check(ctx context.Context, fund config.FundConfig) ([]models.StopLossEvent, error)
	Execute(ctx context.Context, fund config.FundConfig, events []models.StopLossEvent) stoploss.ExecReport
	ApplyDefaultStops(fund config.FundConfig) error
}

// Scheduler drives all time-based behavior for every active fund from a
// single once-per-minute tick. The tick itself stays cheap: work items are
// dispatched as independent tasks and never awaited.
type Scheduler struct {
	cfg     *config.Config
	runner  SessionRunner
	monitor StopMonitor
	store   *store.Store
	gateway broker.Factory

	// dispatch runs one work item with its own error boundary. Replaced with
	// a synchronous version in tests.
	dispatch func(fundID, task string, fn func() error)
}

func New(cfg *config.Config, runner SessionRunner, monitor StopMonitor, st *store.Store, gw broker.Factory) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		runner:  runner,
		monitor: monitor,
		store:   st,
		gateway: gw,
	}
	s.dispatch = s.dispatchAsync
	return s
}

// Start ticks once per minute, aligned to the minute boundary, until the
// context is cancelled. Each tick covers exactly one minute, so a trigger
// can never fire twice for the same matching minute.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Infof("scheduler started: %d funds, stop-loss every %d min",
		len(s.cfg.ActiveFunds()), s.cfg.Scheduler.StopLossMins)

	// Align to the next minute so HH:MM comparisons see every minute once.
	select {
	case <-time.After(time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler stopping")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every active fund against its local schedule. Failure
// isolation is per fund: an error in one fund's evaluation is logged and the
// remaining funds are still processed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, fund := range s.cfg.ActiveFunds() {
		if err := s.evalFund(ctx, fund, now); err != nil {
			logger.WithFund(fund.ID).Errorf("tick evaluation failed: %v", err)
		}
	}
}

func (s *Scheduler) evalFund(ctx context.Context, fund config.FundConfig, now time.Time) error {
	loc, err := fund.Location()
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}
	local := now.In(loc)

	if !fund.TradesOn(local.Weekday()) {
		return nil
	}
	hhmm := local.Format("15:04")

	// Named sessions, in stable order.
	names := make([]string, 0, len(fund.Sessions))
	for name := range fund.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := fund.Sessions[name]
		if spec.Enabled && spec.Time == hhmm {
			s.dispatchSession(ctx, fund, name, spec.Focus)
		}
	}

	// Special sessions, typed by a slug of their trigger description.
	for _, sp := range fund.SpecialSessions {
		if sp.Time == hhmm {
			s.dispatchSession(ctx, fund, Slugify(sp.Trigger), sp.Focus)
		}
	}

	// Report cadences.
	sched := s.cfg.Scheduler
	if hhmm == sched.DailyReportTime {
		s.dispatchSession(ctx, fund, "daily_report", "")
	}
	if hhmm == sched.WeeklyReportTime && local.Weekday() == config.Weekday(sched.WeeklyReportDay) {
		s.dispatchSession(ctx, fund, "weekly_report", "")
	}
	if hhmm == sched.MonthlyReportTime && local.Day() == 1 {
		s.dispatchSession(ctx, fund, "monthly_report", "")
	}

	// Portfolio sync.
	if hhmm == sched.SyncTime {
		s.dispatch(fund.ID, "portfolio_sync", func() error {
			return s.syncFund(ctx, fund)
		})
	}

	// Stop-loss cadence: minute modulo the interval inside market hours, so
	// the check stays aligned even across process restarts.
	if s.inMarketHours(local) && local.Minute()%sched.StopLossMins == 0 {
		s.dispatch(fund.ID, "stop_loss_check", func() error {
			return s.runStopLoss(ctx, fund)
		})
	}
	return nil
}

func (s *Scheduler) dispatchSession(ctx context.Context, fund config.FundConfig, sessionType, focus string) {
	s.dispatch(fund.ID, "session:"+sessionType, func() error {
		_, err := s.runner.Run(ctx, fund, sessionType, focus)
		return err
	})
}

// dispatchAsync is the production dispatcher: fire and forget, with a
// per-task recover so a panicking work item can never take the daemon down.
func (s *Scheduler) dispatchAsync(fundID, task string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFund(fundID).Errorf("%s panicked: %v", task, r)
			}
		}()
		if err := fn(); err != nil {
			logger.WithFund(fundID).Errorf("%s failed: %v", task, err)
		}
	}()
}

func (s *Scheduler) inMarketHours(local time.Time) bool {
	// Validate rejects unparseable market hours at load time; if one slips
	// through anyway, refusing the window loudly beats a misdrawn one.
	openH, openM, err := config.ParseHHMM(s.cfg.Scheduler.MarketOpen)
	if err != nil {
		logger.Errorf("market_open %q unparseable, skipping market-hours work: %v", s.cfg.Scheduler.MarketOpen, err)
		return false
	}
	closeH, closeM, err := config.ParseHHMM(s.cfg.Scheduler.MarketClose)
	if err != nil {
		logger.Errorf("market_close %q unparseable, skipping market-hours work: %v", s.cfg.Scheduler.MarketClose, err)
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= openH*60+openM && minutes <= closeH*60+closeM
}

// runStopLoss is one complete check-and-execute pass for a fund: backfill
// default stops, detect breaches, liquidate.
func (s *Scheduler) runStopLoss(ctx context.Context, fund config.FundConfig) error {
	if err := s.monitor.ApplyDefaultStops(fund); err != nil {
		return fmt.Errorf("apply default stops: %w", err)
	}

	events, err := s.monitor.Check(ctx, fund)
	if err != nil {
		// Aborts this fund's check for the tick; retried on the next
		// scheduled interval.
		return fmt.Errorf("stop-loss check: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	report := s.monitor.Execute(ctx, fund, events)
	if len(report.Failed) > 0 {
		syms := make([]string, 0, len(report.Failed))
		for sym := range report.Failed {
			syms = append(syms, sym)
		}
		sort.Strings(syms)
		return fmt.Errorf("stop-loss execute: %d of %d orders failed (%s)",
			len(report.Failed), len(events), strings.Join(syms, ", "))
	}
	if report.SettleErr != nil {
		// The sells are live but the portfolio still shows the positions; the
		// next interval would re-breach them.
		return fmt.Errorf("stop-loss settle: %w", report.SettleErr)
	}
	return nil
}

// syncFund refreshes the persisted portfolio's prices from the broker and
// re-establishes the valuation invariant.
func (s *Scheduler) syncFund(ctx context.Context, fund config.FundConfig) error {
	pf, err := s.store.LoadPortfolio(fund.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(pf.Positions) == 0 {
		return nil
	}

	symbols := make([]string, len(pf.Positions))
	for i, pos := range pf.Positions {
		symbols[i] = pos.Symbol
	}
	prices, err := s.gateway(fund).GetPrices(ctx, symbols)
	if err != nil {
		return fmt.Errorf("sync prices: %w", err)
	}

	for i := range pf.Positions {
		if price, ok := prices[pf.Positions[i].Symbol]; ok && price.IsPositive() {
			pf.Positions[i].CurrentPrice = price
		}
	}
	pf.Recalc()
	if err := s.store.SavePortfolio(fund.ID, pf); err != nil {
		return err
	}
	logger.WithFund(fund.ID).Infof("portfolio synced: %d positions, total $%s",
		len(pf.Positions), pf.TotalValue.StringFixed(2))
	return nil
}

// Slugify derives a session type from a special-session trigger description.
func Slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
