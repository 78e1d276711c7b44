package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fundwatch/internal/agent"
	"fundwatch/internal/broker"
	"fundwatch/internal/config"
	"fundwatch/internal/daemon"
	"fundwatch/internal/ledger"
	"fundwatch/internal/logger"
	"fundwatch/internal/notify"
	"fundwatch/internal/scheduler"
	"fundwatch/internal/session"
	"fundwatch/internal/stoploss"
	"fundwatch/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Acquire the daemon lock and begin ticking",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Logs); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if err := config.LoadEnv(logger.Infof); err != nil {
		return err
	}

	// Failing to take the single-daemon lock is the only fatal condition;
	// everything after this point is caught, logged, and skipped per fund.
	lock := daemon.NewLock(cfg.DataDir, daemon.OSLiveness{})
	if err := lock.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer lock.Release()

	lg, err := ledger.Open(filepath.Join(cfg.DataDir, "trades.db"))
	if err != nil {
		return err
	}
	defer lg.Close()

	st := store.New(cfg.DataDir)
	invoker := agent.NewInvoker(
		agent.NewHTTPTransport(),
		decimal.NewFromFloat(cfg.Scheduler.DefaultBudgetUSD),
		time.Duration(cfg.Scheduler.DefaultTimeoutMin)*time.Minute,
	)
	invoker.SetObserver(func(ev agent.Event) {
		if ev.Type == "turn" {
			logger.Debugf("agent turn %d: %.120s", ev.Turn, ev.Text)
		}
	})

	workDir, _ := os.Getwd()
	runner := session.NewRunner(st, lg, invoker, cfg.Scheduler, workDir)
	monitor := stoploss.New(st, lg, broker.NewAlpaca)
	sched := scheduler.New(cfg, runner, monitor, st, broker.NewAlpaca)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infof("signal received, shutting down")
		cancel()
	}()

	notify.Startup(version, len(cfg.ActiveFunds()))
	sched.Start(ctx)
	notify.Shutdown()
	return nil
}
