package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SessionSpec is one named, scheduled agent session for a fund.
type SessionSpec struct {
	Enabled      bool    `yaml:"enabled"`
	Time         string  `yaml:"time"` // local wall clock, "HH:MM"
	Focus        string  `yaml:"focus"`
	MaxTurns     int     `yaml:"max_turns"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd"`
	TimeoutMins  int     `yaml:"timeout_mins"`
}

// SpecialSession is an ad-hoc trigger outside the named session map.
type SpecialSession struct {
	Trigger string `yaml:"trigger"` // free-text description, slugified into the session type
	Time    string `yaml:"time"`
	Focus   string `yaml:"focus"`
}

// RiskConfig holds a fund's risk limits in percent.
type RiskConfig struct {
	StopLossPct    float64 `yaml:"stop_loss_pct"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
}

// BrokerConfig selects the broker environment for a fund.
type BrokerConfig struct {
	Mode string `yaml:"mode"` // "paper" or "live"
}

// FundConfig is one independently scheduled trading entity. Session times are
// local wall-clock strings interpreted in the fund's timezone, never UTC.
type FundConfig struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Status          string                 `yaml:"status"` // "active" or "paused"
	Timezone        string                 `yaml:"timezone"`
	TradingDays     []string               `yaml:"trading_days"`
	Sessions        map[string]SessionSpec `yaml:"sessions"`
	SpecialSessions []SpecialSession       `yaml:"special_sessions"`
	Risk            RiskConfig             `yaml:"risk"`
	Broker          BrokerConfig           `yaml:"broker"`
	Model           string                 `yaml:"model"`
}

// SchedulerConfig holds the fixed cadences the tick loop evaluates.
type SchedulerConfig struct {
	DailyReportTime   string  `yaml:"daily_report_time"`
	WeeklyReportTime  string  `yaml:"weekly_report_time"`
	WeeklyReportDay   string  `yaml:"weekly_report_day"`
	MonthlyReportTime string  `yaml:"monthly_report_time"`
	SyncTime          string  `yaml:"sync_time"`
	MarketOpen        string  `yaml:"market_open"`
	MarketClose       string  `yaml:"market_close"`
	StopLossMins      int     `yaml:"stop_loss_interval_mins"`
	DefaultBudgetUSD  float64 `yaml:"default_max_budget_usd"`
	DefaultTimeoutMin int     `yaml:"default_timeout_mins"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the top-level configuration structure.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Logs      LogConfig       `yaml:"logs"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Funds     []FundConfig    `yaml:"funds"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// Load reads the YAML config file, applies defaults, and validates it.
// Environment credentials are loaded separately via LoadEnv.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Logs: LogConfig{
			Level:      "info",
			File:       "logs/fundwatch.log",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Scheduler: SchedulerConfig{
			DailyReportTime:   "17:00",
			WeeklyReportTime:  "16:30",
			WeeklyReportDay:   "friday",
			MonthlyReportTime: "08:00",
			SyncTime:          "09:00",
			MarketOpen:        "09:30",
			MarketClose:       "16:00",
			StopLossMins:      5,
			DefaultBudgetUSD:  5.0,
			DefaultTimeoutMin: 15,
		},
	}
}

// Validate checks timezones, times, and weekday names so a bad fund entry is
// rejected at load time instead of surfacing mid-tick.
func (c *Config) Validate() error {
	if _, _, err := ParseHHMM(c.Scheduler.DailyReportTime); err != nil {
		return fmt.Errorf("scheduler daily_report_time: %w", err)
	}
	if _, _, err := ParseHHMM(c.Scheduler.WeeklyReportTime); err != nil {
		return fmt.Errorf("scheduler weekly_report_time: %w", err)
	}
	if _, _, err := ParseHHMM(c.Scheduler.MonthlyReportTime); err != nil {
		return fmt.Errorf("scheduler monthly_report_time: %w", err)
	}
	if _, _, err := ParseHHMM(c.Scheduler.SyncTime); err != nil {
		return fmt.Errorf("scheduler sync_time: %w", err)
	}
	if _, _, err := ParseHHMM(c.Scheduler.MarketOpen); err != nil {
		return fmt.Errorf("scheduler market_open: %w", err)
	}
	if _, _, err := ParseHHMM(c.Scheduler.MarketClose); err != nil {
		return fmt.Errorf("scheduler market_close: %w", err)
	}
	if _, ok := weekdays[strings.ToLower(c.Scheduler.WeeklyReportDay)]; !ok {
		return fmt.Errorf("scheduler weekly_report_day: unknown weekday %q", c.Scheduler.WeeklyReportDay)
	}
	if c.Scheduler.StopLossMins <= 0 || c.Scheduler.StopLossMins > 60 {
		return fmt.Errorf("scheduler stop_loss_interval_mins must be 1..60, got %d", c.Scheduler.StopLossMins)
	}

	seen := map[string]bool{}
	for i := range c.Funds {
		f := &c.Funds[i]
		if f.ID == "" {
			return fmt.Errorf("fund %d: missing id", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("fund %s: duplicate id", f.ID)
		}
		seen[f.ID] = true
		if err := f.Validate(); err != nil {
			return fmt.Errorf("fund %s: %w", f.ID, err)
		}
	}
	return nil
}

// Validate checks a single fund entry.
func (f *FundConfig) Validate() error {
	if f.Status == "" {
		f.Status = "active"
	}
	if f.Status != "active" && f.Status != "paused" {
		return fmt.Errorf("status must be active or paused, got %q", f.Status)
	}
	if _, err := time.LoadLocation(f.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", f.Timezone, err)
	}
	for _, d := range f.TradingDays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("unknown trading day %q", d)
		}
	}
	for name, s := range f.Sessions {
		if _, _, err := ParseHHMM(s.Time); err != nil {
			return fmt.Errorf("session %s: %w", name, err)
		}
	}
	for _, s := range f.SpecialSessions {
		if _, _, err := ParseHHMM(s.Time); err != nil {
			return fmt.Errorf("special session %q: %w", s.Trigger, err)
		}
	}
	switch f.Broker.Mode {
	case "", "paper":
		f.Broker.Mode = "paper"
	case "live":
	default:
		return fmt.Errorf("broker mode must be paper or live, got %q", f.Broker.Mode)
	}
	return nil
}

// TradesOn reports whether the fund trades on the given weekday.
func (f *FundConfig) TradesOn(day time.Weekday) bool {
	for _, d := range f.TradingDays {
		if weekdays[strings.ToLower(d)] == day {
			return true
		}
	}
	return false
}

// Location resolves the fund's timezone. Validate guarantees this succeeds
// for any fund that made it through Load.
func (f *FundConfig) Location() (*time.Location, error) {
	return time.LoadLocation(f.Timezone)
}

// ActiveFunds returns active funds in stable id order.
func (c *Config) ActiveFunds() []FundConfig {
	var out []FundConfig
	for _, f := range c.Funds {
		if f.Status == "active" {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Weekday resolves a config weekday name. Unknown names return Sunday; they
// cannot appear after Validate.
func Weekday(name string) time.Weekday {
	return weekdays[strings.ToLower(name)]
}

// ParseHHMM validates a local wall-clock string.
func ParseHHMM(s string) (hour, min int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Required credential environment variables. The agent endpoint is how the
// external reasoning service is reached; broker keys are scoped per fund at
// call time but the key pair itself comes from the environment.
var requiredSecretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"AGENT_API_URL":       true,
	"AGENT_API_KEY":       true,
}

// LoadEnv reads .env into the process environment and verifies the required
// credential variables are present. Secret values are logged masked by the
// caller via MaskSecret.
func LoadEnv(logf func(format string, args ...interface{})) error {
	if err := godotenv.Load(); err != nil {
		logf("no .env file found, using system environment variables")
	}

	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	for key := range requiredSecretVars {
		logf("%s=%s", key, MaskSecret(os.Getenv(key)))
	}
	return nil
}

// MaskSecret shows only the last 4 characters of a credential.
func MaskSecret(val string) string {
	if len(val) <= 4 {
		return "***"
	}
	return "***" + val[len(val)-4:]
}
