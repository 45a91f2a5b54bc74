// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Exchange constants for NIFTY index options.
const (
	// defaultLotSize is the NIFTY contract lot size.
	defaultLotSize = 75
	// defaultFreezeQuantity is the single-order freeze limit on NFO.
	defaultFreezeQuantity = 1800
	// defaultHedgeDistance is the strike offset for the protective leg.
	defaultHedgeDistance = 500
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Limits      LimitsConfig      `yaml:"limits"`
	Hedge       HedgeConfig       `yaml:"hedge"`
	Iceberg     IcebergConfig     `yaml:"iceberg"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Provider selects the single broker
// variant at startup; there is no runtime broker switching.
type BrokerConfig struct {
	Provider     string `yaml:"provider"` // kite | breeze
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	AccessToken  string `yaml:"access_token"`  // kite
	SessionToken string `yaml:"session_token"` // breeze
	BaseURL      string `yaml:"base_url"`      // optional override, mainly for tests
}

// WebhookConfig defines the inbound TradingView webhook surface.
type WebhookConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	Secret         string `yaml:"secret"`
	DedupWindowSec int    `yaml:"dedup_window_sec"`
	DedupCacheSize int    `yaml:"dedup_cache_size"`
}

// MarketHoursConfig defines the trading window.
type MarketHoursConfig struct {
	Start    string   `yaml:"start"` // "HH:MM"
	End      string   `yaml:"end"`   // "HH:MM"
	Days     []string `yaml:"days"`  // e.g. [mon, tue, wed, thu, fri]
	Timezone string   `yaml:"timezone"`
}

// LimitsConfig defines the risk limits enforced before every order.
type LimitsConfig struct {
	MaxLotsPerTrade        int               `yaml:"max_lots_per_trade"`
	MaxConcurrentPositions int               `yaml:"max_concurrent_positions"`
	MaxPositionsPerSignal  int               `yaml:"max_positions_per_signal"`
	MaxDailyTrades         int               `yaml:"max_daily_trades"`
	MaxExposureAmount      float64           `yaml:"max_exposure_amount"`
	MaxLossPerDay          float64           `yaml:"max_loss_per_day"`
	FreezeQuantity         int               `yaml:"freeze_quantity"`
	LotSize                int               `yaml:"lot_size"`
	MarketHours            MarketHoursConfig `yaml:"market_hours"`
	// BypassMarketHours skips the market-hours check. Non-production
	// validation only; Validate rejects it in live mode.
	BypassMarketHours bool `yaml:"bypass_market_hours"`
}

// HedgeConfig defines how the protective leg is constructed.
type HedgeConfig struct {
	Underlying    string `yaml:"underlying"`
	Distance      int    `yaml:"distance"`       // strike points between main and hedge
	OrderType     string `yaml:"order_type"`     // MARKET | LIMIT
	ExpiryWeekday string `yaml:"expiry_weekday"` // e.g. "thursday"
}

// IcebergConfig tunes the chunked placement pacing.
type IcebergConfig struct {
	LegDelayMs   int `yaml:"leg_delay_ms"`   // between hedge and main within a chunk
	ChunkDelayMs int `yaml:"chunk_delay_ms"` // between consecutive chunks
}

// StorageConfig defines where persisted state lives.
type StorageConfig struct {
	StatePath      string `yaml:"state_path"`
	KillSwitchPath string `yaml:"killswitch_path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset optional values before validation.
func (c *Config) applyDefaults() {
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8080"
	}
	if c.Webhook.DedupWindowSec == 0 {
		c.Webhook.DedupWindowSec = 300
	}
	if c.Webhook.DedupCacheSize == 0 {
		c.Webhook.DedupCacheSize = 1000
	}
	if c.Limits.LotSize == 0 {
		c.Limits.LotSize = defaultLotSize
	}
	if c.Limits.FreezeQuantity == 0 {
		c.Limits.FreezeQuantity = defaultFreezeQuantity
	}
	if c.Limits.MaxLotsPerTrade == 0 {
		c.Limits.MaxLotsPerTrade = 100
	}
	if c.Limits.MaxConcurrentPositions == 0 {
		c.Limits.MaxConcurrentPositions = 5
	}
	if c.Limits.MaxPositionsPerSignal == 0 {
		c.Limits.MaxPositionsPerSignal = 1
	}
	if c.Limits.MaxDailyTrades == 0 {
		c.Limits.MaxDailyTrades = 20
	}
	if c.Limits.MarketHours.Start == "" {
		c.Limits.MarketHours.Start = "09:15"
	}
	if c.Limits.MarketHours.End == "" {
		c.Limits.MarketHours.End = "15:30"
	}
	if len(c.Limits.MarketHours.Days) == 0 {
		c.Limits.MarketHours.Days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	if c.Limits.MarketHours.Timezone == "" {
		c.Limits.MarketHours.Timezone = "Asia/Kolkata"
	}
	if c.Hedge.Underlying == "" {
		c.Hedge.Underlying = "NIFTY"
	}
	if c.Hedge.Distance == 0 {
		c.Hedge.Distance = defaultHedgeDistance
	}
	if c.Hedge.OrderType == "" {
		c.Hedge.OrderType = "MARKET"
	}
	if c.Hedge.ExpiryWeekday == "" {
		c.Hedge.ExpiryWeekday = "thursday"
	}
	if c.Iceberg.LegDelayMs == 0 {
		c.Iceberg.LegDelayMs = 500
	}
	if c.Iceberg.ChunkDelayMs == 0 {
		c.Iceberg.ChunkDelayMs = 1000
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "trading_state.json"
	}
	if c.Storage.KillSwitchPath == "" {
		c.Storage.KillSwitchPath = "killswitch_state.json"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	switch c.Broker.Provider {
	case "kite":
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required for kite")
		}
	case "breeze":
		if c.Broker.SessionToken == "" {
			return fmt.Errorf("broker.session_token is required for breeze")
		}
	default:
		return fmt.Errorf("broker.provider must be 'kite' or 'breeze'")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}

	// Webhook validation
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if c.Webhook.DedupWindowSec <= 0 {
		return fmt.Errorf("webhook.dedup_window_sec must be > 0")
	}

	// Limits validation
	if c.Limits.LotSize <= 0 {
		return fmt.Errorf("limits.lot_size must be > 0")
	}
	if c.Limits.FreezeQuantity < c.Limits.LotSize {
		return fmt.Errorf("limits.freeze_quantity (%d) must be >= lot_size (%d)",
			c.Limits.FreezeQuantity, c.Limits.LotSize)
	}
	if c.Limits.MaxLotsPerTrade <= 0 {
		return fmt.Errorf("limits.max_lots_per_trade must be > 0")
	}
	if c.Limits.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("limits.max_concurrent_positions must be > 0")
	}
	if c.Limits.MaxPositionsPerSignal <= 0 {
		return fmt.Errorf("limits.max_positions_per_signal must be > 0")
	}
	if c.Limits.MaxExposureAmount <= 0 {
		return fmt.Errorf("limits.max_exposure_amount must be > 0")
	}
	if c.Limits.MaxLossPerDay <= 0 {
		return fmt.Errorf("limits.max_loss_per_day must be > 0")
	}
	if c.Limits.BypassMarketHours && c.Environment.Mode == "live" {
		return fmt.Errorf("limits.bypass_market_hours is not allowed in live mode")
	}

	// Market hours validation
	loc, err := c.Limits.MarketHours.Location()
	if err != nil {
		return fmt.Errorf("limits.market_hours.timezone invalid: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Limits.MarketHours.Start, loc)
	e, err2 := time.ParseInLocation("15:04", c.Limits.MarketHours.End, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("limits.market_hours window invalid (start/end parse/order)")
	}
	for _, d := range c.Limits.MarketHours.Days {
		if _, ok := parseWeekday(d); !ok {
			return fmt.Errorf("limits.market_hours.days contains unknown day %q", d)
		}
	}

	// Hedge validation
	if c.Hedge.Distance%50 != 0 || c.Hedge.Distance <= 0 {
		return fmt.Errorf("hedge.distance must be a positive multiple of 50")
	}
	if c.Hedge.OrderType != "MARKET" && c.Hedge.OrderType != "LIMIT" {
		return fmt.Errorf("hedge.order_type must be MARKET or LIMIT")
	}
	if _, ok := parseWeekday(c.Hedge.ExpiryWeekday); !ok {
		return fmt.Errorf("hedge.expiry_weekday %q is not a weekday name", c.Hedge.ExpiryWeekday)
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// MaxLotsPerOrder is the largest child order the exchange accepts, derived
// from the freeze quantity and lot size (1800 / 75 = 24 for NIFTY).
func (c *LimitsConfig) MaxLotsPerOrder() int {
	return c.FreezeQuantity / c.LotSize
}

// Location resolves the configured market timezone, falling back to a fixed
// IST offset for minimal containers without tzdata.
func (m *MarketHoursConfig) Location() (*time.Location, error) {
	tz := m.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800), err
	}
	return loc, nil
}

// Weekday parses the configured expiry weekday, defaulting to Thursday.
func (c *HedgeConfig) Weekday() time.Weekday {
	if wd, ok := parseWeekday(c.ExpiryWeekday); ok {
		return wd
	}
	return time.Thursday
}

// parseWeekday accepts full names and three-letter abbreviations, any case.
func parseWeekday(s string) (time.Weekday, bool) {
	switch strings.ToLower(s) {
	case "sun", "sunday":
		return time.Sunday, true
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tuesday":
		return time.Tuesday, true
	case "wed", "wednesday":
		return time.Wednesday, true
	case "thu", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	default:
		return time.Sunday, false
	}
}

// IsWithinTradingHours checks if the given time falls within the configured
// trading window on a configured trading day.
func (m *MarketHoursConfig) IsWithinTradingHours(now time.Time) bool {
	loc, _ := m.Location()
	today := now.In(loc)

	dayOK := false
	for _, d := range m.Days {
		if wd, ok := parseWeekday(d); ok && wd == today.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", m.Start, loc)
	endClock, err2 := time.ParseInLocation("15:04", m.End, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 15, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 15, 30, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start and end: a 15:30 signal still trades
	return !today.Before(start) && !today.After(end)
}
