// Package config loads the engine configuration from YAML. Values of the
// form ${VAR} are expanded from the environment, which may be seeded from a
// .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/exchange"
	"github.com/vitos/dex_execution_engine/internal/retry"
	"github.com/vitos/dex_execution_engine/internal/usecase"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging struct {
		Level     string `yaml:"level"`
		Encoding  string `yaml:"encoding"`
		AuditFile string `yaml:"audit_file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Portfolio struct {
		ID   string  `yaml:"id"`
		Cash float64 `yaml:"cash"`
	} `yaml:"portfolio"`

	OrderBook OrderBookConfig `yaml:"orderbook"`
	Risk      RiskConfig      `yaml:"risk"`
	Positions PositionConfig  `yaml:"positions"`
	Bundle    BundleConfig    `yaml:"bundle"`
	Executor  ExecutorConfig  `yaml:"executor"`

	Relay  EndpointConfig `yaml:"relay"`
	Venues []VenueConfig  `yaml:"venues"`
}

type OrderBookConfig struct {
	UpdateInterval  time.Duration `yaml:"update_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	StepLatency     time.Duration `yaml:"step_latency"`
}

type RiskConfig struct {
	MaxPositionFraction float64       `yaml:"max_position_fraction"`
	MaxExposureFraction float64       `yaml:"max_exposure_fraction"`
	MinTradeValue       float64       `yaml:"min_trade_value"`
	MaxTradeValue       float64       `yaml:"max_trade_value"`
	MaxPositionCount    int           `yaml:"max_position_count"`
	Timeout             time.Duration `yaml:"timeout"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheSize           int           `yaml:"cache_size"`
	Breaker             struct {
		Threshold float64       `yaml:"threshold"`
		CoolDown  time.Duration `yaml:"cool_down"`
	} `yaml:"exposure_breaker"`
}

type PositionConfig struct {
	MinSize              float64 `yaml:"min_size"`
	MaxSize              float64 `yaml:"max_size"`
	EmergencyDrawdownPct float64 `yaml:"emergency_drawdown_pct"`
	ValuePrecision       int32   `yaml:"value_precision"`
}

type BundleConfig struct {
	MaxBundleSize  int           `yaml:"max_bundle_size"`
	MinPriorityFee uint64        `yaml:"min_priority_fee"`
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Retry          retry.Policy  `yaml:"retry"`
}

type ExecutorConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxConcurrent       int64         `yaml:"max_concurrent"`
	LargeTradeThreshold float64       `yaml:"large_trade_threshold"`
	MEVEnabled          *bool         `yaml:"mev_enabled"`
	MinMEVProfit        float64       `yaml:"min_mev_profit"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Retry               retry.Policy  `yaml:"retry"`
	Breaker             struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		CoolDown         time.Duration `yaml:"cool_down"`
	} `yaml:"breaker"`
}

type EndpointConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type VenueConfig struct {
	Name        string         `yaml:"name"`
	WSURL       string         `yaml:"ws_url"`
	Pairs       []string       `yaml:"pairs"`
	ReadTimeout time.Duration  `yaml:"read_timeout"`
	Reconnect   retry.Policy   `yaml:"reconnect"`
	RPC         EndpointConfig `yaml:"rpc"`
}

// Load reads path after loading envFile (if it exists) into the environment.
// The result has defaults applied and is validated.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, expanding ${VAR} references first.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewBufferString(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setFloat(f *float64, def decimal.Decimal) {
	if *f == 0 {
		*f = def.InexactFloat64()
	}
}

func setInt[T int | int32 | int64 | uint64](v *T, def T) {
	if *v == 0 {
		*v = def
	}
}

func setPolicy(p *retry.Policy, def retry.Policy) {
	if *p == (retry.Policy{}) {
		*p = def
	}
}

func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	setInt(&c.Server.Port, 8080)
	if c.Storage.Path == "" {
		c.Storage.Path = "engine.db"
	}
	if c.Portfolio.ID == "" {
		c.Portfolio.ID = "main"
	}

	ob := usecase.DefaultOrderBookConfig()
	setDuration(&c.OrderBook.UpdateInterval, ob.UpdateInterval)
	setDuration(&c.OrderBook.MaxAge, ob.MaxAge)
	setDuration(&c.OrderBook.MaxClockSkew, ob.MaxClockSkew)
	setDuration(&c.OrderBook.CleanupInterval, ob.CleanupInterval)
	setDuration(&c.OrderBook.HealthInterval, ob.HealthInterval)
	setDuration(&c.OrderBook.StepLatency, ob.StepLatency)

	risk := usecase.DefaultRiskConfig()
	setFloat(&c.Risk.MaxPositionFraction, risk.MaxPositionFraction)
	setFloat(&c.Risk.MaxExposureFraction, risk.MaxExposureFraction)
	setFloat(&c.Risk.MinTradeValue, risk.MinTradeValue)
	setFloat(&c.Risk.MaxTradeValue, risk.MaxTradeValue)
	setInt(&c.Risk.MaxPositionCount, risk.MaxPositionCount)
	setDuration(&c.Risk.Timeout, risk.Timeout)
	setDuration(&c.Risk.CacheTTL, risk.CacheTTL)
	setInt(&c.Risk.CacheSize, risk.CacheSize)
	setFloat(&c.Risk.Breaker.Threshold, risk.Breaker.Threshold)
	setDuration(&c.Risk.Breaker.CoolDown, risk.Breaker.CoolDown)

	pos := usecase.DefaultPositionConfig()
	setFloat(&c.Positions.MinSize, pos.MinSize)
	setFloat(&c.Positions.MaxSize, pos.MaxSize)
	setFloat(&c.Positions.EmergencyDrawdownPct, pos.EmergencyDrawdownPct)
	setInt(&c.Positions.ValuePrecision, pos.ValuePrecision)

	bundle := usecase.DefaultBundleConfig()
	setInt(&c.Bundle.MaxBundleSize, bundle.MaxBundleSize)
	setInt(&c.Bundle.MinPriorityFee, bundle.MinPriorityFee)
	setDuration(&c.Bundle.Timeout, bundle.Timeout)
	setDuration(&c.Bundle.PollInterval, bundle.PollInterval)
	setPolicy(&c.Bundle.Retry, bundle.Retry)

	exec := usecase.DefaultExecutorConfig()
	setDuration(&c.Executor.Timeout, exec.Timeout)
	setInt(&c.Executor.MaxConcurrent, exec.MaxConcurrent)
	setFloat(&c.Executor.LargeTradeThreshold, exec.LargeTradeThreshold)
	if c.Executor.MEVEnabled == nil {
		enabled := exec.MEVEnabled
		c.Executor.MEVEnabled = &enabled
	}
	setFloat(&c.Executor.MinMEVProfit, exec.MinMEVProfit)
	setDuration(&c.Executor.PollInterval, exec.PollInterval)
	setPolicy(&c.Executor.Retry, exec.Retry)
	setInt(&c.Executor.Breaker.FailureThreshold, exec.Breaker.FailureThreshold)
	setInt(&c.Executor.Breaker.SuccessThreshold, exec.Breaker.SuccessThreshold)
	setDuration(&c.Executor.Breaker.CoolDown, exec.Breaker.CoolDown)

	for i := range c.Venues {
		v := &c.Venues[i]
		setDuration(&v.ReadTimeout, 30*time.Second)
		setPolicy(&v.Reconnect, retry.Policy{MaxAttempts: 1, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second})
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Portfolio.Cash >= 0, "portfolio.cash must not be negative")

	check(c.OrderBook.MaxAge > c.OrderBook.UpdateInterval, "orderbook.max_age must exceed update_interval")

	check(c.Risk.MaxPositionFraction > 0 && c.Risk.MaxPositionFraction <= 1, "risk.max_position_fraction must be in (0, 1]")
	check(c.Risk.MaxExposureFraction > 0 && c.Risk.MaxExposureFraction <= 1, "risk.max_exposure_fraction must be in (0, 1]")
	check(c.Risk.Breaker.Threshold > 0 && c.Risk.Breaker.Threshold <= 1, "risk.exposure_breaker.threshold must be in (0, 1]")
	check(c.Risk.MinTradeValue < c.Risk.MaxTradeValue, "risk.min_trade_value must be below max_trade_value")
	check(c.Risk.MaxPositionCount > 0, "risk.max_position_count must be positive")
	check(c.Risk.CacheSize > 0, "risk.cache_size must be positive")

	check(c.Positions.MinSize > 0 && c.Positions.MinSize < c.Positions.MaxSize, "positions.min_size must be positive and below max_size")
	check(c.Positions.EmergencyDrawdownPct > 0 && c.Positions.EmergencyDrawdownPct < 100, "positions.emergency_drawdown_pct must be in (0, 100)")

	check(c.Bundle.MaxBundleSize > 0, "bundle.max_bundle_size must be positive")
	if perr := c.Bundle.Retry.Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("bundle.%w", perr))
	}

	check(c.Executor.Timeout > 0, "executor.timeout must be positive")
	check(c.Executor.MaxConcurrent > 0, "executor.max_concurrent must be positive")
	check(c.Executor.Breaker.FailureThreshold > 0, "executor.breaker.failure_threshold must be positive")
	if perr := c.Executor.Retry.Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("executor.%w", perr))
	}

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		check(v.Name != "", "venues[%d].name is required", i)
		check(!seen[v.Name], "venues[%d].name %q is duplicated", i, v.Name)
		seen[v.Name] = true
		check(v.WSURL != "", "venues[%d].ws_url is required", i)
		check(len(v.Pairs) > 0, "venues[%d].pairs must not be empty", i)
	}
	return err
}

func (c *Config) OrderBookConfig() usecase.OrderBookConfig {
	return usecase.OrderBookConfig(c.OrderBook)
}

func (c *Config) RiskConfig() usecase.RiskConfig {
	return usecase.RiskConfig{
		MaxPositionFraction: decimal.NewFromFloat(c.Risk.MaxPositionFraction),
		MaxExposureFraction: decimal.NewFromFloat(c.Risk.MaxExposureFraction),
		MinTradeValue:       decimal.NewFromFloat(c.Risk.MinTradeValue),
		MaxTradeValue:       decimal.NewFromFloat(c.Risk.MaxTradeValue),
		MaxPositionCount:    c.Risk.MaxPositionCount,
		Timeout:             c.Risk.Timeout,
		CacheTTL:            c.Risk.CacheTTL,
		CacheSize:           c.Risk.CacheSize,
		Breaker: usecase.ExposureBreakerConfig{
			Threshold: decimal.NewFromFloat(c.Risk.Breaker.Threshold),
			CoolDown:  c.Risk.Breaker.CoolDown,
		},
	}
}

func (c *Config) PositionConfig() usecase.PositionConfig {
	return usecase.PositionConfig{
		MinSize:              decimal.NewFromFloat(c.Positions.MinSize),
		MaxSize:              decimal.NewFromFloat(c.Positions.MaxSize),
		EmergencyDrawdownPct: decimal.NewFromFloat(c.Positions.EmergencyDrawdownPct),
		ValuePrecision:       c.Positions.ValuePrecision,
	}
}

func (c *Config) BundleConfig() usecase.BundleConfig {
	return usecase.BundleConfig(c.Bundle)
}

func (c *Config) ExecutorConfig() usecase.ExecutorConfig {
	return usecase.ExecutorConfig{
		Timeout:             c.Executor.Timeout,
		MaxConcurrent:       c.Executor.MaxConcurrent,
		LargeTradeThreshold: decimal.NewFromFloat(c.Executor.LargeTradeThreshold),
		MEVEnabled:          c.Executor.MEVEnabled != nil && *c.Executor.MEVEnabled,
		MinMEVProfit:        decimal.NewFromFloat(c.Executor.MinMEVProfit),
		PollInterval:        c.Executor.PollInterval,
		Retry:               c.Executor.Retry,
		Breaker: usecase.FailureBreakerConfig{
			FailureThreshold: c.Executor.Breaker.FailureThreshold,
			SuccessThreshold: c.Executor.Breaker.SuccessThreshold,
			CoolDown:         c.Executor.Breaker.CoolDown,
		},
	}
}

func (e EndpointConfig) ClientConfig() exchange.ClientConfig {
	return exchange.ClientConfig{
		BaseURL:        e.URL,
		APIKey:         e.APIKey,
		PoolSize:       e.PoolSize,
		AcquireTimeout: e.AcquireTimeout,
		RequestTimeout: e.RequestTimeout,
	}
}

func (v VenueConfig) FeedConfig() exchange.WSFeedConfig {
	return exchange.WSFeedConfig{
		Venue:       v.Name,
		URL:         v.WSURL,
		Pairs:       v.Pairs,
		ReadTimeout: v.ReadTimeout,
		Reconnect:   v.Reconnect,
	}
}
