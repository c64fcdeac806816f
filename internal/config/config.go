// Package config loads the portfolio engine configuration from a TOML file,
// an optional .env file and PORTFOLIO_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Policy   PolicyConfig   `toml:"policy"`
	Jobs     JobsConfig     `toml:"jobs"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL parameters. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. With neither Addr nor URL set the
// process runs single-instance: in-memory lock, static prices, no cache.
type RedisConfig struct {
	URL      string   `toml:"url"`
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	PoolSize int      `toml:"pool_size"`
	CacheTTL duration `toml:"cache_ttl"`

	// LockFailClosed skips jobs instead of running them when Redis is
	// unreachable.
	LockFailClosed bool `toml:"lock_fail_closed"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

// S3Config holds the ledger archive bucket. An empty Bucket disables archival.
type S3Config struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKey       string `toml:"access_key"`
	SecretKey       string `toml:"secret_key"`
	ForcePathStyle  bool   `toml:"force_path_style"`
	RetentionMonths int    `toml:"retention_months"`
}

// PolicyConfig mirrors policy.Policy. Decimals are quoted strings in TOML.
type PolicyConfig struct {
	DriftThreshold       decimal.Decimal `toml:"drift_threshold"`
	StructuralThreshold  decimal.Decimal `toml:"structural_threshold"`
	StressThreshold      decimal.Decimal `toml:"stress_threshold"`
	EmergencyThreshold   decimal.Decimal `toml:"emergency_threshold"`
	SpreadFoundation     decimal.Decimal `toml:"spread_foundation"`
	SpreadGrowth         decimal.Decimal `toml:"spread_growth"`
	SpreadUpside         decimal.Decimal `toml:"spread_upside"`
	LtvFoundation        decimal.Decimal `toml:"ltv_foundation"`
	LtvGrowth            decimal.Decimal `toml:"ltv_growth"`
	LtvUpside            decimal.Decimal `toml:"ltv_upside"`
	PortfolioLoanCap     decimal.Decimal `toml:"portfolio_loan_cap"`
	AnnualInterestRate   decimal.Decimal `toml:"annual_interest_rate"`
	LoanDurations        []int           `toml:"loan_durations"`
	LiquidationLtv       decimal.Decimal `toml:"liquidation_ltv"`
	RebalanceCooldown    duration        `toml:"rebalance_cooldown"`
	RebalanceTolerance   decimal.Decimal `toml:"rebalance_tolerance"`
	MinTradeIrr          decimal.Decimal `toml:"min_trade_irr"`
	MinRebalanceTradeIrr decimal.Decimal `toml:"min_rebalance_trade_irr"`
}

// JobsConfig holds background job schedules. Cron expressions take six
// fields (seconds first) or descriptors such as "@every 5m".
type JobsConfig struct {
	LiquidationInterval duration `toml:"liquidation_interval"`
	PriceHistoryCron    string   `toml:"price_history_cron"`
	HramCron            string   `toml:"hram_cron"`
	ArchiveCron         string   `toml:"archive_cron"`
	Timeout             duration `toml:"timeout"`
}

// duration wraps time.Duration so TOML can decode strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize: 20,
			CacheTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Region:          "us-east-1",
			RetentionMonths: 3,
		},
		Policy: FromPolicy(policy.Default()),
		Jobs: JobsConfig{
			LiquidationInterval: duration{5 * time.Minute},
			PriceHistoryCron:    "0 5 0 * * *",
			HramCron:            "0 15 0 * * *",
			ArchiveCron:         "0 0 3 1 * *",
			Timeout:             duration{2 * time.Minute},
		},
		LogLevel: "info",
	}
}

// FromPolicy converts p to its configuration form.
func FromPolicy(p policy.Policy) PolicyConfig {
	return PolicyConfig{
		DriftThreshold:       p.DriftThreshold,
		StructuralThreshold:  p.StructuralThreshold,
		StressThreshold:      p.StressThreshold,
		EmergencyThreshold:   p.EmergencyThreshold,
		SpreadFoundation:     p.Spreads[model.LayerFoundation],
		SpreadGrowth:         p.Spreads[model.LayerGrowth],
		SpreadUpside:         p.Spreads[model.LayerUpside],
		LtvFoundation:        p.MaxLTV[model.LayerFoundation],
		LtvGrowth:            p.MaxLTV[model.LayerGrowth],
		LtvUpside:            p.MaxLTV[model.LayerUpside],
		PortfolioLoanCap:     p.PortfolioLoanCap,
		AnnualInterestRate:   p.AnnualInterestRate,
		LoanDurations:        append([]int(nil), p.LoanDurations...),
		LiquidationLtv:       p.LiquidationLtv,
		RebalanceCooldown:    duration{p.RebalanceCooldown},
		RebalanceTolerance:   p.RebalanceTolerance,
		MinTradeIrr:          p.MinTradeIrr,
		MinRebalanceTradeIrr: p.MinRebalanceTradeIrr,
	}
}

// ToPolicy converts the configuration to a policy.Policy.
func (c PolicyConfig) ToPolicy() policy.Policy {
	return policy.Policy{
		DriftThreshold:      c.DriftThreshold,
		StructuralThreshold: c.StructuralThreshold,
		StressThreshold:     c.StressThreshold,
		EmergencyThreshold:  c.EmergencyThreshold,
		Spreads: map[model.Layer]decimal.Decimal{
			model.LayerFoundation: c.SpreadFoundation,
			model.LayerGrowth:     c.SpreadGrowth,
			model.LayerUpside:     c.SpreadUpside,
		},
		MaxLTV: map[model.Layer]decimal.Decimal{
			model.LayerFoundation: c.LtvFoundation,
			model.LayerGrowth:     c.LtvGrowth,
			model.LayerUpside:     c.LtvUpside,
		},
		PortfolioLoanCap:     c.PortfolioLoanCap,
		AnnualInterestRate:   c.AnnualInterestRate,
		LoanDurations:        append([]int(nil), c.LoanDurations...),
		LiquidationLtv:       c.LiquidationLtv,
		RebalanceCooldown:    c.RebalanceCooldown.Duration,
		RebalanceTolerance:   c.RebalanceTolerance,
		MinTradeIrr:          c.MinTradeIrr,
		MinRebalanceTradeIrr: c.MinRebalanceTradeIrr,
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if c.Database.DSN != "" {
		if c.Database.PoolMaxConns <= 0 {
			errs = append(errs, "database: pool_max_conns must be positive")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	if c.Redis.Enabled() && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when bucket is set")
		}
		if c.S3.RetentionMonths < 1 {
			errs = append(errs, "s3: retention_months must be at least 1")
		}
	}

	if err := c.Policy.ToPolicy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Jobs.LiquidationInterval.Duration <= 0 {
		errs = append(errs, "jobs: liquidation_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
