package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load starts from Defaults, decodes the TOML file at path when path is not
// empty, loads .env if present and applies environment overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads PORTFOLIO_* variables, plus the conventional
// PORT, DATABASE_URL and REDIS_URL, which the PORTFOLIO_* forms override.
func applyEnvOverrides(cfg *Config) {
	// ── Conventional names ──
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORTFOLIO_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PORTFOLIO_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "PORTFOLIO_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PORTFOLIO_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "PORTFOLIO_DATABASE_DSN")
	setInt(&cfg.Database.PoolMaxConns, "PORTFOLIO_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PORTFOLIO_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PORTFOLIO_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "PORTFOLIO_REDIS_URL")
	setStr(&cfg.Redis.Addr, "PORTFOLIO_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PORTFOLIO_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PORTFOLIO_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PORTFOLIO_REDIS_POOL_SIZE")
	setDuration(&cfg.Redis.CacheTTL, "PORTFOLIO_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.LockFailClosed, "PORTFOLIO_REDIS_LOCK_FAIL_CLOSED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PORTFOLIO_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PORTFOLIO_S3_REGION")
	setStr(&cfg.S3.Bucket, "PORTFOLIO_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PORTFOLIO_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PORTFOLIO_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PORTFOLIO_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionMonths, "PORTFOLIO_S3_RETENTION_MONTHS")

	// ── Policy ──
	p := &cfg.Policy
	setDecimal(&p.DriftThreshold, "PORTFOLIO_POLICY_DRIFT_THRESHOLD")
	setDecimal(&p.StructuralThreshold, "PORTFOLIO_POLICY_STRUCTURAL_THRESHOLD")
	setDecimal(&p.StressThreshold, "PORTFOLIO_POLICY_STRESS_THRESHOLD")
	setDecimal(&p.EmergencyThreshold, "PORTFOLIO_POLICY_EMERGENCY_THRESHOLD")
	setDecimal(&p.SpreadFoundation, "PORTFOLIO_POLICY_SPREAD_FOUNDATION")
	setDecimal(&p.SpreadGrowth, "PORTFOLIO_POLICY_SPREAD_GROWTH")
	setDecimal(&p.SpreadUpside, "PORTFOLIO_POLICY_SPREAD_UPSIDE")
	setDecimal(&p.LtvFoundation, "PORTFOLIO_POLICY_LTV_FOUNDATION")
	setDecimal(&p.LtvGrowth, "PORTFOLIO_POLICY_LTV_GROWTH")
	setDecimal(&p.LtvUpside, "PORTFOLIO_POLICY_LTV_UPSIDE")
	setDecimal(&p.PortfolioLoanCap, "PORTFOLIO_POLICY_PORTFOLIO_LOAN_CAP")
	setDecimal(&p.AnnualInterestRate, "PORTFOLIO_POLICY_ANNUAL_INTEREST_RATE")
	setDecimal(&p.LiquidationLtv, "PORTFOLIO_POLICY_LIQUIDATION_LTV")
	setDuration(&p.RebalanceCooldown, "PORTFOLIO_POLICY_REBALANCE_COOLDOWN")
	setDecimal(&p.RebalanceTolerance, "PORTFOLIO_POLICY_REBALANCE_TOLERANCE")
	setDecimal(&p.MinTradeIrr, "PORTFOLIO_POLICY_MIN_TRADE_IRR")
	setDecimal(&p.MinRebalanceTradeIrr, "PORTFOLIO_POLICY_MIN_REBALANCE_TRADE_IRR")

	// ── Jobs ──
	setDuration(&cfg.Jobs.LiquidationInterval, "PORTFOLIO_JOBS_LIQUIDATION_INTERVAL")
	setStr(&cfg.Jobs.PriceHistoryCron, "PORTFOLIO_JOBS_PRICE_HISTORY_CRON")
	setStr(&cfg.Jobs.HramCron, "PORTFOLIO_JOBS_HRAM_CRON")
	setStr(&cfg.Jobs.ArchiveCron, "PORTFOLIO_JOBS_ARCHIVE_CRON")
	setDuration(&cfg.Jobs.Timeout, "PORTFOLIO_JOBS_TIMEOUT")

	setStr(&cfg.LogLevel, "PORTFOLIO_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if dv, err := decimal.NewFromString(v); err == nil {
			*dst = dv
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
