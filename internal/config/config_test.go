package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 5*time.Minute, cfg.Jobs.LiquidationInterval.Duration)
}

func TestPolicyRoundTrip(t *testing.T) {
	want := policy.Default()
	got := FromPolicy(want).ToPolicy()

	require.NoError(t, got.Validate())
	assert.True(t, got.LiquidationLtv.Equal(want.LiquidationLtv))
	assert.True(t, got.PortfolioLoanCap.Equal(want.PortfolioLoanCap))
	assert.Equal(t, want.LoanDurations, got.LoanDurations)
	assert.Equal(t, want.RebalanceCooldown, got.RebalanceCooldown)
	for _, l := range model.Layers {
		assert.True(t, got.Spread(l).Equal(want.Spread(l)), "spread %s", l)
		assert.True(t, got.MaxLTV[l].Equal(want.MaxLTV[l]), "ltv %s", l)
	}
}

const sample = `
log_level = "debug"

[server]
port = 9090
cors_origins = ["https://app.example.com"]

[database]
dsn = "postgres://localhost/portfolio"
pool_max_conns = 20

[redis]
addr = "localhost:6379"
cache_ttl = "45s"

[s3]
bucket = "ledger-archive"
force_path_style = true

[policy]
ltv_growth = "0.45"
liquidation_ltv = "0.85"
rebalance_cooldown = "12h"
loan_durations = [3, 6, 12]

[jobs]
liquidation_interval = "1m"
archive_cron = "@monthly"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portfolio.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 20, cfg.Database.PoolMaxConns)
	assert.Equal(t, 2, cfg.Database.PoolMinConns, "unset keys keep defaults")
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 45*time.Second, cfg.Redis.CacheTTL.Duration)
	assert.True(t, cfg.S3.ForcePathStyle)
	assert.Equal(t, 3, cfg.S3.RetentionMonths)

	p := cfg.Policy.ToPolicy()
	assert.True(t, p.MaxLTV[model.LayerGrowth].Equal(decimal.RequireFromString("0.45")))
	assert.True(t, p.LiquidationLtv.Equal(decimal.RequireFromString("0.85")))
	assert.True(t, p.MaxLTV[model.LayerFoundation].Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, 12*time.Hour, p.RebalanceCooldown)
	assert.Equal(t, []int{3, 6, 12}, p.LoanDurations)

	assert.Equal(t, time.Minute, cfg.Jobs.LiquidationInterval.Duration)
	assert.Equal(t, "@monthly", cfg.Jobs.ArchiveCron)
}

func TestLoad_MalformedTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "[server\nport = "))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("PORTFOLIO_SERVER_PORT", "7100")
	t.Setenv("DATABASE_URL", "postgres://db/portfolio")
	t.Setenv("PORTFOLIO_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("PORTFOLIO_POLICY_PORTFOLIO_LOAN_CAP", "0.2")
	t.Setenv("PORTFOLIO_POLICY_MIN_TRADE_IRR", "not-a-number")
	t.Setenv("PORTFOLIO_JOBS_LIQUIDATION_INTERVAL", "30s")
	t.Setenv("PORTFOLIO_REDIS_LOCK_FAIL_CLOSED", "true")
	t.Setenv("PORTFOLIO_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7100, cfg.Server.Port, "PORTFOLIO_* wins over PORT")
	assert.Equal(t, "postgres://db/portfolio", cfg.Database.DSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Policy.PortfolioLoanCap.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, cfg.Policy.MinTradeIrr.Equal(decimal.NewFromInt(1_000_000)), "unparseable values are ignored")
	assert.Equal(t, 30*time.Second, cfg.Jobs.LiquidationInterval.Duration)
	assert.True(t, cfg.Redis.LockFailClosed)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Server.Port = 0
	cfg.S3.Bucket = "archive"
	cfg.S3.Region = ""
	cfg.Jobs.LiquidationInterval.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "s3: region")
	assert.Contains(t, err.Error(), "liquidation_interval")
}

func TestValidate_PolicyOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.StructuralThreshold = decimal.NewFromInt(25)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift < structural < stress")

	cfg = Defaults()
	cfg.Policy.SpreadGrowth = decimal.RequireFromString("0.001")
	assert.ErrorContains(t, cfg.Validate(), "strictly increase")
}
