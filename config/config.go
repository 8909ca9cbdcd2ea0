// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/jobs"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env            string
	Port           int
	AllowedOrigins []string

	Database   DatabaseConfig
	Log        LogConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Variance   VarianceConfig
	Pricing    PricingConfig
	Safe       SafeConfig
	Payroll    PayrollConfig
	Jobs       JobsConfig
	Storage    StorageConfig
	AuditCron  string
	BusinessTZ *time.Location
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type LogConfig struct {
	Level  string
	Format string
}

// RedisConfig configures the price cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PriceTTL time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Required  bool
}

type VarianceConfig struct {
	Tolerance  decimal.Decimal
	Percent    decimal.Decimal
	Convention settlement.Convention
}

type PricingConfig struct {
	DefaultPrice    decimal.Decimal
	DefaultMeterMax decimal.Decimal
}

type SafeConfig struct {
	LargeTransaction decimal.Decimal
	DuplicateWindow  time.Duration
	FutureSkew       time.Duration
}

type PayrollConfig struct {
	BaseSalary            decimal.Decimal
	HolidayAllowance      decimal.Decimal
	RestDayPenalty        decimal.Decimal
	AllowedRestDays       int
	EPFRate               decimal.Decimal
	OvertimeMultiplier    decimal.Decimal
	StandardShiftHours    decimal.Decimal
	CommissionPerThousand decimal.Decimal
	PeriodStartDay        int
	RestDayMode           payroll.RestDayMode
	ExcessReducesBase     bool
}

type JobsConfig struct {
	Workers    int
	Retries    int
	RetryDelay time.Duration
}

type StorageConfig struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// Load reads envFile (or .env when empty) if present, then the process
// environment, which wins.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
		envFile = ".env"
	}

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	p := &parser{v: v}
	cfg := &Config{
		Env:            v.GetString("ENV"),
		Port:           v.GetInt("PORT"),
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
		AuditCron:      v.GetString("AUDIT_CRON"),
	}

	cfg.Database = DatabaseConfig{
		Driver: v.GetString("DB_DRIVER"),
		DSN:    v.GetString("DB_DSN"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("REDIS_ADDR"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		PriceTTL: parseDuration(v.GetString("PRICE_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Auth = AuthConfig{
		JWTSecret: v.GetString("AUTH_JWT_SECRET"),
		Required:  v.GetBool("AUTH_REQUIRED"),
	}

	cfg.Variance = VarianceConfig{
		Tolerance: p.decimal("VARIANCE_TOLERANCE"),
		Percent:   p.decimal("VARIANCE_TOLERANCE_PERCENT"),
	}
	if conv, err := settlement.ParseConvention(v.GetString("VARIANCE_SIGN_CONVENTION")); err != nil {
		p.fail(err)
	} else {
		cfg.Variance.Convention = conv
	}

	cfg.Pricing = PricingConfig{
		DefaultPrice:    p.decimal("DEFAULT_FUEL_PRICE"),
		DefaultMeterMax: p.decimal("DEFAULT_METER_MAX"),
	}

	cfg.Safe = SafeConfig{
		LargeTransaction: p.decimal("SAFE_LARGE_TRANSACTION"),
		DuplicateWindow:  parseDuration(v.GetString("SAFE_DUPLICATE_WINDOW"), 60*time.Second),
		FutureSkew:       parseDuration(v.GetString("SAFE_FUTURE_SKEW"), time.Hour),
	}

	cfg.Payroll = PayrollConfig{
		BaseSalary:            p.decimal("PAYROLL_BASE_SALARY"),
		HolidayAllowance:      p.decimal("PAYROLL_HOLIDAY_ALLOWANCE"),
		RestDayPenalty:        p.decimal("PAYROLL_REST_DAY_PENALTY"),
		AllowedRestDays:       v.GetInt("PAYROLL_ALLOWED_REST_DAYS"),
		EPFRate:               p.decimal("PAYROLL_EPF_RATE"),
		OvertimeMultiplier:    p.decimal("PAYROLL_OVERTIME_MULTIPLIER"),
		StandardShiftHours:    p.decimal("PAYROLL_STANDARD_SHIFT_HOURS"),
		CommissionPerThousand: p.decimal("PAYROLL_COMMISSION_PER_THOUSAND"),
		PeriodStartDay:        v.GetInt("PAYROLL_PERIOD_START_DAY"),
		ExcessReducesBase:     v.GetBool("PAYROLL_EXCESS_REDUCES_BASE"),
	}
	if mode, err := payroll.ParseRestDayMode(v.GetString("PAYROLL_REST_DAY_MODE")); err != nil {
		p.fail(err)
	} else {
		cfg.Payroll.RestDayMode = mode
	}
	if d := cfg.Payroll.PeriodStartDay; d < 1 || d > 28 {
		p.fail(fmt.Errorf("PAYROLL_PERIOD_START_DAY must be between 1 and 28, got %d", d))
	}

	cfg.Jobs = JobsConfig{
		Workers:    v.GetInt("JOBS_WORKERS"),
		Retries:    v.GetInt("JOBS_RETRIES"),
		RetryDelay: parseDuration(v.GetString("JOBS_RETRY_DELAY"), 2*time.Second),
	}

	cfg.Storage = StorageConfig{
		RetryAttempts: v.GetInt("STORAGE_RETRY_ATTEMPTS"),
		RetryDelay:    parseDuration(v.GetString("STORAGE_RETRY_DELAY"), 50*time.Millisecond),
	}

	loc, err := time.LoadLocation(v.GetString("BUSINESS_TIMEZONE"))
	if err != nil {
		p.fail(fmt.Errorf("BUSINESS_TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.BusinessTZ = loc

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("DB_DRIVER", "sqlite3")
	v.SetDefault("DB_DSN", "station.db")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PRICE_CACHE_TTL", "10m")

	v.SetDefault("AUTH_JWT_SECRET", "")
	v.SetDefault("AUTH_REQUIRED", false)

	v.SetDefault("VARIANCE_TOLERANCE", "20")
	v.SetDefault("VARIANCE_TOLERANCE_PERCENT", "0")
	v.SetDefault("VARIANCE_SIGN_CONVENTION", string(settlement.PositiveAdds))

	v.SetDefault("DEFAULT_FUEL_PRICE", "470")
	v.SetDefault("DEFAULT_METER_MAX", "999999")

	v.SetDefault("SAFE_LARGE_TRANSACTION", "500000")
	v.SetDefault("SAFE_DUPLICATE_WINDOW", "60s")
	v.SetDefault("SAFE_FUTURE_SKEW", "1h")

	v.SetDefault("PAYROLL_BASE_SALARY", "27000")
	v.SetDefault("PAYROLL_HOLIDAY_ALLOWANCE", "4500")
	v.SetDefault("PAYROLL_REST_DAY_PENALTY", "900")
	v.SetDefault("PAYROLL_ALLOWED_REST_DAYS", 5)
	v.SetDefault("PAYROLL_EPF_RATE", "0.08")
	v.SetDefault("PAYROLL_OVERTIME_MULTIPLIER", "1.5")
	v.SetDefault("PAYROLL_STANDARD_SHIFT_HOURS", "8")
	v.SetDefault("PAYROLL_COMMISSION_PER_THOUSAND", "1")
	v.SetDefault("PAYROLL_PERIOD_START_DAY", 7)
	v.SetDefault("PAYROLL_REST_DAY_MODE", string(payroll.RestDaysExcessOnly))
	v.SetDefault("PAYROLL_EXCESS_REDUCES_BASE", false)

	v.SetDefault("AUDIT_CRON", "0 2 * * *")
	v.SetDefault("JOBS_WORKERS", 2)
	v.SetDefault("JOBS_RETRIES", 3)
	v.SetDefault("JOBS_RETRY_DELAY", "2s")
	v.SetDefault("STORAGE_RETRY_ATTEMPTS", 3)
	v.SetDefault("STORAGE_RETRY_DELAY", "50ms")
	v.SetDefault("BUSINESS_TIMEZONE", "UTC")
}

// =============================================================================
// DOMAIN SETTINGS
// =============================================================================

// Retry is the storage retry policy.
func (c *Config) Retry() generic.RetryPolicy {
	p := generic.DefaultRetryPolicy
	if c.Storage.RetryAttempts > 0 {
		p.Attempts = c.Storage.RetryAttempts
	}
	if c.Storage.RetryDelay > 0 {
		p.Delay = c.Storage.RetryDelay
	}
	return p
}

func (c *Config) Settlement() settlement.Config {
	return settlement.Config{
		Tolerance: settlement.Tolerance{
			Flat:       c.Variance.Tolerance,
			Percent:    c.Variance.Percent,
			Convention: c.Variance.Convention,
		},
		DefaultMeterMax: c.Pricing.DefaultMeterMax,
		Retry:           c.Retry(),
	}
}

func (c *Config) SafeLedger() safe.Config {
	return safe.Config{
		FutureSkew:      c.Safe.FutureSkew,
		DuplicateWindow: c.Safe.DuplicateWindow,
		LargeAmount:     c.Safe.LargeTransaction,
		Retry:           c.Retry(),
	}
}

func (c *Config) PayrollPolicy() payroll.Policy {
	p := c.Payroll
	return payroll.Policy{
		BaseSalary:            p.BaseSalary,
		HolidayAllowance:      p.HolidayAllowance,
		RestDayPenalty:        p.RestDayPenalty,
		AllowedRestDays:       p.AllowedRestDays,
		EPFRate:               p.EPFRate,
		OvertimeMultiplier:    p.OvertimeMultiplier,
		StandardShiftHours:    p.StandardShiftHours,
		CommissionPerThousand: p.CommissionPerThousand,
		PeriodStartDay:        p.PeriodStartDay,
		RestDayMode:           p.RestDayMode,
		ExcessReducesBase:     p.ExcessReducesBase,
		Location:              c.BusinessTZ,
	}
}

func (c *Config) Queue() jobs.QueueConfig {
	return jobs.QueueConfig{
		Workers:    c.Jobs.Workers,
		MaxRetries: c.Jobs.Retries,
		RetryDelay: c.Jobs.RetryDelay,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) fail(err error) { p.errs = append(p.errs, err) }

func (p *parser) decimal(key string) decimal.Decimal {
	raw := strings.TrimSpace(p.v.GetString(key))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s: %q is not a number", key, raw))
		return decimal.Zero
	}
	return d
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
