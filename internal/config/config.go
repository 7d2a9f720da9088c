package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// MinLeadTimeFloor is the shortest booking lead time the service accepts.
const MinLeadTimeFloor = time.Hour

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	TimeZone                string        `mapstructure:"TIMEZONE"`
	MinLeadTime             time.Duration `mapstructure:"MIN_LEAD_TIME"`
	MaxActivePerResident    int           `mapstructure:"MAX_ACTIVE_PER_RESIDENT"`
	AvailabilityHorizonDays int           `mapstructure:"AVAILABILITY_HORIZON_DAYS"`
	NextSlotScanDays        int           `mapstructure:"NEXT_SLOT_SCAN_DAYS"`

	LockTimeout    time.Duration `mapstructure:"LOCK_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	NotifyTimeout  time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	RemindersEnabled   bool   `mapstructure:"REMINDERS_ENABLED"`
	ReminderSchedule   string `mapstructure:"REMINDER_SCHEDULE"`
	ReminderHoursAhead int    `mapstructure:"REMINDER_HOURS_AHEAD"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"TIMEZONE", "MIN_LEAD_TIME", "MAX_ACTIVE_PER_RESIDENT",
	"AVAILABILITY_HORIZON_DAYS", "NEXT_SLOT_SCAN_DAYS",
	"LOCK_TIMEOUT", "REQUEST_TIMEOUT", "NOTIFY_TIMEOUT",
	"REMINDERS_ENABLED", "REMINDER_SCHEDULE", "REMINDER_HOURS_AHEAD",
	"CORS_ORIGINS",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("MIN_LEAD_TIME", "1h")
	v.SetDefault("MAX_ACTIVE_PER_RESIDENT", 3)
	v.SetDefault("AVAILABILITY_HORIZON_DAYS", 14)
	v.SetDefault("NEXT_SLOT_SCAN_DAYS", 30)
	v.SetDefault("LOCK_TIMEOUT", "3s")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("REMINDERS_ENABLED", true)
	v.SetDefault("REMINDER_SCHEDULE", "@every 15m")
	v.SetDefault("REMINDER_HOURS_AHEAD", 24)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.Store = strings.ToLower(cfg.Store)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the service time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks cross-field rules before the server starts.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.TimeZone, err)
	}
	if c.MinLeadTime < MinLeadTimeFloor {
		return fmt.Errorf("MIN_LEAD_TIME must be at least %s, got %s", MinLeadTimeFloor, c.MinLeadTime)
	}
	if c.MaxActivePerResident < 1 {
		return fmt.Errorf("MAX_ACTIVE_PER_RESIDENT must be at least 1, got %d", c.MaxActivePerResident)
	}
	if c.AvailabilityHorizonDays < 1 {
		return fmt.Errorf("AVAILABILITY_HORIZON_DAYS must be at least 1, got %d", c.AvailabilityHorizonDays)
	}
	if c.NextSlotScanDays < 1 {
		return fmt.Errorf("NEXT_SLOT_SCAN_DAYS must be at least 1, got %d", c.NextSlotScanDays)
	}
	if c.ReminderHoursAhead < 0 {
		return fmt.Errorf("REMINDER_HOURS_AHEAD must not be negative")
	}
	if c.RemindersEnabled {
		if _, err := cron.ParseStandard(c.ReminderSchedule); err != nil {
			return fmt.Errorf("REMINDER_SCHEDULE %q: %w", c.ReminderSchedule, err)
		}
	}
	return nil
}
