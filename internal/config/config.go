// Package config loads server settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete server configuration
type Config struct {
	HTTP   HTTPConfig
	Ledger LedgerConfig
	Auth   AuthConfig
	Quote  QuoteConfig
	Log    LogConfig

	// RedisURL enables the shared token denylist when set
	RedisURL string
	// NATSURL enables transaction publishing to NATS when set
	NATSURL string

	// DotEnvLoaded reports whether a .env file was read. Load runs before
	// the logger exists, so the caller logs it.
	DotEnvLoaded bool
}

type HTTPConfig struct {
	Addr           string
	RequestTimeout time.Duration
	CORSOrigins    []string
}

type LedgerConfig struct {
	Driver       string
	DatabaseURL  string
	SQLitePath   string
	MaxConns     int
	StartingCash decimal.Decimal
	MaxDeposit   decimal.Decimal
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type QuoteConfig struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	CacheTTL      time.Duration
	RatePerMinute int
	// Static serves a fixed demo quote table instead of the live API
	Static bool
}

type LogConfig struct {
	Level       string
	Development bool
}

// source resolves a setting: environment first, then the YAML file
type source map[string]string

func (s source) get(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s[key]
}

func (s source) getString(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := s.get(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func (s source) getInt(key string, defaultValue int) (int, error) {
	if value := s.get(key); value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %q (%w)", key, value, err)
		}
		return intValue, nil
	}
	return defaultValue, nil
}

func (s source) getBool(key string, defaultValue bool) (bool, error) {
	if value := s.get(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid boolean for %s: %q (%w)", key, value, err)
		}
		return boolValue, nil
	}
	return defaultValue, nil
}

func (s source) getDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := s.get(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present. path names an optional YAML file of KEY: value pairs
// using the same keys as the environment; when empty, CONFIG_FILE is used.
func Load(path string) (*Config, error) {
	dotEnvLoaded := godotenv.Load() == nil

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	src := source{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &src); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		RedisURL:     src.get("REDIS_URL"),
		NATSURL:      src.get("NATS_URL"),
		DotEnvLoaded: dotEnvLoaded,
	}

	var err error
	cfg.HTTP.Addr = src.getString("HTTP_ADDR", ":8080")
	cfg.HTTP.RequestTimeout, err = src.getDuration("REQUEST_TIMEOUT", 15*time.Second)
	collect(err)
	for _, origin := range strings.Split(src.getString("CORS_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
		}
	}

	cfg.Ledger.Driver = src.getString("LEDGER_DRIVER", DriverPostgres)
	cfg.Ledger.DatabaseURL = src.get("DATABASE_URL")
	cfg.Ledger.SQLitePath = src.getString("SQLITE_PATH", "finance.db")
	cfg.Ledger.MaxConns, err = src.getInt("DB_MAX_CONNS", 10)
	collect(err)
	cfg.Ledger.StartingCash, err = src.getDecimal("STARTING_CASH", decimal.NewFromInt(10000))
	collect(err)
	cfg.Ledger.MaxDeposit, err = src.getDecimal("MAX_DEPOSIT", decimal.NewFromInt(100000))
	collect(err)

	cfg.Auth.JWTSecret = src.get("JWT_SECRET")
	cfg.Auth.TokenTTL, err = src.getDuration("TOKEN_TTL", 24*time.Hour)
	collect(err)

	cfg.Quote.APIKey = src.get("QUOTE_API_KEY")
	cfg.Quote.BaseURL = src.getString("QUOTE_BASE_URL", "https://api.twelvedata.com")
	cfg.Quote.Timeout, err = src.getDuration("QUOTE_TIMEOUT", 5*time.Second)
	collect(err)
	cfg.Quote.CacheTTL, err = src.getDuration("QUOTE_CACHE_TTL", 15*time.Second)
	collect(err)
	cfg.Quote.RatePerMinute, err = src.getInt("QUOTE_RATE_PER_MINUTE", 8)
	collect(err)
	cfg.Quote.Static, err = src.getBool("QUOTE_STATIC", false)
	collect(err)

	cfg.Log.Level = src.getString("LOG_LEVEL", "info")
	cfg.Log.Development, err = src.getBool("LOG_DEVELOPMENT", false)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if !c.Ledger.StartingCash.IsPositive() {
		errs = append(errs, errors.New("STARTING_CASH must be positive"))
	}
	if !c.Ledger.MaxDeposit.IsPositive() {
		errs = append(errs, errors.New("MAX_DEPOSIT must be positive"))
	}
	if c.HTTP.RequestTimeout <= 0 || c.Quote.Timeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Quote.CacheTTL < 0 {
		errs = append(errs, errors.New("QUOTE_CACHE_TTL must not be negative"))
	}
	if c.Quote.RatePerMinute <= 0 {
		errs = append(errs, errors.New("QUOTE_RATE_PER_MINUTE must be positive"))
	}
	if !c.Quote.Static && c.Quote.APIKey == "" {
		errs = append(errs, errors.New("QUOTE_API_KEY must be set unless QUOTE_STATIC is enabled"))
	}

	switch c.Ledger.Driver {
	case DriverPostgres:
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set for the postgres driver"))
		}
		if c.Ledger.MaxConns <= 0 {
			errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
		}
	case DriverSQLite:
		if c.Ledger.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_DRIVER %q", c.Ledger.Driver))
	}
	return errors.Join(errs...)
}
