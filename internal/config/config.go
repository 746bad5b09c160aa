package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// DatabaseURL is optional: when empty the server keeps claim state in
	// memory, which is fine for a single instance.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	NormalizationURL  string `mapstructure:"NORMALIZATION_URL"`
	FinancialRulesURL string `mapstructure:"FINANCIAL_RULES_URL"`
	SigningURL        string `mapstructure:"SIGNING_URL"`
	PlatformURL       string `mapstructure:"PLATFORM_URL"`

	SharedSecret      string   `mapstructure:"SHARED_SECRET"`
	FacilityAllowlist []string `mapstructure:"FACILITY_ALLOWLIST"`
	AdminJWTSecret    string   `mapstructure:"ADMIN_JWT_SECRET"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	CallTimeout      time.Duration `mapstructure:"CALL_TIMEOUT"`

	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenDuration     time.Duration `mapstructure:"BREAKER_OPEN_DURATION"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("CALL_TIMEOUT", "30s")
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_OPEN_DURATION", "60s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("NORMALIZATION_URL")
	v.BindEnv("FINANCIAL_RULES_URL")
	v.BindEnv("SIGNING_URL")
	v.BindEnv("PLATFORM_URL")
	v.BindEnv("SHARED_SECRET")
	v.BindEnv("FACILITY_ALLOWLIST")
	v.BindEnv("ADMIN_JWT_SECRET")
	v.BindEnv("RETRY_MAX_ATTEMPTS")
	v.BindEnv("RETRY_BASE_DELAY")
	v.BindEnv("CALL_TIMEOUT")
	v.BindEnv("BREAKER_FAILURE_THRESHOLD")
	v.BindEnv("BREAKER_OPEN_DURATION")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.FacilityAllowlist == nil {
		if raw := v.GetString("FACILITY_ALLOWLIST"); raw != "" {
			cfg.FacilityAllowlist = splitCSV(raw)
		}
	}
	if cfg.CORSOrigins == nil {
		if raw := v.GetString("CORS_ORIGINS"); raw != "" {
			cfg.CORSOrigins = splitCSV(raw)
		}
	}

	return cfg, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsePostgres reports whether claim state should be persisted in Postgres
// instead of the in-memory store.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. The four downstream
// URLs are always required; production additionally requires the intake
// shared secret and the admin JWT secret so neither surface runs open.
func (c *Config) Validate() error {
	missing := []string{}
	if c.NormalizationURL == "" {
		missing = append(missing, "NORMALIZATION_URL")
	}
	if c.FinancialRulesURL == "" {
		missing = append(missing, "FINANCIAL_RULES_URL")
	}
	if c.SigningURL == "" {
		missing = append(missing, "SIGNING_URL")
	}
	if c.PlatformURL == "" {
		missing = append(missing, "PLATFORM_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required downstream URLs: %s", strings.Join(missing, ", "))
	}

	if c.IsProduction() {
		if c.SharedSecret == "" {
			return fmt.Errorf("SHARED_SECRET is required in production")
		}
		if c.AdminJWTSecret == "" {
			return fmt.Errorf("ADMIN_JWT_SECRET is required in production")
		}
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED=true")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	return nil
}
