package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the engagement gateway.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DatabasePath  string `toml:"DatabasePath"`

	LedgerURL        string `toml:"LedgerURL"`
	LedgerAuthToken  string `toml:"LedgerAuthToken"`
	EscrowURL        string `toml:"EscrowURL"`
	EscrowAuthToken  string `toml:"EscrowAuthToken"`
	NdaURL           string `toml:"NdaURL"`
	NdaAuthToken     string `toml:"NdaAuthToken"`
	AssessmentURL    string `toml:"AssessmentURL"`
	AssessmentToken  string `toml:"AssessmentToken"`
	JWTSecret        string `toml:"JWTSecret"`
	RatePerSecond    int    `toml:"RatePerSecond"`
	RateBurst        int    `toml:"RateBurst"`
	AuditQueueCap    int    `toml:"AuditQueueCap"`
	RetryMaxAttempts int    `toml:"RetryMaxAttempts"`

	RetryBaseDelay time.Duration `toml:"-"`
	RetryMaxDelay  time.Duration `toml:"-"`
	AuditQueueTTL  time.Duration `toml:"-"`
	SweepInterval  time.Duration `toml:"-"`
	StaleHoldAfter time.Duration `toml:"-"`

	RetryBaseDelayRaw string `toml:"RetryBaseDelay"`
	RetryMaxDelayRaw  string `toml:"RetryMaxDelay"`
	AuditQueueTTLRaw  string `toml:"AuditQueueTTL"`
	SweepIntervalRaw  string `toml:"SweepInterval"`
	StaleHoldAfterRaw string `toml:"StaleHoldAfter"`
}

func defaults() *Config {
	return &Config{
		ListenAddress:    ":8084",
		Environment:      "development",
		DatabasePath:     "engagement-gateway.db",
		RatePerSecond:    20,
		RateBurst:        40,
		AuditQueueCap:    1024,
		RetryMaxAttempts: 4,
		RetryBaseDelay:   250 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
		AuditQueueTTL:    15 * time.Minute,
		SweepInterval:    10 * time.Minute,
		StaleHoldAfter:   72 * time.Hour,
	}
}

// Load reads the configuration file at path, falling back to defaults when the
// file does not exist, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseDurations() error {
	entries := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.RetryBaseDelayRaw, "RetryBaseDelay", &c.RetryBaseDelay},
		{c.RetryMaxDelayRaw, "RetryMaxDelay", &c.RetryMaxDelay},
		{c.AuditQueueTTLRaw, "AuditQueueTTL", &c.AuditQueueTTL},
		{c.SweepIntervalRaw, "SweepInterval", &c.SweepInterval},
		{c.StaleHoldAfterRaw, "StaleHoldAfter", &c.StaleHoldAfter},
	}
	for _, entry := range entries {
		raw := strings.TrimSpace(entry.raw)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return invalidField(entry.name, err)
		}
		*entry.dst = dur
	}
	return nil
}

// applyEnv layers environment overrides on top of file values. Secrets are
// expected to arrive this way in deployed environments.
func (c *Config) applyEnv() {
	overrideString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	overrideInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	overrideDuration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			}
		}
	}

	overrideString("ENGAGEMENT_GATEWAY_LISTEN", &c.ListenAddress)
	overrideString("ENGAGEMENT_GATEWAY_ENV", &c.Environment)
	overrideString("ENGAGEMENT_GATEWAY_DB_PATH", &c.DatabasePath)
	overrideString("ENGAGEMENT_GATEWAY_LEDGER_URL", &c.LedgerURL)
	overrideString("ENGAGEMENT_GATEWAY_LEDGER_TOKEN", &c.LedgerAuthToken)
	overrideString("ENGAGEMENT_GATEWAY_ESCROW_URL", &c.EscrowURL)
	overrideString("ENGAGEMENT_GATEWAY_ESCROW_TOKEN", &c.EscrowAuthToken)
	overrideString("ENGAGEMENT_GATEWAY_NDA_URL", &c.NdaURL)
	overrideString("ENGAGEMENT_GATEWAY_NDA_TOKEN", &c.NdaAuthToken)
	overrideString("ENGAGEMENT_GATEWAY_ASSESSMENT_URL", &c.AssessmentURL)
	overrideString("ENGAGEMENT_GATEWAY_ASSESSMENT_TOKEN", &c.AssessmentToken)
	overrideString("ENGAGEMENT_GATEWAY_JWT_SECRET", &c.JWTSecret)
	overrideInt("ENGAGEMENT_GATEWAY_RATE_PER_SECOND", &c.RatePerSecond)
	overrideInt("ENGAGEMENT_GATEWAY_RATE_BURST", &c.RateBurst)
	overrideInt("ENGAGEMENT_GATEWAY_AUDIT_QUEUE_CAP", &c.AuditQueueCap)
	overrideInt("ENGAGEMENT_GATEWAY_RETRY_MAX", &c.RetryMaxAttempts)
	overrideDuration("ENGAGEMENT_GATEWAY_RETRY_BASE", &c.RetryBaseDelay)
	overrideDuration("ENGAGEMENT_GATEWAY_RETRY_CAP", &c.RetryMaxDelay)
	overrideDuration("ENGAGEMENT_GATEWAY_AUDIT_TTL", &c.AuditQueueTTL)
	overrideDuration("ENGAGEMENT_GATEWAY_SWEEP_INTERVAL", &c.SweepInterval)
	overrideDuration("ENGAGEMENT_GATEWAY_STALE_HOLD_AFTER", &c.StaleHoldAfter)
}
