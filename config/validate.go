package config

import (
	"fmt"
	"strings"
)

func invalidField(name string, err error) error {
	return fmt.Errorf("config: invalid %s: %w", name, err)
}

// Validate checks required fields and numeric bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LedgerURL) == "" {
		return fmt.Errorf("config: LedgerURL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: JWTSecret is required")
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("config: RatePerSecond must be positive")
	}
	if c.RateBurst < c.RatePerSecond {
		return fmt.Errorf("config: RateBurst must be >= RatePerSecond")
	}
	if c.AuditQueueCap <= 0 {
		return fmt.Errorf("config: AuditQueueCap must be positive")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("config: RetryMaxAttempts must not be negative")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 < base <= cap")
	}
	if c.AuditQueueTTL <= 0 {
		return fmt.Errorf("config: AuditQueueTTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SweepInterval must be positive")
	}
	if c.StaleHoldAfter <= c.SweepInterval {
		return fmt.Errorf("config: StaleHoldAfter must exceed SweepInterval")
	}
	return nil
}
