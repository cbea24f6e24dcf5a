package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads an optional .env file into the process environment and parses Config from it.
func Load() (*Config, error) {
	// a missing .env is fine outside development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Checkout.Provider {
	case "paypal", "braintree":
	default:
		return fmt.Errorf("unsupported CHECKOUT_PROVIDER %q", c.Checkout.Provider)
	}
	if c.Sweep.After <= 0 {
		return fmt.Errorf("SWEEP_AFTER must be positive")
	}
	if c.Pricing.TaxRate.IsNegative() || c.Pricing.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("PRICING_TAX_RATE must be between 0 and 1")
	}
	return nil
}
