package refdata

import (
	"flag"
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	// BaseURL is the root of the reference data provider API.
	BaseURL string `yaml:"base_url"`
	// PlannedDowntimeURL optionally replaces the provider's planned
	// downtime endpoint with an alternate source.
	PlannedDowntimeURL string        `yaml:"planned_downtime_url"`
	Timeout            time.Duration `yaml:"timeout"`

	// ActiveOrderTTL bounds how stale a cached active order may be.
	// Order counters move while an order runs, so this is the only
	// collection that expires on its own.
	ActiveOrderTTL time.Duration `yaml:"active_order_ttl"`

	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BaseURL, prefix+".base-url", "http://localhost:3000/api", "Base URL of the reference data provider.")
	f.StringVar(&cfg.PlannedDowntimeURL, prefix+".planned-downtime-url", "", "Optional override URL for the planned downtime source.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Request timeout for reference data fetches.")
	f.DurationVar(&cfg.ActiveOrderTTL, prefix+".active-order-ttl", 15*time.Second, "How long a cached active order is served before refetching.")
	f.DurationVar(&cfg.HedgeRequestsAt, prefix+".hedge-requests-at", 2*time.Second, "Hedge reference data reads after this duration. 0 disables hedging.")
	f.IntVar(&cfg.HedgeRequestsUpTo, prefix+".hedge-requests-up-to", 2, "Upper bound on hedged requests per read.")
}

func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("reference data base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid reference data base url: %w", err)
	}
	if cfg.PlannedDowntimeURL != "" {
		if _, err := url.Parse(cfg.PlannedDowntimeURL); err != nil {
			return fmt.Errorf("invalid planned downtime url: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("reference data timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.ActiveOrderTTL <= 0 {
		return fmt.Errorf("active order ttl must be positive, got %v", cfg.ActiveOrderTTL)
	}
	return nil
}
