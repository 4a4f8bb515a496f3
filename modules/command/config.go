package command

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// Threshold is the minimum hold duration that produces an
	// unplanned downtime record. Shorter stoppages are discarded.
	Threshold time.Duration `yaml:"threshold"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Threshold, prefix+".threshold", 300*time.Second, "Minimum hold duration that yields an unplanned downtime record.")
}

func (cfg *Config) Validate() error {
	if cfg.Threshold < 0 {
		return fmt.Errorf("command threshold must not be negative, got %v", cfg.Threshold)
	}
	return nil
}

// CheckConfig warns about questionable but usable configuration.
func CheckConfig(cfg *Config) []string {
	if cfg.Threshold == 0 {
		return []string{"command threshold is 0, every hold/unhold pair will produce a downtime record"}
	}
	return nil
}
