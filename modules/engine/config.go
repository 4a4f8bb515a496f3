package engine

import (
	"flag"
)

type Config struct {
	// AsPercent rescales availability, performance, quality and OEE to
	// [0,100] in everything leaving the process. Internal state stays
	// fractional.
	AsPercent bool `yaml:"as_percent"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.AsPercent, prefix+".as-percent", false, "Publish OEE ratios as percentages instead of fractions.")
}
