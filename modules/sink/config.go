package sink

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	URL    string         `yaml:"url"`
	Token  flagext.Secret `yaml:"token"`
	Org    string         `yaml:"org"`
	Bucket string         `yaml:"bucket"`
	// WriteOnCompletion restricts writes to cycles whose order has
	// reached the completed status.
	WriteOnCompletion bool          `yaml:"write_on_completion"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+".url", "", "InfluxDB endpoint. Leave url, token, org and bucket empty to disable the sink.")
	f.Var(&cfg.Token, prefix+".token", "InfluxDB API token.")
	f.StringVar(&cfg.Org, prefix+".org", "", "InfluxDB organization.")
	f.StringVar(&cfg.Bucket, prefix+".bucket", "", "InfluxDB bucket.")
	f.BoolVar(&cfg.WriteOnCompletion, prefix+".write-on-completion", false, "Only write cycles whose process order is completed.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 5*time.Second, "Timeout per point write.")
}

// Enabled reports whether the sink is fully configured. All four
// connection fields have to be set, anything in between is a config
// error caught by Validate.
func (cfg *Config) Enabled() bool {
	return cfg.URL != "" && cfg.Token.String() != "" && cfg.Org != "" && cfg.Bucket != ""
}

func (cfg *Config) Validate() error {
	set, unset := 0, []string{}
	for _, field := range []struct {
		name, val string
	}{
		{"url", cfg.URL},
		{"token", cfg.Token.String()},
		{"org", cfg.Org},
		{"bucket", cfg.Bucket},
	} {
		if field.val == "" {
			unset = append(unset, field.name)
			continue
		}
		set++
	}
	if set > 0 && len(unset) > 0 {
		return fmt.Errorf("timeseries sink is partially configured, missing %v", unset)
	}
	if set > 0 && cfg.WriteTimeout <= 0 {
		return fmt.Errorf("timeseries write timeout must be positive, got %v", cfg.WriteTimeout)
	}
	return nil
}
