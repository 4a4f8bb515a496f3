package fanout

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// SendBuffer is the per-client queue depth. A client that falls
	// this many messages behind starts losing them.
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+".enabled", true, "Serve computed OEE payloads over the websocket endpoint.")
	f.IntVar(&cfg.SendBuffer, prefix+".send-buffer", 16, "Buffered messages per websocket client before drops start.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 5*time.Second, "Write deadline per websocket message.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive, got %d", cfg.SendBuffer)
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("websocket write timeout must be positive, got %v", cfg.WriteTimeout)
	}
	return nil
}
