package app

import (
	"flag"
	"fmt"
	"time"

	dslog "github.com/grafana/dskit/log"
	"go.uber.org/multierr"

	"github.com/shopfloorlabs/pulse/modules/command"
	"github.com/shopfloorlabs/pulse/modules/engine"
	"github.com/shopfloorlabs/pulse/modules/fanout"
	"github.com/shopfloorlabs/pulse/modules/refdata"
	"github.com/shopfloorlabs/pulse/modules/sink"
	"github.com/shopfloorlabs/pulse/modules/subscriber"
)

// SingleBinary is the only target. The field is kept so deployments can
// carry it in their config without breaking.
const SingleBinary = "all"

type Config struct {
	Target            string        `yaml:"target"`
	HTTPListenAddress string        `yaml:"http_listen_address"`
	HTTPListenPort    int           `yaml:"http_listen_port"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	LogLevel          dslog.Level   `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`

	RefData    refdata.Config          `yaml:"refdata"`
	Broker     subscriber.Config       `yaml:"broker"`
	Topics     subscriber.TopicsConfig `yaml:"topics"`
	Command    command.Config          `yaml:"command"`
	OEE        engine.Config           `yaml:"oee"`
	WebSocket  fanout.Config           `yaml:"websocket"`
	Timeseries sink.Config             `yaml:"timeseries"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.HTTPListenAddress, prefix+"http-listen-address", "", "Host the HTTP and WebSocket server binds to.")
	f.IntVar(&c.HTTPListenPort, prefix+"http-listen-port", 3001, "Port the HTTP and WebSocket server binds to.")
	f.DurationVar(&c.ShutdownGrace, prefix+"shutdown-grace", 5*time.Second, "How long open connections get to drain on shutdown.")
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, prefix+"log.format", "logfmt", "Log format, logfmt or json.")

	c.RefData.RegisterFlagsAndApplyDefaults("refdata", f)
	c.Broker.RegisterFlagsAndApplyDefaults("broker", f)
	c.Topics.RegisterFlagsAndApplyDefaults("topics", f)
	c.Command.RegisterFlagsAndApplyDefaults("command", f)
	c.OEE.RegisterFlagsAndApplyDefaults("oee", f)
	c.WebSocket.RegisterFlagsAndApplyDefaults("websocket", f)
	c.Timeseries.RegisterFlagsAndApplyDefaults("timeseries", f)
}

// Validate checks the top level settings and every section, reporting
// all problems in one pass.
func (c *Config) Validate() error {
	if c.Target != SingleBinary {
		return fmt.Errorf("unsupported target %q, only %q is available", c.Target, SingleBinary)
	}

	var errs []error
	if c.HTTPListenPort <= 0 || c.HTTPListenPort > 65535 {
		errs = append(errs, fmt.Errorf("http listen port %d is out of range", c.HTTPListenPort))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("shutdown grace must be positive, got %v", c.ShutdownGrace))
	}
	switch c.LogFormat {
	case "logfmt", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q, expected logfmt or json", c.LogFormat))
	}

	errs = append(errs,
		c.RefData.Validate(),
		c.Broker.Validate(),
		c.Topics.Validate(),
		c.Command.Validate(),
		c.WebSocket.Validate(),
		c.Timeseries.Validate(),
	)
	return multierr.Combine(errs...)
}

// CheckConfig returns non-fatal warnings about suspect but usable
// configuration.
func (c *Config) CheckConfig() []string {
	var warnings []string
	warnings = append(warnings, refdata.CheckConfig(&c.RefData)...)
	warnings = append(warnings, c.Broker.CheckConfig()...)
	warnings = append(warnings, command.CheckConfig(&c.Command)...)
	if !c.WebSocket.Enabled && !c.Timeseries.Enabled() {
		warnings = append(warnings, "websocket fan-out and timeseries sink are both disabled, computed metrics leave through nothing but logs")
	}
	return warnings
}
