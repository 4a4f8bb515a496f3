package subscriber

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/shopfloorlabs/pulse/pkg/sparkplug"
)

type Config struct {
	// URL is the broker host, with or without a scheme. Without one the
	// scheme follows from the TLS material: ssl when any is set, tcp
	// otherwise.
	URL      string         `yaml:"url"`
	Port     int            `yaml:"port"`
	Username string         `yaml:"username"`
	Password flagext.Secret `yaml:"password"`

	// TLS material as file paths. The literal string "null" means
	// unset, matching what the deployment templating emits.
	TLSKey  string `yaml:"tls_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSCA   string `yaml:"tls_ca"`

	// WatchdogTimeout forces a reconnect when no message arrived for
	// this long while connected. Zero disables the watchdog.
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout"`
	SubscribeRetries int           `yaml:"subscribe_retries"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+".url", "localhost", "Broker host, optionally with a scheme.")
	f.IntVar(&cfg.Port, prefix+".port", 8883, "Broker port.")
	f.StringVar(&cfg.Username, prefix+".username", "", "Broker username.")
	f.Var(&cfg.Password, prefix+".password", "Broker password.")
	f.StringVar(&cfg.TLSKey, prefix+".tls-key", "null", "Path to the client TLS key, \"null\" to disable.")
	f.StringVar(&cfg.TLSCert, prefix+".tls-cert", "null", "Path to the client TLS certificate, \"null\" to disable.")
	f.StringVar(&cfg.TLSCA, prefix+".tls-ca", "null", "Path to the broker CA bundle, \"null\" to disable.")
	f.DurationVar(&cfg.WatchdogTimeout, prefix+".watchdog-timeout", 60*time.Second, "Force a reconnect when no message arrived for this long. 0 disables.")
	f.IntVar(&cfg.SubscribeRetries, prefix+".subscribe-retries", 5, "Attempts per topic subscription before the connection is torn down.")
}

func (cfg *Config) Validate() error {
	if cfg.URL == "" {
		return errors.New("broker url is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("broker port %d is out of range", cfg.Port)
	}
	if cfg.SubscribeRetries < 1 {
		return fmt.Errorf("subscribe retries must be at least 1, got %d", cfg.SubscribeRetries)
	}
	if cfg.WatchdogTimeout < 0 {
		return fmt.Errorf("watchdog timeout must not be negative, got %v", cfg.WatchdogTimeout)
	}
	if (tlsValue(cfg.TLSCert) == "") != (tlsValue(cfg.TLSKey) == "") {
		return errors.New("tls cert and key must be set together")
	}
	return nil
}

// CheckConfig returns non-fatal findings about the configuration.
func (cfg *Config) CheckConfig() []string {
	if cfg.WatchdogTimeout == 0 {
		return []string{"broker watchdog is disabled, a half-open connection will go unnoticed"}
	}
	return nil
}

// BrokerURL renders the address handed to the MQTT client.
func (cfg *Config) BrokerURL() string {
	if strings.Contains(cfg.URL, "://") {
		return fmt.Sprintf("%s:%d", cfg.URL, cfg.Port)
	}
	scheme := "tcp"
	if cfg.TLSEnabled() {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.URL, cfg.Port)
}

func (cfg *Config) TLSEnabled() bool {
	return tlsValue(cfg.TLSCA) != "" || tlsValue(cfg.TLSCert) != ""
}

// BuildTLSConfig loads the configured TLS material. It returns nil when
// none is set.
func (cfg *Config) BuildTLSConfig() (*tls.Config, error) {
	ca := tlsValue(cfg.TLSCA)
	cert := tlsValue(cfg.TLSCert)
	key := tlsValue(cfg.TLSKey)

	if ca == "" && cert == "" {
		return nil, nil
	}

	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, errors.Wrap(err, "reading broker ca bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", ca)
		}
		out.RootCAs = pool
	}
	if cert != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}

// tlsValue maps the literal "null" onto an unset value.
func tlsValue(v string) string {
	if v == "null" {
		return ""
	}
	return v
}

// TopicsConfig selects the topic template and the hierarchy method.
type TopicsConfig struct {
	Method string `yaml:"method"`
	Format string `yaml:"format"`
}

func (cfg *TopicsConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Method, prefix+".method", string(sparkplug.MethodParris), "Topic hierarchy method, parris or schultz.")
	f.StringVar(&cfg.Format, prefix+".format", sparkplug.DefaultFormat, "Topic template.")
}

func (cfg *TopicsConfig) Scheme() sparkplug.Scheme {
	return sparkplug.Scheme{Method: sparkplug.Method(cfg.Method), Format: cfg.Format}
}

func (cfg *TopicsConfig) Validate() error {
	return cfg.Scheme().Validate()
}
