package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rocketbitz/rdmawrite-go/client"
)

const (
	providerRDMACM   = "rdmacm"
	providerLoopback = "loopback"
	envPrefix        = "RDMA_WRITE"
)

// options is the resolved command configuration. Precedence is flag, then
// environment (RDMA_WRITE_*), then config file, then default.
type options struct {
	Provider          string        `mapstructure:"provider"`
	Port              string        `mapstructure:"port"`
	ResolveTimeout    time.Duration `mapstructure:"resolve_timeout"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
	MetricsDump       bool          `mapstructure:"metrics_dump"`
}

// flagKeys maps viper keys to flag names.
var flagKeys = map[string]string{
	"provider":           "provider",
	"port":               "port",
	"resolve_timeout":    "resolve-timeout",
	"timeout":            "timeout",
	"disconnect_timeout": "disconnect-timeout",
	"log_level":          "log-level",
	"metrics_dump":       "metrics-dump",
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file")
	fs.String("provider", providerRDMACM, "fabric provider: rdmacm or loopback")
	fs.String("port", client.DefaultService, "server port")
	fs.Duration("resolve-timeout", client.DefaultResolveTimeout, "address and route resolution bound")
	fs.Duration("timeout", client.DefaultTimeout, "connection and exchange bound")
	fs.Duration("disconnect-timeout", client.DefaultDisconnectTimeout, "bound on the disconnect handshake during teardown")
	fs.String("log-level", "warn", "log level: debug, info, warn, error")
	fs.Bool("metrics-dump", false, "print client metrics in Prometheus text format to stderr on exit")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", providerRDMACM)
	v.SetDefault("port", client.DefaultService)
	v.SetDefault("resolve_timeout", client.DefaultResolveTimeout)
	v.SetDefault("timeout", client.DefaultTimeout)
	v.SetDefault("disconnect_timeout", client.DefaultDisconnectTimeout)
	v.SetDefault("log_level", "warn")
	v.SetDefault("metrics_dump", false)
}

func loadOptions(fs *pflag.FlagSet) (options, error) {
	v := viper.New()
	setDefaults(v)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return options{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, name := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return options{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var opts options
	if err := v.Unmarshal(&opts); err != nil {
		return options{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return opts, opts.validate()
}

func (o options) validate() error {
	switch o.Provider {
	case providerRDMACM, providerLoopback:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", o.Provider, providerRDMACM, providerLoopback)
	}
	if o.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if o.ResolveTimeout <= 0 || o.Timeout <= 0 || o.DisconnectTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
