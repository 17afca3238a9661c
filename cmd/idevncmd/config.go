package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// Backends.
const (
	backendLibUSB = "libusb"
	backendSim    = "sim"
)

// NetdevConfig controls what happens to each interface the driver
// registers.
type NetdevConfig struct {
	// TAP is the name of the host TAP interface bridged to the device, or
	// a template such as "idev%d". Empty disables bridging.
	TAP string `mapstructure:"tap"`
	// Up brings the interface up as soon as it is registered.
	Up bool `mapstructure:"up"`
	// MTU is applied before the interface comes up; 0 keeps the driver's.
	MTU int `mapstructure:"mtu"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel     string
	Listen       string
	Backend      string
	Vendors      []uint16
	PollInterval time.Duration
	ModeSwitch   bool
	RxQueue      int
	TxQueue      int
	Netdev       NetdevConfig
}

// newFlagSet defines the command-line flags.
func newFlagSet() (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("idevncmd", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	fs.String("listen", ":9465", "The address at which to listen for health and metrics.")
	fs.String("backend", backendLibUSB, "USB backend: libusb or sim.")
	fs.StringSlice("vendor", []string{"0x05ac"}, "USB vendor IDs to open. Empty opens every device.")
	fs.Duration("poll-interval", time.Second, "Bus rescan period of the libusb backend.")
	fs.Bool("mode-switch", true, "Switch Apple devices into CDC-NCM mode.")
	fs.Int("rx-queue", 0, "Receive transfers in flight per interface; 0 picks by link speed.")
	fs.Int("tx-queue", 0, "Transmit queue depth per interface; 0 picks by link speed.")
	fs.String("netdev.tap", "", "Bridge each interface to this TAP interface (template with %d allowed).")
	fs.Bool("netdev.up", true, "Bring interfaces up when they appear.")
	fs.Int("netdev.mtu", 0, "MTU to apply to each interface; 0 keeps the driver's.")
	return fs, cfgFile
}

// loadConfig parses args and merges the config file and environment into
// a Config.
func loadConfig(args []string) (*Config, error) {
	fs, cfgFile := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "failed to bind config")
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/idevncm/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("idevncm")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return configFrom(v)
}

func configFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel:     v.GetString("log-level"),
		Listen:       v.GetString("listen"),
		Backend:      v.GetString("backend"),
		PollInterval: v.GetDuration("poll-interval"),
		ModeSwitch:   v.GetBool("mode-switch"),
		RxQueue:      v.GetInt("rx-queue"),
		TxQueue:      v.GetInt("tx-queue"),
	}

	for _, s := range v.GetStringSlice("vendor") {
		id, err := parseVendor(s)
		if err != nil {
			return nil, err
		}
		cfg.Vendors = append(cfg.Vendors, id)
	}

	nd, err := decodeNetdev(v.AllSettings()["netdev"])
	if err != nil {
		return nil, err
	}
	cfg.Netdev = nd

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeNetdev decodes the netdev section, which arrives as a nested map
// from a config file or as dotted flag keys.
func decodeNetdev(raw any) (NetdevConfig, error) {
	var nd NetdevConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &nd,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nd, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nd, errors.Wrapf(err, "failed to decode netdev section %v", raw)
	}
	return nd, nil
}

func parseVendor(s string) (uint16, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "vendor ID %q", s)
	}
	return uint16(id), nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case backendLibUSB, backendSim:
	default:
		return errors.Newf("backend %q unknown; possible values are: %s, %s", c.Backend, backendLibUSB, backendSim)
	}
	switch c.LogLevel {
	case logLevelAll, logLevelDebug, logLevelInfo, logLevelWarn, logLevelError, logLevelNone:
	default:
		return errors.Newf("log level %v unknown; possible values are: %s", c.LogLevel, availableLogLevels)
	}
	if c.RxQueue < 0 || c.TxQueue < 0 {
		return errors.Newf("queue lengths must not be negative (rx %d, tx %d)", c.RxQueue, c.TxQueue)
	}
	if c.Netdev.MTU < 0 {
		return errors.Newf("netdev MTU %d must not be negative", c.Netdev.MTU)
	}
	if c.PollInterval <= 0 {
		return errors.Newf("poll interval %v must be positive", c.PollInterval)
	}
	return nil
}
