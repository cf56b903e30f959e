package config

import (
	"os"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultMeasurementInterval = 60
	defaultFlushInterval       = 300
	defaultRadioTimeout        = 180
	defaultDataDir             = "/var/lib/fieldlogd/data"
	defaultStateDB             = "/var/lib/fieldlogd/state.db"
)

// NetworkMode selects how the radio joins the network.
type NetworkMode string

const (
	NetworkModeClient     NetworkMode = "client"
	NetworkModeStandalone NetworkMode = "standalone"
)

func (m NetworkMode) IsValid() bool {
	return m == NetworkModeClient || m == NetworkModeStandalone
}

type Config struct {
	// MeasurementInterval is the seconds between measurements, >= 1.
	MeasurementInterval int `mapstructure:"measurement_interval"`
	// Buffering stages records in the KV store instead of writing each one
	// straight to the medium.
	Buffering bool `mapstructure:"buffering"`
	// FlushInterval is the seconds between timed buffer flushes, >= 1.
	FlushInterval int `mapstructure:"flush_interval"`
	// Sleep enables deep-sleep between measurements on battery power.
	Sleep bool `mapstructure:"sleep"`
	// RadioTimeout is the seconds of radio inactivity before power-down.
	RadioTimeout int `mapstructure:"radio_timeout"`

	NetworkMode     string `mapstructure:"network_mode"`
	NetworkName     string `mapstructure:"network_name"`
	NetworkPassword string `mapstructure:"network_password"`

	DataDir string `mapstructure:"data_dir"`
	StateDB string `mapstructure:"state_db"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

func Default() Config {
	return Config{
		MeasurementInterval: defaultMeasurementInterval,
		Buffering:           true,
		FlushInterval:       defaultFlushInterval,
		RadioTimeout:        defaultRadioTimeout,
		NetworkMode:         string(NetworkModeStandalone),
		DataDir:             defaultDataDir,
		StateDB:             defaultStateDB,
		LogLevel:            DefaultLogLevel,
	}
}

// Load reads the configuration from file, environment and flags, in rising
// order of precedence.
func Load() (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("fieldlogd", pflag.ContinueOnError)
	flags.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	flags.Int("measurement-interval", defaultMeasurementInterval, "Seconds between measurements")
	flags.Bool("buffering", true, "Buffer records in the KV store before flushing")
	flags.Int("flush-interval", defaultFlushInterval, "Seconds between buffer flushes")
	flags.Bool("sleep", false, "Enable deep sleep between measurements on battery")
	flags.Int("radio-timeout", defaultRadioTimeout, "Seconds of radio inactivity before power-down")
	flags.String("network-mode", string(NetworkModeStandalone), "Network mode: client or standalone")
	flags.String("data-dir", defaultDataDir, "Storage medium mount point")
	flags.String("state-db", defaultStateDB, "Key-value store path")
	flags.String("log-level", DefaultLogLevel, "Log level: debug, info, warning, error")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	defaults := Default()
	v.SetDefault("measurement_interval", defaults.MeasurementInterval)
	v.SetDefault("buffering", defaults.Buffering)
	v.SetDefault("flush_interval", defaults.FlushInterval)
	v.SetDefault("sleep", defaults.Sleep)
	v.SetDefault("radio_timeout", defaults.RadioTimeout)
	v.SetDefault("network_mode", defaults.NetworkMode)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("state_db", defaults.StateDB)
	v.SetDefault("log_level", defaults.LogLevel)

	if path := os.Getenv("FIELDLOGD_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldlogd")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FIELDLOGD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err).
					WithMessage("Failed to read config file")
			}
		}
	}

	flags.Visit(func(f *pflag.Flag) {
		key := map[string]string{
			"measurement-interval": "measurement_interval",
			"flush-interval":       "flush_interval",
			"radio-timeout":        "radio_timeout",
			"network-mode":         "network_mode",
			"data-dir":             "data_dir",
			"state-db":             "state_db",
			"log-level":            "log_level",
		}[f.Name]
		if key == "" {
			key = f.Name
		}
		v.Set(key, f.Value.String())
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks every value the collaborators supply. Out-of-range input
// is a ValidationError; callers keep their prior configuration.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.MeasurementInterval < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.MeasurementInterval)
	}
	if c.FlushInterval < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.FlushInterval)
	}
	if c.RadioTimeout < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.RadioTimeout)
	}
	if !NetworkMode(c.NetworkMode).IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, c.NetworkMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}

// Apply replaces the configuration with updated if it validates; otherwise
// the prior values are retained and the validation error returned.
func (c *Config) Apply(updated Config) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	*c = updated

	return nil
}
