package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/advertise"
	"github.com/srg/gattkit/discovery"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/scanner"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json
	// Adapter names the BlueZ adapter used for Classic discovery and power events.
	Adapter string `yaml:"adapter" default:"hci0"`

	Scan      ScanConfig      `yaml:"scan"`
	Gatt      GattConfig      `yaml:"gatt"`
	Advertise AdvertiseConfig `yaml:"advertise"`
}

type ScanConfig struct {
	Classic        bool          `yaml:"classic" default:"false"`
	ClassicTimeout time.Duration `yaml:"classic_timeout" default:"12s"`
	LeTimeout      time.Duration `yaml:"le_timeout" default:"20s"`
	Mode           string        `yaml:"mode" default:"low_latency"`
	ReportDelay    time.Duration `yaml:"report_delay" default:"0s"`
	ServiceUUID    string        `yaml:"service_uuid"`
	NamePrefix     string        `yaml:"name_prefix"`
}

type GattConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" default:"10s"`
	ResponseTimeout       time.Duration `yaml:"response_timeout" default:"5s"`
	MaxPreparedWriteBytes int           `yaml:"max_prepared_write_bytes" default:"512"`
}

type AdvertiseConfig struct {
	Mode           string        `yaml:"mode" default:"balanced"`
	TxPower        string        `yaml:"tx_power" default:"medium"`
	Connectable    bool          `yaml:"connectable" default:"true"`
	Timeout        time.Duration `yaml:"timeout" default:"0s"`
	MessageService string        `yaml:"message_service" default:"fff0"`
	MessageTimeout time.Duration `yaml:"message_timeout" default:"10s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays YAML from r and validates the result. Unknown keys are errors.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.Validate()
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output_format: unknown format %q", c.OutputFormat))
	}

	switch c.Scan.Mode {
	case "low_power", "balanced", "low_latency":
	default:
		errs = append(errs, fmt.Errorf("scan.mode: unknown mode %q", c.Scan.Mode))
	}
	if c.Scan.ClassicTimeout < 0 || c.Scan.LeTimeout < 0 || c.Scan.ReportDelay < 0 {
		errs = append(errs, errors.New("scan: durations must not be negative"))
	}
	if c.Scan.ServiceUUID != "" {
		if _, err := device.ValidateUUID(c.Scan.ServiceUUID); err != nil {
			errs = append(errs, fmt.Errorf("scan.service_uuid: %w", err))
		}
	}

	if c.Gatt.ConnectTimeout <= 0 || c.Gatt.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("gatt: timeouts must be positive"))
	}

	if _, err := advertise.ParseMode(c.Advertise.Mode); err != nil {
		errs = append(errs, fmt.Errorf("advertise.mode: %w", err))
	}
	if _, err := advertise.ParseTxPower(c.Advertise.TxPower); err != nil {
		errs = append(errs, fmt.Errorf("advertise.tx_power: %w", err))
	}
	if c.Advertise.Timeout < 0 || c.Advertise.MessageTimeout <= 0 {
		errs = append(errs, errors.New("advertise: timeout must not be negative and message_timeout must be positive"))
	}
	if u := device.NormalizeUUID(c.Advertise.MessageService); len(u) != 4 {
		errs = append(errs, fmt.Errorf("advertise.message_service: %q is not a 16-bit UUID", c.Advertise.MessageService))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ----------------------------
// Component options
// ----------------------------

// DiscoveryOptions builds the coordinator options of the scan section.
func (c *Config) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		ClassicEnabled: c.Scan.Classic,
		ClassicTimeout: c.Scan.ClassicTimeout,
		LeTimeout:      c.Scan.LeTimeout,
		Filter:         scanner.NewDeviceFilter(c.Scan.ServiceUUID, c.Scan.NamePrefix),
		Mode:           scanner.ParseScanMode(c.Scan.Mode),
		ReportDelay:    c.Scan.ReportDelay,
	}
}

// ServerOptions builds the GATT server options of the gatt section.
func (c *Config) ServerOptions() gatt.ServerOptions {
	return gatt.ServerOptions{MaxPreparedWriteBytes: c.Gatt.MaxPreparedWriteBytes}
}

// AdvertiseSettings builds advertiser settings. Validate has checked the names.
func (c *Config) AdvertiseSettings() advertise.Settings {
	mode, _ := advertise.ParseMode(c.Advertise.Mode)
	power, _ := advertise.ParseTxPower(c.Advertise.TxPower)
	return advertise.Settings{
		Mode:        mode,
		TxPower:     power,
		Connectable: c.Advertise.Connectable,
		Timeout:     c.Advertise.Timeout,
	}
}

// MessengerOptions builds the messenger options of the advertise section.
func (c *Config) MessengerOptions() advertise.MessengerOptions {
	power, _ := advertise.ParseTxPower(c.Advertise.TxPower)
	return advertise.MessengerOptions{
		ServiceUUID:    c.Advertise.MessageService,
		MessageTimeout: c.Advertise.MessageTimeout,
		TxPower:        power,
	}
}
