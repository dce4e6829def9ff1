// Package config loads the bridge configuration from YAML.
//
// Every field has a default, so a file only needs the values it changes:
//
//	version: 1
//	device:
//	  wait: true
//	transport:
//	  slots: 8
//	  write_timeout: 500ms
//	log:
//	  level: debug
//	relay:
//	  listen: ":8080"
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/aapbridge/bridge"
	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/dispatch"
	"github.com/ardnew/aapbridge/metrics"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/transport"
)

// Version is the configuration format version.
const Version = 1

// Config is the root of the configuration file.
type Config struct {
	Version   int             `yaml:"version"`
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DeviceConfig selects the USB device.
type DeviceConfig struct {
	// Path is a usbfs node such as /dev/bus/usb/001/007. Empty selects
	// the first accessory-mode device.
	Path string `yaml:"path,omitempty"`

	// Wait blocks until an accessory appears when none is attached.
	Wait bool `yaml:"wait"`

	// WaitTimeout bounds Wait. Zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// TransportConfig mirrors transport.Config.
type TransportConfig struct {
	Slots          int           `yaml:"slots"`
	SlotSize       int           `yaml:"slot_size"`
	RingSize       int           `yaml:"ring_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	EventTimeout   time.Duration `yaml:"event_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxFrameLength int           `yaml:"max_frame_length"`
	RawMode        bool          `yaml:"raw_mode"`
	ClaimInterface bool          `yaml:"claim_interface"`
}

// DispatchConfig sizes the class queues.
type DispatchConfig struct {
	High     int  `yaml:"high"`
	Medium   int  `yaml:"medium"`
	Normal   int  `yaml:"normal"`
	Realtime bool `yaml:"realtime"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig enables the WebSocket relay when Listen is set.
type RelayConfig struct {
	Listen     string `yaml:"listen,omitempty"`
	SendBuffer int    `yaml:"send_buffer"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen    string `yaml:"listen,omitempty"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tc := transport.DefaultConfig()
	dc := dispatch.DefaultConfig()
	return &Config{
		Version: Version,
		Transport: TransportConfig{
			Slots:          tc.Slots,
			SlotSize:       tc.SlotSize,
			RingSize:       tc.RingSize,
			WriteTimeout:   tc.WriteTimeout,
			EventTimeout:   tc.EventTimeout,
			DrainTimeout:   tc.DrainTimeout,
			MaxFrameLength: tc.MaxFrameLength,
			RawMode:        tc.RawMode,
			ClaimInterface: tc.ClaimInterface,
		},
		Dispatch: DispatchConfig{
			High:     dc.Capacity[channel.High],
			Medium:   dc.Capacity[channel.Medium],
			Normal:   dc.Capacity[channel.Normal],
			Realtime: dc.Realtime,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Relay: RelayConfig{
			SendBuffer: 256,
		},
		Metrics: MetricsConfig{
			Namespace: metrics.DefaultNamespace,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported config version %d (expected %d): %w",
			c.Version, Version, pkg.ErrInvalidParameter)
	}
	if c.Device.WaitTimeout < 0 {
		return fmt.Errorf("device.wait_timeout %v: %w", c.Device.WaitTimeout, pkg.ErrInvalidParameter)
	}
	if err := c.TransportConfig().Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	for _, cl := range channel.Classes {
		if n := c.DispatchConfig().Capacity[cl]; n <= 0 {
			return fmt.Errorf("dispatch.%s %d: %w", cl, n, pkg.ErrInvalidParameter)
		}
	}
	if _, err := pkg.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if c.Relay.SendBuffer < 0 {
		return fmt.Errorf("relay.send_buffer %d: %w", c.Relay.SendBuffer, pkg.ErrInvalidParameter)
	}
	return nil
}

// TransportConfig returns the transport settings.
func (c *Config) TransportConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		Slots:          t.Slots,
		SlotSize:       t.SlotSize,
		RingSize:       t.RingSize,
		WriteTimeout:   t.WriteTimeout,
		EventTimeout:   t.EventTimeout,
		DrainTimeout:   t.DrainTimeout,
		MaxFrameLength: t.MaxFrameLength,
		RawMode:        t.RawMode,
		ClaimInterface: t.ClaimInterface,
	}
}

// DispatchConfig returns the dispatcher settings.
func (c *Config) DispatchConfig() dispatch.Config {
	var d dispatch.Config
	d.Capacity[channel.High] = c.Dispatch.High
	d.Capacity[channel.Medium] = c.Dispatch.Medium
	d.Capacity[channel.Normal] = c.Dispatch.Normal
	d.Realtime = c.Dispatch.Realtime
	return d
}

// Options returns connection options built from c.
func (c *Config) Options() bridge.Options {
	opts := bridge.DefaultOptions()
	opts.Transport = c.TransportConfig()
	opts.Dispatch = c.DispatchConfig()
	return opts
}

// ApplyLog sets the process-wide log level and format.
func (c *Config) ApplyLog() error {
	level, err := pkg.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(c.Log.Format)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}
