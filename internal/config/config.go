// Package config provides configuration management for go-wayfind
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-wayfind/internal/guidance"
)

// Position source types
const (
	SourceNone     = "none"
	SourceReplay   = "replay"
	SourceSimulate = "simulate"
	SourceUSB      = "usb"
	SourceSerial   = "serial"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Guidance GuidanceConfig `mapstructure:"guidance"`
	Position PositionConfig `mapstructure:"position"`
	Session  SessionConfig  `mapstructure:"session"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// GuidanceConfig configures step advancement and announcements
type GuidanceConfig struct {
	AdvanceThreshold float64 `mapstructure:"advance_threshold_m"`
	WarnMin          float64 `mapstructure:"warn_min_m"`
	WarnMax          float64 `mapstructure:"warn_max_m"`
	DefaultMode      string  `mapstructure:"default_mode"` // direction, direction_with_distance
}

// Thresholds returns the configured engine thresholds
func (g GuidanceConfig) Thresholds() guidance.Thresholds {
	return guidance.Thresholds{
		Advance: g.AdvanceThreshold,
		WarnMin: g.WarnMin,
		WarnMax: g.WarnMax,
	}
}

// Mode returns the parsed default announcement mode
func (g GuidanceConfig) Mode() (guidance.Mode, error) {
	return guidance.ParseMode(g.DefaultMode)
}

// PositionConfig configures the fix source used by CLI sessions
type PositionConfig struct {
	Source     string        `mapstructure:"source"` // none, replay, simulate, usb, serial
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	Replay   ReplayConfig   `mapstructure:"replay"`
	Simulate SimulateConfig `mapstructure:"simulate"`
	USB      USBConfig      `mapstructure:"usb"`
	Serial   SerialConfig   `mapstructure:"serial"`
}

// ReplayConfig configures playback of a recorded track
type ReplayConfig struct {
	File     string        `mapstructure:"file"`
	Interval time.Duration `mapstructure:"interval"` // Overrides the track interval when > 0
}

// SimulateConfig configures the simulated walker
type SimulateConfig struct {
	SpeedMps float64       `mapstructure:"speed_mps"`
	Interval time.Duration `mapstructure:"interval"`
}

// USBConfig configures a USB GNSS receiver
type USBConfig struct {
	VendorID  int `mapstructure:"vendor_id"`
	ProductID int `mapstructure:"product_id"`
	Config    int `mapstructure:"config"`
	Interface int `mapstructure:"interface"`
	Endpoint  int `mapstructure:"endpoint"`
}

// SerialConfig configures an NMEA character device
type SerialConfig struct {
	Device string `mapstructure:"device"`
}

// SessionConfig configures event fan-out
type SessionConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	SinkBuffer       int           `mapstructure:"sink_buffer"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	PruneInterval    time.Duration `mapstructure:"prune_interval"` // 0 keeps ended sessions forever
}

// SpeechConfig configures the text-to-speech command sink
type SpeechConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ArrivalMessage string        `mapstructure:"arrival_message"`
}

// RelayConfig configures forwarding of events to a remote service
type RelayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text, pretty
}

// Default returns the default configuration
func Default() *Config {
	th := guidance.DefaultThresholds()

	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Guidance: GuidanceConfig{
			AdvanceThreshold: th.Advance,
			WarnMin:          th.WarnMin,
			WarnMax:          th.WarnMax,
			DefaultMode:      "direction",
		},
		Position: PositionConfig{
			Source:     SourceNone,
			RetryDelay: 1 * time.Second,
			Simulate: SimulateConfig{
				SpeedMps: 1.4,
				Interval: 1 * time.Second,
			},
			USB: USBConfig{
				VendorID:  0x1546,
				ProductID: 0x01A8,
				Config:    1,
				Interface: 1,
				Endpoint:  2,
			},
			Serial: SerialConfig{
				Device: "/dev/ttyACM0",
			},
		},
		Session: SessionConfig{
			SubscriberBuffer: 32,
			SinkBuffer:       64,
			SinkTimeout:      5 * time.Second,
			PruneInterval:    10 * time.Minute,
		},
		Speech: SpeechConfig{
			Command:        "espeak-ng",
			Args:           []string{},
			Timeout:        10 * time.Second,
			ArrivalMessage: "You have arrived at your destination.",
		},
		Relay: RelayConfig{
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			PingInterval:   15 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file is okay, we have defaults
			fmt.Fprintf(os.Stderr, "Warning: could not read config at %s, using defaults: %v\n", path, err)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("WAYFIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Guidance defaults
	v.SetDefault("guidance.advance_threshold_m", d.Guidance.AdvanceThreshold)
	v.SetDefault("guidance.warn_min_m", d.Guidance.WarnMin)
	v.SetDefault("guidance.warn_max_m", d.Guidance.WarnMax)
	v.SetDefault("guidance.default_mode", d.Guidance.DefaultMode)

	// Position defaults
	v.SetDefault("position.source", d.Position.Source)
	v.SetDefault("position.retry_delay", "1s")
	v.SetDefault("position.replay.file", "")
	v.SetDefault("position.replay.interval", "0s")
	v.SetDefault("position.simulate.speed_mps", d.Position.Simulate.SpeedMps)
	v.SetDefault("position.simulate.interval", "1s")
	v.SetDefault("position.usb.vendor_id", d.Position.USB.VendorID)
	v.SetDefault("position.usb.product_id", d.Position.USB.ProductID)
	v.SetDefault("position.usb.config", d.Position.USB.Config)
	v.SetDefault("position.usb.interface", d.Position.USB.Interface)
	v.SetDefault("position.usb.endpoint", d.Position.USB.Endpoint)
	v.SetDefault("position.serial.device", d.Position.Serial.Device)

	// Session defaults
	v.SetDefault("session.subscriber_buffer", d.Session.SubscriberBuffer)
	v.SetDefault("session.sink_buffer", d.Session.SinkBuffer)
	v.SetDefault("session.sink_timeout", "5s")
	v.SetDefault("session.prune_interval", "10m")

	// Speech defaults
	v.SetDefault("speech.enabled", false)
	v.SetDefault("speech.command", d.Speech.Command)
	v.SetDefault("speech.args", d.Speech.Args)
	v.SetDefault("speech.timeout", "10s")
	v.SetDefault("speech.arrival_message", d.Speech.ArrivalMessage)

	// Relay defaults
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.initial_backoff", "1s")
	v.SetDefault("relay.max_backoff", "30s")
	v.SetDefault("relay.ping_interval", "15s")
	v.SetDefault("relay.write_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if err := c.Guidance.Thresholds().Validate(); err != nil {
		return fmt.Errorf("guidance: %w", err)
	}

	if _, err := c.Guidance.Mode(); err != nil {
		return fmt.Errorf("guidance: %w", err)
	}

	switch c.Position.Source {
	case SourceNone, SourceUSB:
	case SourceReplay:
		if c.Position.Replay.File == "" {
			return fmt.Errorf("position.replay.file is required for the replay source")
		}
	case SourceSimulate:
		if c.Position.Simulate.SpeedMps <= 0 {
			return fmt.Errorf("position.simulate.speed_mps must be positive, got %f", c.Position.Simulate.SpeedMps)
		}
	case SourceSerial:
		if c.Position.Serial.Device == "" {
			return fmt.Errorf("position.serial.device is required for the serial source")
		}
	default:
		return fmt.Errorf("unknown position source: %q", c.Position.Source)
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when the relay is enabled")
	}

	if c.Speech.Enabled && c.Speech.Command == "" {
		return fmt.Errorf("speech.command is required when speech is enabled")
	}

	switch c.Logging.Format {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("unknown logging format: %q", c.Logging.Format)
	}

	return nil
}
