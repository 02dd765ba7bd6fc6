// Package config loads the daemon configuration: defaults, then the TOML
// file, then OSMOLAPSE_* environment variables, with explicitly set command
// line flags taking precedence over all of them.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/statemachine"
	"github.com/tiroq/osmolapse/internal/timelapse"
)

// DefaultGatewayURL is where the radio gateway listens by default.
const DefaultGatewayURL = "ws://127.0.0.1:4466"

// Config holds the daemon configuration.
type Config struct {
	GatewayURL     string
	GatewayToken   string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration

	DeviceID        uint32
	MAC             string
	FirmwareVersion uint32
	VerifyMode      uint8
	VerifyData      uint16
	Reserved        uint8

	CaptureMode         string
	LinkTimeout         time.Duration
	LinkRetryDelay      time.Duration
	ModeSwitchSettle    time.Duration
	ReadyTimeout        time.Duration
	ReadyPoll           time.Duration
	ReadyRetryDelay     time.Duration
	StartRetryDelay     time.Duration
	CaptureStartTimeout time.Duration
	CaptureStartPoll    time.Duration
	DoneTimeout         time.Duration
	OnDoneTimeout       string
	CommandTimeout      time.Duration

	ButtonEnabled  bool
	ButtonPin      string
	ButtonPoll     time.Duration
	ButtonDebounce time.Duration

	StateDir       string
	Console        bool
	HTTPAddr       string
	StatusInterval time.Duration

	LogLevel  string
	LogFormat string

	DiagEnabled bool
	DiagPath    string

	AutoConnect    bool
	ConnectTimeout time.Duration
	LinkOpTimeout  time.Duration
	LinkRetry      time.Duration
}

// Default returns a Config with default values.
func Default() Config {
	tl := timelapse.DefaultConfig()
	return Config{
		GatewayURL:     DefaultGatewayURL,
		RequestTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,

		CaptureMode:         tl.CaptureMode.String(),
		LinkTimeout:         tl.LinkTimeout,
		LinkRetryDelay:      tl.LinkRetryDelay,
		ModeSwitchSettle:    tl.ModeSwitchSettle,
		ReadyTimeout:        tl.ReadyTimeout,
		ReadyPoll:           tl.ReadyPoll,
		ReadyRetryDelay:     tl.ReadyRetryDelay,
		StartRetryDelay:     tl.StartRetryDelay,
		CaptureStartTimeout: tl.CaptureStartTimeout,
		CaptureStartPoll:    tl.CaptureStartPoll,
		DoneTimeout:         tl.DoneTimeout,
		OnDoneTimeout:       string(tl.OnDoneTimeout),
		CommandTimeout:      tl.CommandTimeout,

		ButtonEnabled:  false,
		ButtonPin:      "GPIO12",
		ButtonPoll:     20 * time.Millisecond,
		ButtonDebounce: 50 * time.Millisecond,

		StateDir:       "", // derived in Validate
		Console:        true,
		StatusInterval: time.Second,

		LogLevel:  "info",
		LogFormat: "console",

		AutoConnect:    true,
		ConnectTimeout: 20 * time.Second,
		LinkOpTimeout:  15 * time.Second,
		LinkRetry:      2 * time.Second,
	}
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway url is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("gateway url must start with ws:// or wss://, got %q", c.GatewayURL)
	}
	if c.MAC == "" {
		return fmt.Errorf("identity mac is required")
	}
	if _, err := net.ParseMAC(c.MAC); err != nil {
		return fmt.Errorf("identity mac: %w", err)
	}
	if _, err := camera.ParseMode(c.CaptureMode); err != nil {
		return err
	}
	if _, err := timelapse.ParseDoneTimeoutPolicy(c.OnDoneTimeout); err != nil {
		return err
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"request timeout", c.RequestTimeout},
		{"reconnect delay", c.ReconnectDelay},
		{"link timeout", c.LinkTimeout},
		{"ready timeout", c.ReadyTimeout},
		{"ready poll", c.ReadyPoll},
		{"capture start timeout", c.CaptureStartTimeout},
		{"capture start poll", c.CaptureStartPoll},
		{"done timeout", c.DoneTimeout},
		{"command timeout", c.CommandTimeout},
		{"status interval", c.StatusInterval},
		{"connect timeout", c.ConnectTimeout},
		{"link op timeout", c.LinkOpTimeout},
		{"link retry", c.LinkRetry},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.ReadyPoll > c.ReadyTimeout {
		return fmt.Errorf("ready poll (%s) must not exceed ready timeout (%s)", c.ReadyPoll, c.ReadyTimeout)
	}

	if c.ButtonEnabled {
		if c.ButtonPin == "" {
			return fmt.Errorf("button pin is required when the button is enabled")
		}
		if c.ButtonPoll <= 0 || c.ButtonDebounce <= 0 {
			return fmt.Errorf("button poll and debounce must be positive")
		}
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.DiagEnabled && c.DiagPath == "" {
		c.DiagPath = DefaultDiagPath(c.StateDir)
	}
	return nil
}

// Identity returns the handshake identity. Call after Validate.
func (c *Config) Identity() statemachine.Identity {
	mac, _ := net.ParseMAC(c.MAC)
	return statemachine.Identity{
		DeviceID:        c.DeviceID,
		MAC:             mac,
		FirmwareVersion: c.FirmwareVersion,
		VerifyMode:      c.VerifyMode,
		VerifyData:      c.VerifyData,
		Reserved:        c.Reserved,
	}
}

// Timelapse returns the capture loop settings. Call after Validate.
func (c *Config) Timelapse() timelapse.Config {
	mode, _ := camera.ParseMode(c.CaptureMode)
	policy, _ := timelapse.ParseDoneTimeoutPolicy(c.OnDoneTimeout)
	return timelapse.Config{
		CaptureMode:         mode,
		LinkTimeout:         c.LinkTimeout,
		LinkRetryDelay:      c.LinkRetryDelay,
		ModeSwitchSettle:    c.ModeSwitchSettle,
		ReadyTimeout:        c.ReadyTimeout,
		ReadyPoll:           c.ReadyPoll,
		ReadyRetryDelay:     c.ReadyRetryDelay,
		StartRetryDelay:     c.StartRetryDelay,
		CaptureStartTimeout: c.CaptureStartTimeout,
		CaptureStartPoll:    c.CaptureStartPoll,
		DoneTimeout:         c.DoneTimeout,
		OnDoneTimeout:       policy,
		CommandTimeout:      c.CommandTimeout,
	}
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.GatewayToken != "" {
		c.GatewayToken = "*****"
	}
	return c
}
