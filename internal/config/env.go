package config

import (
	"os"
	"time"
)

// ApplyEnvConfig applies OSMOLAPSE_* variables. They override the file and
// are overridden by explicitly set flags.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("gateway-url", os.Getenv("OSMOLAPSE_GATEWAY_URL"), &cfg.GatewayURL)
	s.setString("gateway-token", os.Getenv("OSMOLAPSE_GATEWAY_TOKEN"), &cfg.GatewayToken)
	s.setString("mac", os.Getenv("OSMOLAPSE_MAC"), &cfg.MAC)
	s.setString("capture-mode", os.Getenv("OSMOLAPSE_CAPTURE_MODE"), &cfg.CaptureMode)
	s.setString("on-done-timeout", os.Getenv("OSMOLAPSE_ON_DONE_TIMEOUT"), &cfg.OnDoneTimeout)
	s.setString("button-pin", os.Getenv("OSMOLAPSE_BUTTON_PIN"), &cfg.ButtonPin)
	s.setString("state-dir", os.Getenv("OSMOLAPSE_STATE_DIR"), &cfg.StateDir)
	s.setString("http-addr", os.Getenv("OSMOLAPSE_HTTP_ADDR"), &cfg.HTTPAddr)
	s.setString("log-level", os.Getenv("OSMOLAPSE_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", os.Getenv("OSMOLAPSE_LOG_FORMAT"), &cfg.LogFormat)
	s.setString("diag-path", os.Getenv("OSMOLAPSE_DIAG_PATH"), &cfg.DiagPath)

	durations := []struct {
		flag string
		env  string
		dst  *time.Duration
	}{
		{"request-timeout", "OSMOLAPSE_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"reconnect-delay", "OSMOLAPSE_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"link-timeout", "OSMOLAPSE_LINK_TIMEOUT", &cfg.LinkTimeout},
		{"ready-timeout", "OSMOLAPSE_READY_TIMEOUT", &cfg.ReadyTimeout},
		{"done-timeout", "OSMOLAPSE_DONE_TIMEOUT", &cfg.DoneTimeout},
		{"command-timeout", "OSMOLAPSE_COMMAND_TIMEOUT", &cfg.CommandTimeout},
		{"button-poll", "OSMOLAPSE_BUTTON_POLL", &cfg.ButtonPoll},
		{"button-debounce", "OSMOLAPSE_BUTTON_DEBOUNCE", &cfg.ButtonDebounce},
		{"status-interval", "OSMOLAPSE_STATUS_INTERVAL", &cfg.StatusInterval},
		{"connect-timeout", "OSMOLAPSE_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, os.Getenv(d.env), d.dst); err != nil {
			return err
		}
	}

	if err := s.setUintFromString("device-id", os.Getenv("OSMOLAPSE_DEVICE_ID"), 32, func(v uint64) { cfg.DeviceID = uint32(v) }); err != nil {
		return err
	}
	if err := s.setUintFromString("firmware-version", os.Getenv("OSMOLAPSE_FIRMWARE_VERSION"), 32, func(v uint64) { cfg.FirmwareVersion = uint32(v) }); err != nil {
		return err
	}
	if err := s.setUintFromString("verify-mode", os.Getenv("OSMOLAPSE_VERIFY_MODE"), 8, func(v uint64) { cfg.VerifyMode = uint8(v) }); err != nil {
		return err
	}
	if err := s.setUintFromString("verify-data", os.Getenv("OSMOLAPSE_VERIFY_DATA"), 16, func(v uint64) { cfg.VerifyData = uint16(v) }); err != nil {
		return err
	}

	s.setBoolFromString("button", os.Getenv("OSMOLAPSE_BUTTON"), &cfg.ButtonEnabled)
	s.setBoolFromString("console", os.Getenv("OSMOLAPSE_CONSOLE"), &cfg.Console)
	s.setBoolFromString("diag", os.Getenv("OSMOLAPSE_DIAG"), &cfg.DiagEnabled)
	s.setBoolFromString("auto-connect", os.Getenv("OSMOLAPSE_AUTO_CONNECT"), &cfg.AutoConnect)

	return nil
}
