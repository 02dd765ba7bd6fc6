package config

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML layout. Durations are strings ("1500ms", "30s").
type FileConfig struct {
	Gateway struct {
		URL            string `toml:"url"`
		Token          string `toml:"token"`
		RequestTimeout string `toml:"request_timeout"`
		ReconnectDelay string `toml:"reconnect_delay"`
	} `toml:"gateway"`

	Identity struct {
		DeviceID        *uint64 `toml:"device_id"`
		MAC             string  `toml:"mac"`
		FirmwareVersion *uint64 `toml:"firmware_version"`
		VerifyMode      *uint64 `toml:"verify_mode"`
		VerifyData      *uint64 `toml:"verify_data"`
		Reserved        *uint64 `toml:"reserved"`
	} `toml:"identity"`

	Timelapse struct {
		CaptureMode         string `toml:"capture_mode"`
		LinkTimeout         string `toml:"link_timeout"`
		LinkRetryDelay      string `toml:"link_retry_delay"`
		ModeSwitchSettle    string `toml:"mode_switch_settle"`
		ReadyTimeout        string `toml:"ready_timeout"`
		ReadyPoll           string `toml:"ready_poll"`
		ReadyRetryDelay     string `toml:"ready_retry_delay"`
		StartRetryDelay     string `toml:"start_retry_delay"`
		CaptureStartTimeout string `toml:"capture_start_timeout"`
		CaptureStartPoll    string `toml:"capture_start_poll"`
		DoneTimeout         string `toml:"done_timeout"`
		OnDoneTimeout       string `toml:"on_done_timeout"`
		CommandTimeout      string `toml:"command_timeout"`
	} `toml:"timelapse"`

	Button struct {
		Enabled  *bool  `toml:"enabled"`
		Pin      string `toml:"pin"`
		Poll     string `toml:"poll"`
		Debounce string `toml:"debounce"`
	} `toml:"button"`

	Control struct {
		StateDir       string `toml:"state_dir"`
		Console        *bool  `toml:"console"`
		HTTPAddr       string `toml:"http_addr"`
		StatusInterval string `toml:"status_interval"`
	} `toml:"control"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	Diag struct {
		Enabled *bool  `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"diag"`

	Link struct {
		AutoConnect    *bool  `toml:"auto_connect"`
		ConnectTimeout string `toml:"connect_timeout"`
		OpTimeout      string `toml:"op_timeout"`
		RetryDelay     string `toml:"retry_delay"`
	} `toml:"link"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultPath returns ~/.config/osmolapse/config.toml, or "" without a home.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".config", "osmolapse", "config.toml")
	}
	return ""
}

// DefaultStateDir returns ~/.cache/osmolapse, where the command file and the
// status snapshot live.
func DefaultStateDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".cache", "osmolapse")
	}
	return filepath.Join(os.TempDir(), "osmolapse")
}

// DefaultDiagPath returns the diagnostic log location inside stateDir.
func DefaultDiagPath(stateDir string) string {
	return filepath.Join(stateDir, "osmolapse-diag.ndjson")
}

// ApplyFileConfig applies fc to cfg, skipping flags that were set explicitly.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("gateway-url", fc.Gateway.URL, &cfg.GatewayURL)
	s.setString("gateway-token", fc.Gateway.Token, &cfg.GatewayToken)
	s.setString("mac", fc.Identity.MAC, &cfg.MAC)
	s.setString("capture-mode", fc.Timelapse.CaptureMode, &cfg.CaptureMode)
	s.setString("on-done-timeout", fc.Timelapse.OnDoneTimeout, &cfg.OnDoneTimeout)
	s.setString("button-pin", fc.Button.Pin, &cfg.ButtonPin)
	s.setString("state-dir", fc.Control.StateDir, &cfg.StateDir)
	s.setString("http-addr", fc.Control.HTTPAddr, &cfg.HTTPAddr)
	s.setString("log-level", fc.Log.Level, &cfg.LogLevel)
	s.setString("log-format", fc.Log.Format, &cfg.LogFormat)
	s.setString("diag-path", fc.Diag.Path, &cfg.DiagPath)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"request-timeout", fc.Gateway.RequestTimeout, &cfg.RequestTimeout},
		{"reconnect-delay", fc.Gateway.ReconnectDelay, &cfg.ReconnectDelay},
		{"link-timeout", fc.Timelapse.LinkTimeout, &cfg.LinkTimeout},
		{"link-retry-delay", fc.Timelapse.LinkRetryDelay, &cfg.LinkRetryDelay},
		{"mode-switch-settle", fc.Timelapse.ModeSwitchSettle, &cfg.ModeSwitchSettle},
		{"ready-timeout", fc.Timelapse.ReadyTimeout, &cfg.ReadyTimeout},
		{"ready-poll", fc.Timelapse.ReadyPoll, &cfg.ReadyPoll},
		{"ready-retry-delay", fc.Timelapse.ReadyRetryDelay, &cfg.ReadyRetryDelay},
		{"start-retry-delay", fc.Timelapse.StartRetryDelay, &cfg.StartRetryDelay},
		{"capture-start-timeout", fc.Timelapse.CaptureStartTimeout, &cfg.CaptureStartTimeout},
		{"capture-start-poll", fc.Timelapse.CaptureStartPoll, &cfg.CaptureStartPoll},
		{"done-timeout", fc.Timelapse.DoneTimeout, &cfg.DoneTimeout},
		{"command-timeout", fc.Timelapse.CommandTimeout, &cfg.CommandTimeout},
		{"button-poll", fc.Button.Poll, &cfg.ButtonPoll},
		{"button-debounce", fc.Button.Debounce, &cfg.ButtonDebounce},
		{"status-interval", fc.Control.StatusInterval, &cfg.StatusInterval},
		{"connect-timeout", fc.Link.ConnectTimeout, &cfg.ConnectTimeout},
		{"link-op-timeout", fc.Link.OpTimeout, &cfg.LinkOpTimeout},
		{"link-retry", fc.Link.RetryDelay, &cfg.LinkRetry},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	if err := s.setUint("device-id", fc.Identity.DeviceID, 32, func(v uint64) { cfg.DeviceID = uint32(v) }); err != nil {
		return err
	}
	if err := s.setUint("firmware-version", fc.Identity.FirmwareVersion, 32, func(v uint64) { cfg.FirmwareVersion = uint32(v) }); err != nil {
		return err
	}
	if err := s.setUint("verify-mode", fc.Identity.VerifyMode, 8, func(v uint64) { cfg.VerifyMode = uint8(v) }); err != nil {
		return err
	}
	if err := s.setUint("verify-data", fc.Identity.VerifyData, 16, func(v uint64) { cfg.VerifyData = uint16(v) }); err != nil {
		return err
	}
	if err := s.setUint("reserved", fc.Identity.Reserved, 8, func(v uint64) { cfg.Reserved = uint8(v) }); err != nil {
		return err
	}

	s.setBool("button", fc.Button.Enabled, &cfg.ButtonEnabled)
	s.setBool("console", fc.Control.Console, &cfg.Console)
	s.setBool("diag", fc.Diag.Enabled, &cfg.DiagEnabled)
	s.setBool("auto-connect", fc.Link.AutoConnect, &cfg.AutoConnect)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
