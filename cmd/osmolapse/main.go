// Command osmolapse drives a wireless action camera through an endless
// capture loop, controlled by a physical button, a console, a command file
// and an HTTP API.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/tiroq/osmolapse/internal/config"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/logging"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// options are the command line values shared by every subcommand.
type options struct {
	cfg     config.Config
	cfgPath string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in osmolapse: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	diaglog.Version = getVersion()
	opts := &options{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "osmolapse",
		Short: "Run an endless capture loop on a wireless action camera",
		Example: `  osmolapse --mac 38:34:56:78:9a:bc --device-id 0x12345678
  osmolapse --config /etc/osmolapse.toml --button --http-addr :8080
  osmolapse ctl status`,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, log)
		},
	}

	registerFlags(root.PersistentFlags(), opts)
	root.AddCommand(newCtlCommand(opts), newDiagCommand(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "osmolapse:", err)
		os.Exit(1)
	}
}

func registerFlags(fs *pflag.FlagSet, o *options) {
	c := &o.cfg
	fs.StringVar(&o.cfgPath, "config", "", "path to config file (default: $HOME/.config/osmolapse/config.toml)")

	fs.StringVar(&c.GatewayURL, "gateway-url", c.GatewayURL, "websocket URL of the camera radio gateway")
	fs.StringVar(&c.GatewayToken, "gateway-token", c.GatewayToken, "gateway authentication token")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "gateway request timeout")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "initial gateway reconnect delay")

	fs.Uint32Var(&c.DeviceID, "device-id", c.DeviceID, "controller device id presented in the handshake")
	fs.StringVar(&c.MAC, "mac", c.MAC, "controller MAC address presented in the handshake")
	fs.Uint32Var(&c.FirmwareVersion, "firmware-version", c.FirmwareVersion, "controller firmware version presented in the handshake")
	fs.Uint8Var(&c.VerifyMode, "verify-mode", c.VerifyMode, "handshake verify mode")
	fs.Uint16Var(&c.VerifyData, "verify-data", c.VerifyData, "handshake verify data (pairing code)")
	fs.Uint8Var(&c.Reserved, "reserved", c.Reserved, "handshake reserved byte")

	fs.StringVar(&c.CaptureMode, "capture-mode", c.CaptureMode, "camera mode kept during the timelapse (name or number)")
	fs.DurationVar(&c.LinkTimeout, "link-timeout", c.LinkTimeout, "how long a cycle waits for the protocol link")
	fs.DurationVar(&c.LinkRetryDelay, "link-retry-delay", c.LinkRetryDelay, "delay after a link wait timed out")
	fs.DurationVar(&c.ModeSwitchSettle, "mode-switch-settle", c.ModeSwitchSettle, "delay after a mode switch")
	fs.DurationVar(&c.ReadyTimeout, "ready-timeout", c.ReadyTimeout, "how long a cycle waits for the camera to be ready")
	fs.DurationVar(&c.ReadyPoll, "ready-poll", c.ReadyPoll, "camera readiness poll interval")
	fs.DurationVar(&c.ReadyRetryDelay, "ready-retry-delay", c.ReadyRetryDelay, "delay after the readiness wait failed")
	fs.DurationVar(&c.StartRetryDelay, "start-retry-delay", c.StartRetryDelay, "delay after a failed start-capture")
	fs.DurationVar(&c.CaptureStartTimeout, "capture-start-timeout", c.CaptureStartTimeout, "how long to watch for the capture to begin")
	fs.DurationVar(&c.CaptureStartPoll, "capture-start-poll", c.CaptureStartPoll, "capture start poll interval")
	fs.DurationVar(&c.DoneTimeout, "done-timeout", c.DoneTimeout, "how long to wait for the capture to finish")
	fs.StringVar(&c.OnDoneTimeout, "on-done-timeout", c.OnDoneTimeout, "what to do when the capture does not finish: restart or stop_capture")
	fs.DurationVar(&c.CommandTimeout, "command-timeout", c.CommandTimeout, "camera command timeout")

	fs.BoolVar(&c.ButtonEnabled, "button", c.ButtonEnabled, "watch the physical toggle button")
	fs.StringVar(&c.ButtonPin, "button-pin", c.ButtonPin, "GPIO pin of the toggle button")
	fs.DurationVar(&c.ButtonPoll, "button-poll", c.ButtonPoll, "button poll interval")
	fs.DurationVar(&c.ButtonDebounce, "button-debounce", c.ButtonDebounce, "button debounce window")

	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory for cmd.txt, status.json and the pid file (default: $HOME/.cache/osmolapse)")
	fs.BoolVar(&c.Console, "console", c.Console, "read commands from stdin")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "listen address of the HTTP API (disabled when empty)")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "status.json write interval")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: console or json")

	fs.BoolVar(&c.DiagEnabled, "diag", c.DiagEnabled, "write the NDJSON diagnostic trace")
	fs.StringVar(&c.DiagPath, "diag-path", c.DiagPath, "diagnostic trace path (default: <state-dir>/osmolapse-diag.ndjson)")

	fs.BoolVar(&c.AutoConnect, "auto-connect", c.AutoConnect, "connect to the camera at startup and after link loss")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "bound on one connect attempt")
	fs.DurationVar(&c.LinkOpTimeout, "link-op-timeout", c.LinkOpTimeout, "bound on every radio operation")
	fs.DurationVar(&c.LinkRetry, "link-retry", c.LinkRetry, "initial delay between connect attempts")
}

// load layers file, environment and flags, validates, and builds the logger.
func (o *options) load(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg := o.cfg

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := o.cfgPath
	if cfgFile == "" {
		cfgFile = config.DefaultPath()
	}
	if cfgFile != "" && config.FileExists(cfgFile) {
		fc, err := config.LoadFileConfig(cfgFile)
		if err != nil {
			return cfg, zerolog.Nop(), fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
			return cfg, zerolog.Nop(), err
		}
	} else if o.cfgPath != "" {
		return cfg, zerolog.Nop(), fmt.Errorf("config file %s not found", o.cfgPath)
	}

	if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
		return cfg, zerolog.Nop(), err
	}
	if diaglog.IsDebugEnabled() {
		cfg.DiagEnabled = true
	}

	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log, nil
}
