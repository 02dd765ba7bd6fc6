package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiroq/osmolapse/internal/button"
	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/config"
	"github.com/tiroq/osmolapse/internal/console"
	"github.com/tiroq/osmolapse/internal/control"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/gateway"
	"github.com/tiroq/osmolapse/internal/ipc"
	"github.com/tiroq/osmolapse/internal/logging"
	"github.com/tiroq/osmolapse/internal/pidfile"
	"github.com/tiroq/osmolapse/internal/recorder"
	"github.com/tiroq/osmolapse/internal/server"
	"github.com/tiroq/osmolapse/internal/statemachine"
	"github.com/tiroq/osmolapse/internal/timelapse"
)

func runDaemon(parent context.Context, cfg config.Config, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info().Interface("config", cfg.Redacted()).Str("version", getVersion()).Int("pid", os.Getpid()).Msg("starting osmolapse")

	pf, err := pidfile.New(pidfile.Path(cfg.StateDir))
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			log.Error().Str("pid_file", pidfile.Path(cfg.StateDir)).Msg("remove the pid file if no other instance is running")
		}
		return err
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			log.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	diag, err := diaglog.New(cfg.DiagPath, cfg.DiagEnabled)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.DiagPath).Msg("diagnostic trace unavailable")
		diag = diaglog.NewNoOp()
	}
	defer func() { _ = diag.Close() }()

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Camera side.
	cam := camera.NewState()
	client := gateway.NewClient(gateway.Options{
		URL:            cfg.GatewayURL,
		Token:          cfg.GatewayToken,
		RequestTimeout: cfg.RequestTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logging.Component(log, "gateway"),
		Diag:           diag,
	})
	defer client.Close()

	machine := statemachine.NewMachine(gateway.NewRadio(client), cfg.LinkOpTimeout, logging.Component(log, "link"), diag)
	defer machine.Close()

	orch := timelapse.NewOrchestrator(cfg.Timelapse(), machine, cam,
		recorder.NewGatewayAdapter(client, logging.Component(log, "recorder")),
		logging.Component(log, "timelapse"), diag)
	bridge := timelapse.NewStatusBridge(orch, diag)

	client.OnCameraStatus(func(mode, status uint8) {
		cam.Update(camera.Mode(mode), camera.Status(status))
		bridge.NotifyStatusChanged()
	})
	client.OnLinkLost(func(reason string) {
		cam.Reset()
		machine.LinkLost(reason)
	})
	client.OnDisconnected(func() {
		cam.Reset()
		machine.RadioLost("gateway disconnected")
	})
	client.OnReconnected(func() {
		queryRadio(ctx, client, log)
		// A LinkReady machine re-inits on its next connect instead.
		if machine.State() == statemachine.Uninitialized {
			if err := machine.Init(); err != nil && !errors.Is(err, statemachine.ErrAlreadyInitialized) {
				log.Error().Err(err).Msg("radio init after gateway reconnect failed")
			}
		}
	})

	if err := connectGateway(ctx, client, cfg.ConnectTimeout, log); err != nil {
		return fmt.Errorf("%w: %v", statemachine.ErrHardwareUnavailable, err)
	}
	queryRadio(ctx, client, log)
	if err := machine.Init(); err != nil {
		return err
	}

	handler := control.NewHandler(orch, machine, cam, client, cancel, logging.Component(log, "control"))

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("task", name).Msg("task failed")
			}
		}()
	}

	supCtx, stopSupervisor := context.WithCancel(ctx)
	defer stopSupervisor()
	if cfg.AutoConnect {
		sup := statemachine.NewSupervisor(machine, cfg.Identity(), cfg.ConnectTimeout, cfg.LinkRetry, logging.Component(log, "supervisor"), diag)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Run(supCtx)
		}()
	}

	if cfg.ButtonEnabled {
		pin, err := button.OpenPin(cfg.ButtonPin)
		if err != nil {
			return fmt.Errorf("%w: %v", statemachine.ErrHardwareUnavailable, err)
		}
		mon := button.NewMonitor(pin, orch, cfg.ButtonPoll, cfg.ButtonDebounce, logging.Component(log, "button"), diag)
		spawn("button", func(ctx context.Context) error {
			mon.Run(ctx)
			return nil
		})
	}

	if cfg.Console {
		con := console.New(handler, os.Stdin, os.Stdout, logging.Component(log, "console"))
		// The console goroutine may stay blocked in a read after shutdown.
		go func() {
			if err := con.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("console stopped")
			}
		}()
	}

	watcher := ipc.NewWatcher(cfg.StateDir, func(cmd ipc.Command) {
		reply, err := handler.Handle(cmd)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("command", string(cmd)).Str("reply", reply).Msg("command file")
	}, logging.Component(log, "ipc"))
	spawn("ipc", watcher.Run)

	spawn("status", func(ctx context.Context) error {
		return writeStatusLoop(ctx, cfg.StateDir, cfg.StatusInterval, handler, log)
	})

	if cfg.HTTPAddr != "" {
		srv := server.New(cfg.HTTPAddr, handler, logging.Component(log, "http"))
		spawn("http", srv.Run)
	}

	log.Info().Msg("osmolapse running")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdown(machine, orch, stopSupervisor, log)
	wg.Wait()
	_ = ipc.WriteStatus(cfg.StateDir, ptr(handler.Snapshot()))
	return nil
}

// connectGateway retries until the gateway answers or timeout passes.
func connectGateway(ctx context.Context, client *gateway.Client, timeout time.Duration, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := 500 * time.Millisecond
	for {
		err := client.Connect(ctx)
		if err == nil {
			log.Info().Str("gateway_version", client.Version()).Msg("gateway connected")
			return nil
		}
		if errors.Is(err, gateway.ErrIncompatible) {
			return err
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("gateway not reachable")
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway unreachable: %w", err)
		case <-time.After(delay):
		}
		if delay < 4*time.Second {
			delay *= 2
		}
	}
}

// queryRadio logs which adapter the gateway drives and keeps it for status
// output. Failures are logged and otherwise ignored.
func queryRadio(ctx context.Context, client *gateway.Client, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := client.GetVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("gateway version query failed")
		return
	}
	log.Info().Str("radio_adapter", info.RadioAdapter).Int("rpc_version", info.RPCVersion).Msg("gateway radio")
}

// shutdown stops the loop, joins it and tears the link down, each step bounded.
func shutdown(machine *statemachine.Machine, orch *timelapse.Orchestrator, stopSupervisor context.CancelFunc, log zerolog.Logger) {
	stopSupervisor()

	if orch.IsRunning() {
		_ = orch.Stop()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Wait(waitCtx); err != nil {
		log.Warn().Err(err).Msg("capture loop did not exit in time")
	}

	switch machine.State() {
	case statemachine.LinkConnected, statemachine.ProtocolConnected:
		if err := machine.Disconnect(); err == nil {
			_, _ = machine.WaitUntil(waitCtx, func(s statemachine.LinkState) bool {
				return s == statemachine.LinkReady || s == statemachine.Uninitialized
			})
		}
	}
}

func writeStatusLoop(ctx context.Context, dir string, interval time.Duration, h *control.Handler, log zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ipc.WriteStatus(dir, ptr(h.Snapshot())); err != nil {
			log.Warn().Err(err).Msg("failed to write status")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func ptr[T any](v T) *T { return &v }
