// Package control maps manual commands onto the capture loop. The console,
// the command file and the HTTP API all go through one Handler, so they see
// the same running state and cycle count as the button.
package control

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/ipc"
	"github.com/tiroq/osmolapse/internal/statemachine"
	"github.com/tiroq/osmolapse/internal/timelapse"
)

// ErrUnknownCommand is returned for input that is not a command.
var ErrUnknownCommand = errors.New("unknown command")

// Loop is the control surface of the capture orchestrator.
type Loop interface {
	Start() error
	Stop() error
	Toggle() (bool, error)
	Status() timelapse.Status
}

// LinkView reports the connection state.
type LinkView interface {
	State() statemachine.LinkState
}

// GatewayView reports the transport to the camera gateway. May be nil.
type GatewayView interface {
	IsConnected() bool
	Version() string
	RadioAdapter() string
}

// Handler executes commands and builds status snapshots.
type Handler struct {
	loop Loop
	link LinkView
	cam  timelapse.CameraView
	gw   GatewayView
	quit func()
	log  zerolog.Logger
}

// NewHandler creates a handler. quit is called for CmdQuit and may be nil.
func NewHandler(loop Loop, link LinkView, cam timelapse.CameraView, gw GatewayView, quit func(), log zerolog.Logger) *Handler {
	return &Handler{loop: loop, link: link, cam: cam, gw: gw, quit: quit, log: log}
}

// Execute parses and runs a line of user input.
func (h *Handler) Execute(input string) (string, error) {
	cmd, ok := ipc.ParseCommand(input)
	if !ok {
		h.log.Warn().Str("input", strings.TrimSpace(input)).Msg("unknown command")
		return fmt.Sprintf("unknown command %q, type h for help", strings.TrimSpace(input)), ErrUnknownCommand
	}
	return h.Handle(cmd)
}

// Handle runs cmd and returns a human readable reply. Refusals from the
// orchestrator are returned as errors alongside the reply; they never change
// state.
func (h *Handler) Handle(cmd ipc.Command) (string, error) {
	switch cmd {
	case ipc.CmdStart:
		if err := h.loop.Start(); err != nil {
			return startRefusal(err), err
		}
		return "timelapse started", nil

	case ipc.CmdStop:
		if err := h.loop.Stop(); err != nil {
			return "timelapse is not running", err
		}
		return fmt.Sprintf("timelapse stopped after %d cycles", h.loop.Status().Cycles), nil

	case ipc.CmdToggle:
		running, err := h.loop.Toggle()
		if err != nil {
			return startRefusal(err), err
		}
		if running {
			return "timelapse started", nil
		}
		return "timelapse stopped", nil

	case ipc.CmdStatus:
		snap := h.Snapshot()
		return RenderStatus(&snap), nil

	case ipc.CmdHelp:
		return HelpText, nil

	case ipc.CmdQuit:
		if h.quit != nil {
			h.quit()
		}
		return "shutting down", nil

	default:
		return fmt.Sprintf("unknown command %q", cmd), ErrUnknownCommand
	}
}

func startRefusal(err error) string {
	switch {
	case errors.Is(err, timelapse.ErrAlreadyRunning):
		return "timelapse is already running"
	case errors.Is(err, timelapse.ErrLinkNotReady):
		return "camera not connected, timelapse not started"
	default:
		return "timelapse not started: " + err.Error()
	}
}

// Snapshot collects the current state of every component.
func (h *Handler) Snapshot() ipc.StatusSnapshot {
	cs := h.cam.Snapshot()
	snap := ipc.StatusSnapshot{
		Timelapse: h.loop.Status(),
		Link:      h.link.State().String(),
		Camera: ipc.CameraStatus{
			Mode:        uint8(cs.Mode),
			ModeName:    cs.Mode.String(),
			Status:      uint8(cs.Status),
			StatusName:  cs.Status.String(),
			Ready:       cs.Ready(),
			Initialized: cs.Initialized,
			UpdatedAt:   cs.UpdatedAt,
		},
		PID:       os.Getpid(),
		Timestamp: time.Now(),
	}
	if h.gw != nil {
		snap.GatewayConnected = h.gw.IsConnected()
		snap.GatewayVersion = h.gw.Version()
		snap.GatewayRadio = h.gw.RadioAdapter()
	}
	return snap
}

// HelpText lists the accepted commands.
const HelpText = `commands:
  start, tstart   start the timelapse
  stop, tstop     stop the timelapse
  toggle          start or stop, like the button
  status          show timelapse, link and camera state
  h, help         show this help
  quit            shut the daemon down`

// RenderStatus formats a snapshot for the console and `osmolapse ctl status`.
func RenderStatus(s *ipc.StatusSnapshot) string {
	var b strings.Builder

	tl := s.Timelapse
	if tl.Running {
		fmt.Fprintf(&b, "timelapse: running, %d cycles, step %s", tl.Cycles, tl.Step)
	} else {
		fmt.Fprintf(&b, "timelapse: stopped, %d cycles", tl.Cycles)
	}
	if tl.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", tl.SessionID)
	}
	b.WriteByte('\n')
	if tl.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", tl.LastError)
	}

	fmt.Fprintf(&b, "link: %s\n", s.Link)

	if s.Camera.Initialized {
		fmt.Fprintf(&b, "camera: mode %s (0x%02x), status %s (%d)",
			s.Camera.ModeName, s.Camera.Mode, s.Camera.StatusName, s.Camera.Status)
		if s.Camera.Ready {
			b.WriteString(", ready")
		}
	} else {
		b.WriteString("camera: no status received")
	}

	if s.GatewayVersion != "" || s.GatewayConnected {
		fmt.Fprintf(&b, "\ngateway: connected=%t version=%s", s.GatewayConnected, s.GatewayVersion)
		if s.GatewayRadio != "" {
			fmt.Fprintf(&b, " radio=%s", s.GatewayRadio)
		}
	}
	return b.String()
}

