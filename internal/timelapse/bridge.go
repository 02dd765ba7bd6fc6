package timelapse

import (
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/statemachine"
)

// StatusBridge turns camera status pushes into readiness tokens for the
// capture loop.
type StatusBridge struct {
	o    *Orchestrator
	diag *diaglog.Logger
}

// NewStatusBridge creates a bridge feeding o.
func NewStatusBridge(o *Orchestrator, diag *diaglog.Logger) *StatusBridge {
	return &StatusBridge{o: o, diag: diag}
}

// NotifyStatusChanged is called by the status source after every update. It
// never blocks: when a session is running, the link is ProtocolConnected and
// the camera is ready, it releases one token. Releases while a token is
// pending coalesce.
func (b *StatusBridge) NotifyStatusChanged() {
	if !b.o.IsRunning() {
		return
	}
	if b.o.link.State() != statemachine.ProtocolConnected {
		return
	}
	if !b.o.cam.Snapshot().Ready() {
		return
	}
	released := b.o.release()
	if b.diag.Enabled() {
		b.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentTimelapse,
			Event:     diaglog.EventReadinessToken,
			Payload:   map[string]interface{}{"released": released},
		})
	}
}
