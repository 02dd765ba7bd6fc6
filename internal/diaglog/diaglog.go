// Package diaglog writes a structured NDJSON event trace of link transitions,
// gateway traffic and capture cycles. It is enabled by
// OSMOLAPSE_DEBUG_EVENTS=true or the diag.enabled config key; when disabled
// every Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentGateway    = "gateway-client"
	ComponentReconnect  = "reconnect-handler"
	ComponentLink       = "link"
	ComponentTimelapse  = "timelapse"
	ComponentButton     = "button"
	ComponentDiagExport = "diag-export"
	ComponentDaemon     = "osmolapse"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventWSSend             = "ws_send"
	EventWSRecv             = "ws_recv"
	EventWSConnect          = "ws_connect"
	EventWSDisconnect       = "ws_disconnect"
	EventWSReconnectAttempt = "ws_reconnect_attempt"
	EventWSReconnectSuccess = "ws_reconnect_success"
	EventWSReconnectFailed  = "ws_reconnect_failed"

	EventLinkTransition = "link_transition"
	EventLinkLost       = "link_lost"
	EventHandshake      = "protocol_handshake"

	EventSessionStart   = "session_start"
	EventSessionStop    = "session_stop"
	EventModeSwitch     = "mode_switch"
	EventCaptureStart   = "capture_start"
	EventCaptureDone    = "capture_done"
	EventDoneTimeout    = "capture_done_timeout"
	EventReadinessToken = "readiness_token"

	EventButtonToggle = "button_toggle"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"` // RFC3339Nano
	Component string      `json:"component"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. When enabled is false,
// path is ignored and a no-op logger is returned.
func New(path string, enabled bool) (*Logger, error) {
	if !enabled {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON and appends it to the rolling file. Sensitive
// payload fields are redacted first.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are actually written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether OSMOLAPSE_DEBUG_EVENTS is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("OSMOLAPSE_DEBUG_EVENTS") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a fallback
// when New fails (disk full, permissions).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
