package diaglog_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/statemachine"
)

type okRadio struct{}

func (okRadio) Init() error                                            { return nil }
func (okRadio) Connect(context.Context) error                          { return nil }
func (okRadio) Wake(context.Context) error                             { return nil }
func (okRadio) Disconnect(context.Context) error                       { return nil }
func (okRadio) Handshake(context.Context, statemachine.Identity) error { return nil }

func readExport(t *testing.T, path string) (diaglog.DiagBundle, []diaglog.LogEntry) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var bundle diaglog.DiagBundle
	var entries []diaglog.LogEntry
	for i := 0; scanner.Scan(); i++ {
		if i == 0 {
			if err := json.Unmarshal(scanner.Bytes(), &bundle); err != nil {
				t.Fatalf("bundle header: %v", err)
			}
			continue
		}
		var e diaglog.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		entries = append(entries, e)
	}
	return bundle, entries
}

func TestExportCarriesSessionTrace(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "diag.ndjson")
	diag, err := diaglog.New(logPath, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m := statemachine.NewMachine(okRadio{}, time.Second, zerolog.Nop(), diag)
	defer m.Close()
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, statemachine.LinkConnected); err != nil {
		t.Fatalf("link not connected: %v", err)
	}
	mac, _ := net.ParseMAC("38:34:56:78:9a:bc")
	id := statemachine.Identity{DeviceID: 0x12345678, MAC: mac, VerifyData: 1234}
	if err := m.CompleteHandshake(id); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}

	diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventCaptureDone,
		SessionID: "session-1",
		Payload:   map[string]interface{}{"cycle": 1},
	})
	if err := diag.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path, lines, err := diaglog.Export(logPath, t.TempDir())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	bundle, entries := readExport(t, path)
	if bundle.EntryCount != lines || len(entries) != lines {
		t.Fatalf("entry_count=%d lines=%d parsed=%d", bundle.EntryCount, lines, len(entries))
	}

	// uninitialized → link_ready → discovering → link_connected → protocol_connected
	var transitions []string
	var handshake, done *diaglog.LogEntry
	for i := range entries {
		e := &entries[i]
		switch e.Event {
		case diaglog.EventLinkTransition:
			p, _ := e.Payload.(map[string]interface{})
			transitions = append(transitions, p["to"].(string))
		case diaglog.EventHandshake:
			handshake = e
		case diaglog.EventCaptureDone:
			done = e
		}
	}
	want := []string{"link_ready", "discovering", "link_connected", "protocol_connected"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}

	if handshake == nil {
		t.Fatal("protocol_handshake missing from export")
	}
	p := handshake.Payload.(map[string]interface{})
	for _, k := range []string{"mac", "verify_data"} {
		if p[k] != "[REDACTED]" {
			t.Errorf("handshake %s = %v, want [REDACTED]", k, p[k])
		}
	}
	if p["device_id"] != float64(0x12345678) {
		t.Errorf("handshake device_id = %v", p["device_id"])
	}

	if done == nil {
		t.Fatal("capture_done missing from export")
	}
	if done.SessionID != "session-1" || done.Component != diaglog.ComponentTimelapse {
		t.Errorf("capture_done = %+v", *done)
	}
}
