package statemachine

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeRadio lets a test decide how each radio call ends.
type fakeRadio struct {
	mu            sync.Mutex
	initErr       error
	connectErr    error
	wakeErr       error
	disconnectErr error
	handshakeErr  error
	connectGate   chan struct{} // when set, Connect blocks until closed
	calls         []string
	lastIdentity  Identity
}

func (r *fakeRadio) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRadio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRadio) Init() error {
	r.record("init")
	return r.initErr
}

func (r *fakeRadio) Connect(ctx context.Context) error {
	r.record("connect")
	if r.connectGate != nil {
		select {
		case <-r.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.connectErr
}

func (r *fakeRadio) Wake(ctx context.Context) error {
	r.record("wake")
	return r.wakeErr
}

func (r *fakeRadio) Disconnect(ctx context.Context) error {
	r.record("disconnect")
	return r.disconnectErr
}

func (r *fakeRadio) Handshake(ctx context.Context, id Identity) error {
	r.record("handshake")
	r.mu.Lock()
	r.lastIdentity = id
	r.mu.Unlock()
	return r.handshakeErr
}

func newTestMachine(t *testing.T, radio *fakeRadio) *Machine {
	t.Helper()
	m := NewMachine(radio, time.Second, zerolog.Nop(), nil)
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Machine, want LinkState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, want); err != nil {
		t.Fatalf("state %s not reached, stuck in %s: %v", want, m.State(), err)
	}
}

func testIdentity() Identity {
	mac, _ := net.ParseMAC("38:34:56:78:9a:bc")
	return Identity{
		DeviceID:        0x12345678,
		MAC:             mac,
		FirmwareVersion: 0,
		VerifyMode:      0,
		VerifyData:      1234,
	}
}

// connectedMachine returns a machine already at the requested state.
func connectedMachine(t *testing.T, radio *fakeRadio, protocol bool) *Machine {
	t.Helper()
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, m, LinkConnected)
	if protocol {
		if err := m.CompleteHandshake(testIdentity()); err != nil {
			t.Fatalf("CompleteHandshake: %v", err)
		}
	}
	return m
}

func TestInit(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)

	if m.State() != Uninitialized {
		t.Fatalf("initial state = %s, want uninitialized", m.State())
	}
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.State() != LinkReady {
		t.Errorf("state = %s, want link_ready", m.State())
	}

	if err := m.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitHardwareUnavailable(t *testing.T) {
	radio := &fakeRadio{initErr: errors.New("no adapter")}
	m := newTestMachine(t, radio)

	err := m.Init()
	if !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("Init error = %v, want ErrHardwareUnavailable", err)
	}
	if m.State() != Uninitialized {
		t.Errorf("state = %s, want uninitialized", m.State())
	}
}

func TestConnectIsAsynchronous(t *testing.T) {
	gate := make(chan struct{})
	radio := &fakeRadio{connectGate: gate}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Discovering {
		t.Fatalf("state right after Connect = %s, want discovering", m.State())
	}

	close(gate)
	waitState(t, m, LinkConnected)
}

func TestConnectFailureReturnsToLinkReady(t *testing.T) {
	radio := &fakeRadio{connectErr: errors.New("camera not found")}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := m.WaitUntil(ctx, func(s LinkState) bool { return s != Discovering })
	if err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if st != LinkReady {
		t.Errorf("state = %s, want link_ready", st)
	}
}

func TestOperationsRequireState(t *testing.T) {
	tests := []struct {
		name string
		op   func(m *Machine) error
	}{
		{"connect before init", func(m *Machine) error { return m.Connect() }},
		{"wake before init", func(m *Machine) error { return m.Wake() }},
		{"disconnect before init", func(m *Machine) error { return m.Disconnect() }},
		{"handshake before init", func(m *Machine) error { return m.CompleteHandshake(testIdentity()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(t, &fakeRadio{})
			if err := tt.op(m); !errors.Is(err, ErrInvalidState) {
				t.Errorf("error = %v, want ErrInvalidState", err)
			}
			if m.State() != Uninitialized {
				t.Errorf("state changed to %s", m.State())
			}
		})
	}
}

func TestHandshakeRequiresLinkConnected(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := m.CompleteHandshake(testIdentity()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("handshake from link_ready: error = %v, want ErrInvalidState", err)
	}
	for _, c := range radio.Calls() {
		if c == "handshake" {
			t.Error("radio handshake must not run outside link_connected")
		}
	}
}

func TestCompleteHandshake(t *testing.T) {
	radio := &fakeRadio{}
	m := connectedMachine(t, radio, true)

	if m.State() != ProtocolConnected {
		t.Fatalf("state = %s, want protocol_connected", m.State())
	}
	radio.mu.Lock()
	got := radio.lastIdentity
	radio.mu.Unlock()
	if got.DeviceID != 0x12345678 || got.VerifyData != 1234 {
		t.Errorf("identity passed to radio = %+v", got)
	}

	if err := m.CompleteHandshake(testIdentity()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second handshake error = %v, want ErrInvalidState", err)
	}
}

func TestHandshakeFailureStaysLinkConnected(t *testing.T) {
	radio := &fakeRadio{handshakeErr: errors.New("verify rejected")}
	m := connectedMachine(t, radio, false)

	if err := m.CompleteHandshake(testIdentity()); err == nil {
		t.Fatal("expected handshake error")
	}
	if m.State() != LinkConnected {
		t.Errorf("state = %s, want link_connected", m.State())
	}
}

func TestDisconnect(t *testing.T) {
	for _, protocol := range []bool{false, true} {
		radio := &fakeRadio{}
		m := connectedMachine(t, radio, protocol)

		if err := m.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		waitState(t, m, LinkReady)
	}
}

func TestDisconnectFaultResolvesToUninitialized(t *testing.T) {
	radio := &fakeRadio{disconnectErr: errors.New("controller reset")}
	m := connectedMachine(t, radio, true)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitState(t, m, Uninitialized)

	radio.disconnectErr = nil
	if err := m.Init(); err != nil {
		t.Errorf("re-Init after fault: %v", err)
	}
}

func TestDisconnectRefusedWhenNotConnected(t *testing.T) {
	m := newTestMachine(t, &fakeRadio{})
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Disconnect(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

func TestWake(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	waitState(t, m, LinkConnected)

	calls := radio.Calls()
	if calls[len(calls)-1] != "wake" {
		t.Errorf("radio calls = %v, want wake last", calls)
	}
	if err := m.Wake(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Wake from link_connected: error = %v, want ErrInvalidState", err)
	}
}

func TestLinkLost(t *testing.T) {
	m := connectedMachine(t, &fakeRadio{}, true)

	m.LinkLost("peer went away")
	if m.State() != LinkReady {
		t.Errorf("state = %s, want link_ready", m.State())
	}

	// Nothing to lose any more.
	m.LinkLost("again")
	if m.State() != LinkReady {
		t.Errorf("state = %s, want link_ready", m.State())
	}
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestRadioLostSettlesUninitialized(t *testing.T) {
	for _, protocol := range []bool{false, true} {
		m := connectedMachine(t, &fakeRadio{}, protocol)

		m.RadioLost("gateway disconnected")
		if m.State() != Uninitialized {
			t.Errorf("protocol=%t: state = %s, want uninitialized", protocol, m.State())
		}
		if err := m.Init(); err != nil {
			t.Errorf("protocol=%t: Init after radio loss: %v", protocol, err)
		}
	}
}

func TestRadioLostReinitsBeforeNextConnect(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m.RadioLost("gateway disconnected")
	if m.State() != LinkReady {
		t.Fatalf("state = %s, want link_ready", m.State())
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, m, LinkConnected)

	calls := radio.Calls()
	if got := countCalls(calls, "init"); got != 2 {
		t.Errorf("init calls = %d, want 2 (%v)", got, calls)
	}
	if calls[1] != "init" || calls[2] != "connect" {
		t.Errorf("calls = %v, want init before connect", calls)
	}

	// Only once per loss.
	m.LinkLost("out of range")
	if err := m.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	waitState(t, m, LinkConnected)
	if got := countCalls(radio.Calls(), "init"); got != 2 {
		t.Errorf("init calls after second connect = %d, want 2", got)
	}
}

func TestRadioLostReinitFailure(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m.RadioLost("gateway disconnected")
	radio.mu.Lock()
	radio.initErr = errors.New("adapter missing")
	radio.mu.Unlock()

	if err := m.Wake(); !errors.Is(err, ErrHardwareUnavailable) {
		t.Errorf("Wake error = %v, want ErrHardwareUnavailable", err)
	}
	if m.State() != LinkReady {
		t.Errorf("state = %s, want link_ready", m.State())
	}
}

// Every path through the machine must reach protocol_connected only from
// link_connected, and disconnecting must never be where things settle.
func TestTransitionsAreMonotonic(t *testing.T) {
	radio := &fakeRadio{}
	m := newTestMachine(t, radio)

	var mu sync.Mutex
	var edges [][2]LinkState
	m.OnTransition(func(from, to LinkState) {
		mu.Lock()
		edges = append(edges, [2]LinkState{from, to})
		mu.Unlock()
	})

	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		waitState(t, m, LinkConnected)
		if err := m.CompleteHandshake(testIdentity()); err != nil {
			t.Fatalf("CompleteHandshake: %v", err)
		}
		if i%2 == 0 {
			m.LinkLost("test")
		} else {
			if err := m.Disconnect(); err != nil {
				t.Fatalf("Disconnect: %v", err)
			}
			waitState(t, m, LinkReady)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, e := range edges {
		if e[1] == ProtocolConnected && e[0] != LinkConnected {
			t.Errorf("edge %d: protocol_connected reached from %s", i, e[0])
		}
		if !allowedTransition(e[0], e[1]) {
			t.Errorf("edge %d: %s -> %s not allowed", i, e[0], e[1])
		}
	}
	if last := edges[len(edges)-1]; last[1] == Disconnecting {
		t.Error("machine settled in disconnecting")
	}
	if m.State() == Disconnecting {
		t.Error("final state is disconnecting")
	}
}

func TestAllowedTransitionTable(t *testing.T) {
	all := []LinkState{Uninitialized, LinkReady, Discovering, LinkConnected, ProtocolConnected, Disconnecting}
	allowed := map[[2]LinkState]bool{
		{Uninitialized, LinkReady}:         true,
		{LinkReady, Discovering}:           true,
		{Discovering, LinkConnected}:       true,
		{Discovering, LinkReady}:           true,
		{LinkConnected, ProtocolConnected}: true,
		{LinkConnected, Disconnecting}:     true,
		{ProtocolConnected, Disconnecting}: true,
		{Disconnecting, LinkReady}:         true,
		{Disconnecting, Uninitialized}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]LinkState{from, to}]
			if got := allowedTransition(from, to); got != want {
				t.Errorf("%s -> %s: allowed = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestWaitForHonoursContext(t *testing.T) {
	m := newTestMachine(t, &fakeRadio{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.WaitFor(ctx, ProtocolConnected); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor error = %v, want deadline exceeded", err)
	}
}

func TestLinkStateString(t *testing.T) {
	if ProtocolConnected.String() != "protocol_connected" {
		t.Errorf("String() = %q", ProtocolConnected.String())
	}
	if LinkState(42).String() != "link_state_42" {
		t.Errorf("String() = %q", LinkState(42).String())
	}
}
