// Package statemachine owns the link/protocol lifecycle to the camera.
//
// The machine is the single writer of LinkState. Transitions outside the
// table in allowedTransition are rejected, so ProtocolConnected can only be
// reached from LinkConnected and Disconnecting always settles on LinkReady or
// Uninitialized.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/diaglog"
)

// LinkState is the connection progress to the camera.
type LinkState int

const (
	Uninitialized LinkState = iota
	LinkReady
	Discovering
	LinkConnected
	ProtocolConnected
	Disconnecting
)

func (s LinkState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LinkReady:
		return "link_ready"
	case Discovering:
		return "discovering"
	case LinkConnected:
		return "link_connected"
	case ProtocolConnected:
		return "protocol_connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("link_state_%d", int(s))
	}
}

var (
	// ErrAlreadyInitialized is returned by Init on a machine that left Uninitialized.
	ErrAlreadyInitialized = errors.New("link already initialized")
	// ErrHardwareUnavailable means the radio could not be brought up. It is
	// fatal to everything that depends on the link.
	ErrHardwareUnavailable = errors.New("radio hardware unavailable")
	// ErrInvalidState is returned when an operation is attempted outside the
	// link state it requires.
	ErrInvalidState = errors.New("invalid link state")
	// ErrInvalidTransition is an edge that is not in the transition table.
	ErrInvalidTransition = errors.New("invalid link state transition")
)

// Identity is what the controller presents to the camera during the
// application-level handshake.
type Identity struct {
	DeviceID        uint32
	MAC             net.HardwareAddr
	FirmwareVersion uint32
	VerifyMode      uint8
	VerifyData      uint16
	Reserved        uint8
}

// Radio is the wireless transport underneath the machine. Connect and Wake
// block until the link is up or has failed; the machine runs them in the
// background.
type Radio interface {
	Init() error
	Connect(ctx context.Context) error
	Wake(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Handshake(ctx context.Context, id Identity) error
}

// TransitionFunc observes a state change. It runs with the machine's lock
// held: it must return quickly and must not call back into the Machine.
type TransitionFunc func(from, to LinkState)

// Machine is the connection state machine.
type Machine struct {
	radio     Radio
	log       zerolog.Logger
	diag      *diaglog.Logger
	opTimeout time.Duration

	opMu sync.Mutex // serializes operations that talk to the radio

	mu        sync.RWMutex
	state     LinkState
	changed   chan struct{} // closed and replaced on every transition
	hooks     []TransitionFunc
	radioDown bool // the gateway restarted under a LinkReady machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine creates a machine in Uninitialized. opTimeout bounds every
// radio call (connect, wake, disconnect, handshake).
func NewMachine(radio Radio, opTimeout time.Duration, log zerolog.Logger, diag *diaglog.Logger) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		radio:     radio,
		log:       log,
		diag:      diag,
		opTimeout: opTimeout,
		state:     Uninitialized,
		changed:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnTransition registers an observer for every state change.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// State returns the current link state without blocking on radio work.
func (m *Machine) State() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Init brings the radio up: Uninitialized → LinkReady.
func (m *Machine) Init() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if cur := m.State(); cur != Uninitialized {
		m.log.Warn().Stringer("state", cur).Msg("init ignored: link already initialized")
		return ErrAlreadyInitialized
	}
	if err := m.radio.Init(); err != nil {
		m.log.Error().Err(err).Msg("radio init failed")
		return fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	m.setRadioDown(false)
	return m.transition(LinkReady, Uninitialized)
}

// Connect starts discovery and connection in the background:
// LinkReady → Discovering → LinkConnected (or back to LinkReady on failure).
// It returns as soon as discovery has started.
func (m *Machine) Connect() error {
	return m.startLink("connect", m.radio.Connect)
}

// Wake revives a suspended link to the last peer without a full scan. It
// follows the same path as Connect.
func (m *Machine) Wake() error {
	return m.startLink("wake", m.radio.Wake)
}

func (m *Machine) startLink(op string, dial func(context.Context) error) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.isRadioDown() && m.State() == LinkReady {
		if err := m.radio.Init(); err != nil {
			m.log.Warn().Err(err).Str("op", op).Msg("radio re-init failed")
			return fmt.Errorf("%s: %w: %v", op, ErrHardwareUnavailable, err)
		}
		m.log.Info().Msg("radio re-initialized")
		m.setRadioDown(false)
	}

	if err := m.transition(Discovering, LinkReady); err != nil {
		m.log.Warn().Str("op", op).Stringer("state", m.State()).Msg("link operation refused")
		return fmt.Errorf("%s: %w", op, ErrInvalidState)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opTimeout)
		defer cancel()

		if err := dial(ctx); err != nil {
			m.log.Warn().Err(err).Str("op", op).Msg("link attempt failed")
			_ = m.transition(LinkReady, Discovering)
			return
		}
		if err := m.transition(LinkConnected, Discovering); err != nil {
			// Lost the race with LinkLost or Close; the radio is up but
			// nobody owns it any more.
			m.log.Warn().Str("op", op).Stringer("state", m.State()).Msg("link came up after the attempt was abandoned")
		}
	}()
	return nil
}

// Disconnect tears the link down in the background:
// LinkConnected|ProtocolConnected → Disconnecting → LinkReady. A radio fault
// during teardown leaves the machine Uninitialized, requiring a new Init.
func (m *Machine) Disconnect() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.transition(Disconnecting, LinkConnected, ProtocolConnected); err != nil {
		m.log.Warn().Stringer("state", m.State()).Msg("disconnect refused")
		return fmt.Errorf("disconnect: %w", ErrInvalidState)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		defer cancel()

		if err := m.radio.Disconnect(ctx); err != nil {
			m.log.Error().Err(err).Msg("radio fault during disconnect, link must be re-initialized")
			_ = m.transition(Uninitialized, Disconnecting)
			return
		}
		_ = m.transition(LinkReady, Disconnecting)
	}()
	return nil
}

// CompleteHandshake authenticates over an established link:
// LinkConnected → ProtocolConnected. It blocks for the radio exchange.
func (m *Machine) CompleteHandshake(id Identity) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if cur := m.State(); cur != LinkConnected {
		m.log.Warn().Stringer("state", cur).Msg("handshake refused: link not connected")
		return fmt.Errorf("handshake from %s: %w", cur, ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opTimeout)
	defer cancel()

	m.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLink,
		Event:     diaglog.EventHandshake,
		Payload: map[string]interface{}{
			"device_id":   id.DeviceID,
			"mac":         id.MAC.String(),
			"fw_version":  id.FirmwareVersion,
			"verify_mode": id.VerifyMode,
			"verify_data": id.VerifyData,
		},
	})

	if err := m.radio.Handshake(ctx, id); err != nil {
		m.log.Warn().Err(err).Msg("protocol handshake failed")
		return fmt.Errorf("handshake: %w", err)
	}
	if err := m.transition(ProtocolConnected, LinkConnected); err != nil {
		return fmt.Errorf("handshake completed after link dropped: %w", ErrInvalidState)
	}
	return nil
}

// LinkLost is called by the transport when the peer goes away on its own.
// A connected link passes through Disconnecting to LinkReady; an attempt in
// progress falls back to LinkReady.
func (m *Machine) LinkLost(reason string) {
	m.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLink,
		Event:     diaglog.EventLinkLost,
		Reason:    reason,
	})

	if err := m.transition(Disconnecting, LinkConnected, ProtocolConnected); err == nil {
		m.log.Warn().Str("reason", reason).Msg("link lost")
		_ = m.transition(LinkReady, Disconnecting)
		return
	}
	if err := m.transition(LinkReady, Discovering); err == nil {
		m.log.Warn().Str("reason", reason).Msg("link lost during discovery")
	}
}

// RadioLost is called when the gateway holding the radio goes away. The
// adapter state is gone with it: a connected link passes through
// Disconnecting to Uninitialized, and a LinkReady machine re-runs radio init
// before its next connect or wake.
func (m *Machine) RadioLost(reason string) {
	m.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLink,
		Event:     diaglog.EventLinkLost,
		Reason:    reason,
	})

	if err := m.transition(Disconnecting, LinkConnected, ProtocolConnected); err == nil {
		m.log.Warn().Str("reason", reason).Msg("radio lost")
		_ = m.transition(Uninitialized, Disconnecting)
		return
	}
	if err := m.transition(LinkReady, Discovering); err == nil {
		m.log.Warn().Str("reason", reason).Msg("radio lost during discovery")
	}
	if m.State() != Uninitialized {
		m.setRadioDown(true)
	}
}

func (m *Machine) setRadioDown(down bool) {
	m.mu.Lock()
	m.radioDown = down
	m.mu.Unlock()
}

func (m *Machine) isRadioDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.radioDown
}

// WaitUntil blocks until pred holds for the current state or ctx ends.
func (m *Machine) WaitUntil(ctx context.Context, pred func(LinkState) bool) (LinkState, error) {
	for {
		m.mu.RLock()
		cur, ch := m.state, m.changed
		m.mu.RUnlock()

		if pred(cur) {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// WaitFor blocks until the machine is in target or ctx ends.
func (m *Machine) WaitFor(ctx context.Context, target LinkState) error {
	_, err := m.WaitUntil(ctx, func(s LinkState) bool { return s == target })
	return err
}

// Close abandons background radio attempts and waits for them to return.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
}

// transition moves to next if the current state is one of from (any state
// when from is empty) and the edge is allowed.
func (m *Machine) transition(next LinkState, from ...LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state
	if len(from) > 0 && !contains(from, cur) {
		return ErrInvalidTransition
	}
	if !allowedTransition(cur, next) {
		return ErrInvalidTransition
	}

	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})

	m.log.Info().Stringer("from", cur).Stringer("to", next).Msg("link state")
	m.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLink,
		Event:     diaglog.EventLinkTransition,
		Payload:   map[string]interface{}{"from": cur.String(), "to": next.String()},
	})
	for _, fn := range m.hooks {
		fn(cur, next)
	}
	return nil
}

func contains(states []LinkState, s LinkState) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

func allowedTransition(cur, next LinkState) bool {
	switch cur {
	case Uninitialized:
		return next == LinkReady
	case LinkReady:
		return next == Discovering
	case Discovering:
		return next == LinkConnected || next == LinkReady
	case LinkConnected:
		return next == ProtocolConnected || next == Disconnecting
	case ProtocolConnected:
		return next == Disconnecting
	case Disconnecting:
		return next == LinkReady || next == Uninitialized
	default:
		return false
	}
}
