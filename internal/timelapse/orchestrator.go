// Package timelapse runs the capture loop: keep the camera in the capture
// mode, start a capture whenever it is idle, wait for it to finish, stop it,
// count it, repeat.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/recorder"
	"github.com/tiroq/osmolapse/internal/statemachine"
)

var (
	// ErrLinkNotReady is returned by Start when the link is not ProtocolConnected.
	ErrLinkNotReady = fmt.Errorf("link not protocol connected: %w", statemachine.ErrInvalidState)

	ErrAlreadyRunning = errors.New("timelapse already running")
	ErrNotRunning     = errors.New("timelapse not running")

	// ErrConditionLost means the link dropped or the session was stopped
	// while waiting.
	ErrConditionLost = errors.New("condition lost while waiting")

	errWaitTimeout = errors.New("wait timed out")
)

// Link is the read side of the connection state machine.
type Link interface {
	State() statemachine.LinkState
	WaitUntil(ctx context.Context, pred func(statemachine.LinkState) bool) (statemachine.LinkState, error)
}

// CameraView is the read side of the camera state.
type CameraView interface {
	Snapshot() camera.Snapshot
}

// Step names where the loop currently is, for status reporting.
type Step string

const (
	StepIdle         Step = "idle"
	StepWaitLink     Step = "wait_link"
	StepSwitchMode   Step = "switch_mode"
	StepWaitReady    Step = "wait_ready"
	StepStartCapture Step = "start_capture"
	StepWatchCapture Step = "watch_capture"
	StepWaitDone     Step = "wait_done"
	StepStopCapture  Step = "stop_capture"
	StepBackoff      Step = "backoff"
)

// Status is a snapshot of the orchestrator for status reporting.
type Status struct {
	Running     bool      `json:"running"`
	SessionID   string    `json:"session_id,omitempty"`
	Cycles      uint64    `json:"cycles"`
	Step        Step      `json:"step"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// session is one Start..Stop run of the loop goroutine.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	cycles    atomic.Uint64 // written only by the loop goroutine

	mu          sync.Mutex
	step        Step
	lastCycleAt time.Time
	lastErr     string
}

func (s *session) active() bool {
	return s.ctx.Err() == nil
}

func (s *session) setStep(step Step) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Orchestrator owns the capture loop and its control surface.
type Orchestrator struct {
	cfg  Config
	link Link
	cam  CameraView
	cmd  recorder.Commander
	log  zerolog.Logger
	diag *diaglog.Logger

	running atomic.Bool
	ready   chan struct{} // single-slot readiness signal

	mu      sync.Mutex // guards session and serializes Start/Stop
	session *session
}

// NewOrchestrator creates a stopped orchestrator.
func NewOrchestrator(cfg Config, link Link, cam CameraView, cmd recorder.Commander, log zerolog.Logger, diag *diaglog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg.withDefaults(),
		link:  link,
		cam:   cam,
		cmd:   cmd,
		log:   log,
		diag:  diag,
		ready: make(chan struct{}, 1),
	}
}

// Start launches a new capture session. It refuses unless the link is
// ProtocolConnected, and is a no-op when a session is already running.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running.Load() {
		o.log.Warn().Msg("timelapse already running")
		return ErrAlreadyRunning
	}
	if st := o.link.State(); st != statemachine.ProtocolConnected {
		o.log.Error().Stringer("link_state", st).Msg("cannot start timelapse: link not protocol connected")
		return fmt.Errorf("%w (state %s)", ErrLinkNotReady, st)
	}

	o.drainReady()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		step:      StepIdle,
	}
	prev := o.session
	o.session = s
	o.running.Store(true)

	go o.loop(s, prev)

	o.log.Info().Str("session_id", s.id).Msg("timelapse started")
	o.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventSessionStart,
		SessionID: s.id,
	})
	return nil
}

// Stop ends the running session. The loop exits at its next check, and a
// wait for capture completion returns at once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running.Load() {
		o.log.Warn().Msg("timelapse not running")
		return ErrNotRunning
	}
	o.running.Store(false)
	s := o.session
	s.cancel()
	o.release()

	o.log.Info().Str("session_id", s.id).Uint64("cycles", s.cycles.Load()).Msg("timelapse stopping")
	o.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventSessionStop,
		SessionID: s.id,
		Payload:   map[string]interface{}{"cycles": s.cycles.Load()},
	})
	return nil
}

// Toggle stops a running session or starts a new one. It reports whether
// a session is running afterwards.
func (o *Orchestrator) Toggle() (bool, error) {
	if o.IsRunning() {
		return false, o.Stop()
	}
	if err := o.Start(); err != nil {
		return false, err
	}
	return true, nil
}

// IsRunning reports the intent set by the most recent Start or Stop.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// CycleCount returns the completed cycles of the current (or last) session.
func (o *Orchestrator) CycleCount() uint64 {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.cycles.Load()
}

// Status returns a snapshot for status reporting.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()

	st := Status{Running: o.running.Load(), Step: StepIdle}
	if s == nil {
		return st
	}
	st.SessionID = s.id
	st.Cycles = s.cycles.Load()
	st.StartedAt = s.startedAt
	s.mu.Lock()
	st.LastCycleAt = s.lastCycleAt
	st.LastError = s.lastErr
	if st.Running {
		st.Step = s.step
	}
	s.mu.Unlock()
	return st
}

// Wait blocks until the current session's loop goroutine has returned.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release puts a readiness token in the slot unless one is pending.
func (o *Orchestrator) release() bool {
	select {
	case o.ready <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) drainReady() {
	select {
	case <-o.ready:
	default:
	}
}

func (o *Orchestrator) loop(s *session, prev *session) {
	defer close(s.done)

	// Never overlap with the previous session's goroutine.
	if prev != nil {
		<-prev.done
	}

	log := o.log.With().Str("session_id", s.id).Logger()
	for s.active() {
		o.cycle(s, log)
	}
	s.setStep(StepIdle)
	log.Info().Uint64("cycles", s.cycles.Load()).Msg("timelapse loop exited")
}

// cycle runs one iteration. Every failure path ends in a bounded delay.
func (o *Orchestrator) cycle(s *session, log zerolog.Logger) {
	cfg := o.cfg

	s.setStep(StepWaitLink)
	if err := o.waitLink(s); err != nil {
		if !s.active() {
			return
		}
		log.Warn().Dur("timeout", cfg.LinkTimeout).Stringer("link_state", o.link.State()).Msg("link not protocol connected, retrying")
		s.setErr(err)
		o.backoff(s, cfg.LinkRetryDelay)
		return
	}

	if snap := o.cam.Snapshot(); snap.Mode != cfg.CaptureMode {
		s.setStep(StepSwitchMode)
		log.Info().Stringer("current", snap.Mode).Stringer("want", cfg.CaptureMode).Msg("switching camera mode")
		res, err := o.switchMode()
		if err != nil {
			log.Warn().Err(err).Msg("mode switch returned no result")
			s.setErr(err)
		}
		o.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentTimelapse,
			Event:     diaglog.EventModeSwitch,
			SessionID: s.id,
			Payload:   modeSwitchPayload(snap.Mode, cfg.CaptureMode, res, err),
		})
		o.backoff(s, cfg.ModeSwitchSettle)
		return
	}

	s.setStep(StepWaitReady)
	if err := o.waitReady(s); err != nil {
		if !s.active() {
			return
		}
		log.Warn().Err(err).Stringer("status", o.cam.Snapshot().Status).Msg("camera not ready for capture, retrying")
		s.setErr(err)
		o.backoff(s, cfg.ReadyRetryDelay)
		return
	}

	// A token released before this capture started says nothing about it.
	o.drainReady()

	s.setStep(StepStartCapture)
	if _, err := o.startRecord(); err != nil {
		log.Warn().Err(err).Msg("start capture returned no result, retrying")
		s.setErr(err)
		o.backoff(s, cfg.StartRetryDelay)
		return
	}
	o.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventCaptureStart,
		SessionID: s.id,
		Payload:   map[string]interface{}{"cycle": s.cycles.Load() + 1},
	})
	if !s.active() {
		return
	}

	s.setStep(StepWatchCapture)
	if !o.watchCaptureStart(s) && s.active() {
		log.Warn().Dur("timeout", cfg.CaptureStartTimeout).Msg("camera did not report capture start")
	}
	if !s.active() {
		return
	}

	s.setStep(StepWaitDone)
	timer := time.NewTimer(cfg.DoneTimeout)
	select {
	case <-o.ready:
		timer.Stop()
	case <-s.ctx.Done():
		timer.Stop()
	case <-timer.C:
		o.doneTimeout(s, log)
		return
	}
	if !s.active() {
		return
	}

	s.setStep(StepStopCapture)
	if _, err := o.stopRecord(); err != nil {
		log.Warn().Err(err).Msg("stop capture returned no result")
		s.setErr(err)
	}
	n := s.cycles.Add(1)
	s.mu.Lock()
	s.lastCycleAt = time.Now()
	s.mu.Unlock()

	log.Info().Uint64("cycle", n).Msg("capture cycle complete")
	o.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventCaptureDone,
		SessionID: s.id,
		Payload:   map[string]interface{}{"cycle": n},
	})
}

// doneTimeout handles the camera not coming back to ready after a capture.
// The cycle is not counted under either policy.
func (o *Orchestrator) doneTimeout(s *session, log zerolog.Logger) {
	policy := o.cfg.OnDoneTimeout
	skipped := policy != PolicyStopCapture

	log.Warn().
		Dur("timeout", o.cfg.DoneTimeout).
		Str("policy", string(policy)).
		Bool("skipped_stop_capture", skipped).
		Msg("camera did not report capture complete, restarting cycle")
	o.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTimelapse,
		Event:     diaglog.EventDoneTimeout,
		SessionID: s.id,
		Payload:   map[string]interface{}{"policy": string(policy), "skipped_stop_capture": skipped},
	})
	s.setErr(fmt.Errorf("capture completion: %w", errWaitTimeout))

	if skipped {
		return
	}
	s.setStep(StepStopCapture)
	if _, err := o.stopRecord(); err != nil {
		log.Warn().Err(err).Msg("stop capture after timeout returned no result")
	}
}

// Commands are bounded by CommandTimeout and not tied to the session, so a
// Stop never cuts a command off halfway.
func (o *Orchestrator) switchMode() (*recorder.ModeSwitchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	return o.cmd.SwitchMode(ctx, o.cfg.CaptureMode)
}

func (o *Orchestrator) startRecord() (*recorder.RecordResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	return o.cmd.StartRecord(ctx)
}

func (o *Orchestrator) stopRecord() (*recorder.RecordResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	return o.cmd.StopRecord(ctx)
}

func (o *Orchestrator) waitLink(s *session) error {
	ctx, cancel := context.WithTimeout(s.ctx, o.cfg.LinkTimeout)
	defer cancel()
	_, err := o.link.WaitUntil(ctx, func(st statemachine.LinkState) bool {
		return st == statemachine.ProtocolConnected
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("link: %w", errWaitTimeout)
	}
	return err
}

// waitReady polls until the camera is ready, giving up early when the link
// leaves ProtocolConnected or the session is stopped.
func (o *Orchestrator) waitReady(s *session) error {
	deadline := time.Now().Add(o.cfg.ReadyTimeout)
	ticker := time.NewTicker(o.cfg.ReadyPoll)
	defer ticker.Stop()

	for {
		if !s.active() {
			return fmt.Errorf("session stopped: %w", ErrConditionLost)
		}
		if st := o.link.State(); st != statemachine.ProtocolConnected {
			return fmt.Errorf("link %s: %w", st, ErrConditionLost)
		}
		if o.cam.Snapshot().Ready() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("camera ready: %w", errWaitTimeout)
		}
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
		}
	}
}

// watchCaptureStart reports whether the camera left ready within the window.
func (o *Orchestrator) watchCaptureStart(s *session) bool {
	deadline := time.Now().Add(o.cfg.CaptureStartTimeout)
	ticker := time.NewTicker(o.cfg.CaptureStartPoll)
	defer ticker.Stop()

	for s.active() && time.Now().Before(deadline) {
		if o.cam.Snapshot().Status != camera.StatusLiveStreaming {
			return true
		}
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
		}
	}
	return false
}

// backoff sleeps for d unless the session is stopped first.
func (o *Orchestrator) backoff(s *session, d time.Duration) {
	s.setStep(StepBackoff)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}
}

func modeSwitchPayload(from, to camera.Mode, res *recorder.ModeSwitchResult, err error) map[string]interface{} {
	p := map[string]interface{}{"from": from.String(), "to": to.String()}
	if res != nil {
		p["ret_code"] = res.RetCode
	}
	if err != nil {
		p["error"] = err.Error()
	}
	return p
}
