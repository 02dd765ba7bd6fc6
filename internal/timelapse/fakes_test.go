package timelapse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/recorder"
	"github.com/tiroq/osmolapse/internal/statemachine"
)

type fakeLink struct {
	mu      sync.Mutex
	state   statemachine.LinkState
	changed chan struct{}
}

func newFakeLink(st statemachine.LinkState) *fakeLink {
	return &fakeLink{state: st, changed: make(chan struct{})}
}

func (l *fakeLink) State() statemachine.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Set(st statemachine.LinkState) {
	l.mu.Lock()
	l.state = st
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}

func (l *fakeLink) WaitUntil(ctx context.Context, pred func(statemachine.LinkState) bool) (statemachine.LinkState, error) {
	for {
		l.mu.Lock()
		st, ch := l.state, l.changed
		l.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// fakeCamera answers commands the way the camera would: a switch changes the
// mode, a start flips to capturing and, when finish is set, back to live
// streaming after captureFor, notifying the bridge like the status source.
type fakeCamera struct {
	state *camera.State

	mu         sync.Mutex
	bridge     *StatusBridge
	calls      []string
	inflight   int
	maxInfl    int
	applyMode  bool
	finish     bool
	captureFor time.Duration
	startErr   error
}

func newFakeCamera(mode camera.Mode) *fakeCamera {
	st := camera.NewState()
	st.Update(mode, camera.StatusLiveStreaming)
	return &fakeCamera{state: st, applyMode: true, finish: true, captureFor: 10 * time.Millisecond}
}

func (c *fakeCamera) enter(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.inflight++
	if c.inflight > c.maxInfl {
		c.maxInfl = c.inflight
	}
	c.mu.Unlock()
}

func (c *fakeCamera) exit() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

func (c *fakeCamera) SwitchMode(_ context.Context, mode camera.Mode) (*recorder.ModeSwitchResult, error) {
	c.enter("switch")
	defer c.exit()
	c.mu.Lock()
	apply := c.applyMode
	c.mu.Unlock()
	if apply {
		c.state.Update(mode, c.state.Snapshot().Status)
	}
	return &recorder.ModeSwitchResult{RetCode: 0}, nil
}

func (c *fakeCamera) StartRecord(context.Context) (*recorder.RecordResult, error) {
	c.enter("start")
	defer c.exit()
	c.mu.Lock()
	err, finish, d, bridge := c.startErr, c.finish, c.captureFor, c.bridge
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	mode := c.state.Snapshot().Mode
	c.state.Update(mode, camera.StatusCapturing)
	if finish {
		time.AfterFunc(d, func() {
			c.state.Update(mode, camera.StatusLiveStreaming)
			if bridge != nil {
				bridge.NotifyStatusChanged()
			}
		})
	}
	return &recorder.RecordResult{}, nil
}

func (c *fakeCamera) StopRecord(context.Context) (*recorder.RecordResult, error) {
	c.enter("stop")
	defer c.exit()
	return &recorder.RecordResult{}, nil
}

func (c *fakeCamera) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeCamera) set(fn func(c *fakeCamera)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		CaptureMode:         camera.ModeTimelapse,
		LinkTimeout:         50 * time.Millisecond,
		LinkRetryDelay:      10 * time.Millisecond,
		ModeSwitchSettle:    20 * time.Millisecond,
		ReadyTimeout:        100 * time.Millisecond,
		ReadyPoll:           5 * time.Millisecond,
		ReadyRetryDelay:     10 * time.Millisecond,
		StartRetryDelay:     10 * time.Millisecond,
		CaptureStartTimeout: 50 * time.Millisecond,
		CaptureStartPoll:    2 * time.Millisecond,
		DoneTimeout:         200 * time.Millisecond,
		OnDoneTimeout:       PolicyRestart,
		CommandTimeout:      time.Second,
	}
}

type harness struct {
	o      *Orchestrator
	bridge *StatusBridge
	link   *fakeLink
	cam    *fakeCamera
}

func newHarness(t *testing.T, cfg Config, mode camera.Mode) *harness {
	return newHarnessWithLog(t, cfg, mode, zerolog.Nop())
}

func newHarnessWithLog(t *testing.T, cfg Config, mode camera.Mode, log zerolog.Logger) *harness {
	t.Helper()
	link := newFakeLink(statemachine.ProtocolConnected)
	cam := newFakeCamera(mode)
	o := NewOrchestrator(cfg, link, cam.state, cam, log, nil)
	bridge := NewStatusBridge(o, nil)
	cam.bridge = bridge

	t.Cleanup(func() {
		if o.IsRunning() {
			_ = o.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Wait(ctx); err != nil {
			t.Errorf("loop did not exit: %v", err)
		}
	})
	return &harness{o: o, bridge: bridge, link: link, cam: cam}
}

func waitStep(t *testing.T, o *Orchestrator, step Step) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.Status().Step == step {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("loop never reached step %s (at %s)", step, o.Status().Step)
}
