package timelapse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/recorder"
	"github.com/tiroq/osmolapse/internal/statemachine"
	"github.com/tiroq/osmolapse/testutil"
)

func TestStartRefusedWithoutProtocolLink(t *testing.T) {
	for _, st := range []statemachine.LinkState{
		statemachine.Uninitialized,
		statemachine.LinkReady,
		statemachine.Discovering,
		statemachine.LinkConnected,
		statemachine.Disconnecting,
	} {
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t, fastConfig(), camera.ModeTimelapse)
			h.link.Set(st)

			err := h.o.Start()
			testutil.AssertErrorIs(t, err, ErrLinkNotReady, "Start")
			testutil.AssertErrorIs(t, err, statemachine.ErrInvalidState, "Start")
			testutil.AssertFalse(t, h.o.IsRunning(), "running after refused start")
			testutil.AssertEqual(t, 0, h.cam.count("start"), "no commands")
		})
	}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)

	testutil.AssertErrorIs(t, h.o.Stop(), ErrNotRunning, "Stop before Start")
	testutil.AssertFalse(t, h.o.IsRunning(), "IsRunning")

	testutil.AssertNoError(t, h.o.Start(), "Start")
	id := h.o.Status().SessionID
	testutil.AssertErrorIs(t, h.o.Start(), ErrAlreadyRunning, "second Start")
	testutil.AssertTrue(t, h.o.IsRunning(), "IsRunning")
	testutil.AssertEqual(t, id, h.o.Status().SessionID, "second Start kept the session")

	testutil.AssertNoError(t, h.o.Stop(), "Stop")
	testutil.AssertErrorIs(t, h.o.Stop(), ErrNotRunning, "second Stop")
	testutil.AssertFalse(t, h.o.IsRunning(), "IsRunning")
}

func TestCaptureCycles(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)
	testutil.AssertNoError(t, h.o.Start(), "Start")

	testutil.WaitForCondition(t, func() bool { return h.o.CycleCount() >= 3 }, 3*time.Second, "three cycles")
	testutil.AssertNoError(t, h.o.Stop(), "Stop")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	testutil.AssertNoError(t, h.o.Wait(ctx), "Wait")

	cycles := int(h.o.CycleCount())
	testutil.AssertEqual(t, cycles, h.cam.count("stop"), "one stop per counted cycle")
	if starts := h.cam.count("start"); starts < cycles || starts > cycles+1 {
		t.Errorf("starts = %d, cycles = %d", starts, cycles)
	}
	testutil.AssertEqual(t, 0, h.cam.count("switch"), "no mode switch needed")
	testutil.AssertFalse(t, h.o.Status().LastCycleAt.IsZero(), "last cycle time")
}

func TestModeMismatchSwitchesAndSettles(t *testing.T) {
	cfg := fastConfig()
	cfg.ModeSwitchSettle = 300 * time.Millisecond
	h := newHarness(t, cfg, camera.ModeNormalVideo)
	h.cam.set(func(c *fakeCamera) { c.applyMode = false })

	testutil.AssertNoError(t, h.o.Start(), "Start")
	testutil.WaitForCondition(t, func() bool { return h.cam.count("switch") == 1 }, time.Second, "mode switch issued")

	// Still settling: exactly one switch and no capture in this iteration.
	testutil.AssertNever(t, func() bool {
		return h.cam.count("switch") > 1 || h.cam.count("start") > 0
	}, 150*time.Millisecond, "second command during settle")
	testutil.AssertEqual(t, StepBackoff, h.o.Status().Step, "settling")
}

func TestModeSwitchThenCapture(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeNormalVideo)
	testutil.AssertNoError(t, h.o.Start(), "Start")

	testutil.WaitForCondition(t, func() bool { return h.o.CycleCount() >= 1 }, 2*time.Second, "cycle after switch")
	testutil.AssertEqual(t, 1, h.cam.count("switch"), "switches")
}

func TestStopDuringDoneWait(t *testing.T) {
	cfg := fastConfig()
	cfg.DoneTimeout = 10 * time.Second
	h := newHarness(t, cfg, camera.ModeTimelapse)
	h.cam.set(func(c *fakeCamera) { c.finish = false })

	testutil.AssertNoError(t, h.o.Start(), "Start")
	waitStep(t, h.o, StepWaitDone)

	begin := time.Now()
	testutil.AssertNoError(t, h.o.Stop(), "Stop")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	testutil.AssertNoError(t, h.o.Wait(ctx), "Wait")

	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("loop took %v to exit", elapsed)
	}
	testutil.AssertEqual(t, 0, h.cam.count("stop"), "no stop capture after Stop")
	testutil.AssertEqual(t, uint64(0), h.o.CycleCount(), "cycles")
}

func TestDoneTimeoutRestartsWithoutStop(t *testing.T) {
	capture := testutil.NewLogCapture()
	cfg := fastConfig()
	cfg.DoneTimeout = 30 * time.Millisecond
	h := newHarnessWithLog(t, cfg, camera.ModeTimelapse, capture.Logger())
	// Every capture outlasts the completion wait.
	h.cam.set(func(c *fakeCamera) { c.captureFor = 80 * time.Millisecond })

	testutil.AssertNoError(t, h.o.Start(), "Start")
	testutil.WaitForCondition(t, func() bool { return h.cam.count("start") >= 3 }, 3*time.Second, "loop restarted after timeouts")

	testutil.AssertEqual(t, 0, h.cam.count("stop"), "stop capture skipped")
	testutil.AssertEqual(t, uint64(0), h.o.CycleCount(), "timed out cycles are not counted")
	testutil.AssertTrue(t, h.o.IsRunning(), "session keeps running")
	testutil.AssertTrue(t, capture.Contains(`"skipped_stop_capture":true`), "timeout logged")
}

func TestDoneTimeoutStopCapturePolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.DoneTimeout = 30 * time.Millisecond
	cfg.OnDoneTimeout = PolicyStopCapture
	h := newHarness(t, cfg, camera.ModeTimelapse)
	h.cam.set(func(c *fakeCamera) { c.finish = false })

	testutil.AssertNoError(t, h.o.Start(), "Start")
	testutil.WaitForCondition(t, func() bool { return h.cam.count("stop") >= 1 }, 2*time.Second, "stop after timeout")
	testutil.AssertEqual(t, uint64(0), h.o.CycleCount(), "not counted")
}

func TestStartWithoutResultRetries(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)
	h.cam.set(func(c *fakeCamera) { c.startErr = recorder.ErrNoResponse })

	testutil.AssertNoError(t, h.o.Start(), "Start")
	testutil.WaitForCondition(t, func() bool { return h.cam.count("start") >= 3 }, 2*time.Second, "start retried")

	testutil.AssertEqual(t, uint64(0), h.o.CycleCount(), "no increment without result")
	testutil.AssertEqual(t, 0, h.cam.count("stop"), "no stop")
	testutil.AssertStringContains(t, h.o.Status().LastError, "no response", "last error")
}

func TestKeepsRetryingWithoutLink(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)
	testutil.AssertNoError(t, h.o.Start(), "Start")
	h.link.Set(statemachine.LinkReady)

	// Several link timeouts go by without the session giving up.
	time.Sleep(300 * time.Millisecond)
	testutil.AssertTrue(t, h.o.IsRunning(), "still running")
	starts := h.cam.count("start")

	h.link.Set(statemachine.ProtocolConnected)
	testutil.WaitForCondition(t, func() bool { return h.cam.count("start") > starts }, 2*time.Second, "capture resumes with the link")
}

func TestReadyWaitAbortsOnLinkLoss(t *testing.T) {
	cfg := fastConfig()
	cfg.ReadyTimeout = 10 * time.Second
	cfg.ReadyRetryDelay = 5 * time.Second
	h := newHarness(t, cfg, camera.ModeTimelapse)
	h.cam.state.Update(camera.ModeTimelapse, camera.StatusPlayback)

	testutil.AssertNoError(t, h.o.Start(), "Start")
	waitStep(t, h.o, StepWaitReady)
	h.link.Set(statemachine.Disconnecting)

	waitStep(t, h.o, StepBackoff)
	if err := h.o.Status().LastError; err == "" {
		t.Error("expected last error after aborted wait")
	}
	testutil.AssertEqual(t, 0, h.cam.count("start"), "no capture")
}

func TestRestartResetsCounterAndNeverOverlaps(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)

	testutil.AssertNoError(t, h.o.Start(), "Start")
	first := h.o.Status().SessionID
	testutil.WaitForCondition(t, func() bool { return h.o.CycleCount() >= 2 }, 2*time.Second, "first session cycles")

	for i := 0; i < 5; i++ {
		testutil.AssertNoError(t, h.o.Stop(), "Stop")
		testutil.AssertNoError(t, h.o.Start(), "Start")
	}
	st := h.o.Status()
	if st.SessionID == first {
		t.Error("restart should create a new session")
	}
	if st.Cycles > 1 {
		t.Errorf("cycles after restart = %d, want a fresh count", st.Cycles)
	}

	testutil.WaitForCondition(t, func() bool { return h.o.CycleCount() >= 1 }, 2*time.Second, "new session cycles")
	h.cam.mu.Lock()
	defer h.cam.mu.Unlock()
	testutil.AssertEqual(t, 1, h.cam.maxInfl, "commands from two sessions overlapped")
}

func TestWaitWithoutSession(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)
	testutil.AssertNoError(t, h.o.Wait(context.Background()), "Wait")
	testutil.AssertEqual(t, StepIdle, h.o.Status().Step, "idle")
}

func TestToggle(t *testing.T) {
	h := newHarness(t, fastConfig(), camera.ModeTimelapse)

	running, err := h.o.Toggle()
	testutil.AssertNoError(t, err, "Toggle on")
	testutil.AssertTrue(t, running, "running after toggle")

	running, err = h.o.Toggle()
	testutil.AssertNoError(t, err, "Toggle off")
	testutil.AssertFalse(t, running, "stopped after toggle")

	h.link.Set(statemachine.LinkReady)
	_, err = h.o.Toggle()
	if !errors.Is(err, ErrLinkNotReady) {
		t.Errorf("toggle without link: %v", err)
	}
}

func TestParseDoneTimeoutPolicy(t *testing.T) {
	for _, s := range []string{"restart", "stop_capture"} {
		p, err := ParseDoneTimeoutPolicy(s)
		testutil.AssertNoError(t, err, s)
		testutil.AssertEqual(t, DoneTimeoutPolicy(s), p, s)
	}
	_, err := ParseDoneTimeoutPolicy("halt")
	testutil.AssertError(t, err, "unknown policy")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{CaptureMode: camera.ModeTimelapse}.withDefaults()
	d := DefaultConfig()
	testutil.AssertEqual(t, d.LinkTimeout, cfg.LinkTimeout, "link timeout")
	testutil.AssertEqual(t, 15*time.Second, cfg.ReadyTimeout, "ready timeout")
	testutil.AssertEqual(t, 100*time.Millisecond, cfg.ReadyPoll, "ready poll")
	testutil.AssertEqual(t, 5*time.Second, cfg.CaptureStartTimeout, "capture start timeout")
	testutil.AssertEqual(t, 15*time.Second, cfg.DoneTimeout, "done timeout")
	testutil.AssertEqual(t, 1500*time.Millisecond, cfg.ModeSwitchSettle, "settle")
	testutil.AssertEqual(t, PolicyRestart, cfg.OnDoneTimeout, "policy")
}
