package timelapse

import (
	"fmt"
	"time"

	"github.com/tiroq/osmolapse/internal/camera"
)

// DoneTimeoutPolicy decides what happens when the camera does not report
// ready again after a capture was started.
type DoneTimeoutPolicy string

const (
	// PolicyRestart goes back to the top of the loop without a stop command.
	PolicyRestart DoneTimeoutPolicy = "restart"
	// PolicyStopCapture sends a stop command first, still without counting
	// the cycle.
	PolicyStopCapture DoneTimeoutPolicy = "stop_capture"
)

// ParseDoneTimeoutPolicy accepts "restart" or "stop_capture".
func ParseDoneTimeoutPolicy(s string) (DoneTimeoutPolicy, error) {
	switch p := DoneTimeoutPolicy(s); p {
	case PolicyRestart, PolicyStopCapture:
		return p, nil
	default:
		return "", fmt.Errorf("unknown done-timeout policy %q (want restart or stop_capture)", s)
	}
}

// Config holds the loop timings. Zero durations and an empty policy take
// the defaults; start from DefaultConfig to get the default capture mode.
type Config struct {
	CaptureMode camera.Mode

	LinkTimeout    time.Duration // wait for ProtocolConnected
	LinkRetryDelay time.Duration

	ModeSwitchSettle time.Duration

	ReadyTimeout    time.Duration // wait for the camera to be idle before capture
	ReadyPoll       time.Duration
	ReadyRetryDelay time.Duration

	StartRetryDelay time.Duration

	CaptureStartTimeout time.Duration // watch for the camera leaving ready
	CaptureStartPoll    time.Duration

	DoneTimeout   time.Duration // wait for ready again after capture
	OnDoneTimeout DoneTimeoutPolicy

	CommandTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CaptureMode:         camera.ModePanoramicPhoto360,
		LinkTimeout:         30 * time.Second,
		LinkRetryDelay:      2 * time.Second,
		ModeSwitchSettle:    1500 * time.Millisecond,
		ReadyTimeout:        15 * time.Second,
		ReadyPoll:           100 * time.Millisecond,
		ReadyRetryDelay:     time.Second,
		StartRetryDelay:     time.Second,
		CaptureStartTimeout: 5 * time.Second,
		CaptureStartPoll:    50 * time.Millisecond,
		DoneTimeout:         15 * time.Second,
		OnDoneTimeout:       PolicyRestart,
		CommandTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.LinkTimeout, d.LinkTimeout)
	fill(&c.LinkRetryDelay, d.LinkRetryDelay)
	fill(&c.ModeSwitchSettle, d.ModeSwitchSettle)
	fill(&c.ReadyTimeout, d.ReadyTimeout)
	fill(&c.ReadyPoll, d.ReadyPoll)
	fill(&c.ReadyRetryDelay, d.ReadyRetryDelay)
	fill(&c.StartRetryDelay, d.StartRetryDelay)
	fill(&c.CaptureStartTimeout, d.CaptureStartTimeout)
	fill(&c.CaptureStartPoll, d.CaptureStartPoll)
	fill(&c.DoneTimeout, d.DoneTimeout)
	fill(&c.CommandTimeout, d.CommandTimeout)
	if c.OnDoneTimeout == "" {
		c.OnDoneTimeout = d.OnDoneTimeout
	}
	return c
}
