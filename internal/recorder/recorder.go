// Package recorder is the command channel the capture loop drives: mode
// switch, start capture and stop capture. Backends return a result or a nil
// result with an error; a nil result is always a soft failure.
package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/tiroq/osmolapse/internal/camera"
)

var (
	// ErrNoResponse means the camera produced no usable result.
	ErrNoResponse = errors.New("camera returned no response")
	// ErrCommandTimeout means the command was not answered in time.
	ErrCommandTimeout = errors.New("camera command timeout")
)

// ModeSwitchResult is the camera's answer to a mode switch.
type ModeSwitchResult struct {
	RetCode uint8
	Latency time.Duration
}

// RecordResult is an opaque success marker for start/stop capture.
type RecordResult struct {
	RetCode uint8
	Latency time.Duration
}

// Commander is implemented by command channel backends.
type Commander interface {
	SwitchMode(ctx context.Context, mode camera.Mode) (*ModeSwitchResult, error)
	StartRecord(ctx context.Context) (*RecordResult, error)
	StopRecord(ctx context.Context) (*RecordResult, error)
}

// IsSoftFailure reports whether err is one of the no-result failures.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrNoResponse) || errors.Is(err, ErrCommandTimeout)
}
