package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/camera"
	"github.com/tiroq/osmolapse/internal/gateway"
)

// GatewayClient is the part of gateway.Client the adapter needs.
type GatewayClient interface {
	CameraSwitchMode(ctx context.Context, mode uint8) (*gateway.CommandResult, error)
	CameraRecordStart(ctx context.Context) (*gateway.CommandResult, error)
	CameraRecordStop(ctx context.Context, reason string) (*gateway.CommandResult, error)
}

// GatewayAdapter sends capture commands through the radio gateway.
type GatewayAdapter struct {
	client GatewayClient
	log    zerolog.Logger
}

var _ Commander = (*GatewayAdapter)(nil)

// NewGatewayAdapter creates a new GatewayAdapter.
func NewGatewayAdapter(client GatewayClient, log zerolog.Logger) *GatewayAdapter {
	return &GatewayAdapter{client: client, log: log}
}

// SwitchMode asks the camera to change capture mode.
func (a *GatewayAdapter) SwitchMode(ctx context.Context, mode camera.Mode) (*ModeSwitchResult, error) {
	start := time.Now()
	res, err := a.client.CameraSwitchMode(ctx, uint8(mode))
	if err != nil {
		return nil, a.classify("switch mode", err)
	}
	a.log.Debug().Stringer("mode", mode).Uint8("ret_code", res.RetCode).Dur("latency", time.Since(start)).Msg("mode switch answered")
	return &ModeSwitchResult{RetCode: res.RetCode, Latency: time.Since(start)}, nil
}

func (a *GatewayAdapter) StartRecord(ctx context.Context) (*RecordResult, error) {
	start := time.Now()
	res, err := a.client.CameraRecordStart(ctx)
	if err != nil {
		return nil, a.classify("start record", err)
	}
	return &RecordResult{RetCode: res.RetCode, Latency: time.Since(start)}, nil
}

func (a *GatewayAdapter) StopRecord(ctx context.Context) (*RecordResult, error) {
	start := time.Now()
	res, err := a.client.CameraRecordStop(ctx, "capture_complete")
	if err != nil {
		return nil, a.classify("stop record", err)
	}
	return &RecordResult{RetCode: res.RetCode, Latency: time.Since(start)}, nil
}

// classify folds transport errors into ErrCommandTimeout or ErrNoResponse,
// keeping the original error in the chain.
func (a *GatewayAdapter) classify(op string, err error) error {
	var reqErr *gateway.RequestError
	switch {
	case errors.Is(err, gateway.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%s: %w: %w", op, ErrCommandTimeout, err)
	case errors.As(err, &reqErr) && reqErr.Code == gateway.CodeCameraTimeout:
		err = fmt.Errorf("%s: %w: %w", op, ErrCommandTimeout, err)
	default:
		err = fmt.Errorf("%s: %w: %w", op, ErrNoResponse, err)
	}
	a.log.Debug().Err(err).Msg("command failed")
	return err
}
