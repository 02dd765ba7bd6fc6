package gateway

import (
	"context"

	"github.com/tiroq/osmolapse/internal/statemachine"
)

// Radio adapts a Client to statemachine.Radio.
type Radio struct {
	c *Client
}

var _ statemachine.Radio = (*Radio)(nil)

func NewRadio(c *Client) *Radio {
	return &Radio{c: c}
}

// Init fails when the gateway is unreachable or its adapter is down; the
// machine reports either as hardware unavailable.
func (r *Radio) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.c.requestTimeout)
	defer cancel()
	return r.c.RadioInit(ctx)
}

func (r *Radio) Connect(ctx context.Context) error {
	return r.c.LinkConnect(ctx)
}

func (r *Radio) Wake(ctx context.Context) error {
	return r.c.LinkWake(ctx)
}

func (r *Radio) Disconnect(ctx context.Context) error {
	return r.c.LinkDisconnect(ctx)
}

func (r *Radio) Handshake(ctx context.Context, id statemachine.Identity) error {
	return r.c.ProtocolHandshake(ctx, HandshakeData{
		DeviceID:        id.DeviceID,
		MAC:             id.MAC.String(),
		FirmwareVersion: id.FirmwareVersion,
		VerifyMode:      id.VerifyMode,
		VerifyData:      id.VerifyData,
		Reserved:        id.Reserved,
	})
}
