package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// VersionInfo is the GetVersion response.
type VersionInfo struct {
	GatewayVersion string `json:"gatewayVersion"`
	RPCVersion     int    `json:"rpcVersion"`
	RadioAdapter   string `json:"radioAdapter"`
}

// GetVersion queries the gateway release and radio adapter. The adapter is
// kept for RadioAdapter.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	resp, err := c.sendRequest(ctx, "GetVersion", nil)
	if err != nil {
		return nil, err
	}
	var info VersionInfo
	if err := json.Unmarshal(resp.ResponseData, &info); err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}
	c.mu.Lock()
	c.radio = info.RadioAdapter
	c.mu.Unlock()
	return &info, nil
}

// RadioInit brings the gateway's radio adapter up.
func (c *Client) RadioInit(ctx context.Context) error {
	_, err := c.sendRequest(ctx, "RadioInit", nil)
	return err
}

// LinkConnect scans for the camera and connects. It returns once the link is
// up, so callers bound it with ctx.
func (c *Client) LinkConnect(ctx context.Context) error {
	_, err := c.sendRequest(ctx, "LinkConnect", nil)
	return err
}

// LinkWake revives the link to the last connected camera without a scan.
func (c *Client) LinkWake(ctx context.Context) error {
	_, err := c.sendRequest(ctx, "LinkWake", nil)
	return err
}

func (c *Client) LinkDisconnect(ctx context.Context) error {
	_, err := c.sendRequest(ctx, "LinkDisconnect", nil)
	return err
}

// HandshakeData is the application-level authentication presented to the camera.
type HandshakeData struct {
	DeviceID        uint32 `json:"deviceId"`
	MAC             string `json:"mac"`
	FirmwareVersion uint32 `json:"firmwareVersion"`
	VerifyMode      uint8  `json:"verifyMode"`
	VerifyData      uint16 `json:"verifyData"`
	Reserved        uint8  `json:"reserved"`
}

func (c *Client) ProtocolHandshake(ctx context.Context, data HandshakeData) error {
	_, err := c.sendRequest(ctx, "ProtocolHandshake", data)
	return err
}

// CommandResult is the camera's answer to a capture command.
type CommandResult struct {
	RetCode uint8 `json:"retCode"`
}

// CameraSwitchMode asks the camera to change capture mode.
func (c *Client) CameraSwitchMode(ctx context.Context, mode uint8) (*CommandResult, error) {
	return c.command(ctx, "CameraSwitchMode", map[string]interface{}{"mode": mode})
}

func (c *Client) CameraRecordStart(ctx context.Context) (*CommandResult, error) {
	return c.command(ctx, "CameraRecordStart", nil)
}

// CameraRecordStop stops the current capture. reason is carried in the
// request for the diagnostic trace only.
func (c *Client) CameraRecordStop(ctx context.Context, reason string) (*CommandResult, error) {
	return c.command(ctx, "CameraRecordStop", map[string]interface{}{"reason": reason})
}

func (c *Client) command(ctx context.Context, requestType string, data interface{}) (*CommandResult, error) {
	resp, err := c.sendRequest(ctx, requestType, data)
	if err != nil {
		return nil, err
	}
	var result CommandResult
	if len(resp.ResponseData) > 0 {
		if err := json.Unmarshal(resp.ResponseData, &result); err != nil {
			return nil, fmt.Errorf("failed to parse %s response: %w", requestType, err)
		}
	}
	return &result, nil
}
