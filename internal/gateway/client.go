// Package gateway is the websocket client for the radio gateway process that
// owns the camera's BLE stack. It carries link operations and camera commands
// as requests and delivers camera status pushes and link loss as events.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"github.com/tiroq/osmolapse/internal/validation"
)

var (
	// ErrNotConnected is returned for requests issued before Identified.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrRequestTimeout means the gateway never answered a request.
	ErrRequestTimeout = errors.New("gateway request timeout")
	// ErrIncompatible means the hello advertised an unsupported gateway.
	ErrIncompatible = errors.New("incompatible gateway")
)

// Gateway status codes carried in RequestStatus.Code.
const (
	CodeSuccess            = 100
	CodeInvalidRequestType = 204
	CodeCameraTimeout      = 408
	CodeRadioUnavailable   = 503
	CodeCameraNoResponse   = 504
)

// RequestError is a request the gateway answered with result=false.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Code == CodeInvalidRequestType {
		return fmt.Sprintf("gateway rejected request type %q (code 204): %s", e.RequestType, e.Comment)
	}
	return fmt.Sprintf("request failed: %s (request: %s, code: %d)", e.Comment, e.RequestType, e.Code)
}

// Message is the outer frame of every websocket message.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type HelloData struct {
	GatewayVersion string `json:"gatewayVersion"`
	RPCVersion     int    `json:"rpcVersion"`
	Authentication struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type IdentifyData struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
}

type Request struct {
	RequestType string      `json:"requestType"`
	RequestID   string      `json:"requestId"`
	RequestData interface{} `json:"requestData,omitempty"`
}

type Response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

type Event struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// OpCodes
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

// Event types pushed by the gateway.
const (
	EventCameraStatus = "CameraStatus"
	EventLinkLost     = "LinkLost"
)

// Options configures a Client.
type Options struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
	Diag           *diaglog.Logger
}

// Client is a gateway websocket client. It reconnects on its own after the
// connection drops until Close is called.
type Client struct {
	url            string
	token          string
	requestTimeout time.Duration
	reconnectDelay time.Duration
	log            zerolog.Logger
	diag           *diaglog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	identified bool
	version    string
	radio      string

	writeMu sync.Mutex

	requestID  int
	responses  map[string]chan *Response
	responseMu sync.Mutex

	handlerMu      sync.RWMutex
	onCameraStatus func(mode, status uint8)
	onLinkLost     func(reason string)
	onDisconnected func()
	onReconnected  func()

	reconnectEnabled bool
	stopChan         chan struct{}
	stopOnce         sync.Once

	identifiedChan chan struct{}
	helloChan      chan *HelloData
	helloErrChan   chan error
}

// NewClient creates a client; nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		url:              opts.URL,
		token:            opts.Token,
		requestTimeout:   opts.RequestTimeout,
		reconnectDelay:   opts.ReconnectDelay,
		log:              opts.Logger,
		diag:             opts.Diag,
		responses:        make(map[string]chan *Response),
		reconnectEnabled: true,
		stopChan:         make(chan struct{}),
		identifiedChan:   make(chan struct{}, 1),
		helloChan:        make(chan *HelloData, 1),
		helloErrChan:     make(chan error, 1),
	}
}

// Connect dials the gateway and completes Hello/Identify/Identified.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	// Drop leftovers from an earlier attempt that timed out.
	select {
	case <-c.helloChan:
	default:
	}
	select {
	case <-c.identifiedChan:
	default:
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readMessages(conn)

	select {
	case hello := <-c.helloChan:
		return c.identify(ctx, hello)
	case err := <-c.helloErrChan:
		c.disconnect()
		return err
	case <-ctx.Done():
		c.disconnect()
		return ctx.Err()
	case <-time.After(c.requestTimeout):
		c.disconnect()
		return fmt.Errorf("timeout waiting for Hello message")
	}
}

func (c *Client) identify(ctx context.Context, hello *HelloData) error {
	if res := validation.CheckGatewayHealth(hello.GatewayVersion, hello.RPCVersion); !res.OK {
		c.log.Error().Strs("issues", res.Issues).Strs("fixes", res.Fixes).Msg(res.Message)
		c.disconnect()
		return fmt.Errorf("%w: %s", ErrIncompatible, res.Message)
	} else if len(res.Warnings) > 0 {
		c.log.Warn().Strs("warnings", res.Warnings).Msg(res.Message)
	}

	identify := IdentifyData{RPCVersion: validation.RPCVersion}
	if hello.Authentication.Challenge != "" && c.token != "" {
		identify.Authentication = authResponse(c.token, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	msg := Message{Op: OpIdentify}
	msg.D, _ = json.Marshal(identify)
	if err := c.write(msg); err != nil {
		c.disconnect()
		return err
	}

	select {
	case <-c.identifiedChan:
		c.mu.Lock()
		c.identified = true
		c.version = hello.GatewayVersion
		c.mu.Unlock()
		c.log.Info().Str("url", c.url).Str("gateway_version", hello.GatewayVersion).Msg("gateway connected")
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentGateway,
			Event:     diaglog.EventWSConnect,
			Payload:   map[string]interface{}{"gateway_version": hello.GatewayVersion},
		})
		return nil
	case <-ctx.Done():
		c.disconnect()
		return ctx.Err()
	case <-time.After(c.requestTimeout):
		c.disconnect()
		return fmt.Errorf("timeout waiting for Identified message")
	}
}

// authResponse is base64(sha256(base64(sha256(token+salt)) + challenge)).
func authResponse(token, salt, challenge string) string {
	secret := sha256.Sum256([]byte(token + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func (c *Client) readMessages(conn *websocket.Conn) {
	defer func() {
		c.mu.RLock()
		current := c.conn == conn
		wasIdentified := current && c.identified
		c.mu.RUnlock()
		if !current {
			// A newer connection has taken over.
			return
		}
		c.disconnect()
		if !wasIdentified {
			return
		}
		c.log.Warn().Str("url", c.url).Msg("gateway connection lost")
		c.handlerMu.RLock()
		h := c.onDisconnected
		c.handlerMu.RUnlock()
		if h != nil {
			h()
		}
		if c.shouldReconnect() {
			go c.reconnect()
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.log.Debug().Err(err).Msg("gateway reader stopped")
			return
		}

		if c.diag.Enabled() {
			var raw interface{}
			if jerr := json.Unmarshal(msg.D, &raw); jerr == nil {
				c.diag.Log(diaglog.LogEntry{
					Component: diaglog.ComponentGateway,
					Event:     diaglog.EventWSRecv,
					Payload:   map[string]interface{}{"op": msg.Op, "d": raw},
				})
			}
		}

		switch msg.Op {
		case OpHello:
			var hello HelloData
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				select {
				case c.helloErrChan <- fmt.Errorf("malformed hello: %w", err):
				default:
				}
				return
			}
			select {
			case c.helloChan <- &hello:
			default:
			}

		case OpIdentified:
			select {
			case c.identifiedChan <- struct{}{}:
			default:
			}

		case OpEvent:
			var event Event
			if err := json.Unmarshal(msg.D, &event); err == nil {
				c.handleEvent(&event)
			}

		case OpRequestResponse:
			var resp Response
			if err := json.Unmarshal(msg.D, &resp); err == nil {
				c.handleResponse(&resp)
			}
		}
	}
}

func (c *Client) handleEvent(event *Event) {
	c.handlerMu.RLock()
	onStatus, onLost := c.onCameraStatus, c.onLinkLost
	c.handlerMu.RUnlock()

	switch event.EventType {
	case EventCameraStatus:
		var data struct {
			Mode   uint8 `json:"mode"`
			Status uint8 `json:"status"`
		}
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			c.log.Warn().Err(err).Msg("malformed CameraStatus event")
			return
		}
		if onStatus != nil {
			onStatus(data.Mode, data.Status)
		}
	case EventLinkLost:
		var data struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(event.EventData, &data)
		if onLost != nil {
			onLost(data.Reason)
		}
	default:
		c.log.Debug().Str("event_type", event.EventType).Msg("ignoring gateway event")
	}
}

func (c *Client) handleResponse(resp *Response) {
	c.responseMu.Lock()
	ch, ok := c.responses[resp.RequestID]
	c.responseMu.Unlock()
	if !ok {
		c.log.Warn().Str("request_id", resp.RequestID).Msg("response for unknown request")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// sendRequest sends a request and waits for its response. Without a ctx
// deadline the wait is bounded by the client's request timeout.
func (c *Client) sendRequest(ctx context.Context, requestType string, requestData interface{}) (*Response, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("%s: %w", requestType, ErrNotConnected)
	}

	c.responseMu.Lock()
	c.requestID++
	requestID := strconv.Itoa(c.requestID)
	respChan := make(chan *Response, 1)
	c.responses[requestID] = respChan
	c.responseMu.Unlock()

	defer func() {
		c.responseMu.Lock()
		delete(c.responses, requestID)
		c.responseMu.Unlock()
	}()

	msg := Message{Op: OpRequest}
	msg.D, _ = json.Marshal(Request{
		RequestType: requestType,
		RequestID:   requestID,
		RequestData: requestData,
	})

	payload := map[string]interface{}{"request_type": requestType, "request_id": requestID}
	if requestData != nil {
		payload["request_data"] = requestData
	}
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentGateway,
		Event:     diaglog.EventWSSend,
		Payload:   payload,
	})

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("%s: %w", requestType, err)
	}

	// A caller deadline replaces the default request timeout.
	timeout := c.requestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl) + time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if !resp.RequestStatus.Result {
			return nil, &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s after %s: %w", requestType, timeout.Round(time.Millisecond), ErrRequestTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", requestType, ctx.Err())
	}
}

func (c *Client) write(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentGateway,
			Event:     diaglog.EventWSDisconnect,
			Payload:   map[string]interface{}{"url": c.url},
		})
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("closing gateway connection")
		}
		c.conn = nil
	}
	c.connected = false
	c.identified = false
	c.version = ""
	c.radio = ""
}

func (c *Client) shouldReconnect() bool {
	select {
	case <-c.stopChan:
		return false
	default:
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectEnabled
}

// reconnect retries with exponential backoff and jitter. It never issues
// camera commands itself; the link supervisor decides what happens next.
func (c *Client) reconnect() {
	delay := c.reconnectDelay
	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
		}
		attempt++
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentReconnect,
			Event:     diaglog.EventWSReconnectAttempt,
			Payload:   map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*c.requestTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentReconnect,
				Event:     diaglog.EventWSReconnectSuccess,
				Payload:   map[string]interface{}{"attempt": attempt},
			})
			c.log.Info().Int("attempt", attempt).Msg("gateway reconnected")
			c.handlerMu.RLock()
			h := c.onReconnected
			c.handlerMu.RUnlock()
			if h != nil {
				h()
			}
			return
		}
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentReconnect,
			Event:     diaglog.EventWSReconnectFailed,
			Payload:   map[string]interface{}{"attempt": attempt, "error": err.Error()},
		})

		delay = backoff(delay)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("gateway reconnect failed")
	}
}

// backoff doubles d up to a minute with ±10% jitter and a one second floor.
func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	d += time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Close stops reconnection and closes the connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.reconnectEnabled = false
		c.mu.Unlock()
		close(c.stopChan)
	})
	c.disconnect()
}

// OnCameraStatus registers the handler for camera mode/status pushes. It runs
// on the reader goroutine and must not block.
func (c *Client) OnCameraStatus(handler func(mode, status uint8)) {
	c.handlerMu.Lock()
	c.onCameraStatus = handler
	c.handlerMu.Unlock()
}

// OnLinkLost registers the handler for the gateway losing the camera.
func (c *Client) OnLinkLost(handler func(reason string)) {
	c.handlerMu.Lock()
	c.onLinkLost = handler
	c.handlerMu.Unlock()
}

// OnDisconnected registers the handler for losing the gateway itself.
func (c *Client) OnDisconnected(handler func()) {
	c.handlerMu.Lock()
	c.onDisconnected = handler
	c.handlerMu.Unlock()
}

// OnReconnected is called after an automatic reconnect succeeds.
func (c *Client) OnReconnected(handler func()) {
	c.handlerMu.Lock()
	c.onReconnected = handler
	c.handlerMu.Unlock()
}

// IsConnected reports whether the client is identified with the gateway.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}

// Version is the gateway release from the last hello, empty when disconnected.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// RadioAdapter is the adapter from the last GetVersion, empty until one
// succeeds on the current connection.
func (c *Client) RadioAdapter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.radio
}
