package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Camera mode and status codes used by the mock camera.
const (
	MockModeNormalVideo uint8 = 0x00
	MockModeTimelapse   uint8 = 0x01

	MockStatusLiveStreaming uint8 = 1
	MockStatusCapturing     uint8 = 3
)

type failure struct {
	code    int
	comment string
}

// MockGateway simulates the radio gateway together with a camera behind it.
// A started capture flips the camera to capturing and back to live streaming
// after CaptureDuration, pushing a CameraStatus event on each change.
type MockGateway struct {
	server *httptest.Server

	mu              sync.Mutex
	conn            *websocket.Conn
	writeMu         sync.Mutex
	version         string
	rpcVersion      int
	token           string
	authOK          bool
	mode            uint8
	status          uint8
	captureDuration time.Duration
	failures        map[string]failure
	silent          map[string]bool
	requests        []string
	connects        int
}

// NewMockGateway starts a mock gateway. The camera starts in normal video
// mode, live streaming.
func NewMockGateway() *MockGateway {
	m := &MockGateway{
		version:         "1.4.0",
		rpcVersion:      1,
		mode:            MockModeNormalVideo,
		status:          MockStatusLiveStreaming,
		captureDuration: 50 * time.Millisecond,
		failures:        make(map[string]failure),
		silent:          make(map[string]bool),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	return m
}

// URL returns the ws:// address of the mock.
func (m *MockGateway) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close shuts the server down.
func (m *MockGateway) Close() {
	m.DropConnection()
	m.server.Close()
}

// SetVersion changes the version advertised in the next hello.
func (m *MockGateway) SetVersion(version string, rpc int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version, m.rpcVersion = version, rpc
}

// RequireToken makes the hello carry an auth challenge for token.
func (m *MockGateway) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Authenticated reports whether the last identify carried a valid response.
func (m *MockGateway) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authOK
}

// SetCamera sets the camera state without pushing an event.
func (m *MockGateway) SetCamera(mode, status uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode, m.status = mode, status
}

// Camera returns the camera's current mode and status.
func (m *MockGateway) Camera() (mode, status uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.status
}

// SetCaptureDuration sets how long a capture keeps the camera busy.
func (m *MockGateway) SetCaptureDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDuration = d
}

// FailRequest makes every requestType request fail with code.
func (m *MockGateway) FailRequest(requestType string, code int, comment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[requestType] = failure{code: code, comment: comment}
}

// IgnoreRequest makes the mock never answer requestType.
func (m *MockGateway) IgnoreRequest(requestType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent[requestType] = true
}

// Reset clears failures and ignored requests.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]failure)
	m.silent = make(map[string]bool)
}

// Requests returns the request types received so far, in order.
func (m *MockGateway) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// CountRequests returns how many requestType requests were received.
func (m *MockGateway) CountRequests(requestType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r == requestType {
			n++
		}
	}
	return n
}

// Connects returns the number of websocket sessions accepted.
func (m *MockGateway) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Connected reports whether a client currently holds a session.
func (m *MockGateway) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// PushStatus sets the camera state and pushes a CameraStatus event.
func (m *MockGateway) PushStatus(mode, status uint8) {
	m.SetCamera(mode, status)
	m.sendEvent("CameraStatus", map[string]interface{}{"mode": mode, "status": status})
}

// PushLinkLost pushes a LinkLost event.
func (m *MockGateway) PushLinkLost(reason string) {
	m.sendEvent("LinkLost", map[string]interface{}{"reason": reason})
}

// DropConnection closes the current session from the server side.
func (m *MockGateway) DropConnection() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *MockGateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	m.mu.Lock()
	m.conn = conn
	m.connects++
	hello := map[string]interface{}{
		"gatewayVersion": m.version,
		"rpcVersion":     m.rpcVersion,
	}
	const challenge, salt = "testchallenge", "testsalt"
	token := m.token
	if token != "" {
		hello["authentication"] = map[string]interface{}{"challenge": challenge, "salt": salt}
	}
	m.mu.Unlock()

	if err := m.write(conn, 0, hello); err != nil {
		return
	}

	var identify struct {
		Op int `json:"op"`
		D  struct {
			Authentication string `json:"authentication"`
		} `json:"d"`
	}
	if err := conn.ReadJSON(&identify); err != nil {
		return
	}
	if token != "" {
		ok := identify.D.Authentication == authResponse(token, salt, challenge)
		m.mu.Lock()
		m.authOK = ok
		m.mu.Unlock()
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4009, "authentication failed"))
			return
		}
	}
	if err := m.write(conn, 2, map[string]interface{}{}); err != nil {
		return
	}

	for {
		var msg struct {
			Op int `json:"op"`
			D  struct {
				RequestType string          `json:"requestType"`
				RequestID   string          `json:"requestId"`
				RequestData json.RawMessage `json:"requestData"`
			} `json:"d"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != 6 {
			continue
		}
		m.handleRequest(conn, msg.D.RequestType, msg.D.RequestID, msg.D.RequestData)
	}
}

func (m *MockGateway) handleRequest(conn *websocket.Conn, requestType, requestID string, data json.RawMessage) {
	m.mu.Lock()
	m.requests = append(m.requests, requestType)
	silent := m.silent[requestType]
	fail, failed := m.failures[requestType]
	m.mu.Unlock()

	if silent {
		return
	}

	status := map[string]interface{}{"result": true, "code": 100}
	var respData interface{} = map[string]interface{}{}
	var after func()

	if failed {
		status = map[string]interface{}{"result": false, "code": fail.code, "comment": fail.comment}
	} else {
		switch requestType {
		case "GetVersion":
			m.mu.Lock()
			respData = map[string]interface{}{"gatewayVersion": m.version, "rpcVersion": m.rpcVersion, "radioAdapter": "hci0"}
			m.mu.Unlock()

		case "RadioInit", "LinkConnect", "LinkWake", "LinkDisconnect", "ProtocolHandshake":

		case "CameraSwitchMode":
			var req struct {
				Mode uint8 `json:"mode"`
			}
			_ = json.Unmarshal(data, &req)
			respData = map[string]interface{}{"retCode": 0}
			after = func() {
				_, st := m.Camera()
				m.PushStatus(req.Mode, st)
			}

		case "CameraRecordStart":
			respData = map[string]interface{}{"retCode": 0}
			after = func() {
				mode, _ := m.Camera()
				m.PushStatus(mode, MockStatusCapturing)
				m.mu.Lock()
				d := m.captureDuration
				m.mu.Unlock()
				time.AfterFunc(d, func() { m.PushStatus(mode, MockStatusLiveStreaming) })
			}

		case "CameraRecordStop":
			respData = map[string]interface{}{"retCode": 0}

		default:
			status = map[string]interface{}{"result": false, "code": 204, "comment": "InvalidRequestType"}
		}
	}

	_ = m.write(conn, 7, map[string]interface{}{
		"requestType":   requestType,
		"requestId":     requestID,
		"requestStatus": status,
		"responseData":  respData,
	})
	if after != nil {
		after()
	}
}

func (m *MockGateway) sendEvent(eventType string, data interface{}) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	_ = m.write(conn, 5, map[string]interface{}{"eventType": eventType, "eventData": data})
}

func (m *MockGateway) write(conn *websocket.Conn, op int, d interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(map[string]interface{}{"op": op, "d": d})
}

func authResponse(token, salt, challenge string) string {
	secret := sha256.Sum256([]byte(token + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}
