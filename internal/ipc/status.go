package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/osmolapse/internal/timelapse"
)

// StatusFile is the name of the status snapshot inside the state directory.
const StatusFile = "status.json"

// CameraStatus is the last mode/status pair pushed by the camera.
type CameraStatus struct {
	Mode        uint8     `json:"mode"`
	ModeName    string    `json:"mode_name"`
	Status      uint8     `json:"status"`
	StatusName  string    `json:"status_name"`
	Ready       bool      `json:"ready"`
	Initialized bool      `json:"initialized"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// StatusSnapshot is the complete daemon state at a point in time.
type StatusSnapshot struct {
	Timelapse        timelapse.Status `json:"timelapse"`
	Link             string           `json:"link"`
	Camera           CameraStatus     `json:"camera"`
	GatewayConnected bool             `json:"gateway_connected"`
	GatewayVersion   string           `json:"gateway_version,omitempty"`
	GatewayRadio     string           `json:"gateway_radio,omitempty"`
	PID              int              `json:"pid"`
	Timestamp        time.Time        `json:"timestamp"`
}

// WriteStatus persists status to <dir>/status.json atomically.
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return atomicWriteJSON(filepath.Join(dir, StatusFile), status)
}

// ReadStatus loads <dir>/status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		return nil, err
	}

	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial file.
func atomicWriteJSON(path string, data interface{}) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}
