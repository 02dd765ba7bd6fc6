// Package camera holds the camera-side view shared between the status source
// and the capture loop: capture modes, capture status and the latest snapshot.
package camera

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode is the camera capture mode reported in status pushes.
type Mode uint8

const (
	ModeNormalVideo       Mode = 0x00
	ModeTimelapse         Mode = 0x01
	ModePhoto             Mode = 0x05
	ModeHyperlapse        Mode = 0x0A
	ModePanoramicPhoto360 Mode = 0x3F
)

func (m Mode) String() string {
	switch m {
	case ModeNormalVideo:
		return "normal_video"
	case ModeTimelapse:
		return "timelapse"
	case ModePhoto:
		return "photo"
	case ModeHyperlapse:
		return "hyperlapse"
	case ModePanoramicPhoto360:
		return "panoramic_photo_360"
	default:
		return fmt.Sprintf("mode_0x%02X", uint8(m))
	}
}

// ParseMode accepts a mode name ("timelapse") or a number ("0x3F", "63").
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, m := range []Mode{ModeNormalVideo, ModeTimelapse, ModePhoto, ModeHyperlapse, ModePanoramicPhoto360} {
		if s == m.String() {
			return m, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown camera mode %q", s)
	}
	return Mode(n), nil
}

// Status is the camera capture status reported in status pushes.
type Status uint8

const (
	StatusScreenOff     Status = 0
	StatusLiveStreaming Status = 1 // idle, ready for the next capture
	StatusPlayback      Status = 2
	StatusCapturing     Status = 3
	StatusPreRecording  Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusScreenOff:
		return "screen_off"
	case StatusLiveStreaming:
		return "live_streaming"
	case StatusPlayback:
		return "playback"
	case StatusCapturing:
		return "capturing"
	case StatusPreRecording:
		return "pre_recording"
	default:
		return fmt.Sprintf("status_%d", uint8(s))
	}
}

// Snapshot is a point-in-time copy of what the camera last reported.
type Snapshot struct {
	Mode        Mode      `json:"mode"`
	Status      Status    `json:"status"`
	Initialized bool      `json:"initialized"` // at least one push received
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ready reports whether the camera is idle and can take the next capture.
func (s Snapshot) Ready() bool {
	return s.Initialized && s.Status == StatusLiveStreaming
}

// State is the shared handle the status source writes and everyone else reads.
// Readers must tolerate staleness; writers never wait on readers.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewState returns an uninitialized camera state.
func NewState() *State {
	return &State{}
}

// Update records a new mode/status pair pushed by the camera.
func (s *State) Update(mode Mode, status Status) {
	s.mu.Lock()
	s.snap = Snapshot{
		Mode:        mode,
		Status:      status,
		Initialized: true,
		UpdatedAt:   time.Now(),
	}
	s.mu.Unlock()
}

// Reset forgets the last push, e.g. after the link to the camera is lost.
func (s *State) Reset() {
	s.mu.Lock()
	s.snap = Snapshot{}
	s.mu.Unlock()
}

// Snapshot returns the latest values.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
