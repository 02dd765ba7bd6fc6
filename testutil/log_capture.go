package testutil

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogCapture collects zerolog JSON output for assertions.
type LogCapture struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

// NewLogCapture creates an empty capture.
func NewLogCapture() *LogCapture {
	return &LogCapture{}
}

// Write implements io.Writer.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Logger returns a debug-level logger writing into the capture.
func (lc *LogCapture) Logger() zerolog.Logger {
	return zerolog.New(lc).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

// String returns all captured log output
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Reset clears the capture buffer
func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Contains checks if the log output contains the given substring
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// ContainsAll checks if the log output contains all given substrings
func (lc *LogCapture) ContainsAll(substrs ...string) bool {
	content := lc.String()
	for _, substr := range substrs {
		if !strings.Contains(content, substr) {
			return false
		}
	}
	return true
}

// Count returns the number of times a substring appears in the log
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Lines returns all captured log lines
func (lc *LogCapture) Lines() []string {
	content := strings.TrimSpace(lc.String())
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}
