// Package pidfile keeps a single daemon instance per state directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means a live process holds the PID file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// FileName is the PID file name inside the state directory.
const FileName = "osmolapse.pid"

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	pid  int
}

// Path returns the PID file location for stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// New claims the PID file at path. A file left behind by a dead process is
// replaced; one held by a live process yields ErrAlreadyRunning.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	if existing, err := ReadPID(path); err == nil {
		if Running(existing) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// ReadPID returns the PID recorded at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, err := ReadPID(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// Running reports whether a process with pid exists. Signal 0 checks
// without delivering anything; EPERM still means the process exists.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
