// Package ipc is the file-based channel between the daemon and `osmolapse
// ctl`: commands go through cmd.txt, state comes back through status.json.
// Both live in the daemon's state directory.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command is a manual control command.
type Command string

const (
	CmdStart  Command = "start"  // start a timelapse session
	CmdStop   Command = "stop"   // stop the running session
	CmdToggle Command = "toggle" // same as a button press
	CmdStatus Command = "status" // report running state and cycle count
	CmdHelp   Command = "help"
	CmdQuit   Command = "quit" // shut the daemon down
)

// CommandFile is the name of the command file inside the state directory.
const CommandFile = "cmd.txt"

// ErrUnknownCommand matches every UnknownCommandError.
var ErrUnknownCommand = errors.New("unknown command")

// UnknownCommandError carries input that is not a command.
type UnknownCommandError struct {
	Input string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Input)
}

func (e *UnknownCommandError) Is(target error) bool {
	return target == ErrUnknownCommand
}

// ParseCommand maps user input to a Command. The console aliases tstart,
// tstop and h are accepted. ok is false for anything unknown.
func ParseCommand(s string) (cmd Command, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start", "tstart":
		return CmdStart, true
	case "stop", "tstop":
		return CmdStop, true
	case "toggle":
		return CmdToggle, true
	case "status":
		return CmdStatus, true
	case "help", "h":
		return CmdHelp, true
	case "quit", "exit":
		return CmdQuit, true
	default:
		return "", false
	}
}

// WriteCommand writes cmd to <dir>/cmd.txt for the daemon to pick up.
func WriteCommand(dir string, cmd Command) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, CommandFile), []byte(cmd), 0644)
}

// ReadCommand reads and clears <dir>/cmd.txt. It returns "" when no command
// is pending, and an *UnknownCommandError when the file held something else.
func ReadCommand(dir string) (Command, error) {
	cmdPath := filepath.Join(dir, CommandFile)

	data, err := os.ReadFile(cmdPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}

	// Clear the file immediately to prevent re-execution
	if err := os.WriteFile(cmdPath, nil, 0644); err != nil {
		return "", err
	}

	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", nil
	}
	cmd, ok := ParseCommand(input)
	if !ok {
		return "", &UnknownCommandError{Input: input}
	}
	return cmd, nil
}
