// Package console reads commands line by line, typically from stdin or a
// serial console, and prints the replies.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Executor runs one line of input and returns the reply.
type Executor interface {
	Execute(input string) (string, error)
}

// Console is a line-oriented command prompt.
type Console struct {
	exec Executor
	in   io.Reader
	out  io.Writer
	log  zerolog.Logger
}

// New creates a console reading from in and replying to out.
func New(exec Executor, in io.Reader, out io.Writer, log zerolog.Logger) *Console {
	return &Console{exec: exec, in: in, out: out, log: log}
}

// Run processes lines until ctx is cancelled or the input ends. Blank lines
// are ignored. Errors from commands are part of the reply and never stop
// the console.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// The scanner blocks in Read and cannot be interrupted; it is left
	// behind on cancel and exits with the process.
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				c.log.Warn().Err(err).Msg("console input failed")
			}
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			reply, err := c.exec.Execute(line)
			if err != nil {
				c.log.Debug().Err(err).Str("input", line).Msg("console command refused")
			}
			if reply != "" {
				fmt.Fprintln(c.out, reply)
			}
		}
	}
}
