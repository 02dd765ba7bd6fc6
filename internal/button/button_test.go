package button

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/testutil"
	"periph.io/x/conn/v3/gpio"
)

// scriptPin returns the scripted levels in order, then repeats the last one.
type scriptPin struct {
	mu     sync.Mutex
	levels []gpio.Level
	reads  int
}

func (p *scriptPin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.reads
	p.reads++
	if i >= len(p.levels) {
		return p.levels[len(p.levels)-1]
	}
	return p.levels[i]
}

func (p *scriptPin) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads > len(p.levels)+2
}

type countingToggler struct {
	mu      sync.Mutex
	n       int
	running bool
	err     error
}

func (c *countingToggler) Toggle() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	if c.err != nil {
		return false, c.err
	}
	c.running = !c.running
	return c.running, nil
}

func (c *countingToggler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

const (
	hi = gpio.High
	lo = gpio.Low
)

func runScript(t *testing.T, levels []gpio.Level, toggler Toggler) {
	t.Helper()
	pin := &scriptPin{levels: levels}
	m := NewMonitor(pin, toggler, time.Millisecond, 5*time.Millisecond, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	testutil.WaitForCondition(t, pin.done, 2*time.Second, "script consumed")
	cancel()
	<-done
}

func TestMonitor(t *testing.T) {
	tests := []struct {
		name   string
		levels []gpio.Level
		want   int
	}{
		// The first read is the initial level, then one read per poll and
		// one confirmation read per detected edge.
		{"press", []gpio.Level{hi, hi, lo, lo}, 1},
		{"bounce inside debounce window", []gpio.Level{hi, hi, lo, hi, hi}, 0},
		{"held low toggles once", []gpio.Level{hi, lo, lo, lo, lo, lo, lo}, 1},
		{"two presses", []gpio.Level{hi, lo, lo, hi, hi, lo, lo}, 2},
		{"starts low", []gpio.Level{lo, lo, lo}, 0},
		{"rising edge only", []gpio.Level{lo, hi, hi}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tog := &countingToggler{}
			runScript(t, tt.levels, tog)
			testutil.AssertEqual(t, tt.want, tog.count(), "toggles")
		})
	}
}

func TestMonitorTogglerError(t *testing.T) {
	tog := &countingToggler{err: errors.New("link not ready")}
	runScript(t, []gpio.Level{hi, lo, lo}, tog)
	testutil.AssertEqual(t, 1, tog.count(), "toggle attempted once")
}

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(&scriptPin{levels: []gpio.Level{hi}}, &countingToggler{}, 0, 0, zerolog.Nop(), nil)
	testutil.AssertEqual(t, 20*time.Millisecond, m.poll, "poll")
	testutil.AssertEqual(t, 50*time.Millisecond, m.debounce, "debounce")
}
