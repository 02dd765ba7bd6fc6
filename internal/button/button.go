// Package button watches the physical toggle button. A confirmed press
// starts or stops the timelapse.
package button

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/diaglog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// ErrPinNotFound is returned by OpenPin for an unknown pin name.
var ErrPinNotFound = errors.New("gpio pin not found")

// Pin is a digital input. The button pulls it low when pressed.
type Pin interface {
	Read() gpio.Level
}

// Toggler is what a confirmed press acts on.
type Toggler interface {
	Toggle() (bool, error)
}

// Monitor polls a Pin and toggles on each debounced falling edge.
type Monitor struct {
	pin      Pin
	toggler  Toggler
	poll     time.Duration
	debounce time.Duration
	log      zerolog.Logger
	diag     *diaglog.Logger
}

// NewMonitor creates a monitor. Zero durations default to a 20ms poll and a
// 50ms debounce.
func NewMonitor(pin Pin, toggler Toggler, poll, debounce time.Duration, log zerolog.Logger, diag *diaglog.Logger) *Monitor {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Monitor{
		pin:      pin,
		toggler:  toggler,
		poll:     poll,
		debounce: debounce,
		log:      log,
		diag:     diag,
	}
}

// Run polls until ctx is cancelled. Only the previous level is kept between
// polls; a press is a high→low transition still low after the debounce delay.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	last := m.pin.Read()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		level := m.pin.Read()
		if last == gpio.High && level == gpio.Low {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.debounce):
			}
			if m.pin.Read() == gpio.Low {
				m.press()
			} else {
				m.log.Debug().Msg("button bounce ignored")
			}
		}
		last = level
	}
}

func (m *Monitor) press() {
	running, err := m.toggler.Toggle()
	payload := map[string]interface{}{"running": running}
	if err != nil {
		payload["error"] = err.Error()
		m.log.Warn().Err(err).Msg("button press ignored")
	} else if running {
		m.log.Info().Msg("button: timelapse started")
	} else {
		m.log.Info().Msg("button: timelapse stopped")
	}
	m.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentButton,
		Event:     diaglog.EventButtonToggle,
		Payload:   payload,
	})
}

// PeriphPin is a GPIO input read through periph.io.
type PeriphPin struct {
	pin gpio.PinIO
}

// OpenPin initializes the host drivers and configures name (e.g. "GPIO12")
// as an input with the internal pull-up enabled.
func OpenPin(name string) (*PeriphPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, name)
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure %s as input: %w", name, err)
	}
	return &PeriphPin{pin: p}, nil
}

func (p *PeriphPin) Read() gpio.Level {
	return p.pin.Read()
}

func (p *PeriphPin) String() string {
	return p.pin.Name()
}
