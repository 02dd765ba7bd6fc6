package statemachine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/diaglog"
)

// Supervisor keeps the link at ProtocolConnected: it connects (or wakes a
// previously authenticated peer), performs the handshake and starts over
// with exponential backoff whenever the link drops.
type Supervisor struct {
	m              *Machine
	id             Identity
	connectTimeout time.Duration
	retryDelay     time.Duration
	maxDelay       time.Duration
	log            zerolog.Logger
	diag           *diaglog.Logger

	peerKnown bool // a handshake succeeded at least once
}

// NewSupervisor creates a supervisor for m. connectTimeout bounds how long a
// single connect/wake attempt may take to reach LinkConnected.
func NewSupervisor(m *Machine, id Identity, connectTimeout, retryDelay time.Duration, log zerolog.Logger, diag *diaglog.Logger) *Supervisor {
	return &Supervisor{
		m:              m,
		id:             id,
		connectTimeout: connectTimeout,
		retryDelay:     retryDelay,
		maxDelay:       60 * time.Second,
		log:            log,
		diag:           diag,
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	delay := s.retryDelay
	attempt := 0

	for ctx.Err() == nil {
		err := s.establish(ctx)
		if err == nil {
			if attempt > 0 {
				s.diag.Log(diaglog.LogEntry{
					Component: diaglog.ComponentReconnect,
					Event:     diaglog.EventWSReconnectSuccess,
					Payload:   map[string]interface{}{"attempt": attempt},
				})
			}
			attempt = 0
			delay = s.retryDelay

			// Hold here until the protocol link goes away.
			if _, err := s.m.WaitUntil(ctx, func(st LinkState) bool { return st != ProtocolConnected }); err != nil {
				return
			}
			s.log.Warn().Stringer("state", s.m.State()).Msg("protocol link dropped, reconnecting")
			continue
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("link not established")
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentReconnect,
			Event:     diaglog.EventWSReconnectFailed,
			Payload:   map[string]interface{}{"attempt": attempt, "error": err.Error(), "delay_ms": delay.Milliseconds()},
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, s.maxDelay)
	}
}

// establish advances the link one attempt toward ProtocolConnected.
func (s *Supervisor) establish(ctx context.Context) error {
	switch st := s.m.State(); st {
	case ProtocolConnected:
		return nil

	case Uninitialized:
		if err := s.m.Init(); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
			return err
		}
		return s.establish(ctx)

	case LinkReady:
		var err error
		woke := s.peerKnown
		if woke {
			s.log.Info().Msg("waking known peer")
			err = s.m.Wake()
		} else {
			s.log.Info().Msg("starting discovery")
			err = s.m.Connect()
		}
		if err != nil {
			return err
		}
		if err := s.awaitLink(ctx); err != nil {
			if woke {
				// Fall back to a full discovery next time.
				s.peerKnown = false
			}
			return err
		}
		return nil

	case Discovering, Disconnecting:
		// Someone else's attempt is in flight; let it settle.
		wctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		if _, err := s.m.WaitUntil(wctx, func(cur LinkState) bool { return cur != st }); err != nil {
			return fmt.Errorf("link stuck in %s: %w", st, err)
		}
		return s.establish(ctx)

	case LinkConnected:
		return s.handshake()

	default:
		return fmt.Errorf("unexpected link state %s", st)
	}
}

func (s *Supervisor) awaitLink(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	st, err := s.m.WaitUntil(wctx, func(cur LinkState) bool { return cur != Discovering })
	if err != nil {
		return fmt.Errorf("waiting for link: %w", err)
	}
	if st != LinkConnected {
		return fmt.Errorf("link attempt ended in %s", st)
	}
	return s.handshake()
}

func (s *Supervisor) handshake() error {
	if err := s.m.CompleteHandshake(s.id); err != nil {
		return err
	}
	s.peerKnown = true
	s.log.Info().Uint32("device_id", s.id.DeviceID).Msg("protocol connected")
	return nil
}

// nextDelay doubles d up to max and adds ±10% jitter, never going under a second.
func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	d += jitter
	if d < time.Second {
		d = time.Second
	}
	return d
}
