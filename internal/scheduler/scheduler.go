// Package scheduler paces the cognitive cycle. The interval between cycles
// follows the agent's emotion: a desperate agent conserves treasury by cycling
// slowly, a confident one samples the market more often. Failed cycles back
// off exponentially and an active emergency tombstone parks the loop until an
// operator clears it.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/rs/zerolog"
)

// backoffBase is the first delay after a failed cycle. Each further failure
// doubles it, capped at the current emotion's interval.
const backoffBase = time.Minute

// CycleRunner is the engine surface the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) error
	State() *domain.ConsciousnessState
}

// EmergencyChecker reports whether the emergency tombstone is set.
type EmergencyChecker interface {
	EmergencyActive(ctx context.Context) (bool, error)
}

// Scheduler runs cycles until its context is cancelled, Stop is called or the
// engine reports a cancellation of its own.
type Scheduler struct {
	cfg       *config.Config
	engine    CycleRunner
	emergency EmergencyChecker
	clock     domain.Clock
	observer  domain.Observer
	log       zerolog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Loop-local, touched only by Run's goroutine.
	halted bool
}

// New creates a scheduler around the engine.
func New(
	cfg *config.Config,
	engine CycleRunner,
	emergency EmergencyChecker,
	clock domain.Clock,
	observer domain.Observer,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		engine:    engine,
		emergency: emergency,
		clock:     clock,
		observer:  observer,
		log:       log.With().Str("module", "scheduler").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// NextInterval returns the wait after a cycle. A configured override wins;
// otherwise the emotion dictates it, longer the more desperate the agent is.
func (s *Scheduler) NextInterval(emotion domain.Emotion) time.Duration {
	if s.cfg.CycleIntervalOverride > 0 {
		return s.cfg.CycleIntervalOverride
	}
	return emotion.CycleInterval()
}

// Run blocks, driving cycles, until the context is cancelled or Stop is
// called. Run must be called at most once.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	s.log.Info().
		Dur("min_interval", s.cfg.MinCycleInterval).
		Bool("observation_mode", s.cfg.ObservationMode).
		Msg("Scheduler started")

	consecutive := 0
	var backoff time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-s.stop:
			s.log.Info().Msg("Scheduler stopped")
			return nil
		default:
		}

		if s.emergencyHalted(ctx) {
			if err := s.sleep(ctx, s.cfg.MinCycleInterval); err != nil {
				return err
			}
			continue
		}

		start := s.clock.Now()
		err := s.engine.RunCycle(ctx)
		emotion := s.engine.State().Emotion

		var wake time.Time
		switch {
		case err == nil:
			consecutive, backoff = 0, 0
			wake = s.nextWake(start, emotion)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, domain.ErrCapExceeded):
			// The governor set the tombstone on its way out; the halt check
			// above keeps cycles parked until an operator clears it.
			consecutive, backoff = 0, 0
			s.log.Error().Err(err).Msg("Cost cap breached, parking until emergency clears")
			wake = s.clock.Now().Add(s.cfg.MinCycleInterval)
		default:
			consecutive++
			backoff = s.nextBackoff(backoff, emotion)
			s.observer.Event(events.LevelWarn, events.CodeSchedulerBackoff, map[string]any{
				"consecutive": consecutive,
				"delay":       backoff.String(),
				"error":       err.Error(),
			})
			s.log.Warn().Err(err).
				Dur("delay", backoff).
				Int("consecutive", consecutive).
				Msg("Cycle failed, backing off")
			wake = s.clock.Now().Add(backoff)
		}

		if err := s.sleepUntil(ctx, wake); err != nil {
			return err
		}
	}
}

// Stop signals the loop and waits for the in-flight cycle to finish and
// persist. Safe to call more than once; must not be called before Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// emergencyHalted reports the tombstone state, logging the halt and resume
// edges once each.
func (s *Scheduler) emergencyHalted(ctx context.Context) bool {
	active, err := s.emergency.EmergencyActive(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Emergency tombstone check failed")
		return false
	}
	if active && !s.halted {
		s.log.Warn().Msg("Emergency tombstone active, cycles halted until cleared")
	}
	if !active && s.halted {
		s.log.Info().Msg("Emergency cleared, resuming cycles")
	}
	s.halted = active
	return active
}

// nextWake targets now+interval, floored at start+MinCycleInterval so a short
// override cannot make the loop spin.
func (s *Scheduler) nextWake(start time.Time, emotion domain.Emotion) time.Time {
	wake := s.clock.Now().Add(s.NextInterval(emotion))
	if floor := start.Add(s.cfg.MinCycleInterval); floor.After(wake) {
		wake = floor
	}
	return wake
}

func (s *Scheduler) nextBackoff(prev time.Duration, emotion domain.Emotion) time.Duration {
	next := backoffBase
	if prev > 0 {
		next = prev * 2
	}
	if ceil := s.NextInterval(emotion); next > ceil {
		next = ceil
	}
	return next
}

func (s *Scheduler) sleepUntil(ctx context.Context, wake time.Time) error {
	d := wake.Sub(s.clock.Now())
	if d <= 0 {
		return nil
	}
	return s.sleep(ctx, d)
}

// sleep waits d, waking early on context cancellation or Stop. A Stop wake is
// not an error; the loop's select notices the closed channel on its next pass.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-sctx.Done():
		}
	}()
	if err := s.clock.Sleep(sctx, d); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}
