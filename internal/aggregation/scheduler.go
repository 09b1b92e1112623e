package aggregation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler debounces aggregation pass requests. Schedule calls within the
// delay window coalesce into a single pass; a request arriving while a pass
// is running interrupts the pass and schedules a fresh one, so contact edits
// stay responsive during bulk aggregation.
type Scheduler struct {
	agg   *Aggregator
	delay time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	rerun   bool
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(agg *Aggregator, delay time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{agg: agg, delay: delay, log: log}
}

// Schedule requests an aggregation pass after the configured delay. Call it
// every time a contact's aggregate reference is reset.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if s.running {
		// Let the current pass commit what it has; the rerun picks up the
		// rest together with the new work.
		s.agg.Interrupt()
		s.rerun = true
		return
	}

	if s.timer != nil {
		s.timer.Reset(s.delay)
		return
	}
	s.timer = time.AfterFunc(s.delay, s.runPass)
}

// Stop cancels any pending pass and waits for an in-flight one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.agg.Interrupt()
	s.wg.Wait()
}

func (s *Scheduler) runPass() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	if err := s.agg.Run(context.Background()); err != nil {
		s.log.Error().Stack().Err(err).Msg("aggregation pass failed")
	}

	s.mu.Lock()
	s.running = false
	if s.rerun && !s.stopped {
		s.rerun = false
		s.timer = time.AfterFunc(s.delay, s.runPass)
	}
	s.mu.Unlock()
}
