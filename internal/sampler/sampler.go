// Package sampler rate-limits high-frequency event streams such as drags.
//
// A Sampler emits at most one event per interval. Events arriving inside the
// interval replace the single pending event; only the latest value survives.
// The pending event is emitted by Flush. A caller that never flushes at the
// end of a gesture loses the trailing pending event.
package sampler

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
)

// DefaultInterval is the minimum spacing between emitted events.
const DefaultInterval = 50 * time.Millisecond

// Outcome reports what Record did with an event.
type Outcome int

const (
	// Emitted means the event was passed to the emit function.
	Emitted Outcome = iota
	// Buffered means the event became the pending event.
	Buffered
)

func (o Outcome) String() string {
	if o == Emitted {
		return "emitted"
	}
	return "buffered"
}

type phase int

const (
	phaseIdle phase = iota
	phasePending
)

// state is idle or pending(event, enqueuedAt).
type state struct {
	phase      phase
	event      store.NewEvent
	enqueuedAt time.Time
}

// EmitFunc receives sampled events. It is called with the sampler's lock held
// and must not call back into the Sampler.
type EmitFunc func(event store.NewEvent)

// Config wires a Sampler.
type Config struct {
	// Interval of zero disables sampling; every event is emitted.
	Interval time.Duration
	Emit     EmitFunc
	Clock    func() time.Time
}

// Sampler is safe for concurrent use.
type Sampler struct {
	mu            sync.Mutex
	interval      time.Duration
	emit          EmitFunc
	clock         func() time.Time
	state         state
	lastEmittedAt time.Time
	hasEmitted    bool
}

// New constructs a Sampler. A negative interval is treated as zero.
func New(cfg Config) *Sampler {
	interval := cfg.Interval
	if interval < 0 {
		interval = 0
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(store.NewEvent) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sampler{interval: interval, emit: emit, clock: clock}
}

// Interval returns the configured sampling interval.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Record emits event immediately when the interval has elapsed since the last
// emission, otherwise it replaces the pending event.
func (s *Sampler) Record(event store.NewEvent) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.interval == 0 || !s.hasEmitted || now.Sub(s.lastEmittedAt) >= s.interval {
		s.state = state{phase: phaseIdle}
		s.emitLocked(event, now)
		return Emitted
	}
	s.state = state{phase: phasePending, event: event, enqueuedAt: now}
	return Buffered
}

// Flush emits the pending event, if any, and reports whether it did.
func (s *Sampler) Flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.phase != phasePending {
		return false
	}
	event := s.state.event
	s.state = state{phase: phaseIdle}
	s.emitLocked(event, s.clock())
	return true
}

// Pending returns the pending event and when it was buffered.
func (s *Sampler) Pending() (store.NewEvent, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.phase != phasePending {
		return store.NewEvent{}, time.Time{}, false
	}
	return s.state.event, s.state.enqueuedAt, true
}

func (s *Sampler) emitLocked(event store.NewEvent, now time.Time) {
	if s.interval > 0 {
		intervalMs := s.interval.Milliseconds()
		event.SamplingIntervalMs = &intervalMs
	}
	s.lastEmittedAt = now
	s.hasEmitted = true
	s.emit(event)
}
