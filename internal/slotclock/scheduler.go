// Package slotclock implements the SlotScheduler (C1): it maps UTC time
// onto (slot, phase, deadline) and emits phase-start events on a
// monotonic schedule, per spec.md §4.1.
package slotclock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "slotclock")

// ClockDriftError is returned when NTP-reported skew exceeds the
// configured tolerance ε.
type ClockDriftError struct {
	Skew      time.Duration
	Tolerance time.Duration
}

func (e *ClockDriftError) Error() string {
	return errors.Errorf("slotclock: clock skew %s exceeds tolerance %s", e.Skew, e.Tolerance).Error()
}

// SkewChecker reports the node's current NTP-measured clock skew. It is
// injected rather than hard-wired to a specific NTP library, the way the
// teacher injects a Genesis/Clock rather than reading wall time directly.
type SkewChecker interface {
	Skew(ctx context.Context) (time.Duration, error)
}

// PhaseEvent is delivered to subscribers at the start of each phase.
type PhaseEvent struct {
	Slot     ids.SlotNumber
	Phase    ids.Phase
	Deadline time.Time
}

// Scheduler is the SlotScheduler (C1).
type Scheduler struct {
	genesis        time.Time
	slotLength     time.Duration
	phaseFractions [ids.NumPhases]float64
	tolerance      time.Duration
	skew           SkewChecker
	now            func() time.Time

	mu          sync.Mutex
	firedPhase  map[ids.SlotNumber][ids.NumPhases]bool
	subscribers []chan PhaseEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a new Scheduler.
type Config struct {
	Genesis        time.Time
	SlotLength     time.Duration
	PhaseFractions [4]float64
	Tolerance      time.Duration
	SkewChecker    SkewChecker
	// Now overrides the wall-clock source; defaults to time.Now. Tests
	// inject a deterministic clock here.
	Now func() time.Time
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scheduler{
		genesis:        cfg.Genesis,
		slotLength:     cfg.SlotLength,
		phaseFractions: cfg.PhaseFractions,
		tolerance:      cfg.Tolerance,
		skew:           cfg.SkewChecker,
		now:            nowFn,
		firedPhase:     make(map[ids.SlotNumber][ids.NumPhases]bool),
	}
}

// Current maps the current wall-clock time to (slot, phase, remaining).
func (s *Scheduler) Current() (ids.SlotNumber, ids.Phase, time.Duration) {
	return s.at(s.now())
}

func (s *Scheduler) at(t time.Time) (ids.SlotNumber, ids.Phase, time.Duration) {
	if t.Before(s.genesis) {
		return 0, ids.PhaseTask, s.genesis.Sub(t)
	}
	elapsed := t.Sub(s.genesis)
	slot := ids.SlotNumber(elapsed / s.slotLength)
	intoSlot := elapsed % s.slotLength

	var acc time.Duration
	for p := 0; p < ids.NumPhases; p++ {
		phaseLen := s.phaseLength(p)
		if intoSlot < acc+phaseLen {
			return slot, ids.Phase(p), acc + phaseLen - intoSlot
		}
		acc += phaseLen
	}
	// Clock rounding landed exactly on the slot boundary; report the
	// final phase with zero remaining.
	return slot, ids.Phase(ids.NumPhases - 1), 0
}

func (s *Scheduler) phaseLength(phase int) time.Duration {
	return time.Duration(float64(s.slotLength) * s.phaseFractions[phase])
}

// DeadlineFor returns the wall-clock deadline at which the given
// (slot, phase) ends.
func (s *Scheduler) DeadlineFor(slot ids.SlotNumber, phase ids.Phase) time.Time {
	slotStart := s.genesis.Add(time.Duration(slot) * s.slotLength)
	var acc time.Duration
	for p := 0; p <= int(phase); p++ {
		acc += s.phaseLength(p)
	}
	return slotStart.Add(acc)
}

// CheckSkew fails with a ClockDriftError if the injected SkewChecker
// reports skew beyond tolerance. A nil SkewChecker is treated as "no skew
// information available" and always passes, since NTP is an optional
// external capability.
func (s *Scheduler) CheckSkew(ctx context.Context) error {
	if s.skew == nil {
		return nil
	}
	skew, err := s.skew.Skew(ctx)
	if err != nil {
		return errors.Wrap(err, "slotclock: checking NTP skew")
	}
	if abs(skew) > s.tolerance {
		return &ClockDriftError{Skew: skew, Tolerance: s.tolerance}
	}
	return nil
}

// Subscribe returns a channel that receives a PhaseEvent at the start of
// every (slot, phase). Events are delivered at most once per (slot,
// phase) per spec.md §4.1's guarantee.
func (s *Scheduler) Subscribe() <-chan PhaseEvent {
	ch := make(chan PhaseEvent, ids.NumPhases)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Run starts the background polling loop that detects phase transitions
// and publishes PhaseEvents; it also detects slots skipped by a forward
// clock jump and logs them as missed rather than executing them.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
}

// Stop halts the background polling loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	// Poll at a fine enough granularity to not miss short phases; this
	// mirrors the teacher's ticker-driven event loops rather than
	// sleeping until the exact deadline, which is fragile under clock
	// jumps.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var lastSlot ids.SlotNumber
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot, phase, _ := s.Current()
			if first {
				lastSlot = slot
				first = false
			}
			if slot > lastSlot+1 {
				log.WithField("from", lastSlot).WithField("to", slot).
					Warn("Clock jumped forward; intermediate slots reported as missed")
			}
			lastSlot = slot
			s.maybeFire(slot, phase)
		}
	}
}

func (s *Scheduler) maybeFire(slot ids.SlotNumber, phase ids.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fired := s.firedPhase[slot]
	if fired[phase] {
		return
	}
	// Fire every phase up to and including the current one that hasn't
	// fired yet, preserving in-order 0->1->2->3 delivery within a slot
	// even if the poll loop skipped over a short phase.
	for p := ids.Phase(0); p <= phase; p++ {
		if fired[p] {
			continue
		}
		fired[p] = true
		event := PhaseEvent{Slot: slot, Phase: p, Deadline: s.DeadlineFor(slot, p)}
		for _, ch := range s.subscribers {
			select {
			case ch <- event:
			default:
				log.WithField("slot", slot).WithField("phase", p).
					Warn("Phase event dropped: subscriber channel full")
			}
		}
	}
	s.firedPhase[slot] = fired
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
