// Package slotclock derives slot numbers and per-slot deadlines from the
// chain's genesis time and slot duration. It is the single time source for
// the sidecar: every admission gate and aggregation trigger is computed
// here, never from ad-hoc wall clock reads.
package slotclock

import (
	"context"
	"fmt"
	"time"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// Config holds the chain timing parameters and the sidecar's offsets.
type Config struct {
	// GenesisTime is the start of slot 0.
	GenesisTime time.Time
	// SlotDuration is the fixed length of every slot window.
	SlotDuration time.Duration
	// CommitmentDeadlineOffset is how long before slot start commitment
	// admission closes.
	CommitmentDeadlineOffset time.Duration
	// AggregationLeadTime is how long before slot start constraint
	// aggregation and publication begin. It must not precede the
	// commitment deadline, or aggregation could freeze a set that is
	// still accepting commitments.
	AggregationLeadTime time.Duration
}

// Validate checks the configured offsets against each other and the slot
// length.
func (c Config) Validate() error {
	if c.SlotDuration <= 0 {
		return fmt.Errorf("slot duration must be positive, got %s", c.SlotDuration)
	}
	if c.CommitmentDeadlineOffset < 0 || c.AggregationLeadTime < 0 {
		return fmt.Errorf("offsets must be non-negative")
	}
	if c.CommitmentDeadlineOffset < c.AggregationLeadTime {
		return fmt.Errorf("commitment deadline offset (%s) must not be shorter than aggregation lead time (%s)",
			c.CommitmentDeadlineOffset, c.AggregationLeadTime)
	}
	if c.CommitmentDeadlineOffset >= c.SlotDuration {
		return fmt.Errorf("commitment deadline offset (%s) must be shorter than the slot duration (%s)",
			c.CommitmentDeadlineOffset, c.SlotDuration)
	}
	return nil
}

// Clock is a pure function of configuration and the current time. The now
// function is injectable for tests.
type Clock struct {
	cfg Config
	now func() time.Time
}

type Option func(*Clock)

// WithNowFunc overrides the wall clock; used by tests to pin time.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

func New(cfg Config, opts ...Option) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slot clock config: %w", err)
	}
	c := &Clock{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	return c.now()
}

// SlotAt returns the slot whose window contains t. Times before genesis map
// to slot 0.
func (c *Clock) SlotAt(t time.Time) preconf.Slot {
	if t.Before(c.cfg.GenesisTime) {
		return 0
	}
	return preconf.Slot(t.Sub(c.cfg.GenesisTime) / c.cfg.SlotDuration)
}

// Current returns the slot in progress.
func (c *Clock) Current() preconf.Slot {
	return c.SlotAt(c.now())
}

// StartOf returns the beginning of the slot's window.
func (c *Clock) StartOf(slot preconf.Slot) time.Time {
	return c.cfg.GenesisTime.Add(time.Duration(slot) * c.cfg.SlotDuration)
}

// CommitmentDeadline returns the instant after which commitments targeting
// the slot are rejected.
func (c *Clock) CommitmentDeadline(slot preconf.Slot) time.Time {
	return c.StartOf(slot).Add(-c.cfg.CommitmentDeadlineOffset)
}

// AggregationTime returns the instant at which the slot's constraint set is
// frozen, signed and published.
func (c *Clock) AggregationTime(slot preconf.Slot) time.Time {
	return c.StartOf(slot).Add(-c.cfg.AggregationLeadTime)
}

// BeforeDeadline reports whether commitments for the slot are still
// admissible at the clock's current time.
func (c *Clock) BeforeDeadline(slot preconf.Slot) bool {
	return c.now().Before(c.CommitmentDeadline(slot))
}

// SlotTick announces that a slot reached its aggregation time.
type SlotTick struct {
	Slot preconf.Slot
	// ScheduledAt is the nominal aggregation time; late delivery is visible
	// as the difference to the receiver's own clock reading.
	ScheduledAt time.Time
}

// Ticks emits one SlotTick per upcoming slot at its aggregation time,
// starting with the next slot whose aggregation time is in the future. The
// channel closes when ctx ends. Ticks for slots that pass while the receiver
// is slow are dropped rather than delivered late, since acting on a past
// slot would violate the deadline contract.
func (c *Clock) Ticks(ctx context.Context) <-chan SlotTick {
	ticks := make(chan SlotTick, 1)
	go func() {
		defer close(ticks)
		slot := c.Current() + 1
		for {
			at := c.AggregationTime(slot)
			if !at.After(c.now()) {
				slot++
				continue
			}
			timer := time.NewTimer(at.Sub(c.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			select {
			case ticks <- SlotTick{Slot: slot, ScheduledAt: at}:
			default:
				// receiver still busy with an older slot; skip this one
			}
			slot++
		}
	}()
	return ticks
}
