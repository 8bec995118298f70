package slotclock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interstate-labs/sidecar/model/preconf"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		GenesisTime:              genesis,
		SlotDuration:             12 * time.Second,
		CommitmentDeadlineOffset: 8 * time.Second,
		AggregationLeadTime:      6 * time.Second,
	}
}

func pinnedClock(t *testing.T, at time.Time) *Clock {
	clock, err := New(testConfig(), WithNowFunc(func() time.Time { return at }))
	require.NoError(t, err)
	return clock
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.SlotDuration = 0
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.CommitmentDeadlineOffset = 5 * time.Second
	bad.AggregationLeadTime = 6 * time.Second
	require.Error(t, bad.Validate(), "deadline must not be later than aggregation")

	bad = testConfig()
	bad.CommitmentDeadlineOffset = 12 * time.Second
	require.Error(t, bad.Validate())
}

func TestSlotArithmetic(t *testing.T) {
	clock := pinnedClock(t, genesis.Add(25*time.Second))

	assert.Equal(t, preconf.Slot(2), clock.Current())
	assert.Equal(t, genesis.Add(24*time.Second), clock.StartOf(2))
	assert.Equal(t, genesis.Add(24*time.Second-8*time.Second), clock.CommitmentDeadline(2))
	assert.Equal(t, genesis.Add(24*time.Second-6*time.Second), clock.AggregationTime(2))

	// before genesis everything maps to slot 0
	early := pinnedClock(t, genesis.Add(-time.Hour))
	assert.Equal(t, preconf.Slot(0), early.Current())
}

func TestBeforeDeadline(t *testing.T) {
	// slot 3 starts at +36s, deadline at +28s
	before := pinnedClock(t, genesis.Add(27*time.Second))
	assert.True(t, before.BeforeDeadline(3))

	at := pinnedClock(t, genesis.Add(28*time.Second))
	assert.False(t, at.BeforeDeadline(3))

	after := pinnedClock(t, genesis.Add(30*time.Second))
	assert.False(t, after.BeforeDeadline(3))
}

func TestTicksEmitAtAggregationTime(t *testing.T) {
	cfg := Config{
		GenesisTime:              time.Now(),
		SlotDuration:             80 * time.Millisecond,
		CommitmentDeadlineOffset: 30 * time.Millisecond,
		AggregationLeadTime:      20 * time.Millisecond,
	}
	clock, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := clock.Ticks(ctx)

	var got []SlotTick
	for tick := range ticks {
		got = append(got, tick)
		if len(got) == 3 {
			cancel()
		}
	}

	require.GreaterOrEqual(t, len(got), 3)
	for i := 1; i < 3; i++ {
		assert.Equal(t, got[i-1].Slot+1, got[i].Slot, "ticks must cover consecutive slots")
	}
	// each tick is scheduled at its slot's aggregation time
	for _, tick := range got[:3] {
		assert.Equal(t, clock.AggregationTime(tick.Slot), tick.ScheduledAt)
	}
}

func TestTicksChannelClosesOnCancel(t *testing.T) {
	clock, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := clock.Ticks(ctx)
	cancel()

	select {
	case _, open := <-ticks:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("ticks channel did not close")
	}
}
