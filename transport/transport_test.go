package transport

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/race"
	"github.com/alepez/racegate/wire"
)

func newTestTransport(t *testing.T, fc clockwork.FakeClock) *UDPTransport {
	t.Helper()
	tr := New(Config{
		BindAddr:      "127.0.0.1:0",
		BroadcastAddr: "127.0.0.1:1",
		Clock:         fc,
	})
	return tr
}

func TestCoordinatorTimeUnsetInitially(t *testing.T) {
	tr := newTestTransport(t, clockwork.NewFakeClock())
	_, ok := tr.CoordinatorTime()
	require.False(t, ok)
}

func TestSetCoordinatorTimeRoundTrips(t *testing.T) {
	tr := newTestTransport(t, clockwork.NewFakeClock())
	tr.SetCoordinatorTime(clock.CoordinatedInstant(42_000))

	v, ok := tr.CoordinatorTime()
	require.True(t, ok)
	require.Equal(t, clock.CoordinatedInstant(42_000), v)
}

func TestCoordinatorTimeExpiresAfterTTL(t *testing.T) {
	// spec scenario 6: Some at T+40ms, None at T+60ms (50ms TTL).
	fc := clockwork.NewFakeClock()
	tr := newTestTransport(t, fc)

	tr.SetCoordinatorTime(clock.CoordinatedInstant(1_000))

	fc.Advance(40 * time.Millisecond)
	v, ok := tr.CoordinatorTime()
	require.True(t, ok)
	require.Equal(t, clock.CoordinatedInstant(1_000), v)

	fc.Advance(20 * time.Millisecond)
	_, ok = tr.CoordinatorTime()
	require.False(t, ok)
}

func TestTimeSinceCoordinatorBeaconFreshness(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := newTestTransport(t, fc)

	_, ok := tr.TimeSinceCoordinatorBeacon(fc.Now())
	require.False(t, ok, "no beacon observed yet")

	tr.SetCoordinatorTime(clock.CoordinatedInstant(1_000))

	d, ok := tr.TimeSinceCoordinatorBeacon(fc.Now())
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)

	fc.Advance(49 * time.Millisecond)
	d, ok = tr.TimeSinceCoordinatorBeacon(fc.Now())
	require.True(t, ok)
	require.Less(t, d, coordinatorBeaconTTL)

	fc.Advance(2 * time.Millisecond)
	d, ok = tr.TimeSinceCoordinatorBeacon(fc.Now())
	require.True(t, ok)
	require.GreaterOrEqual(t, d, coordinatorBeaconTTL)
}

func TestGatesDefaultsToEmptyTable(t *testing.T) {
	tr := newTestTransport(t, clockwork.NewFakeClock())
	g := tr.Gates()
	require.Equal(t, race.Gates{}, g)
}

func TestApplyFrameUpdatesGateTable(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := newTestTransport(t, fc)
	tr.SetCoordinatorTime(clock.CoordinatedInstant(5_000))

	activation := clock.CoordinatedInstant(4_500)
	msg := wire.Message{Gate: &wire.GateBeacon{
		Addr:               wire.StartAddress,
		State:              wire.GateActive,
		LastActivationTime: &activation,
	}}
	frame, err := wire.Encode(msg)
	require.NoError(t, err)

	tr.applyFrame(frame)

	idx, _ := wire.StartAddress.AsGateIndex()
	g := tr.Gates()
	require.True(t, g[idx].Active)
	require.Equal(t, activation, *g[idx].LastActivationTime)
	require.NotNil(t, g[idx].LastBeaconTime)
}

func TestApplyFrameCountsDecodeErrors(t *testing.T) {
	tr := newTestTransport(t, clockwork.NewFakeClock())

	bad := make([]byte, wire.FrameSize)
	bad[0] = 99 // unknown message id

	tr.applyFrame(bad)

	require.Equal(t, uint64(1), tr.Stats().DecodeErrors)
}

func TestStartStopWithinOnePeriod(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := newTestTransport(t, fc)

	require.NoError(t, tr.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
