package app

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/common/log"
	"github.com/alepez/racegate/peripheral"
	"github.com/alepez/racegate/race"
	"github.com/alepez/racegate/transport"
	"github.com/alepez/racegate/wire"
)

type fakeGate struct{ state peripheral.GateActivation }

func (f *fakeGate) State() peripheral.GateActivation { return f.state }

type fakeButton struct{ state peripheral.ButtonState }

func (f *fakeButton) State() peripheral.ButtonState { return f.state }

type fakeLED struct{ color uint32 }

func (f *fakeLED) SetColor(rgb uint32) { f.color = rgb }

type fakeWiFi struct{ up bool }

func (f *fakeWiFi) Setup(peripheral.WiFiConfig) error { return nil }
func (f *fakeWiFi) IsUp() bool                        { return f.up }
func (f *fakeWiFi) Reconnect() error                  { return nil }

type fakeTransport struct {
	coordTime      clock.CoordinatedInstant
	haveCoordTime  bool
	coordTimeFresh bool
	beaconAge      time.Duration
	haveBeacon     bool
	gates          race.Gates
	published      []wire.Message
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop() error                      { return nil }
func (f *fakeTransport) Stats() transport.Stats           { return transport.Stats{} }

// CoordinatorTime models the real transport's TTL: once coordTimeFresh is
// flipped false (simulating the 50ms beacon TTL expiring), it reports false
// even though a coordinator time was previously observed.
func (f *fakeTransport) CoordinatorTime() (clock.CoordinatedInstant, bool) {
	if !f.haveCoordTime || !f.coordTimeFresh {
		return 0, false
	}
	return f.coordTime, true
}
func (f *fakeTransport) SetCoordinatorTime(t clock.CoordinatedInstant) {
	f.coordTime = t
	f.haveCoordTime = true
	f.coordTimeFresh = true
}
func (f *fakeTransport) Gates() race.Gates { return f.gates }
func (f *fakeTransport) TimeSinceCoordinatorBeacon(now time.Time) (time.Duration, bool) {
	return f.beaconAge, f.haveBeacon
}
func (f *fakeTransport) Publish(msg wire.Message) {
	f.published = append(f.published, msg)
}

func newTestServices(addr wire.NodeAddress, fc clockwork.FakeClock) (*Services, *fakeTransport, *fakeGate, *fakeButton, *fakeLED, *fakeWiFi) {
	tr := &fakeTransport{}
	gate := &fakeGate{}
	button := &fakeButton{}
	led := &fakeLED{}
	wifi := &fakeWiFi{up: true}

	svc := &Services{
		Address:   addr,
		Clock:     clock.New(fc),
		Transport: tr,
		Gate:      gate,
		Button:    button,
		LED:       led,
		WiFi:      wifi,
		Log:       log.DefaultLogger(),
	}
	return svc, tr, gate, button, led, wifi
}

func TestInitToCoordinatorReady(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, _, _, _, _ := newTestServices(wire.CoordinatorAddress, fc)

	a := New(*svc)
	a.Tick()

	require.Equal(t, "CoordinatorReady", a.State().Name())
	require.True(t, tr.haveCoordTime)
}

func TestInitToGateStartup(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, _, _, _, _, _ := newTestServices(wire.StartAddress, fc)

	a := New(*svc)
	a.Tick()

	require.Equal(t, "GateStartup", a.State().Name())
}

func TestInitStaysWhenButtonPressed(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, _, _, button, _, _ := newTestServices(wire.StartAddress, fc)
	button.state = peripheral.ButtonPressed

	a := New(*svc)
	a.Tick()

	require.Equal(t, "Init", a.State().Name())
}

func TestGateStartupTimesOutFatally(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, _, _, _, _, _ := newTestServices(wire.StartAddress, fc)

	var fatalCalled bool
	svc.Fatal = func(msg string, keyvals ...interface{}) { fatalCalled = true }

	a := New(*svc)
	a.Tick() // Init -> GateStartup
	require.Equal(t, "GateStartup", a.State().Name())

	fc.Advance(11 * time.Second)
	a.Tick()

	require.True(t, fatalCalled)
}

func TestGateStartupTransitionsToReadyOnBeacon(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, _, _, _, _ := newTestServices(wire.StartAddress, fc)

	a := New(*svc)
	a.Tick() // -> GateStartup

	tr.SetCoordinatorTime(clock.CoordinatedInstant(5_000))
	a.Tick()

	require.Equal(t, "GateReady", a.State().Name())
}

func TestGateReadyPublishesActivation(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, gate, _, _, _ := newTestServices(wire.StartAddress, fc)

	a := New(*svc)
	a.Tick()
	tr.SetCoordinatorTime(clock.CoordinatedInstant(5_000))
	tr.haveBeacon = true
	a.Tick() // -> GateReady

	gate.state = peripheral.GateActive
	a.Tick()

	require.Equal(t, "GateReady", a.State().Name())
	last := tr.published[len(tr.published)-1]
	require.NotNil(t, last.Gate)
	require.Equal(t, wire.GateActive, last.Gate.State)
	require.NotNil(t, last.Gate.LastActivationTime)
}

func TestGateReadyFallsBackOnStaleCoordinator(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, _, _, _, _ := newTestServices(wire.StartAddress, fc)

	a := New(*svc)
	a.Tick()
	tr.SetCoordinatorTime(clock.CoordinatedInstant(5_000))
	tr.haveBeacon = true
	tr.beaconAge = 1 * time.Second
	a.Tick() // -> GateReady

	tr.beaconAge = 11 * time.Second
	a.Tick()

	require.Equal(t, "GateStartup", a.State().Name())
}

func TestGateReadyDeadReckonsWhenCoordinatorStale(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, _, _, _, _ := newTestServices(wire.StartAddress, fc)

	a := New(*svc)
	a.Tick() // -> GateStartup

	tr.SetCoordinatorTime(clock.CoordinatedInstant(5_000))
	tr.haveBeacon = true
	a.Tick() // -> GateReady, offset learned from the fresh beacon

	synced := a.State().(gateReadyState)

	// The beacon goes stale (TTL expired) but the coordinator is not
	// silent outright, so TimeSinceCoordinatorBeacon still succeeds and
	// GateReady must not fall back to GateStartup.
	tr.coordTimeFresh = false
	tr.coordTime = clock.CoordinatedInstant(999_999) // a bogus value a buggy freshness check would adopt

	fc.Advance(5 * time.Millisecond)
	a.Tick()

	require.Equal(t, "GateReady", a.State().Name())
	reckoned := a.State().(gateReadyState)
	require.Equal(t, synced.offset, reckoned.offset, "stale coordinator time must not overwrite the learned offset")
}

func TestCoordinatorReadyDropsToInitOnWifiDown(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, _, _, _, _, wifi := newTestServices(wire.CoordinatorAddress, fc)

	a := New(*svc)
	a.Tick() // -> CoordinatorReady

	wifi.up = false
	a.Tick()

	require.Equal(t, "Init", a.State().Name())
}

func TestCoordinatorReadyAggregatesRace(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc, tr, _, _, _, _ := newTestServices(wire.CoordinatorAddress, fc)

	var published []SystemState
	svc.Publish = func(s SystemState) { published = append(published, s) }

	a := New(*svc)
	a.Tick() // -> CoordinatorReady

	startIdx, _ := wire.StartAddress.AsGateIndex()
	activation := clock.CoordinatedInstant(1_000)
	tr.gates[startIdx] = race.Gate{Active: true, LastActivationTime: &activation}

	a.Tick()

	require.NotNil(t, a.Race().StartTime)
	require.Len(t, published, 1)
	require.NotNil(t, published[0].Race.StartTime)
}
