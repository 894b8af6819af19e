// Package app implements the per-node role state machine: it reads
// peripherals and the transport's observed state once per tick and drives
// the node through Init, CoordinatorReady, GateStartup, and GateReady.
package app

import (
	"time"

	"github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/common/log"
	"github.com/alepez/racegate/peripheral"
	"github.com/alepez/racegate/race"
	"github.com/alepez/racegate/transport"
	"github.com/alepez/racegate/wire"
)

// gateStartupTimeout is how long a gate waits for a first coordinator
// beacon before it self-terminates.
const gateStartupTimeout = 10 * time.Second

// coordinatorAbsentTimeout is how long a gate tolerates silence from the
// coordinator before falling back to GateStartup.
const coordinatorAbsentTimeout = 10 * time.Second

// Services bundles every collaborator the state machine drives. Fatal is
// called on the gate-startup timeout; it defaults to Log.Fatalw, which
// terminates the process, but tests may substitute a non-exiting hook.
type Services struct {
	Address   wire.NodeAddress
	Clock     *clock.Clock
	Transport transport.Transport
	Gate      peripheral.GateSensor
	Button    peripheral.Button
	LED       peripheral.RGBLED
	WiFi      peripheral.WiFi
	Publish   func(SystemState)
	Log       log.Logger
	Fatal     func(msg string, keyvals ...interface{})
}

func (s *Services) fatal(msg string, keyvals ...interface{}) {
	if s.Fatal != nil {
		s.Fatal(msg, keyvals...)
		return
	}
	s.Log.Fatalw(msg, keyvals...)
}

// State is one node of the role state machine.
type State interface {
	// Name identifies the state for logging and tests.
	Name() string
	// Tick runs one transition and returns the state to run next tick.
	Tick(svc *Services, race *race.Race) State
}

// App owns the current state and the coordinator-side race aggregator. Only
// the coordinator ever mutates race; gates leave it at its zero value.
type App struct {
	svc   Services
	state State
	race  race.Race
}

// New builds an App starting in Init.
func New(svc Services) *App {
	return &App{svc: svc, state: initState{}}
}

// State returns the current state, for tests and diagnostics.
func (a *App) State() State { return a.state }

// Race returns the current race aggregation (meaningful on the coordinator only).
func (a *App) Race() race.Race { return a.race }

// Tick runs exactly one transition.
func (a *App) Tick() {
	a.state = a.state.Tick(&a.svc, &a.race)
}

func gateActivated(svc *Services) bool {
	return svc.Gate.State() == peripheral.GateActive || svc.Button.State() == peripheral.ButtonPressed
}

// initState reads boot conditions and picks the node's starting role.
type initState struct{}

func (initState) Name() string { return "Init" }

func (s initState) Tick(svc *Services, _ *race.Race) State {
	svc.LED.SetColor(peripheral.ColorRed)

	wifiUp := svc.WiFi.IsUp()
	buttonPressed := svc.Button.State() == peripheral.ButtonPressed
	gateActive := svc.Gate.State() == peripheral.GateActive

	switch {
	case svc.Address.IsGate() && !buttonPressed && !gateActive && wifiUp:
		now, ok := svc.Clock.Now()
		if !ok {
			svc.Log.Error("local clock overflowed during init")
			return s
		}
		svc.Log.Infow("entering gate startup", "address", svc.Address)
		return gateStartupState{startedAt: now}

	case svc.Address.IsCoordinator() && !buttonPressed && !gateActive && wifiUp:
		now, ok := svc.Clock.Now()
		if !ok {
			svc.Log.Error("local clock overflowed during init")
			return s
		}
		svc.Transport.SetCoordinatorTime(clock.CoordinatedInstant(now))
		svc.Log.Info("entering coordinator ready")
		return coordinatorReadyState{}

	default:
		return s
	}
}

// coordinatorReadyState is the coordinator's steady-state loop: it is its
// own time source, aggregates gate activations, and drives the fan-out.
type coordinatorReadyState struct{}

func (coordinatorReadyState) Name() string { return "CoordinatorReady" }

func (s coordinatorReadyState) Tick(svc *Services, r *race.Race) State {
	if !svc.WiFi.IsUp() {
		svc.Log.Warn("wifi down, dropping to init")
		return initState{}
	}

	local, ok := svc.Clock.Now()
	if !ok {
		svc.Log.Error("local clock overflowed, skipping tick")
		return s
	}

	now := clock.CoordinatedInstant(local)

	svc.Transport.Publish(wire.Message{Coordinator: &wire.CoordinatorBeacon{Time: now}})
	svc.Transport.SetCoordinatorTime(now)

	gates := svc.Transport.Gates()
	r.SetGates(gates)

	anyActive := gates.Start().Active || gates.Finish().Active
	if anyActive {
		svc.LED.SetColor(peripheral.ColorLightBlue)
	} else {
		svc.LED.SetColor(peripheral.ColorWhite)
	}

	if svc.Publish != nil {
		svc.Publish(NewSystemState(int32(now), gates, *r))
	}

	return s
}

// gateStartupState waits for the first coordinator beacon to learn the
// clock offset, or self-terminates after gateStartupTimeout.
type gateStartupState struct {
	startedAt clock.LocalInstant
}

func (gateStartupState) Name() string { return "GateStartup" }

func (s gateStartupState) Tick(svc *Services, _ *race.Race) State {
	svc.LED.SetColor(peripheral.ColorYellow)

	if coordNow, ok := svc.Transport.CoordinatorTime(); ok {
		local, localOK := svc.Clock.Now()
		if !localOK {
			svc.Log.Error("local clock overflowed during gate startup")
			return s
		}
		offset := clock.CalculateClockOffset(coordNow, local)
		svc.Log.Infow("gate synchronized", "offset", offset)
		return gateReadyState{offset: offset}
	}

	local, ok := svc.Clock.Now()
	if !ok {
		svc.Log.Error("local clock overflowed during gate startup")
		return s
	}
	elapsed := time.Duration(int32(local)-int32(s.startedAt)) * time.Millisecond
	if elapsed > gateStartupTimeout {
		svc.fatal("gate failed to synchronize within startup timeout", "elapsed", elapsed)
	}
	return s
}

// gateReadyState is a gate's steady-state loop: it tracks the coordinator's
// clock via offset, refreshing the offset on every fresh beacon, and
// publishes its own activation state.
type gateReadyState struct {
	offset             clock.LocalOffset
	lastActivationTime *clock.CoordinatedInstant
}

func (gateReadyState) Name() string { return "GateReady" }

func (s gateReadyState) Tick(svc *Services, _ *race.Race) State {
	age, ok := svc.Transport.TimeSinceCoordinatorBeacon(time.Now())
	if !ok || age > coordinatorAbsentTimeout {
		svc.Log.Warn("coordinator beacon absent, falling back to startup")
		now, localOK := svc.Clock.Now()
		if !localOK {
			now = 0
		}
		return gateStartupState{startedAt: now}
	}

	offset := s.offset
	if coordNow, fresh := svc.Transport.CoordinatorTime(); fresh {
		if local, localOK := svc.Clock.Now(); localOK {
			offset = clock.CalculateClockOffset(coordNow, local)
		}
	}

	coordinated := clock.NewCoordinatedClock(svc.Clock, offset)
	now, ok := coordinated.Now()
	if !ok {
		svc.Log.Error("local clock overflowed in gate ready")
		return s
	}

	active := gateActivated(svc)
	lastActivation := s.lastActivationTime
	if active {
		v := now
		lastActivation = &v
	}

	var state wire.GateState = wire.GateInactive
	if active {
		state = wire.GateActive
	}

	svc.Transport.Publish(wire.Message{Gate: &wire.GateBeacon{
		Addr:               svc.Address,
		State:              state,
		LastActivationTime: lastActivation,
	}})

	switch {
	case !svc.WiFi.IsUp():
		svc.LED.SetColor(peripheral.ColorRed)
	case active:
		svc.LED.SetColor(peripheral.ColorLightBlue)
	default:
		svc.LED.SetColor(peripheral.ColorGreen)
	}

	return gateReadyState{offset: offset, lastActivationTime: lastActivation}
}
