// Package race implements the pure aggregation rules that turn observed gate
// activations into a race record: start time, finish time, duration.
package race

import (
	"github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/wire"
)

// aliveWindow is how long after its last beacon a gate is still considered alive.
const aliveWindow = 1000 // milliseconds

// Gate is one slot of the observed gate table.
type Gate struct {
	Active             bool
	LastActivationTime *clock.CoordinatedInstant
	LastBeaconTime     *clock.CoordinatedInstant
}

// IsAlive reports whether this gate has beaconed recently enough to be
// trusted, i.e. now - LastBeaconTime < 1000ms.
func (g Gate) IsAlive(now clock.CoordinatedInstant) bool {
	if g.LastBeaconTime == nil {
		return false
	}
	diff := int32(now) - int32(*g.LastBeaconTime)
	return diff < aliveWindow
}

// Gates is the fixed 4-slot observed gate table, indexed by address-1.
// Only indices 0 (start) and 3 (finish) are populated by this deployment.
type Gates [4]Gate

// Start returns the start gate's slot.
func (g Gates) Start() Gate {
	idx, _ := wire.StartAddress.AsGateIndex()
	return g[idx]
}

// Finish returns the finish gate's slot.
func (g Gates) Finish() Gate {
	idx, _ := wire.FinishAddress.AsGateIndex()
	return g[idx]
}

// Set writes gate at the slot addr maps to. It is a no-op for addresses with
// no gate slot (the coordinator address, or anything outside {0,1,4}).
func (g *Gates) Set(addr wire.NodeAddress, gate Gate) {
	idx, ok := addr.AsGateIndex()
	if !ok {
		return
	}
	g[idx] = gate
}
