// Package clock provides the node's local monotonic clock and the derived
// coordinated clock shared across the race-timing network.
package clock

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// LocalInstant is a millisecond timestamp relative to process start.
type LocalInstant int32

// CoordinatedInstant is a millisecond timestamp in the coordinator's time base.
// On the coordinator itself it equals the LocalInstant; on gates it is
// LocalInstant + LocalOffset.
type CoordinatedInstant int32

// LocalOffset is the delta between a coordinator's clock and this node's
// local clock, recomputed on every received coordinator beacon.
type LocalOffset int32

// maxMillis is the largest value LocalInstant/CoordinatedInstant can hold,
// roughly 24.8 days. Beyond this the node can no longer produce a valid
// timestamp and Clock.Now reports failure.
const maxMillis = math.MaxInt32

// Clock produces LocalInstant values counted from the moment it was created.
type Clock struct {
	underlying clockwork.Clock
	start      time.Time
}

// New returns a Clock whose epoch is "now" according to the given clockwork
// clock. Production code passes clockwork.NewRealClock(); tests pass a
// clockwork.NewFakeClock() to control elapsed time deterministically.
func New(underlying clockwork.Clock) *Clock {
	return &Clock{
		underlying: underlying,
		start:      underlying.Now(),
	}
}

// Now returns the milliseconds elapsed since the clock was created. The
// second return value is false once that elapsed time no longer fits in an
// int32 millisecond count.
func (c *Clock) Now() (LocalInstant, bool) {
	elapsed := c.underlying.Now().Sub(c.start)
	ms := elapsed.Milliseconds()
	if ms < 0 || ms > maxMillis {
		return 0, false
	}
	return LocalInstant(ms), true
}

// CoordinatedClock derives CoordinatedInstant values from a local Clock and
// an offset learned from the most recently received coordinator beacon. On
// the coordinator node the offset is always zero.
type CoordinatedClock struct {
	local  *Clock
	offset LocalOffset
}

// NewCoordinatedClock builds a CoordinatedClock over local with the given offset.
func NewCoordinatedClock(local *Clock, offset LocalOffset) CoordinatedClock {
	return CoordinatedClock{local: local, offset: offset}
}

// Offset returns the offset this clock was built with.
func (c CoordinatedClock) Offset() LocalOffset {
	return c.offset
}

// Now computes the current coordinated time, or false if the underlying
// local clock has overflowed.
func (c CoordinatedClock) Now() (CoordinatedInstant, bool) {
	local, ok := c.local.Now()
	if !ok {
		return 0, false
	}
	return CoordinatedInstant(int32(local) + int32(c.offset)), true
}

// CalculateClockOffset returns the offset that, applied to local, yields coord.
func CalculateClockOffset(coord CoordinatedInstant, local LocalInstant) LocalOffset {
	return LocalOffset(int32(coord) - int32(local))
}
