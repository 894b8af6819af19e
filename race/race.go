package race

import "github.com/alepez/racegate/clock"

// Race is the aggregated state of one timed run: when it started, when it
// finished, and how long it took. All three fields start out unset.
type Race struct {
	StartTime  *clock.CoordinatedInstant
	FinishTime *clock.CoordinatedInstant
	DurationMs *int32
}

// SetGates applies one observed Gates snapshot to the race, in order:
//
//  1. a new start activation always overwrites StartTime (a re-arming
//     restart resets the finish below).
//  2. the first finish activation after a start is adopted; subsequent
//     finish re-activations are ignored until the next new start.
//  3. if both times are set and start > finish, the race restarted after a
//     previous finish: finish and duration are cleared. Otherwise the
//     duration is (finish - start).
//
// Applying the same snapshot twice is idempotent.
func (r *Race) SetGates(gates Gates) {
	start := gates.Start().LastActivationTime
	finish := gates.Finish().LastActivationTime

	if start != nil {
		r.StartTime = start
	}

	if r.FinishTime == nil && finish != nil {
		r.FinishTime = finish
	}

	if r.StartTime == nil || r.FinishTime == nil {
		return
	}

	if int32(*r.StartTime) > int32(*r.FinishTime) {
		r.FinishTime = nil
		r.DurationMs = nil
		return
	}

	d := int32(*r.FinishTime) - int32(*r.StartTime)
	r.DurationMs = &d
}
