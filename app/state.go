package app

import "github.com/alepez/racegate/race"

// SystemState is the coordinator's complete view of the system at one
// instant: its own coordinated time, the observed gate table, and the
// current race aggregation. It is rebuilt from scratch every coordinator
// tick and is the only thing the push fan-out ever serializes.
type SystemState struct {
	Time  int32          `json:"time"`
	Gates [4]gateJSON    `json:"gates"`
	Race  raceJSON       `json:"race"`
}

type gateJSON struct {
	Active             bool   `json:"active"`
	LastActivationTime *int32 `json:"last_activation_time"`
	LastBeaconTime     *int32 `json:"last_beacon_time"`
}

type raceJSON struct {
	StartTime  *int32 `json:"start_time"`
	FinishTime *int32 `json:"finish_time"`
	DurationMs *int32 `json:"duration_ms"`
}

// NewSystemState builds a SystemState snapshot from the current coordinated
// time, the observed gate table, and the race aggregator.
func NewSystemState(now int32, gates race.Gates, r race.Race) SystemState {
	var s SystemState
	s.Time = now
	for i, g := range gates {
		s.Gates[i] = gateJSON{
			Active:             g.Active,
			LastActivationTime: instantPtr(g.LastActivationTime),
			LastBeaconTime:     instantPtr(g.LastBeaconTime),
		}
	}
	s.Race = raceJSON{
		StartTime:  instantPtr(r.StartTime),
		FinishTime: instantPtr(r.FinishTime),
		DurationMs: r.DurationMs,
	}
	return s
}

func instantPtr[T ~int32](v *T) *int32 {
	if v == nil {
		return nil
	}
	ms := int32(*v)
	return &ms
}
