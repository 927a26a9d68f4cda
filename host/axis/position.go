package axis

import (
	"time"

	"motionctl/host/mcu"
)

// Position is a best-effort snapshot of an axis. It is never fetched
// synchronously: Stale says how much to trust it.
type Position struct {
	Axis      int
	Steps     int64
	Target    int64
	Confirmed bool          // reported by the firmware with no command outstanding
	Stale     bool          // older than the freshness window, or never reported
	Age       time.Duration // time since the last firmware update
	Moving    bool
	Paused    bool
	Homing    bool
	Homed     bool
	Limits    Limits
	LastEvent string
	LastError string
}

// Limits holds the switch states from the last status report
type Limits struct {
	A     bool
	B     bool
	Home  bool
	Known bool
}

func snapshot(id int, fb *mcu.Feedback, now time.Time, staleAfter time.Duration) Position {
	p := Position{
		Axis:      id,
		Steps:     fb.Position,
		Target:    fb.Target,
		Confirmed: fb.Confirmed,
		Moving:    fb.Moving,
		Paused:    fb.Paused,
		Homing:    fb.Homing,
		Homed:     fb.Homed,
		Limits: Limits{
			A:     fb.LimitA,
			B:     fb.LimitB,
			Home:  fb.Home,
			Known: fb.PinsKnown,
		},
		LastEvent: fb.LastEvent,
		LastError: fb.LastError,
	}
	if fb.UpdatedAt.IsZero() {
		p.Stale = true
		return p
	}
	p.Age = now.Sub(fb.UpdatedAt)
	p.Stale = staleAfter > 0 && p.Age > staleAfter
	return p
}
