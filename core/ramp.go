package core

// MovePhase is the portion of an in-progress move
type MovePhase uint8

const (
	PhaseAccel MovePhase = iota
	PhaseConst
	PhaseDecel
)

func (p MovePhase) String() string {
	switch p {
	case PhaseAccel:
		return "accel"
	case PhaseConst:
		return "const"
	case PhaseDecel:
		return "decel"
	default:
		return "unknown"
	}
}

const (
	// RampMinSteps is the shortest ramp used when a ramp is configured at all
	RampMinSteps = 10

	// rampMaxFraction caps each ramp at 2/5 of the move
	rampMaxNum = 2
	rampMaxDen = 5
)

// rampSteps converts an acceleration parameter to a ramp length.
// The parameter is a step count: the ramp uses that many steps, capped at
// 40% of the move and floored at RampMinSteps.
func rampSteps(param int, total int64) int64 {
	if param <= 0 {
		return 0
	}
	n := min(int64(param), total*rampMaxNum/rampMaxDen)
	return max(n, RampMinSteps)
}

// PlanRamp returns the accel and decel step counts for a move of total steps.
// The result always satisfies accel+decel <= total.
func PlanRamp(total int64, acceleration, deceleration int) (accel, decel int64) {
	if total <= 0 {
		return 0, 0
	}
	accel = rampSteps(acceleration, total)
	decel = rampSteps(deceleration, total)

	if accel+decel > total {
		switch {
		case accel > 0 && decel > 0:
			accel = total / 2
			decel = total - accel
		case accel > 0:
			accel = total
		default:
			decel = total
		}
	}
	return accel, decel
}

// Ramp is the delay profile of one move
type Ramp struct {
	Total      int64
	AccelSteps int64
	DecelSteps int64
	StartDelay int // slowest interval, used at both ends of the move
	Delay      int // cruise interval
}

// NewRamp plans a move. startDelay is raised to delay if it is lower so the
// interpolation never runs backwards.
func NewRamp(total int64, acceleration, deceleration, startDelay, delay int) Ramp {
	accel, decel := PlanRamp(total, acceleration, deceleration)
	return Ramp{
		Total:      total,
		AccelSteps: accel,
		DecelSteps: decel,
		StartDelay: max(startDelay, delay),
		Delay:      delay,
	}
}

// Phase returns the phase for the step that follows taken completed steps
func (r Ramp) Phase(taken int64) MovePhase {
	switch {
	case taken < r.AccelSteps:
		return PhaseAccel
	case r.DecelSteps > 0 && r.Total-taken <= r.DecelSteps:
		return PhaseDecel
	default:
		return PhaseConst
	}
}

// DelayAt returns the interval before the step that follows taken completed steps.
// It is non-increasing through the accel phase and non-decreasing through decel.
func (r Ramp) DelayAt(taken int64) int {
	span := int64(r.StartDelay - r.Delay)
	switch r.Phase(taken) {
	case PhaseAccel:
		return r.StartDelay - int(span*taken/r.AccelSteps)
	case PhaseDecel:
		step := taken - (r.Total - r.DecelSteps)
		return r.Delay + int(span*step/r.DecelSteps)
	default:
		return r.Delay
	}
}
