package core

// Stepper motor control: one timer-driven state machine per axis.
// Idle -> Accel -> Const -> Decel -> Idle for moves, Idle -> Homing -> Idle for homing.

import (
	"motionctl/protocol"
)

// Directions
const (
	DirCCW = protocol.DirCCW
	DirCW  = protocol.DirCW
)

// Defaults applied to a freshly initialized axis (microseconds)
const (
	DefaultMinDelay  = 500  // fastest step interval
	DefaultMaxDelay  = 5000 // slowest step interval, used at ramp ends
	DefaultSpeed     = 1000
	DefaultHomeSpeed = 1000
)

// StepperConfig is the pin and travel configuration from init_stepper
type StepperConfig struct {
	StepPin   GPIOPin
	DirPin    GPIOPin
	InvertDir bool
	LimitA    *int
	LimitB    *int
	Home      *int
	EnablePin *int
	MinLimit  int64
	MaxLimit  int64
}

// Stepper represents a single stepper motor axis
type Stepper struct {
	ID int

	// Configuration
	LimitA           Endstop
	LimitB           Endstop
	Home             Endstop
	EnablePin        GPIOPin
	EnableConfigured bool
	MinLimit         int64
	MaxLimit         int64
	Acceleration     int // accel ramp length in steps, 0 disables
	Deceleration     int // decel ramp length in steps, 0 disables
	MinDelay         int
	MaxDelay         int

	// State
	Position     int64 // signed step count
	Target       int64
	Direction    int
	Speed        int // cruise step interval in microseconds
	Active       bool
	Paused       bool
	Homing       bool
	HomeMaxSteps int64 // 0 = unbounded

	phase        MovePhase
	ramp         Ramp
	currentDelay int
	stepsTaken   int64

	// Timer for next step event
	StepTimer Timer

	gpio    GPIODriver
	backend StepperBackend
	sched   *Scheduler
	fw      *Firmware
}

// newStepper creates an axis bound to a firmware instance
func newStepper(id int, fw *Firmware, backend StepperBackend) *Stepper {
	s := &Stepper{
		ID:       id,
		MinDelay: DefaultMinDelay,
		MaxDelay: DefaultMaxDelay,
		Speed:    DefaultSpeed,
		phase:    PhaseConst,
		gpio:     fw.gpio,
		backend:  backend,
		sched:    fw.sched,
		fw:       fw,
	}
	s.StepTimer.Handler = s.stepEvent
	return s
}

// Configure applies pin and travel configuration and resets the axis to
// idle at position 0. The enable pin is left high (de-energized).
func (s *Stepper) Configure(cfg StepperConfig) error {
	s.sched.Delete(&s.StepTimer)
	s.Active, s.Paused, s.Homing = false, false, false

	if err := s.backend.Init(cfg.StepPin, cfg.DirPin, cfg.InvertDir); err != nil {
		return err
	}
	if err := s.LimitA.Configure(s.gpio, cfg.LimitA); err != nil {
		return err
	}
	if err := s.LimitB.Configure(s.gpio, cfg.LimitB); err != nil {
		return err
	}
	if err := s.Home.Configure(s.gpio, cfg.Home); err != nil {
		return err
	}

	s.EnableConfigured = cfg.EnablePin != nil
	if s.EnableConfigured {
		s.EnablePin = GPIOPin(*cfg.EnablePin)
		if err := s.gpio.ConfigureOutput(s.EnablePin); err != nil {
			return err
		}
		s.setEnabled(false)
	}

	s.MinLimit = cfg.MinLimit
	s.MaxLimit = cfg.MaxLimit
	s.Position = 0
	s.Target = 0
	s.stepsTaken = 0
	return nil
}

// InRange reports whether a target lies within the software travel bounds.
// Bounds are only enforced when MinLimit < MaxLimit.
func (s *Stepper) InRange(target int64) bool {
	if s.MinLimit >= s.MaxLimit {
		return true
	}
	return target >= s.MinLimit && target <= s.MaxLimit
}

// ClampSpeed bounds a requested step interval to [MinDelay, MaxDelay]
func (s *Stepper) ClampSpeed(speed int) int {
	return min(max(speed, s.MinDelay), s.MaxDelay)
}

// Move starts a move to an absolute target. A move to the current position
// completes immediately. An in-flight move or homing run is replaced.
func (s *Stepper) Move(target int64, speed int) {
	s.sched.Delete(&s.StepTimer)
	s.Homing = false
	s.Paused = false
	s.Target = target

	if target == s.Position {
		s.halt()
		s.fw.report(stepperDoneReport{Event: protocol.EventStepperDone, ID: s.ID, Position: s.Position})
		return
	}

	s.Direction = DirCW
	total := target - s.Position
	if total < 0 {
		s.Direction = DirCCW
		total = -total
	}
	s.backend.SetDirection(s.Direction)
	s.setEnabled(true)

	s.Speed = s.ClampSpeed(speed)
	s.stepsTaken = 0
	if s.Acceleration > 0 || s.Deceleration > 0 {
		s.ramp = NewRamp(total, s.Acceleration, s.Deceleration, s.MaxDelay, s.Speed)
		s.fw.debugf(accelSetupReport{
			Debug:        protocol.DebugAccelSetup,
			ID:           s.ID,
			TotalSteps:   total,
			AccelSteps:   s.ramp.AccelSteps,
			DecelSteps:   s.ramp.DecelSteps,
			Acceleration: s.Acceleration,
			Deceleration: s.Deceleration,
			Speed:        s.Speed,
			MaxDelay:     s.MaxDelay,
		})
	} else {
		s.ramp = Ramp{Total: total, StartDelay: s.Speed, Delay: s.Speed}
	}
	s.phase = s.ramp.Phase(0)
	s.currentDelay = s.ramp.DelayAt(0)

	s.Active = true
	s.scheduleNext()
}

// StartHoming moves toward the home switch at a fixed speed until it asserts.
// Travel limits are not checked while homing.
func (s *Stepper) StartHoming(speed, dir int, maxSteps int64) {
	s.sched.Delete(&s.StepTimer)
	s.Paused = false
	s.Homing = true
	s.HomeMaxSteps = maxSteps
	s.stepsTaken = 0

	if s.Home.Triggered(s.gpio) {
		s.finishHoming()
		return
	}

	s.Direction = dir
	s.backend.SetDirection(dir)
	s.setEnabled(true)

	s.Speed = speed
	s.ramp = Ramp{StartDelay: speed, Delay: speed}
	s.phase = PhaseConst
	s.currentDelay = speed

	s.Active = true
	s.scheduleNext()
}

// Stop halts the axis where it is
func (s *Stepper) Stop() {
	s.halt()
}

// Pause holds the axis in place. The move resumes from the same step.
func (s *Stepper) Pause() {
	if !s.Active || s.Paused {
		return
	}
	s.Paused = true
	s.sched.Delete(&s.StepTimer)
}

// Resume continues a paused move
func (s *Stepper) Resume() {
	if !s.Active || !s.Paused {
		return
	}
	s.Paused = false
	s.scheduleNext()
}

// Moving reports whether the axis is stepping
func (s *Stepper) Moving() bool {
	return s.Active && !s.Paused
}

// Phase returns the phase of the current or last move
func (s *Stepper) Phase() MovePhase {
	return s.phase
}

// Ramp returns the profile of the current or last move
func (s *Stepper) Ramp() Ramp {
	return s.ramp
}

// StepsTaken returns the number of steps taken by the current or last move
func (s *Stepper) StepsTaken() int64 {
	return s.stepsTaken
}

// CurrentDelay returns the interval before the next step
func (s *Stepper) CurrentDelay() int {
	return s.currentDelay
}

// PinState samples the switches and reports position
func (s *Stepper) PinState() protocol.PinState {
	return protocol.PinState{
		LimitA:   s.LimitA.Triggered(s.gpio),
		LimitB:   s.LimitB.Triggered(s.gpio),
		Home:     s.Home.Triggered(s.gpio),
		Position: s.Position,
		Moving:   s.Moving(),
	}
}

// stepEvent handles timer events for step generation
// This is the main stepping loop - called for each step
func (s *Stepper) stepEvent(t *Timer) uint8 {
	if !s.Active || s.Paused {
		return SF_DONE
	}

	// Check the limit on the side we are travelling toward
	if !s.Homing {
		if limit, hit := s.limitAhead(); hit {
			s.halt()
			s.fw.report(limitHitReport{
				Event:    protocol.EventLimitHit,
				Limit:    limit,
				Position: s.Position,
				ID:       s.ID,
			})
			return SF_DONE
		}
	}

	s.backend.Step()
	if s.Direction == DirCW {
		s.Position++
	} else {
		s.Position--
	}
	s.stepsTaken++

	if s.Homing {
		if s.Home.Triggered(s.gpio) {
			s.finishHoming()
			return SF_DONE
		}
		if s.HomeMaxSteps > 0 && s.stepsTaken >= s.HomeMaxSteps {
			s.halt()
			s.fw.report(homeNotFoundReport{Event: protocol.EventHomeNotFound, ID: s.ID, Position: s.Position})
			return SF_DONE
		}
	} else {
		if s.Position == s.Target {
			s.halt()
			s.fw.report(stepperDoneReport{Event: protocol.EventStepperDone, ID: s.ID, Position: s.Position})
			return SF_DONE
		}
		s.phase = s.ramp.Phase(s.stepsTaken)
		s.currentDelay = s.ramp.DelayAt(s.stepsTaken)
	}

	t.WakeTime = s.sched.Now() + TimerFromUS(uint32(s.currentDelay))
	return SF_RESCHEDULE
}

// limitAhead samples the limit opposing the direction of travel
func (s *Stepper) limitAhead() (string, bool) {
	if s.Direction == DirCW {
		return protocol.LimitA, s.LimitA.Triggered(s.gpio)
	}
	return protocol.LimitB, s.LimitB.Triggered(s.gpio)
}

func (s *Stepper) finishHoming() {
	s.Position = 0
	s.Target = 0
	s.halt()
	s.fw.report(stepperDoneReport{Event: protocol.EventStepperDone, ID: s.ID, Position: 0, Homed: true})
}

func (s *Stepper) scheduleNext() {
	s.StepTimer.WakeTime = s.sched.Now() + TimerFromUS(uint32(s.currentDelay))
	s.sched.Schedule(&s.StepTimer)
}

// halt stops stepping and de-energizes the driver
func (s *Stepper) halt() {
	s.sched.Delete(&s.StepTimer)
	s.Active = false
	s.Paused = false
	s.Homing = false
	s.backend.Stop()
	s.setEnabled(false)
}

// setEnabled drives the active-low enable pin
func (s *Stepper) setEnabled(on bool) {
	if s.EnableConfigured {
		_ = s.gpio.SetPin(s.EnablePin, !on)
	}
}
