package core

import (
	"motionctl/protocol"
)

// registerStepperCommands registers all stepper-related commands
func (f *Firmware) registerStepperCommands() {
	f.commands.Register(protocol.CmdInitStepper, f.cmdInitStepper)
	f.commands.Register(protocol.CmdMoveStepper, f.cmdMoveStepper)
	f.commands.Register(protocol.CmdHomeStepper, f.cmdHomeStepper)
	f.commands.Register(protocol.CmdStopStepper, f.cmdStopStepper)
	f.commands.Register(protocol.CmdPauseStepper, f.cmdPauseStepper)
	f.commands.Register(protocol.CmdResumeStepper, f.cmdResumeStepper)
	f.commands.Register(protocol.CmdSetAcceleration, f.cmdSetAcceleration)
	f.commands.Register(protocol.CmdSetDeceleration, f.cmdSetDeceleration)
	f.commands.Register(protocol.CmdSetSpeedLimits, f.cmdSetSpeedLimits)
	f.commands.Register(protocol.CmdGetPinStates, f.cmdGetPinStates)
	f.commands.Register(protocol.CmdGetStatus, f.cmdGetPinStates)
}

// lookup validates an axis id and returns its stepper
func (f *Firmware) lookup(id int) (*Stepper, error) {
	if id < 0 || id >= protocol.MaxAxes {
		return nil, rejectAxis(id, protocol.MsgInvalidStepperID)
	}
	s := f.steppers[id]
	if s == nil {
		return nil, rejectAxis(id, protocol.MsgStepperNotInitialized)
	}
	return s, nil
}

// cmdInitStepper configures an axis and replies stepper_initialized
func (f *Firmware) cmdInitStepper(line []byte) error {
	var args protocol.InitStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	if args.ID < 0 || args.ID >= protocol.MaxAxes {
		return rejectAxis(args.ID, protocol.MsgInvalidStepperID)
	}

	s := f.steppers[args.ID]
	if s == nil {
		s = newStepper(args.ID, f, f.backendFactory(f.gpio))
	}

	err := s.Configure(StepperConfig{
		StepPin:   GPIOPin(args.StepPin),
		DirPin:    GPIOPin(args.DirPin),
		LimitA:    args.LimitA,
		LimitB:    args.LimitB,
		Home:      args.Home,
		EnablePin: args.EnablePin,
		MinLimit:  args.MinLimit,
		MaxLimit:  args.MaxLimit,
	})
	if err != nil {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}
	f.steppers[args.ID] = s

	f.report(initializedReport{Status: protocol.StatusStepperInitialized, ID: args.ID})
	f.debugf(backendReport{Debug: protocol.DebugStepperBackend, ID: args.ID, Backend: s.backend.GetName()})
	return nil
}

// cmdMoveStepper starts a move. Completion is reported later by stepper_done
// or limit_hit; there is no immediate reply on success.
func (f *Firmware) cmdMoveStepper(line []byte) error {
	var args protocol.MoveStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	if args.Speed <= 0 || args.Steps < 0 {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}

	var target int64
	switch {
	case args.Target != nil:
		target = *args.Target
	case args.Dir == DirCW:
		target = s.Position + args.Steps
	default:
		target = s.Position - args.Steps
	}
	if !s.InRange(target) {
		return rejectAxis(args.ID, protocol.MsgTargetOutOfRange)
	}

	s.Move(target, args.Speed)
	return nil
}

// cmdHomeStepper starts homing toward the home switch (CCW unless told otherwise)
func (f *Firmware) cmdHomeStepper(line []byte) error {
	var args protocol.HomeStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}

	speed := args.Speed
	if speed == 0 {
		speed = DefaultHomeSpeed
	}
	dir := DirCCW
	if args.Dir != nil {
		dir = *args.Dir
	}
	if speed < 0 || args.MaxSteps < 0 || (dir != DirCW && dir != DirCCW) {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}

	s.StartHoming(speed, dir, args.MaxSteps)
	return nil
}

func (f *Firmware) cmdStopStepper(line []byte) error {
	var args protocol.StopStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	s.Stop()
	f.replyOK(protocol.MsgStopped, s)
	return nil
}

func (f *Firmware) cmdPauseStepper(line []byte) error {
	var args protocol.PauseStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	s.Pause()
	f.replyOK(protocol.MsgPaused, s)
	return nil
}

func (f *Firmware) cmdResumeStepper(line []byte) error {
	var args protocol.ResumeStepper
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	s.Resume()
	f.replyOK(protocol.MsgResumed, s)
	return nil
}

func (f *Firmware) cmdSetAcceleration(line []byte) error {
	var args protocol.SetAcceleration
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	if args.Acceleration < 0 {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}
	s.Acceleration = args.Acceleration
	f.replyOK(protocol.MsgAccelerationSet, s)
	return nil
}

func (f *Firmware) cmdSetDeceleration(line []byte) error {
	var args protocol.SetDeceleration
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	if args.Deceleration < 0 {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}
	s.Deceleration = args.Deceleration
	f.replyOK(protocol.MsgDecelerationSet, s)
	return nil
}

func (f *Firmware) cmdSetSpeedLimits(line []byte) error {
	var args protocol.SetSpeedLimits
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	if args.MinDelay <= 0 || args.MaxDelay < args.MinDelay {
		return rejectAxis(args.ID, protocol.MsgInvalidParameter)
	}
	s.MinDelay = args.MinDelay
	s.MaxDelay = args.MaxDelay
	f.replyOK(protocol.MsgSpeedLimitsSet, s)
	return nil
}

// cmdGetPinStates replies with the status object. It never changes axis state.
func (f *Firmware) cmdGetPinStates(line []byte) error {
	var args protocol.GetPinStates
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	s, err := f.lookup(args.ID)
	if err != nil {
		return err
	}
	f.report(statusReport{
		Status: map[string]protocol.PinState{protocol.StatusKey(s.ID): s.PinState()},
		ID:     s.ID,
	})
	return nil
}

// replyOK acknowledges an axis command with the axis' current position
func (f *Firmware) replyOK(message string, s *Stepper) {
	id, pos := s.ID, s.Position
	f.report(okReport{Status: protocol.StatusOK, Message: message, ID: &id, Position: &pos})
}
