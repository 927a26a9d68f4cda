package core

import (
	"errors"

	"motionctl/protocol"
)

// registerCoreCommands registers commands that are not tied to an axis
func (f *Firmware) registerCoreCommands() {
	f.commands.Register(protocol.CmdSetDebug, f.cmdSetDebug)
}

// cmdSetDebug toggles {"debug":...} lines
func (f *Firmware) cmdSetDebug(line []byte) error {
	var args protocol.SetDebug
	if err := protocol.DecodeArgs(line, &args); err != nil {
		return err
	}
	f.debug = args.Enable
	f.report(okReport{Status: protocol.StatusOK, Message: protocol.MsgDebugSet})
	return nil
}

// replyError reports a failed command line. Every failure produces exactly
// one reply so the host can count rejections.
func (f *Firmware) replyError(err error) {
	var unknown *UnknownCommandError
	var rejected *CommandError

	switch {
	case errors.Is(err, protocol.ErrParse):
		f.report(lineErrorReport{Error: protocol.ErrCodeParse})
	case errors.Is(err, protocol.ErrMissingCmd):
		f.report(lineErrorReport{Error: protocol.ErrCodeMissingCmd})
	case errors.Is(err, protocol.ErrLineTooLong):
		f.report(lineErrorReport{Error: protocol.ErrCodeCommandTooLong})
	case errors.As(err, &unknown):
		f.report(lineErrorReport{Error: protocol.ErrCodeUnknownCommand, Cmd: unknown.Name})
	case errors.As(err, &rejected):
		rep := commandErrorReport{Status: protocol.StatusError, Message: rejected.Message}
		if rejected.HasID {
			id := rejected.ID
			rep.ID = &id
		}
		f.report(rep)
	default:
		f.report(commandErrorReport{Status: protocol.StatusError, Message: err.Error()})
	}
}
