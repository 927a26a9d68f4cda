package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when a command line is not a JSON object
	ErrParse = errors.New("command is not valid JSON")

	// ErrMissingCmd is returned when a command object has no "cmd" field
	ErrMissingCmd = errors.New("command has no cmd field")
)

// Request is a command sent from the host to the firmware
type Request interface {
	Command() string
}

// InitStepper configures an axis. Optional pins are nil when not wired.
type InitStepper struct {
	ID        int   `json:"id"`
	StepPin   int   `json:"step_pin"`
	DirPin    int   `json:"dir_pin"`
	LimitA    *int  `json:"limit_a,omitempty"`
	LimitB    *int  `json:"limit_b,omitempty"`
	Home      *int  `json:"home,omitempty"`
	EnablePin *int  `json:"enable_pin,omitempty"`
	MinLimit  int64 `json:"min_limit"`
	MaxLimit  int64 `json:"max_limit"`
}

// MoveStepper starts a relative move. Target, when set, is the absolute
// destination and takes precedence over Steps and Dir.
type MoveStepper struct {
	ID     int    `json:"id"`
	Steps  int64  `json:"steps"`
	Dir    int    `json:"dir"`
	Speed  int    `json:"speed"`
	Target *int64 `json:"target,omitempty"`
}

// HomeStepper starts homing. MaxSteps of 0 means unbounded.
type HomeStepper struct {
	ID       int   `json:"id"`
	Speed    int   `json:"speed,omitempty"`
	Dir      *int  `json:"dir,omitempty"`
	MaxSteps int64 `json:"max_steps,omitempty"`
}

// StopStepper halts an axis immediately
type StopStepper struct {
	ID int `json:"id"`
}

// PauseStepper holds an axis in place without discarding its move
type PauseStepper struct {
	ID int `json:"id"`
}

// ResumeStepper continues a paused move
type ResumeStepper struct {
	ID int `json:"id"`
}

// SetAcceleration sets the acceleration ramp length in steps
type SetAcceleration struct {
	ID           int `json:"id"`
	Acceleration int `json:"acceleration"`
}

// SetDeceleration sets the deceleration ramp length in steps
type SetDeceleration struct {
	ID           int `json:"id"`
	Deceleration int `json:"deceleration"`
}

// SetSpeedLimits bounds the step interval in microseconds
type SetSpeedLimits struct {
	ID       int `json:"id"`
	MinDelay int `json:"min_delay"`
	MaxDelay int `json:"max_delay"`
}

// GetPinStates requests a status object for one axis
type GetPinStates struct {
	ID int `json:"id"`
}

// GetStatus requests a status object for one axis
type GetStatus struct {
	ID int `json:"id"`
}

// SetDebug toggles debug lines from the firmware
type SetDebug struct {
	Enable bool `json:"enable"`
}

func (InitStepper) Command() string     { return CmdInitStepper }
func (MoveStepper) Command() string     { return CmdMoveStepper }
func (HomeStepper) Command() string     { return CmdHomeStepper }
func (StopStepper) Command() string     { return CmdStopStepper }
func (PauseStepper) Command() string    { return CmdPauseStepper }
func (ResumeStepper) Command() string   { return CmdResumeStepper }
func (SetAcceleration) Command() string { return CmdSetAcceleration }
func (SetDeceleration) Command() string { return CmdSetDeceleration }
func (SetSpeedLimits) Command() string  { return CmdSetSpeedLimits }
func (GetPinStates) Command() string    { return CmdGetPinStates }
func (GetStatus) Command() string       { return CmdGetStatus }
func (SetDebug) Command() string        { return CmdSetDebug }

// Encode serializes a request as one newline-terminated line with "cmd" first.
func Encode(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Command(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: request is not an object", req.Command())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(req.Command()) + 10)
	buf.WriteString(`{"cmd":`)
	name, _ := json.Marshal(req.Command())
	buf.Write(name)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}

	if buf.Len() > MaxLineLength {
		return nil, fmt.Errorf("encode %s: %w", req.Command(), ErrLineTooLong)
	}
	buf.WriteByte(LineEnd)
	return buf.Bytes(), nil
}

// CommandName extracts the "cmd" field from a command line.
func CommandName(line []byte) (string, error) {
	var env struct {
		Cmd *string `json:"cmd"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return "", ErrParse
	}
	if env.Cmd == nil || *env.Cmd == "" {
		return "", ErrMissingCmd
	}
	return *env.Cmd, nil
}

// DecodeArgs unmarshals a command line into its typed arguments
func DecodeArgs(line []byte, args any) error {
	if err := json.Unmarshal(line, args); err != nil {
		return ErrParse
	}
	return nil
}
