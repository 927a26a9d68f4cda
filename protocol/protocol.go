// Package protocol implements the motion controller's line protocol:
// newline-delimited JSON objects, with bare strings accepted as legacy acks.
package protocol

// Version represents the firmware protocol version
const Version = "1.2.0"

// Protocol constants
const (
	MaxLineLength = 500 // Maximum line length in bytes, excluding the newline
	MaxAxes       = 16  // Maximum number of stepper axes per firmware
	LineEnd       = '\n'
)

// Command names (host -> firmware)
const (
	CmdInitStepper     = "init_stepper"
	CmdMoveStepper     = "move_stepper"
	CmdHomeStepper     = "home_stepper"
	CmdStopStepper     = "stop_stepper"
	CmdPauseStepper    = "pause_stepper"
	CmdResumeStepper   = "resume_stepper"
	CmdSetAcceleration = "set_stepper_acceleration"
	CmdSetDeceleration = "set_stepper_deceleration"
	CmdSetSpeedLimits  = "set_stepper_speed_limits"
	CmdGetPinStates    = "get_pin_states"
	CmdGetStatus       = "get_status"
	CmdSetDebug        = "set_debug"
)

// Asynchronous event names (firmware -> host)
const (
	EventStepperDone   = "stepper_done"
	EventLimitHit      = "limit_hit"
	EventHomeNotFound  = "home_not_found"
	EventFirmwareReady = "firmware_ready"
)

// Limit switch names carried by limit_hit
const (
	LimitA = "limit_a"
	LimitB = "limit_b"
)

// Status values
const (
	StatusOK                 = "ok"
	StatusError              = "error"
	StatusStepperInitialized = "stepper_initialized"
)

// Status messages
const (
	MsgAccelerationSet       = "acceleration_set"
	MsgDecelerationSet       = "deceleration_set"
	MsgSpeedLimitsSet        = "speed_limits_set"
	MsgStopped               = "stopped"
	MsgPaused                = "paused"
	MsgResumed               = "resumed"
	MsgDebugSet              = "debug_set"
	MsgInvalidStepperID      = "invalid_stepper_id"
	MsgStepperNotInitialized = "stepper_not_initialized"
	MsgInvalidParameter      = "invalid_parameter"
	MsgTargetOutOfRange      = "target_out_of_range"
)

// Top-level error codes
const (
	ErrCodeParse          = "parse_error"
	ErrCodeMissingCmd     = "missing_cmd"
	ErrCodeCommandTooLong = "command_too_long"
	ErrCodeUnknownCommand = "unknown_command"
	ErrCodeRxOverflow     = "rx_overflow"
)

// Directions. CW travels toward limit A, CCW toward limit B.
const (
	DirCCW = 0
	DirCW  = 1
)

// Debug tags
const (
	DebugAccelSetup     = "accel_setup"
	DebugStepperBackend = "stepper_backend"
)

// StatusKey returns the key used for an axis inside a status object ("stepper_3").
func StatusKey(id int) string {
	return "stepper_" + itoa(id)
}

// itoa avoids pulling strconv into firmware builds.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
