package core

import "motionctl/protocol"

// Lines reported by the firmware. Field order is the wire order.

type firmwareReadyReport struct {
	Event   string `json:"event"`
	Version string `json:"version"`
}

type stepperDoneReport struct {
	Event    string `json:"event"`
	ID       int    `json:"id"`
	Position int64  `json:"position"`
	Homed    bool   `json:"homed,omitempty"`
}

type limitHitReport struct {
	Event    string `json:"event"`
	Limit    string `json:"limit"`
	Position int64  `json:"position"`
	ID       int    `json:"id"`
}

type homeNotFoundReport struct {
	Event    string `json:"event"`
	ID       int    `json:"id"`
	Position int64  `json:"position"`
}

type statusReport struct {
	Status map[string]protocol.PinState `json:"status"`
	ID     int                          `json:"id"`
}

type initializedReport struct {
	Status string `json:"status"`
	ID     int    `json:"id"`
}

type okReport struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	ID       *int   `json:"id,omitempty"`
	Position *int64 `json:"position,omitempty"`
}

type commandErrorReport struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      *int   `json:"id,omitempty"`
}

type lineErrorReport struct {
	Error string `json:"error"`
	Cmd   string `json:"cmd,omitempty"`
}

type accelSetupReport struct {
	Debug        string `json:"debug"`
	ID           int    `json:"id"`
	TotalSteps   int64  `json:"totalSteps"`
	AccelSteps   int64  `json:"accelSteps"`
	DecelSteps   int64  `json:"decelSteps"`
	Acceleration int    `json:"acceleration"`
	Deceleration int    `json:"deceleration"`
	Speed        int    `json:"speed"`
	MaxDelay     int    `json:"maxDelay"`
}

type backendReport struct {
	Debug   string `json:"debug"`
	ID      int    `json:"id"`
	Backend string `json:"backend"`
}
