package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMalformedMessage is returned for lines that cannot be normalized into an Event.
var ErrMalformedMessage = errors.New("malformed message")

// Kind classifies a received line
type Kind uint8

const (
	KindUnknown   Kind = iota
	KindEvent          // asynchronous event: stepper_done, limit_hit, ...
	KindStatus         // pin/position status object
	KindAck            // {"status":"ok"} style acknowledgement
	KindError          // top-level error or {"status":"error"}
	KindDebug          // {"debug":...}
	KindLegacyAck      // bare string acknowledgement
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindStatus:
		return "status"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	case KindDebug:
		return "debug"
	case KindLegacyAck:
		return "legacy_ack"
	default:
		return "unknown"
	}
}

// PinState is one axis entry of a status object
type PinState struct {
	LimitA   bool  `json:"limit_a"`
	LimitB   bool  `json:"limit_b"`
	Home     bool  `json:"home"`
	Position int64 `json:"position"`
	Moving   bool  `json:"moving"`
}

// Event is the canonical shape of every line received from the firmware.
//
// Name holds the event name (KindEvent), status value (KindAck), error code
// (KindError), debug tag (KindDebug) or "ok" (KindLegacyAck).
type Event struct {
	Kind        Kind
	Name        string
	AxisID      int
	HasAxis     bool
	Position    int64
	HasPosition bool
	Limit       string
	Homed       bool
	Message     string
	Version     string
	Pins        map[int]PinState
	Raw         []byte
}

// OK reports whether the event represents success
func (e Event) OK() bool {
	switch e.Kind {
	case KindAck, KindLegacyAck:
		return true
	case KindError:
		return false
	default:
		return true
	}
}

type wireMessage struct {
	Event    *string         `json:"event"`
	Status   json.RawMessage `json:"status"`
	Error    *string         `json:"error"`
	Debug    *string         `json:"debug"`
	ID       *int            `json:"id"`
	Position *int64          `json:"position"`
	Limit    string          `json:"limit"`
	Homed    bool            `json:"homed"`
	Message  string          `json:"message"`
	Version  string          `json:"version"`
	Cmd      string          `json:"cmd"`
}

// Decode normalizes one received line.
//
// JSON objects are decoded into their structured kind. Printable text that
// is not JSON is a legacy acknowledgement and is reported as success.
// Anything else, including truncated objects, is ErrMalformedMessage.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	raw := make([]byte, len(line))
	copy(raw, line)

	if len(line) == 0 {
		return Event{Raw: raw}, ErrMalformedMessage
	}

	switch line[0] {
	case '{':
		return decodeObject(line, raw)
	case '[':
		return Event{Raw: raw}, ErrMalformedMessage
	case '"':
		var s string
		if err := json.Unmarshal(line, &s); err != nil {
			return Event{Raw: raw}, ErrMalformedMessage
		}
		return legacyAck(s, raw)
	default:
		return legacyAck(string(line), raw)
	}
}

func legacyAck(text string, raw []byte) (Event, error) {
	if !utf8.ValidString(text) || strings.IndexFunc(text, unprintable) >= 0 {
		return Event{Raw: raw}, ErrMalformedMessage
	}
	return Event{
		Kind:    KindLegacyAck,
		Name:    StatusOK,
		Message: text,
		Raw:     raw,
	}, nil
}

func unprintable(r rune) bool {
	return r != '\t' && !unicode.IsPrint(r)
}

func decodeObject(line, raw []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Event{Raw: raw}, ErrMalformedMessage
	}

	ev := Event{
		Limit:   msg.Limit,
		Homed:   msg.Homed,
		Message: msg.Message,
		Version: msg.Version,
		Raw:     raw,
	}
	if msg.ID != nil {
		ev.AxisID = *msg.ID
		ev.HasAxis = true
	}
	if msg.Position != nil {
		ev.Position = *msg.Position
		ev.HasPosition = true
	}

	switch {
	case msg.Event != nil:
		ev.Kind = KindEvent
		ev.Name = *msg.Event
	case msg.Error != nil:
		ev.Kind = KindError
		ev.Name = *msg.Error
		if ev.Message == "" {
			ev.Message = msg.Cmd
		}
	case msg.Debug != nil:
		ev.Kind = KindDebug
		ev.Name = *msg.Debug
	case len(msg.Status) > 0:
		if err := decodeStatus(msg.Status, &ev); err != nil {
			return Event{Raw: raw}, err
		}
	default:
		return Event{Raw: raw}, ErrMalformedMessage
	}

	if ev.Name == "" && ev.Kind != KindStatus {
		return Event{Raw: raw}, ErrMalformedMessage
	}
	return ev, nil
}

func decodeStatus(status json.RawMessage, ev *Event) error {
	switch status[0] {
	case '"':
		var s string
		if err := json.Unmarshal(status, &s); err != nil {
			return ErrMalformedMessage
		}
		ev.Name = s
		if s == StatusError {
			ev.Kind = KindError
			ev.Name = ev.Message
			if ev.Name == "" {
				ev.Name = StatusError
			}
		} else {
			ev.Kind = KindAck
		}
		return nil
	case '{':
		var axes map[string]PinState
		if err := json.Unmarshal(status, &axes); err != nil {
			return ErrMalformedMessage
		}
		ev.Kind = KindStatus
		ev.Pins = make(map[int]PinState, len(axes))
		for key, st := range axes {
			id, err := strconv.Atoi(strings.TrimPrefix(key, "stepper_"))
			if err != nil || !strings.HasPrefix(key, "stepper_") {
				return ErrMalformedMessage
			}
			ev.Pins[id] = st
		}
		if !ev.HasAxis && len(ev.Pins) == 1 {
			for id := range ev.Pins {
				ev.AxisID = id
				ev.HasAxis = true
			}
		}
		return nil
	default:
		return ErrMalformedMessage
	}
}
