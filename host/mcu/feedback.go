package mcu

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"motionctl/protocol"
)

// Feedback is the host's view of one axis. The listener writes it from
// firmware lines and the axis controller writes it when it issues a
// command; both hold the slot lock.
type Feedback struct {
	Position    int64
	Target      int64
	Confirmed   bool // Position was reported by the firmware and no command is outstanding
	Moving      bool
	Paused      bool
	Homing      bool
	Homed       bool
	Initialized bool
	LimitA      bool
	LimitB      bool
	Home        bool
	PinsKnown   bool
	LastEvent   string
	LastError   string
	UpdatedAt   time.Time
}

// AxisSlot guards the state of one axis. It is the only lock the host
// takes for an axis; nothing else is locked while it is held.
type AxisSlot struct {
	mu sync.Mutex
	id int
	fb Feedback
}

// ID returns the axis id
func (s *AxisSlot) ID() int { return s.id }

// Lock acquires the axis lock
func (s *AxisSlot) Lock() { s.mu.Lock() }

// Unlock releases the axis lock
func (s *AxisSlot) Unlock() { s.mu.Unlock() }

// State returns the guarded feedback. The caller must hold the lock.
func (s *AxisSlot) State() *Feedback { return &s.fb }

// Snapshot returns a copy of the feedback
func (s *AxisSlot) Snapshot() Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fb
}

// BeginMove records an issued move. The caller must hold the lock.
func (f *Feedback) BeginMove(target int64) {
	f.Target = target
	f.Moving = true
	f.Paused = false
	f.Homing = false
	f.Confirmed = false
	f.LimitA, f.LimitB = false, false
	f.LastError = ""
}

// BeginHoming records an issued homing run. The caller must hold the lock.
func (f *Feedback) BeginHoming() {
	f.Target = 0
	f.Moving = true
	f.Paused = false
	f.Homing = true
	f.Homed = false
	f.Confirmed = false
	f.LastError = ""
}

// BeginInit records an issued axis init. The firmware zeroes the position.
func (f *Feedback) BeginInit() {
	*f = Feedback{UpdatedAt: f.UpdatedAt}
}

func (f *Feedback) apply(ev protocol.Event) bool {
	switch ev.Kind {
	case protocol.KindEvent:
		return f.applyEvent(ev)
	case protocol.KindAck:
		return f.applyAck(ev)
	case protocol.KindError:
		f.LastError = ev.Name
		if ev.Message != "" {
			f.LastError = ev.Message
		}
		switch f.LastError {
		case protocol.MsgStepperNotInitialized:
			f.Initialized = false
			f.Moving, f.Paused, f.Homing = false, false, false
			f.Confirmed = false
		case protocol.MsgTargetOutOfRange:
			// only a move is rejected this way, and the axis did not start it
			f.Moving, f.Homing = false, false
			f.Target = f.Position
		}
		return true
	}
	return false
}

func (f *Feedback) applyEvent(ev protocol.Event) bool {
	if ev.HasPosition {
		f.Position = ev.Position
	}
	switch ev.Name {
	case protocol.EventStepperDone:
		f.Moving, f.Paused = false, false
		if ev.Homed {
			f.Homed = true
			f.Target = 0
		}
		f.Homing = false
		f.Confirmed = ev.HasPosition
	case protocol.EventLimitHit:
		f.Moving, f.Paused, f.Homing = false, false, false
		switch ev.Limit {
		case protocol.LimitA:
			f.LimitA = true
		case protocol.LimitB:
			f.LimitB = true
		}
		f.Confirmed = ev.HasPosition
	case protocol.EventHomeNotFound:
		f.Moving, f.Paused, f.Homing = false, false, false
		f.Homed = false
		f.Confirmed = ev.HasPosition
	default:
		return false
	}
	f.LastEvent = ev.Name
	return true
}

func (f *Feedback) applyAck(ev protocol.Event) bool {
	if ev.Name == protocol.StatusStepperInitialized {
		f.Initialized = true
		f.Position, f.Target = 0, 0
		f.Moving, f.Paused, f.Homing, f.Homed = false, false, false, false
		f.Confirmed = true
		return true
	}

	switch ev.Message {
	case protocol.MsgStopped:
		f.Moving, f.Paused, f.Homing = false, false, false
	case protocol.MsgPaused:
		f.Moving, f.Paused = false, true
	case protocol.MsgResumed:
		f.Moving, f.Paused = true, false
	default:
		return false
	}
	if ev.HasPosition {
		f.Position = ev.Position
		f.Confirmed = !f.Moving
	}
	return true
}

func (f *Feedback) applyPins(p protocol.PinState) {
	f.Position = p.Position
	f.Moving = p.Moving
	if !p.Moving && !f.Paused {
		f.Homing = false
	}
	f.LimitA, f.LimitB, f.Home = p.LimitA, p.LimitB, p.Home
	f.PinsKnown = true
	f.Confirmed = !p.Moving
}

func (f *Feedback) reset() {
	f.Initialized, f.Homed = false, false
	f.Moving, f.Paused, f.Homing = false, false, false
	f.Confirmed = false
	f.LastEvent = protocol.EventFirmwareReady
}

// FeedbackStore holds one slot per possible axis. The set of slots is fixed
// at construction, so lookups take no lock.
type FeedbackStore struct {
	slots [protocol.MaxAxes]*AxisSlot

	legacyAcks atomic.Int64
	lastLegacy atomic.String
	lastError  atomic.String
	version    atomic.String
}

// NewFeedbackStore creates a store with a slot for every axis id
func NewFeedbackStore() *FeedbackStore {
	s := &FeedbackStore{}
	for i := range s.slots {
		s.slots[i] = &AxisSlot{id: i}
	}
	return s
}

// Slot returns the slot for an axis id
func (s *FeedbackStore) Slot(id int) (*AxisSlot, bool) {
	if id < 0 || id >= len(s.slots) {
		return nil, false
	}
	return s.slots[id], true
}

// Apply records a decoded firmware line and reports whether it changed
// anything. Each touched slot is locked on its own.
func (s *FeedbackStore) Apply(ev protocol.Event, now time.Time) bool {
	switch {
	case ev.Kind == protocol.KindLegacyAck:
		s.legacyAcks.Inc()
		s.lastLegacy.Store(ev.Message)
		return true

	case ev.Kind == protocol.KindEvent && ev.Name == protocol.EventFirmwareReady:
		s.version.Store(ev.Version)
		for _, slot := range s.slots {
			slot.mu.Lock()
			slot.fb.reset()
			slot.fb.UpdatedAt = now
			slot.mu.Unlock()
		}
		return true

	case ev.Kind == protocol.KindStatus:
		applied := false
		for id, pins := range ev.Pins {
			slot, ok := s.Slot(id)
			if !ok {
				continue
			}
			slot.mu.Lock()
			slot.fb.applyPins(pins)
			slot.fb.UpdatedAt = now
			slot.mu.Unlock()
			applied = true
		}
		return applied

	case ev.Kind == protocol.KindError && !ev.HasAxis:
		s.lastError.Store(ev.Name)
		return true
	}

	if !ev.HasAxis {
		return false
	}
	slot, ok := s.Slot(ev.AxisID)
	if !ok {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.fb.apply(ev) {
		return false
	}
	slot.fb.UpdatedAt = now
	return true
}

// LegacyAcks returns how many bare-string acknowledgements were received
// and the text of the last one.
func (s *FeedbackStore) LegacyAcks() (int64, string) {
	return s.legacyAcks.Load(), s.lastLegacy.Load()
}

// LastError returns the last error the firmware reported without an axis
func (s *FeedbackStore) LastError() string {
	return s.lastError.Load()
}

// FirmwareVersion returns the version from the last firmware_ready event
func (s *FeedbackStore) FirmwareVersion() string {
	return s.version.Load()
}
