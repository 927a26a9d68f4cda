package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const tickUS = 50

type axisPins struct {
	step, dir, enable, limitA, limitB, home GPIOPin
}

func pinsFor(id int) axisPins {
	base := GPIOPin(100 * (id + 1))
	return axisPins{step: base + 1, dir: base + 2, enable: base + 3, limitA: base + 4, limitB: base + 5, home: base + 6}
}

// rig drives a Firmware over a VirtualGPIO with a simulated clock
type rig struct {
	t    *testing.T
	gpio *VirtualGPIO
	out  *bytes.Buffer
	fw   *Firmware
	now  uint32
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gpio := NewVirtualGPIO()
	out := &bytes.Buffer{}
	return &rig{t: t, gpio: gpio, out: out, fw: NewFirmware(gpio, out)}
}

func (r *rig) send(line string) {
	r.fw.Receive([]byte(line + "\n"))
	r.fw.Poll(r.now)
}

func (r *rig) initAxis(id int, minLimit, maxLimit int64) axisPins {
	r.t.Helper()
	p := pinsFor(id)
	r.send(fmt.Sprintf(`{"cmd":"init_stepper","id":%d,"step_pin":%d,"dir_pin":%d,"limit_a":%d,"limit_b":%d,"home":%d,"enable_pin":%d,"min_limit":%d,"max_limit":%d}`,
		id, p.step, p.dir, p.limitA, p.limitB, p.home, p.enable, minLimit, maxLimit))

	lines := r.drain()
	if len(lines) != 1 || lines[0]["status"] != "stepper_initialized" || lines[0]["id"] != float64(id) {
		r.t.Fatalf("Expected stepper_initialized for %d, got %v", id, lines)
	}
	return p
}

// runFor advances the clock, polling every tickUS
func (r *rig) runFor(us uint32) {
	for end := r.now + us; timerIsBefore(r.now, end); {
		r.now += tickUS
		r.fw.Poll(r.now)
	}
}

// runUntilIdle polls until no axis is moving or maxUS elapses
func (r *rig) runUntilIdle(maxUS uint32) {
	r.t.Helper()
	for end := r.now + maxUS; timerIsBefore(r.now, end); {
		r.now += tickUS
		r.fw.Poll(r.now)
		if !r.anyMoving() {
			return
		}
	}
	r.t.Fatalf("Axes still moving after %dus", maxUS)
}

func (r *rig) anyMoving() bool {
	for id := 0; id < len(r.fw.steppers); id++ {
		if s := r.fw.Stepper(id); s != nil && s.Moving() {
			return true
		}
	}
	return false
}

// drain parses and clears everything the firmware has written
func (r *rig) drain() []map[string]any {
	r.t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(r.out.String()), "\n") {
		if raw == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			r.t.Fatalf("Firmware wrote invalid JSON %q: %v", raw, err)
		}
		lines = append(lines, m)
	}
	r.out.Reset()
	return lines
}

func withKey(lines []map[string]any, key, value string) []map[string]any {
	var out []map[string]any
	for _, l := range lines {
		if l[key] == value {
			out = append(out, l)
		}
	}
	return out
}

func TestMoveScenario(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"move_stepper","id":0,"steps":300,"dir":1,"speed":1000}`)
	if r.gpio.Level(p.enable) {
		t.Error("Enable pin should be low while moving")
	}
	r.runUntilIdle(1_000_000)

	s := r.fw.Stepper(0)
	if s.Position != 300 {
		t.Errorf("Expected position 300, got %d", s.Position)
	}
	if n := r.gpio.Rises(p.step); n != 300 {
		t.Errorf("Expected 300 step pulses, got %d", n)
	}
	if !r.gpio.Level(p.enable) {
		t.Error("Enable pin should be high after the move")
	}

	done := withKey(r.drain(), "event", "stepper_done")
	if len(done) != 1 {
		t.Fatalf("Expected exactly one stepper_done, got %d", len(done))
	}
	if done[0]["id"] != float64(0) || done[0]["position"] != float64(300) {
		t.Errorf("Unexpected stepper_done %v", done[0])
	}
}

func TestConstantSpeedMovesAreExact(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, 0, 0)

	moves := []struct {
		steps int
		dir   int
	}{{17, 1}, {40, 0}, {1, 0}, {250, 1}, {3, 0}}

	expected := int64(0)
	pulses := 0
	for _, m := range moves {
		r.send(fmt.Sprintf(`{"cmd":"move_stepper","id":0,"steps":%d,"dir":%d,"speed":600}`, m.steps, m.dir))
		r.runUntilIdle(1_000_000)

		if m.dir == DirCW {
			expected += int64(m.steps)
		} else {
			expected -= int64(m.steps)
		}
		pulses += m.steps

		if pos := r.fw.Stepper(0).Position; pos != expected {
			t.Fatalf("After %+v expected position %d, got %d", m, expected, pos)
		}
		if n := r.gpio.Rises(p.step); n != pulses {
			t.Fatalf("After %+v expected %d pulses, got %d", m, pulses, n)
		}
	}
}

func TestZeroStepMoveCompletesImmediately(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"move_stepper","id":0,"steps":0,"dir":1,"speed":1000}`)
	done := withKey(r.drain(), "event", "stepper_done")
	if len(done) != 1 {
		t.Fatalf("Expected immediate stepper_done, got %v", done)
	}
	if r.fw.Stepper(0).Active {
		t.Error("Axis should be idle")
	}
}

func TestAcceleratedMovePhases(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -2000, 2000)
	r.send(`{"cmd":"set_stepper_acceleration","id":0,"acceleration":100}`)
	r.send(`{"cmd":"set_stepper_deceleration","id":0,"deceleration":100}`)
	r.send(`{"cmd":"set_debug","enable":true}`)
	r.drain()

	r.send(`{"cmd":"move_stepper","id":0,"steps":1000,"dir":1,"speed":800}`)
	if setup := withKey(r.drain(), "debug", "accel_setup"); len(setup) != 1 {
		t.Fatalf("Expected one accel_setup debug line, got %v", setup)
	}

	s := r.fw.Stepper(0)
	ramp := s.Ramp()
	if ramp.AccelSteps+ramp.DecelSteps > ramp.Total {
		t.Fatalf("Ramp exceeds move: %+v", ramp)
	}

	var phases []MovePhase
	lastTaken := int64(-1)
	for i := 0; i < 200000 && s.Moving(); i++ {
		r.now += tickUS
		r.fw.Poll(r.now)
		if s.StepsTaken() != lastTaken {
			lastTaken = s.StepsTaken()
			if len(phases) == 0 || phases[len(phases)-1] != s.Phase() {
				phases = append(phases, s.Phase())
			}
		}
	}

	if s.Position != 1000 {
		t.Fatalf("Expected position 1000, got %d", s.Position)
	}
	want := []MovePhase{PhaseAccel, PhaseConst, PhaseDecel}
	if len(phases) != len(want) {
		t.Fatalf("Expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("Expected phases %v, got %v", want, phases)
		}
	}
}

func TestLimitHitHaltsTravel(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)

	r.gpio.OnWrite(func(pin GPIOPin, value bool) {
		if pin == p.step && value && r.gpio.Rises(p.step) == 50 {
			r.gpio.Press(p.limitA)
		}
	})

	r.send(`{"cmd":"move_stepper","id":0,"steps":500,"dir":1,"speed":1000}`)
	r.runFor(1_000_000)

	s := r.fw.Stepper(0)
	if s.Position != 50 {
		t.Errorf("Expected halt at 50, got %d", s.Position)
	}
	if s.Active {
		t.Error("Axis should be inactive after limit hit")
	}
	if !r.gpio.Level(p.enable) {
		t.Error("Enable pin should be de-energized (high) after limit hit")
	}

	lines := r.drain()
	hits := withKey(lines, "event", "limit_hit")
	if len(hits) != 1 {
		t.Fatalf("Expected exactly one limit_hit, got %d", len(hits))
	}
	if hits[0]["limit"] != "limit_a" || hits[0]["position"] != float64(50) || hits[0]["id"] != float64(0) {
		t.Errorf("Unexpected limit_hit %v", hits[0])
	}
	if len(withKey(lines, "event", "stepper_done")) != 0 {
		t.Error("A halted move must not report stepper_done")
	}

	r.runFor(100_000)
	if n := r.gpio.Rises(p.step); n != 50 {
		t.Errorf("No steps expected after halt, got %d pulses", n)
	}
	if len(r.drain()) != 0 {
		t.Error("No further events expected after halt")
	}
}

func TestLimitOnlyChecksDirectionOfTravel(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)
	r.gpio.Press(p.limitA)

	r.send(`{"cmd":"move_stepper","id":0,"steps":20,"dir":0,"speed":500}`)
	r.runUntilIdle(1_000_000)

	if pos := r.fw.Stepper(0).Position; pos != -20 {
		t.Errorf("CCW travel should ignore limit A, got position %d", pos)
	}

	r.send(`{"cmd":"move_stepper","id":0,"steps":20,"dir":1,"speed":500}`)
	r.runFor(100_000)
	if pos := r.fw.Stepper(0).Position; pos != -20 {
		t.Errorf("CW travel into asserted limit A should not step, got position %d", pos)
	}
	if hits := withKey(r.drain(), "event", "limit_hit"); len(hits) != 1 {
		t.Errorf("Expected one limit_hit, got %d", len(hits))
	}
}

func TestHomeScenario(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)

	r.gpio.OnWrite(func(pin GPIOPin, value bool) {
		if pin == p.step && value && r.gpio.Rises(p.step) == 5 {
			r.gpio.Press(p.home)
		}
	})

	r.send(`{"cmd":"home_stepper","id":0}`)
	r.runUntilIdle(1_000_000)

	s := r.fw.Stepper(0)
	if n := r.gpio.Rises(p.step); n != 5 {
		t.Errorf("Expected homing to stop after 5 steps, got %d", n)
	}
	if s.Position != 0 {
		t.Errorf("Expected position reset to 0, got %d", s.Position)
	}

	done := withKey(r.drain(), "event", "stepper_done")
	if len(done) != 1 || done[0]["homed"] != true || done[0]["position"] != float64(0) {
		t.Errorf("Expected one homed stepper_done, got %v", done)
	}
}

func TestHomingIgnoresTravelLimits(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)
	r.gpio.Press(p.limitB)

	r.gpio.OnWrite(func(pin GPIOPin, value bool) {
		if pin == p.step && value && r.gpio.Rises(p.step) == 12 {
			r.gpio.Press(p.home)
		}
	})

	r.send(`{"cmd":"home_stepper","id":0,"speed":700}`)
	r.runUntilIdle(1_000_000)

	if n := r.gpio.Rises(p.step); n != 12 {
		t.Errorf("Homing should pass the asserted limit, got %d steps", n)
	}
	if hits := withKey(r.drain(), "event", "limit_hit"); len(hits) != 0 {
		t.Errorf("Homing must not report limit hits, got %v", hits)
	}
}

func TestHomeNotFound(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"home_stepper","id":0,"speed":500,"max_steps":20}`)
	r.runUntilIdle(1_000_000)

	if n := r.gpio.Rises(p.step); n != 20 {
		t.Errorf("Expected 20 steps before giving up, got %d", n)
	}
	lines := r.drain()
	if nf := withKey(lines, "event", "home_not_found"); len(nf) != 1 || nf[0]["position"] != float64(-20) {
		t.Errorf("Expected one home_not_found at -20, got %v", nf)
	}
}

func TestHomeSwitchAlreadyAsserted(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)
	r.send(`{"cmd":"move_stepper","id":0,"steps":10,"dir":1,"speed":500}`)
	r.runUntilIdle(1_000_000)
	r.drain()

	r.gpio.Press(p.home)
	r.send(`{"cmd":"home_stepper","id":0}`)

	if r.fw.Stepper(0).Position != 0 {
		t.Errorf("Expected immediate zeroing, got %d", r.fw.Stepper(0).Position)
	}
	if done := withKey(r.drain(), "event", "stepper_done"); len(done) != 1 {
		t.Errorf("Expected immediate homed event, got %v", done)
	}
}

func TestPauseResume(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"move_stepper","id":0,"steps":100,"dir":1,"speed":1000}`)
	r.runFor(30_500)
	r.send(`{"cmd":"pause_stepper","id":0}`)

	s := r.fw.Stepper(0)
	paused := s.Position
	if paused != 30 {
		t.Errorf("Expected 30 steps before pause, got %d", paused)
	}
	acks := withKey(r.drain(), "message", "paused")
	if len(acks) != 1 || acks[0]["position"] != float64(paused) {
		t.Errorf("Expected paused ack with position, got %v", acks)
	}

	r.runFor(50_000)
	if s.Position != paused {
		t.Errorf("Paused axis moved from %d to %d", paused, s.Position)
	}

	r.send(`{"cmd":"resume_stepper","id":0}`)
	r.runUntilIdle(1_000_000)
	if s.Position != 100 {
		t.Errorf("Expected resumed move to finish at 100, got %d", s.Position)
	}
	if done := withKey(r.drain(), "event", "stepper_done"); len(done) != 1 {
		t.Errorf("Expected one stepper_done, got %d", len(done))
	}
}

func TestStopReportsPosition(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"move_stepper","id":0,"steps":100,"dir":0,"speed":1000}`)
	r.runFor(10_500)
	r.send(`{"cmd":"stop_stepper","id":0}`)

	acks := withKey(r.drain(), "message", "stopped")
	if len(acks) != 1 || acks[0]["position"] != float64(-10) {
		t.Fatalf("Expected stopped ack at -10, got %v", acks)
	}
	r.runFor(50_000)
	if n := r.gpio.Rises(p.step); n != 10 {
		t.Errorf("Stopped axis kept stepping: %d pulses", n)
	}
}

func TestGetPinStatesIsIdempotent(t *testing.T) {
	r := newRig(t)
	p := r.initAxis(0, -1000, 1000)
	r.send(`{"cmd":"move_stepper","id":0,"steps":42,"dir":1,"speed":500}`)
	r.runUntilIdle(1_000_000)
	r.drain()
	r.gpio.Press(p.limitB)

	for i := 0; i < 5; i++ {
		r.send(`{"cmd":"get_pin_states","id":0}`)
		r.runFor(5_000)
	}

	if r.fw.Stepper(0).Position != 42 {
		t.Errorf("Position changed to %d", r.fw.Stepper(0).Position)
	}
	lines := r.drain()
	if len(lines) != 5 {
		t.Fatalf("Expected 5 status replies, got %d", len(lines))
	}
	st := lines[4]["status"].(map[string]any)["stepper_0"].(map[string]any)
	if st["position"] != float64(42) || st["limit_b"] != true || st["limit_a"] != false || st["moving"] != false {
		t.Errorf("Unexpected status %v", st)
	}
}

func TestAxesAreIndependent(t *testing.T) {
	r := newRig(t)
	p0 := r.initAxis(0, -1000, 1000)
	r.initAxis(1, -1000, 1000)

	r.gpio.OnWrite(func(pin GPIOPin, value bool) {
		if pin == p0.step && value && r.gpio.Rises(p0.step) == 10 {
			r.gpio.Press(p0.limitA)
		}
	})

	r.send(`{"cmd":"move_stepper","id":0,"steps":100,"dir":1,"speed":500}`)
	r.send(`{"cmd":"move_stepper","id":1,"steps":80,"dir":0,"speed":700}`)
	r.runUntilIdle(1_000_000)

	if pos := r.fw.Stepper(0).Position; pos != 10 {
		t.Errorf("Axis 0 should stop at its limit, got %d", pos)
	}
	if pos := r.fw.Stepper(1).Position; pos != -80 {
		t.Errorf("Axis 1 should finish its move, got %d", pos)
	}
	lines := r.drain()
	if len(withKey(lines, "event", "limit_hit")) != 1 || len(withKey(lines, "event", "stepper_done")) != 1 {
		t.Errorf("Unexpected events %v", lines)
	}
}

func TestCommandRejections(t *testing.T) {
	r := newRig(t)

	cases := []struct {
		line string
		key  string
		want string
	}{
		{`{"cmd":"move_stepper","id":0,"steps":5,"dir":1,"speed":1000}`, "message", "stepper_not_initialized"},
		{`{"cmd":"init_stepper","id":99,"step_pin":1,"dir_pin":2}`, "message", "invalid_stepper_id"},
		{`{"cmd":"warp_drive"}`, "error", "unknown_command"},
		{`{"id":0}`, "error", "missing_cmd"},
		{`{"cmd":"move_stepper","id":0,`, "error", "parse_error"},
	}
	for _, c := range cases {
		r.send(c.line)
		lines := r.drain()
		if len(lines) != 1 || lines[0][c.key] != c.want {
			t.Errorf("%s: expected %s=%s, got %v", c.line, c.key, c.want, lines)
		}
	}

	r.initAxis(0, -100, 100)
	r.send(`{"cmd":"move_stepper","id":0,"steps":101,"dir":1,"speed":1000}`)
	if lines := r.drain(); len(lines) != 1 || lines[0]["message"] != "target_out_of_range" {
		t.Errorf("Expected target_out_of_range, got %v", lines)
	}
	r.send(`{"cmd":"move_stepper","id":0,"steps":10,"dir":1,"speed":0}`)
	if lines := r.drain(); len(lines) != 1 || lines[0]["message"] != "invalid_parameter" {
		t.Errorf("Expected invalid_parameter, got %v", lines)
	}
	if r.fw.Stepper(0).Active {
		t.Error("Rejected moves must not start the axis")
	}
}

func TestOverlongLineIsRejectedAndFramingRecovers(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -1000, 1000)

	long := `{"cmd":"get_status","id":0,"pad":"` + strings.Repeat("x", 600) + `"}`
	r.send(long)
	r.send(`{"cmd":"get_status","id":0}`)

	lines := r.drain()
	if len(lines) != 2 {
		t.Fatalf("Expected an error and a status reply, got %v", lines)
	}
	if lines[0]["error"] != "command_too_long" {
		t.Errorf("Expected command_too_long, got %v", lines[0])
	}
	if _, ok := lines[1]["status"].(map[string]any); !ok {
		t.Errorf("Expected status object after recovery, got %v", lines[1])
	}
}

func TestTargetOverridesRelativeSteps(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -1000, 1000)

	r.send(`{"cmd":"move_stepper","id":0,"steps":1,"dir":1,"speed":500,"target":-25}`)
	r.runUntilIdle(1_000_000)
	if pos := r.fw.Stepper(0).Position; pos != -25 {
		t.Errorf("Expected absolute target -25, got %d", pos)
	}
}

func TestSpeedIsClampedToLimits(t *testing.T) {
	r := newRig(t)
	r.initAxis(0, -1000, 1000)
	r.send(`{"cmd":"set_stepper_speed_limits","id":0,"min_delay":800,"max_delay":2000}`)
	if acks := withKey(r.drain(), "message", "speed_limits_set"); len(acks) != 1 {
		t.Fatalf("Expected speed_limits_set ack, got %v", acks)
	}

	r.send(`{"cmd":"move_stepper","id":0,"steps":10,"dir":1,"speed":100}`)
	if d := r.fw.Stepper(0).CurrentDelay(); d != 800 {
		t.Errorf("Expected delay clamped to 800, got %d", d)
	}
}

func TestBootAnnouncesFirmware(t *testing.T) {
	r := newRig(t)
	r.fw.Boot(0)
	lines := r.drain()
	if len(lines) != 1 || lines[0]["event"] != "firmware_ready" || lines[0]["version"] == "" {
		t.Errorf("Expected firmware_ready, got %v", lines)
	}
}
