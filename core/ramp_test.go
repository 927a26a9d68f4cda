package core

import "testing"

func TestPlanRampClamp(t *testing.T) {
	params := []int{0, 1, 5, 10, 37, 100, 1000}

	for total := int64(0); total <= 300; total++ {
		for _, a := range params {
			for _, d := range params {
				accel, decel := PlanRamp(total, a, d)
				if accel < 0 || decel < 0 {
					t.Fatalf("total=%d a=%d d=%d: negative ramp %d/%d", total, a, d, accel, decel)
				}
				if accel+decel > total {
					t.Fatalf("total=%d a=%d d=%d: accel %d + decel %d exceeds total", total, a, d, accel, decel)
				}
				if a == 0 && accel != 0 || d == 0 && decel != 0 {
					t.Fatalf("total=%d a=%d d=%d: disabled ramp got steps %d/%d", total, a, d, accel, decel)
				}
			}
		}
	}
}

func TestPlanRampScaling(t *testing.T) {
	// direct step-count scaling, capped at 40% of the move
	accel, decel := PlanRamp(1000, 100, 600)
	if accel != 100 || decel != 400 {
		t.Errorf("Expected 100/400, got %d/%d", accel, decel)
	}

	// floor of RampMinSteps
	accel, decel = PlanRamp(1000, 3, 3)
	if accel != RampMinSteps || decel != RampMinSteps {
		t.Errorf("Expected floor of %d, got %d/%d", RampMinSteps, accel, decel)
	}

	// short move split in half
	accel, decel = PlanRamp(15, 100, 100)
	if accel != 7 || decel != 8 {
		t.Errorf("Expected 7/8 split, got %d/%d", accel, decel)
	}
}

func TestRampMonotonic(t *testing.T) {
	for _, total := range []int64{1, 9, 20, 21, 250, 1000} {
		r := NewRamp(total, 100, 80, 5000, 800)

		prevPhase := PhaseAccel
		prevDelay := r.DelayAt(0)
		for taken := int64(0); taken < total; taken++ {
			phase := r.Phase(taken)
			delay := r.DelayAt(taken)

			if phase < prevPhase {
				t.Fatalf("total=%d: phase went back from %v to %v at step %d", total, prevPhase, phase, taken)
			}
			if delay < 800 || delay > 5000 {
				t.Fatalf("total=%d: delay %d out of range at step %d", total, delay, taken)
			}
			switch phase {
			case PhaseAccel:
				if taken > 0 && delay > prevDelay {
					t.Fatalf("total=%d: accel delay increased %d -> %d", total, prevDelay, delay)
				}
			case PhaseDecel:
				if prevPhase == PhaseDecel && delay < prevDelay {
					t.Fatalf("total=%d: decel delay decreased %d -> %d", total, prevDelay, delay)
				}
			case PhaseConst:
				if delay != 800 {
					t.Fatalf("total=%d: const delay %d", total, delay)
				}
			}
			prevPhase, prevDelay = phase, delay
		}
	}
}

func TestRampStartDelayNeverBelowCruise(t *testing.T) {
	r := NewRamp(100, 20, 20, 300, 1000)
	if r.StartDelay != 1000 {
		t.Errorf("Expected start delay raised to cruise delay, got %d", r.StartDelay)
	}
	for taken := int64(0); taken < 100; taken++ {
		if d := r.DelayAt(taken); d != 1000 {
			t.Fatalf("Expected flat profile, got %d at %d", d, taken)
		}
	}
}
