//go:build rp2040 || rp2350

package pio

// PIO step backend using the tinygo-org/pio package.
// Step pulses are timed by the state machine, so the firmware loop only
// pushes one command word per step.

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"motionctl/core"
)

// Command word format:
//
//	Bits 0-15:  pulse count minus one (jmp x-- runs the loop x+1 times)
//	Bits 16-23: delay cycles between pulses
//	Bit 31:     direction level
//
// buildStepperProgram creates the stepper PIO program using AssemblerV0
func buildStepperProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestX, 16).Encode(),   // 1: out x, 16 (pulse count)
		asm.Out(rp2pio.OutDestY, 8).Encode(),    // 2: out y, 8 (delay cycles)
		asm.Out(rp2pio.OutDestPins, 1).Encode(), // 3: out pins, 1 (direction)
		// step_loop:
		asm.Set(rp2pio.SetDestPins, 1).Delay(7).Encode(), // 4: set pins, 1 [7]
		asm.Set(rp2pio.SetDestPins, 0).Encode(),          // 5: set pins, 0
		// delay_loop:
		asm.Jmp(6, rp2pio.JmpYNZeroDec).Encode(), // 6: jmp y--, 6
		asm.Jmp(4, rp2pio.JmpXNZeroDec).Encode(), // 7: jmp x--, 4
		// .wrap
	}
}

// Jump targets are absolute, so the program must load at offset 0
const stepperPIOOrigin = 0

// StepperPIO implements core.StepperBackend on one PIO state machine
type StepperPIO struct {
	pio       *rp2pio.PIO
	sm        rp2pio.StateMachine
	stepPin   machine.Pin
	dirPin    machine.Pin
	invertDir bool
	dirLevel  bool
	loaded    bool
}

// NewStepperPIO creates a backend on PIO pioNum (0 or 1), state machine smNum (0-3)
func NewStepperPIO(pioNum, smNum uint8) *StepperPIO {
	pioHW := rp2pio.PIO0
	if pioNum != 0 {
		pioHW = rp2pio.PIO1
	}
	return &StepperPIO{
		pio: pioHW,
		sm:  pioHW.StateMachine(smNum),
	}
}

// Init loads the program and claims the step and dir pins. Re-initializing
// an axis on the same pins only restarts the state machine.
func (b *StepperPIO) Init(stepPin, dirPin core.GPIOPin, invertDir bool) error {
	b.invertDir = invertDir
	if b.loaded && b.stepPin == machine.Pin(stepPin) && b.dirPin == machine.Pin(dirPin) {
		b.Stop()
		return nil
	}
	b.stepPin = machine.Pin(stepPin)
	b.dirPin = machine.Pin(dirPin)

	b.sm.TryClaim()

	program := buildStepperProgram()
	offset, err := b.pio.AddProgram(program, stepperPIOOrigin)
	if err != nil {
		return err
	}

	b.stepPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.dirPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(b.stepPin, 1)
	cfg.SetOutPins(b.dirPin, 1)
	// shift right, explicit PULL, 32-bit threshold
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetClkDivIntFrac(1000, 0)

	// pin directions must be set after Init
	b.sm.Init(offset, cfg)
	b.sm.SetPindirsConsecutive(b.stepPin, 1, true)
	b.sm.SetPindirsConsecutive(b.dirPin, 1, true)
	b.sm.SetPinsConsecutive(b.stepPin, 1, false)
	b.sm.SetPinsConsecutive(b.dirPin, 1, false)
	b.sm.SetEnabled(true)

	b.loaded = true
	return nil
}

// Step queues a single step pulse
func (b *StepperPIO) Step() {
	b.queue(1, 1)
}

func (b *StepperPIO) queue(count uint16, delayCycles uint8) {
	cmd := uint32(count-1) | uint32(delayCycles)<<16
	if b.dirLevel {
		cmd |= 1 << 31
	}
	for b.sm.IsTxFIFOFull() {
	}
	b.sm.TxPut(cmd)
}

// SetDirection latches the direction level sent with the next step
func (b *StepperPIO) SetDirection(dir int) {
	b.dirLevel = (dir == core.DirCW) != b.invertDir
}

// Stop drops queued pulses and restarts the state machine
func (b *StepperPIO) Stop() {
	b.sm.SetEnabled(false)
	b.sm.ClearFIFOs()
	b.sm.Restart()
	b.sm.SetEnabled(true)
}

// GetName returns the backend name
func (b *StepperPIO) GetName() string {
	return "PIO"
}
