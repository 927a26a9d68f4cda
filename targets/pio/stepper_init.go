//go:build rp2040 || rp2350

package pio

import (
	"motionctl/core"
)

var (
	// RP2040/RP2350 have 2 PIO blocks with 4 state machines each
	pioAllocations = [2][4]bool{} // [pioNum][smNum]
	nextPIONum     = uint8(0)
	nextSMNum      = uint8(0)
)

// BackendFactory returns a PIO backend while state machines remain, then
// falls back to bit-banged GPIO steps. Pass it to core.WithBackendFactory.
func BackendFactory(gpio core.GPIODriver) core.StepperBackend {
	pioNum, smNum, ok := allocatePIO()
	if !ok {
		return core.NewGPIOStepperBackend(gpio)
	}
	return NewStepperPIO(pioNum, smNum)
}

// allocatePIO allocates a state machine round-robin across both blocks
func allocatePIO() (uint8, uint8, bool) {
	for i := 0; i < 8; i++ {
		pioNum := nextPIONum
		smNum := nextSMNum

		nextSMNum++
		if nextSMNum >= 4 {
			nextSMNum = 0
			nextPIONum = (nextPIONum + 1) % 2
		}

		if !pioAllocations[pioNum][smNum] {
			pioAllocations[pioNum][smNum] = true
			return pioNum, smNum, true
		}
	}
	return 0, 0, false
}
