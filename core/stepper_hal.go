package core

// StepperBackend defines the hardware abstraction for stepper control
// Implementations can use GPIO, PIO, or other methods
type StepperBackend interface {
	// Init configures the step and direction outputs
	Init(stepPin, dirPin GPIOPin, invertDir bool) error

	// Step generates a single step pulse
	// Must handle pulse width timing internally
	Step()

	// SetDirection sets the direction output
	// dir: DirCW drives the pin high, DirCCW drives it low (before inversion)
	SetDirection(dir int)

	// Stop immediately halts stepping
	Stop()

	// GetName returns backend implementation name
	GetName() string
}

// GPIOStepperBackend drives step and direction through a GPIODriver.
// The step pulse is a high write followed by a low write.
type GPIOStepperBackend struct {
	gpio      GPIODriver
	stepPin   GPIOPin
	dirPin    GPIOPin
	invertDir bool
}

// NewGPIOStepperBackend creates a new GPIO-based stepper backend
func NewGPIOStepperBackend(gpio GPIODriver) *GPIOStepperBackend {
	return &GPIOStepperBackend{gpio: gpio}
}

// Init initializes the GPIO stepper backend
func (b *GPIOStepperBackend) Init(stepPin, dirPin GPIOPin, invertDir bool) error {
	b.stepPin = stepPin
	b.dirPin = dirPin
	b.invertDir = invertDir

	if err := b.gpio.ConfigureOutput(stepPin); err != nil {
		return err
	}
	return b.gpio.ConfigureOutput(dirPin)
}

// Step generates a single step pulse
func (b *GPIOStepperBackend) Step() {
	_ = b.gpio.SetPin(b.stepPin, true)
	_ = b.gpio.SetPin(b.stepPin, false)
}

// SetDirection sets the direction output
func (b *GPIOStepperBackend) SetDirection(dir int) {
	_ = b.gpio.SetPin(b.dirPin, (dir == DirCW) != b.invertDir)
}

// Stop leaves the step line low
func (b *GPIOStepperBackend) Stop() {
	_ = b.gpio.SetPin(b.stepPin, false)
}

// GetName returns the backend name
func (b *GPIOStepperBackend) GetName() string {
	return "GPIO"
}
