package core

import (
	"errors"
	"sync"
)

// PinMode is the configured direction of a virtual pin
type PinMode uint8

const (
	PinUnconfigured PinMode = iota
	PinOutput
	PinInputPullUp
)

var errPinNotOutput = errors.New("gpio: pin not configured as output")

// WriteHook observes output writes on a VirtualGPIO. It runs without the
// pin lock held, so it may drive inputs.
type WriteHook func(pin GPIOPin, value bool)

// VirtualGPIO is an in-memory GPIODriver for host builds and simulation.
// Unconfigured and undriven inputs read high, like a pulled-up line.
type VirtualGPIO struct {
	mu     sync.Mutex
	modes  map[GPIOPin]PinMode
	levels map[GPIOPin]bool
	driven map[GPIOPin]bool
	rises  map[GPIOPin]int
	hooks  []WriteHook
}

// NewVirtualGPIO creates a VirtualGPIO with all pins unconfigured
func NewVirtualGPIO() *VirtualGPIO {
	return &VirtualGPIO{
		modes:  make(map[GPIOPin]PinMode),
		levels: make(map[GPIOPin]bool),
		driven: make(map[GPIOPin]bool),
		rises:  make(map[GPIOPin]int),
	}
}

// ConfigureOutput configures a pin as an output, driven low
func (g *VirtualGPIO) ConfigureOutput(pin GPIOPin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[pin] = PinOutput
	g.levels[pin] = false
	delete(g.driven, pin)
	return nil
}

// ConfigureInputPullUp configures a pin as an input. It reads high unless
// something external drives it.
func (g *VirtualGPIO) ConfigureInputPullUp(pin GPIOPin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[pin] = PinInputPullUp
	if !g.driven[pin] {
		g.levels[pin] = true
	}
	return nil
}

// SetPin drives an output pin
func (g *VirtualGPIO) SetPin(pin GPIOPin, value bool) error {
	g.mu.Lock()
	if g.modes[pin] != PinOutput {
		g.mu.Unlock()
		return errPinNotOutput
	}
	if value && !g.levels[pin] {
		g.rises[pin]++
	}
	g.levels[pin] = value
	hooks := g.hooks
	g.mu.Unlock()

	for _, h := range hooks {
		h(pin, value)
	}
	return nil
}

// ReadPin reads the current level of a pin
func (g *VirtualGPIO) ReadPin(pin GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	level, ok := g.levels[pin]
	if !ok {
		return true
	}
	return level
}

// Drive sets the external level on an input pin (a switch closing pulls it low)
func (g *VirtualGPIO) Drive(pin GPIOPin, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.driven[pin] = true
	g.levels[pin] = level
}

// Press asserts an active-low switch
func (g *VirtualGPIO) Press(pin GPIOPin) {
	g.Drive(pin, false)
}

// Release lets an active-low switch float back to its pull-up
func (g *VirtualGPIO) Release(pin GPIOPin) {
	g.Drive(pin, true)
}

// Level returns the last level of a pin without side effects
func (g *VirtualGPIO) Level(pin GPIOPin) bool {
	return g.ReadPin(pin)
}

// Mode returns how a pin is configured
func (g *VirtualGPIO) Mode(pin GPIOPin) PinMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modes[pin]
}

// Rises returns the number of low-to-high transitions written to a pin
func (g *VirtualGPIO) Rises(pin GPIOPin) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rises[pin]
}

// OnWrite registers a hook for output writes
func (g *VirtualGPIO) OnWrite(h WriteHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, h)
}
