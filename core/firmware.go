package core

import (
	"encoding/json"
	"io"
	"sync"

	"motionctl/protocol"
)

// RxBufferSize is the default size of the receive ring
const RxBufferSize = 2048

// Firmware is the motion controller main loop: it frames received bytes
// into command lines, runs their handlers, and dispatches step timers.
//
// Receive may be called from any goroutine (it stands in for the UART
// interrupt). Everything else runs on the goroutine that calls Poll.
type Firmware struct {
	rxMu sync.Mutex
	rx   *protocol.FifoBuffer

	mu             sync.Mutex
	framer         *protocol.LineFramer
	commands       *CommandRegistry
	sched          *Scheduler
	gpio           GPIODriver
	out            io.Writer
	steppers       [protocol.MaxAxes]*Stepper
	debug          bool
	backendFactory func(GPIODriver) StepperBackend
}

// Option configures a Firmware
type Option func(*Firmware)

// WithBackendFactory replaces the GPIO step backend
func WithBackendFactory(factory func(GPIODriver) StepperBackend) Option {
	return func(f *Firmware) {
		f.backendFactory = factory
	}
}

// WithDebug enables debug lines from boot
func WithDebug(enabled bool) Option {
	return func(f *Firmware) {
		f.debug = enabled
	}
}

// WithRxBuffer sets the receive ring size
func WithRxBuffer(size int) Option {
	return func(f *Firmware) {
		f.rx = protocol.NewFifoBuffer(size)
	}
}

// NewFirmware creates a firmware instance writing its replies to out
func NewFirmware(gpio GPIODriver, out io.Writer, opts ...Option) *Firmware {
	f := &Firmware{
		rx:       protocol.NewFifoBuffer(RxBufferSize),
		framer:   protocol.NewLineFramer(protocol.MaxLineLength),
		commands: NewCommandRegistry(),
		sched:    NewScheduler(),
		gpio:     gpio,
		out:      out,
		backendFactory: func(g GPIODriver) StepperBackend {
			return NewGPIOStepperBackend(g)
		},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.registerCoreCommands()
	f.registerStepperCommands()
	return f
}

// Boot announces the firmware on the wire
func (f *Firmware) Boot(now uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sched.SetTime(now)
	f.report(firmwareReadyReport{Event: protocol.EventFirmwareReady, Version: protocol.Version})
}

// Receive queues bytes from the transport and returns how many were stored
func (f *Firmware) Receive(data []byte) int {
	f.rxMu.Lock()
	defer f.rxMu.Unlock()
	return f.rx.Write(data)
}

// Poll handles every complete command line received so far, then runs due
// step timers. now is the firmware clock in microseconds.
func (f *Firmware) Poll(now uint32) {
	f.rxMu.Lock()
	pending := f.rx.Data()
	data := make([]byte, len(pending))
	copy(data, pending)
	f.rx.Pop(len(data))
	dropped, lastDropped := f.rx.TakeDropped()
	f.rxMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sched.SetTime(now)
	if len(data) > 0 {
		f.framer.Feed(data, f.handleFramed)
	}
	if dropped > 0 {
		// the line in progress lost its tail, and so did the dropped
		// bytes unless they ended on a newline
		if lastDropped == protocol.LineEnd {
			f.framer.Reset()
		} else {
			f.framer.Discard()
		}
		f.report(lineErrorReport{Error: protocol.ErrCodeRxOverflow})
	}
	f.sched.Dispatch(now)
}

// Stepper returns an initialized axis, or nil
func (f *Firmware) Stepper(id int) *Stepper {
	if id < 0 || id >= protocol.MaxAxes {
		return nil
	}
	return f.steppers[id]
}

// Commands returns the command registry
func (f *Firmware) Commands() *CommandRegistry {
	return f.commands
}

func (f *Firmware) handleFramed(line []byte, err error) {
	if err != nil {
		f.replyError(err)
		return
	}
	f.handleLine(line)
}

func (f *Firmware) handleLine(line []byte) {
	if err := f.commands.Dispatch(line); err != nil {
		f.replyError(err)
	}
}

// report writes one JSON line. Output errors are ignored; the control loop
// keeps running without a host.
func (f *Firmware) report(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, protocol.LineEnd)
	_, _ = f.out.Write(data)
}

// debugf reports a debug line when debug output is enabled
func (f *Firmware) debugf(msg any) {
	if f.debug {
		f.report(msg)
	}
}
