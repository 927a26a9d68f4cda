//go:build rp2040 || rp2350

package main

import (
	"machine"

	"go.uber.org/atomic"
)

// maxWriteFailures is how many failed writes mark the host as gone
const maxWriteFailures = 10

// InitUSB configures machine.Serial, which is USB CDC-ACM on the Pico
func InitUSB() {
	_ = machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes available to read from USB
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from USB
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// usbWriter is the firmware output. Writes are dropped while no host is
// reading, so a closed terminal never stalls stepping.
type usbWriter struct {
	failures     uint32
	disconnected atomic.Bool
}

func (w *usbWriter) Write(data []byte) (int, error) {
	if w.disconnected.Load() {
		return len(data), nil
	}
	written := 0
	for written < len(data) {
		n, err := machine.Serial.Write(data[written:])
		if err != nil || n == 0 {
			w.failures++
			if w.failures > maxWriteFailures {
				w.disconnected.Store(true)
				w.failures = 0
			}
			return len(data), nil
		}
		written += n
	}
	w.failures = 0
	return written, nil
}

// reconnected clears the disconnected latch once the host sends again
func (w *usbWriter) reconnected() {
	w.disconnected.Store(false)
}
