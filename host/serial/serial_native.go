package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// ErrHangup is returned when the device reports end of file before the read
// timeout could have expired, as a tty does once a USB adapter is unplugged
var ErrHangup = errors.New("serial device hung up")

// vtimeUnit is the resolution of the termios read timeout tarm/serial uses
const vtimeUnit = 100 * time.Millisecond

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port io.ReadWriteCloser
	cfg  *Config
	now  func() time.Time
}

// OpenNative opens a native serial port
func OpenNative(cfg *Config) (*NativePort, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return newNativePort(port, cfg, time.Now), nil
}

func newNativePort(port io.ReadWriteCloser, cfg *Config, now func() time.Time) *NativePort {
	return &NativePort{port: port, cfg: cfg, now: now}
}

// Read reads data from the serial port.
// tarm/serial reports both an expired read timeout and a hung-up device as
// (0, io.EOF). Only an EOF that took at least half the effective timeout
// counts as a timeout.
func (p *NativePort) Read(b []byte) (int, error) {
	start := p.now()
	n, err := p.port.Read(b)
	if n == 0 && err == io.EOF {
		if p.cfg.ReadTimeout > 0 && p.now().Sub(start) >= effectiveTimeout(p.cfg.ReadTimeout)/2 {
			return 0, nil
		}
		return 0, ErrHangup
	}
	return n, err
}

// effectiveTimeout is the read timeout termios applies: whole deciseconds,
// at least one
func effectiveTimeout(d time.Duration) time.Duration {
	return max(d.Truncate(vtimeUnit), vtimeUnit)
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush flushes the serial port buffers.
// tarm/serial writes are unbuffered, so there is nothing to do.
func (p *NativePort) Flush() error {
	return nil
}

// Device returns the device path
func (p *NativePort) Device() string {
	return p.cfg.Device
}
