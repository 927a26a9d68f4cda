package serial

import (
	"errors"
	"io"
	"strings"
	"time"
)

// Port represents a serial link to the motion firmware.
// Implementations:
// - Native serial (using github.com/tarm/serial)
// - Network serial bridges and in-memory pipes (net.Conn)
//
// Read returns (0, nil) when no data arrived within the read timeout, so a
// reader loop can poll for shutdown. Any error returned by Read means the
// link is gone.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// TCPPrefix selects a network serial bridge instead of a device node
const TCPPrefix = "tcp://"

// ErrNoDevice is returned by Open when the config names no device
var ErrNoDevice = errors.New("no serial device configured")

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM3") or "tcp://host:port"
	Device string

	// Baud rate. USB CDC adapters ignore this.
	Baud int

	// ReadTimeout bounds each read so the reader can observe shutdown
	ReadTimeout time.Duration

	// WriteTimeout bounds each write on ports that support deadlines.
	// Zero leaves writes unbounded.
	WriteTimeout time.Duration

	// DialTimeout bounds connecting to a network bridge
	DialTimeout time.Duration
}

// DefaultConfig returns the default configuration for the motion firmware
func DefaultConfig(device string) *Config {
	return &Config{
		Device:       device,
		Baud:         115200,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  3 * time.Second,
	}
}

// Open opens the port named by cfg.Device
func Open(cfg *Config) (Port, error) {
	if cfg == nil || cfg.Device == "" {
		return nil, ErrNoDevice
	}
	if addr, ok := strings.CutPrefix(cfg.Device, TCPPrefix); ok {
		return Dial(addr, cfg)
	}
	return OpenNative(cfg)
}
