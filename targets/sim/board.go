// Package sim runs the motion firmware on a virtual board: GPIO in memory,
// the clock from the host's monotonic time, the UART over a net.Conn.
package sim

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"motionctl/core"
	"motionctl/host/logging"
	"motionctl/host/serial"
)

// DefaultTick is the main loop period
const DefaultTick = 200 * time.Microsecond

// Board is a virtual controller board. The firmware state survives
// reconnects, like a USB link re-enumerating without a reset.
type Board struct {
	GPIO *core.VirtualGPIO
	FW   *core.Firmware

	start time.Time
	tick  time.Duration
	log   zerolog.Logger

	outMu  sync.Mutex
	out    bytes.Buffer
	outSig chan struct{}

	bootOnce sync.Once
	serveMu  sync.Mutex // one connection at a time
	closed   chan struct{}
	closeMu  sync.Once
}

// Option configures a Board
type Option func(*boardOptions)

type boardOptions struct {
	tick  time.Duration
	debug bool
	log   zerolog.Logger
}

// WithTick sets the main loop period
func WithTick(d time.Duration) Option {
	return func(o *boardOptions) { o.tick = d }
}

// WithDebug enables firmware debug lines
func WithDebug(enabled bool) Option {
	return func(o *boardOptions) { o.debug = enabled }
}

// WithLogger sets the logger for connection events
func WithLogger(log zerolog.Logger) Option {
	return func(o *boardOptions) { o.log = log }
}

// NewBoard creates a board. The firmware boots on the first connection.
func NewBoard(opts ...Option) *Board {
	o := boardOptions{tick: DefaultTick, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Board{
		GPIO:   core.NewVirtualGPIO(),
		start:  time.Now(),
		tick:   o.tick,
		log:    logging.Component(o.log, "sim"),
		outSig: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	b.FW = core.NewFirmware(b.GPIO, (*outbox)(b), core.WithDebug(o.debug))
	return b
}

// Now returns the firmware clock in microseconds
func (b *Board) Now() uint32 {
	return core.TimerFromUS(uint32(time.Since(b.start).Microseconds()))
}

// Serve runs the firmware with conn as its UART until conn fails, ctx is
// done or the board is closed
func (b *Board) Serve(ctx context.Context, conn net.Conn) error {
	b.serveMu.Lock()
	defer b.serveMu.Unlock()
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.discardOutput()
	b.bootOnce.Do(func() { b.FW.Boot(b.Now()) })

	errc := make(chan error, 2)
	go func() { errc <- b.readLoop(ctx, conn) }()
	go func() { errc <- b.writeLoop(ctx, conn) }()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case err := <-errc:
			return err
		case <-ticker.C:
			b.FW.Poll(b.Now())
		}
	}
}

// Pipe starts serving an in-memory link and returns the host end as a port
func (b *Board) Pipe(readTimeout time.Duration) serial.Port {
	host, board := net.Pipe()
	go func() {
		if err := b.Serve(context.Background(), board); err != nil {
			b.log.Debug().Err(err).Msg("pipe closed")
		}
	}()
	return serial.NewConnPort(host, readTimeout)
}

// Opener returns a port opener for mcu.New. Each call opens a new pipe.
func (b *Board) Opener(readTimeout time.Duration) func() (serial.Port, error) {
	return func() (serial.Port, error) {
		select {
		case <-b.closed:
			return nil, net.ErrClosed
		default:
		}
		return b.Pipe(readTimeout), nil
	}
}

// ListenAndServe accepts TCP connections on addr and serves them one at a time
func (b *Board) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return b.ServeListener(ctx, ln)
}

// ServeListener serves connections accepted from ln until ctx is done
func (b *Board) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-b.closed:
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("host connected")
		if err := b.Serve(ctx, conn); err != nil {
			b.log.Info().Err(err).Msg("host disconnected")
		}
	}
}

// Close stops every Serve loop
func (b *Board) Close() {
	b.closeMu.Do(func() { close(b.closed) })
}

func (b *Board) readLoop(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.FW.Receive(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (b *Board) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.outSig:
		}
		b.outMu.Lock()
		data := append([]byte(nil), b.out.Bytes()...)
		b.out.Reset()
		b.outMu.Unlock()
		if len(data) == 0 {
			continue
		}
		if _, err := conn.Write(data); err != nil {
			return err
		}
	}
}

// discardOutput drops replies queued while no host was connected
func (b *Board) discardOutput() {
	b.outMu.Lock()
	b.out.Reset()
	b.outMu.Unlock()
}

// outbox buffers firmware output so a slow host never stalls the main loop
type outbox Board

func (o *outbox) Write(p []byte) (int, error) {
	o.outMu.Lock()
	o.out.Write(p)
	o.outMu.Unlock()
	select {
	case o.outSig <- struct{}{}:
	default:
	}
	return len(p), nil
}
