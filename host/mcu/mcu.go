// Package mcu manages the host's connection to the motion firmware: the
// serial link, its listener and dispatcher goroutines, the per-axis
// feedback store and reconnects.
package mcu

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"motionctl/host/logging"
	"motionctl/host/metrics"
	"motionctl/host/serial"
	"motionctl/protocol"
)

// Config holds connection settings
type Config struct {
	WriteTimeout time.Duration
	QueueSize    int
	Reconnect    bool
	Backoff      BackoffConfig
}

// DefaultConfig returns the default connection settings
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 500 * time.Millisecond,
		QueueSize:    DefaultQueueSize,
		Reconnect:    true,
		Backoff:      DefaultBackoff(),
	}
}

// Opener opens the port to the firmware. It is called again on reconnect.
type Opener func() (serial.Port, error)

// MCU represents a connection to a motion controller
type MCU struct {
	cfg     Config
	open    Opener
	store   *FeedbackStore
	log     zerolog.Logger
	metrics *metrics.Metrics

	link   atomic.Pointer[link]
	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan protocol.Event
	nextSub int

	hookMu    sync.Mutex
	onConnect []func()
}

// Option configures an MCU
type Option func(*MCU)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(m *MCU) {
		m.log = log
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *MCU) {
		m.metrics = mt
	}
}

// New creates an MCU (not yet connected)
func New(cfg Config, open Opener, opts ...Option) *MCU {
	m := &MCU{
		cfg:   cfg,
		open:  open,
		store: NewFeedbackStore(),
		log:   zerolog.Nop(),
		stop:  make(chan struct{}),
		subs:  make(map[int]chan protocol.Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.Component(m.log, "mcu")
	return m
}

// Dial creates an MCU for a serial config and connects it
func Dial(scfg *serial.Config, cfg Config, opts ...Option) (*MCU, error) {
	m := New(cfg, func() (serial.Port, error) { return serial.Open(scfg) }, opts...)
	if err := m.Connect(); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect opens the port and starts the listener, the dispatcher and the
// reconnect supervisor
func (m *MCU) Connect() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.link.Load() != nil {
		return nil
	}
	port, err := m.open()
	if err != nil {
		return err
	}
	l := m.startLink(port)
	m.link.Store(l)

	m.wg.Add(1)
	go m.supervise(l)
	m.log.Info().Msg("connected")
	return nil
}

// Send encodes req and queues it without waiting for the firmware
func (m *MCU) Send(req protocol.Request) error {
	if m.closed.Load() {
		return ErrClosed
	}
	l := m.link.Load()
	if l == nil {
		m.metrics.SendFailed("disconnected")
		return ErrTransportDisconnected
	}
	return l.dispatcher.Send(req)
}

// SendLine queues a raw line. A trailing newline is added when missing.
func (m *MCU) SendLine(line []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	l := m.link.Load()
	if l == nil {
		return ErrTransportDisconnected
	}
	if len(line) == 0 || line[len(line)-1] != protocol.LineEnd {
		line = append(line[:len(line):len(line)], protocol.LineEnd)
	}
	return l.dispatcher.Enqueue(line)
}

// Feedback returns the per-axis feedback store
func (m *MCU) Feedback() *FeedbackStore {
	return m.store
}

// Connected reports whether a link is up
func (m *MCU) Connected() bool {
	return m.link.Load() != nil
}

// Closed reports whether Close has been called
func (m *MCU) Closed() bool {
	return m.closed.Load()
}

// OnConnect registers fn to run after every reconnect
func (m *MCU) OnConnect(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// Subscribe returns a channel receiving every decoded line. Delivery never
// blocks the listener: events are dropped while the channel is full. The
// returned function unsubscribes and closes the channel.
func (m *MCU) Subscribe(buffer int) (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, buffer)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

func (m *MCU) publish(ev protocol.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Debug().Str("kind", ev.Kind.String()).Str("name", ev.Name).Msg("subscriber full, event dropped")
		}
	}
}

// Close stops the connection. Further calls return ErrClosed.
func (m *MCU) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)

	var err error
	if l := m.link.Swap(nil); l != nil {
		err = multierr.Append(err, l.close())
	}
	m.wg.Wait()

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()

	m.log.Info().Msg("closed")
	return err
}

// supervise waits for the link to fail and reconnects with backoff
func (m *MCU) supervise(l *link) {
	defer m.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-m.stop:
			return
		case <-l.done:
		}

		if !m.link.CompareAndSwap(l, nil) {
			return
		}
		m.log.Warn().Err(l.err).Msg("link lost")
		if err := l.close(); err != nil {
			m.log.Debug().Err(err).Msg("closing failed link")
		}
		if !m.cfg.Reconnect {
			return
		}

		next := m.reconnect(rng)
		if next == nil {
			return
		}
		l = next
	}
}

func (m *MCU) reconnect(rng *rand.Rand) *link {
	for attempt := 1; ; attempt++ {
		delay := NextBackoffDelay(m.cfg.Backoff, attempt, rng)
		select {
		case <-m.stop:
			return nil
		case <-time.After(delay):
		}

		port, err := m.open()
		if err != nil {
			m.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
			continue
		}

		l := m.startLink(port)
		m.link.Store(l)
		if m.closed.Load() {
			if cur := m.link.Swap(nil); cur != nil {
				_ = cur.close()
			}
			return nil
		}
		m.metrics.Reconnected()
		m.log.Info().Int("attempt", attempt).Msg("reconnected")

		m.hookMu.Lock()
		hooks := append([]func(){}, m.onConnect...)
		m.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return l
	}
}

func (m *MCU) startLink(port serial.Port) *link {
	l := &link{
		port: port,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.listener = NewListener(port, m.store, m.publish, m.log, m.metrics)
	l.dispatcher = NewDispatcher(port, m.cfg.QueueSize, m.cfg.WriteTimeout, m.log, m.metrics)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		if err := l.listener.Run(l.stop); err != nil {
			l.fail(err)
		}
	}()
	go func() {
		defer l.wg.Done()
		if err := l.dispatcher.Run(l.stop); err != nil {
			l.fail(err)
		}
	}()
	return l
}

// link is one open port with its listener and dispatcher goroutines
type link struct {
	port       serial.Port
	listener   *Listener
	dispatcher *Dispatcher

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	failOnce  sync.Once
	err       error
	closeErr  error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (l *link) fail(err error) {
	l.failOnce.Do(func() {
		l.err = err
		close(l.done)
	})
}

// close stops both goroutines and closes the port. Closing the port
// unblocks a reader stuck in Read.
func (l *link) close() error {
	l.closeOnce.Do(func() {
		l.stopOnce.Do(func() { close(l.stop) })
		l.dispatcher.dead.Store(true)
		l.closeErr = multierr.Append(l.port.Flush(), l.port.Close())
		l.wg.Wait()
	})
	return l.closeErr
}
