package mcu

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"motionctl/host/logging"
	"motionctl/host/metrics"
	"motionctl/protocol"
)

// DefaultQueueSize is the default number of queued outbound lines
const DefaultQueueSize = 32

// StallFactor is how many write timeouts a single write may block before
// the link is declared lost
const StallFactor = 4

// Dispatcher owns the send side of a port. Enqueue never blocks: lines go
// into a bounded queue drained by one writer goroutine.
type Dispatcher struct {
	w            io.Writer
	queue        chan []byte
	writeTimeout time.Duration
	stallLimit   time.Duration
	inflight     atomic.Int64 // UnixNano when the current write started, 0 when idle
	dead         atomic.Bool
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// NewDispatcher creates a dispatcher writing to w
func NewDispatcher(w io.Writer, queueSize int, writeTimeout time.Duration,
	log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		w:            w,
		queue:        make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		stallLimit:   writeTimeout * StallFactor,
		log:          logging.Component(log, "dispatcher"),
		metrics:      m,
	}
}

// Send encodes req and queues it
func (d *Dispatcher) Send(req protocol.Request) error {
	line, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if err := d.Enqueue(line); err != nil {
		return err
	}
	d.metrics.CommandSent(req.Command())
	return nil
}

// Enqueue queues one encoded line. It fails with ErrTransportBusy when the
// queue is full or the write in progress has exceeded the write timeout,
// and with ErrTransportDisconnected once the writer has failed.
func (d *Dispatcher) Enqueue(line []byte) error {
	if d.dead.Load() {
		d.metrics.SendFailed("disconnected")
		return ErrTransportDisconnected
	}
	if d.stalled(time.Now()) {
		d.metrics.SendFailed("stalled")
		return fmt.Errorf("%w: write in progress for more than %v", ErrTransportBusy, d.writeTimeout)
	}
	select {
	case d.queue <- line:
		return nil
	default:
		d.metrics.SendFailed("queue_full")
		return fmt.Errorf("%w: send queue full", ErrTransportBusy)
	}
}

// Pending returns the number of queued lines
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) stalled(now time.Time) bool {
	return d.blockedFor(now, d.writeTimeout)
}

func (d *Dispatcher) blockedFor(now time.Time, limit time.Duration) bool {
	if limit <= 0 {
		return false
	}
	started := d.inflight.Load()
	return started != 0 && now.Sub(time.Unix(0, started)) > limit
}

// Run writes queued lines until stop is closed or the link fails. A write
// error, or a single write blocked for StallFactor write timeouts, is
// returned wrapped in ErrTransportDisconnected. A writer goroutine blocked
// in Write exits once the port is closed.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	errc := make(chan error, 1)
	go func() { errc <- d.write(stop) }()

	var tick <-chan time.Time
	if d.stallLimit > 0 {
		ticker := time.NewTicker(max(d.stallLimit/4, time.Millisecond))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return nil
		case err := <-errc:
			return err
		case now := <-tick:
			if d.blockedFor(now, d.stallLimit) {
				d.dead.Store(true)
				d.metrics.SendFailed("write_stalled")
				return fmt.Errorf("%w: write blocked for more than %v", ErrTransportDisconnected, d.stallLimit)
			}
		}
	}
}

func (d *Dispatcher) write(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case line := <-d.queue:
			d.inflight.Store(time.Now().UnixNano())
			_, err := d.w.Write(line)
			d.inflight.Store(0)
			if err != nil {
				d.dead.Store(true)
				select {
				case <-stop:
					return nil
				default:
				}
				return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
			}
			d.log.Trace().Bytes("line", line).Msg("sent")
		}
	}
}
