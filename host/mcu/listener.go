package mcu

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"motionctl/host/logging"
	"motionctl/host/metrics"
	"motionctl/host/serial"
	"motionctl/protocol"
)

const readChunk = 256

// Listener owns the receive side of a port. It frames lines, decodes them,
// records them in the feedback store and hands each event to a callback.
type Listener struct {
	port    serial.Port
	framer  *protocol.LineFramer
	store   *FeedbackStore
	onEvent func(protocol.Event)
	clock   func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewListener creates a listener. onEvent may be nil.
func NewListener(port serial.Port, store *FeedbackStore, onEvent func(protocol.Event),
	log zerolog.Logger, m *metrics.Metrics) *Listener {
	return &Listener{
		port:    port,
		framer:  protocol.NewLineFramer(protocol.MaxLineLength),
		store:   store,
		onEvent: onEvent,
		clock:   time.Now,
		log:     logging.Component(log, "listener"),
		metrics: m,
	}
}

// Run reads until stop is closed or the port fails. A port failure is
// returned wrapped in ErrTransportDisconnected.
func (l *Listener) Run(stop <-chan struct{}) error {
	buf := make([]byte, readChunk)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			l.framer.Feed(buf[:n], l.handleFramed)
		}
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			return fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
		}
	}
}

func (l *Listener) handleFramed(line []byte, err error) {
	if err != nil {
		l.malformed(line, err)
		return
	}
	l.HandleLine(line)
}

// HandleLine processes one complete line
func (l *Listener) HandleLine(line []byte) {
	ev, err := protocol.Decode(line)
	if err != nil {
		l.malformed(line, err)
		return
	}
	l.metrics.LineReceived(ev.Kind.String())

	switch ev.Kind {
	case protocol.KindEvent:
		l.metrics.Event(ev.Name)
		l.log.Debug().Str("event", ev.Name).Int("axis", ev.AxisID).Int64("position", ev.Position).Msg("event")
	case protocol.KindError:
		l.log.Warn().Str("error", ev.Name).Bool("has_axis", ev.HasAxis).Int("axis", ev.AxisID).Msg("firmware error")
	case protocol.KindDebug:
		l.log.Debug().RawJSON("line", ev.Raw).Msg("firmware debug")
	case protocol.KindLegacyAck:
		l.log.Debug().Str("text", ev.Message).Msg("legacy ack")
	}

	l.store.Apply(ev, l.clock())
	if ev.HasAxis && ev.HasPosition {
		l.metrics.Position(ev.AxisID, ev.Position)
	}
	for id, pins := range ev.Pins {
		l.metrics.Position(id, pins.Position)
	}

	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

func (l *Listener) malformed(line []byte, err error) {
	l.metrics.MalformedLine()
	ev := l.log.Warn().Err(err)
	if !errors.Is(err, protocol.ErrLineTooLong) {
		ev = ev.Bytes("line", line)
	}
	ev.Msg("discarding malformed line")
}
