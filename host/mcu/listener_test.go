package mcu

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/host/metrics"
	"motionctl/host/serial"
	"motionctl/protocol"
)

func TestListenerMalformedLineDoesNotCorruptStore(t *testing.T) {
	store := NewFeedbackStore()
	var events []protocol.Event
	l := NewListener(nil, store, func(ev protocol.Event) { events = append(events, ev) },
		zerolog.Nop(), metrics.New(prometheus.NewRegistry()))

	l.HandleLine([]byte(`{"event":"stepper_done","id":0,"position":25}`))
	l.HandleLine([]byte(`{"event":"stepper_done","id":0,"posit`))
	l.HandleLine([]byte("\x00\x01\xff"))
	l.HandleLine([]byte(`{"event":"limit_hit","limit":"limit_b","position":-3,"id":1}`))

	s0, _ := store.Slot(0)
	assert.EqualValues(t, 25, s0.Snapshot().Position)

	s1, _ := store.Slot(1)
	fb := s1.Snapshot()
	assert.EqualValues(t, -3, fb.Position)
	assert.True(t, fb.LimitB)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventStepperDone, events[0].Name)
	assert.Equal(t, protocol.EventLimitHit, events[1].Name)
}

func TestListenerRunFramesAcrossReads(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	store := NewFeedbackStore()
	got := make(chan protocol.Event, 4)
	l := NewListener(serial.NewConnPort(a, 10*time.Millisecond), store,
		func(ev protocol.Event) { got <- ev }, zerolog.Nop(), nil)

	stop := make(chan struct{})
	result := make(chan error, 1)
	go func() { result <- l.Run(stop) }()

	_, err := b.Write([]byte(`{"event":"stepper_do`))
	require.NoError(t, err)
	_, err = b.Write([]byte("ne\",\"id\":5,\"position\":9}\n"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, 5, ev.AxisID)
		assert.EqualValues(t, 9, ev.Position)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	close(stop)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not observe stop")
	}
}

func TestListenerReportsDisconnect(t *testing.T) {
	a, b := net.Pipe()
	l := NewListener(serial.NewConnPort(a, 10*time.Millisecond), NewFeedbackStore(), nil, zerolog.Nop(), nil)

	result := make(chan error, 1)
	go func() { result <- l.Run(make(chan struct{})) }()
	require.NoError(t, b.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTransportDisconnected)
		assert.False(t, IsRetryable(err))
	case <-time.After(time.Second):
		t.Fatal("listener did not report the closed port")
	}
}

// hangupPort delivers one line, then reports a hung-up device
type hangupPort struct {
	sent bool
}

func (p *hangupPort) Read(b []byte) (int, error) {
	if !p.sent {
		p.sent = true
		return copy(b, "{\"event\":\"stepper_done\",\"id\":0,\"position\":7}\n"), nil
	}
	return 0, serial.ErrHangup
}

func (p *hangupPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *hangupPort) Close() error                { return nil }
func (p *hangupPort) Flush() error                { return nil }

func TestListenerHangupIsDisconnect(t *testing.T) {
	store := NewFeedbackStore()
	l := NewListener(&hangupPort{}, store, nil, zerolog.Nop(), nil)

	err := l.Run(make(chan struct{}))
	assert.ErrorIs(t, err, ErrTransportDisconnected)
	assert.ErrorIs(t, err, serial.ErrHangup)

	s0, _ := store.Slot(0)
	assert.EqualValues(t, 7, s0.Snapshot().Position)
}
