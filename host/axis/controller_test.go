package axis

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionctl/host/config"
	"motionctl/host/mcu"
	"motionctl/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Request
	err  error
}

func (f *fakeSender) Send(req protocol.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSender) requests() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.sent...)
}

func (f *fakeSender) last() protocol.Request {
	reqs := f.requests()
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type rig struct {
	store *mcu.FeedbackStore
	tx    *fakeSender
	now   time.Time
	ctl   *Controller
}

func newRig(t *testing.T, mutate func(*config.Axis)) *rig {
	t.Helper()
	a := config.DefaultAxis()
	a.IndexDistance = 100
	if mutate != nil {
		mutate(&a)
	}
	r := &rig{store: mcu.NewFeedbackStore(), tx: &fakeSender{}, now: time.Unix(1000, 0)}
	slot, ok := r.store.Slot(a.ID)
	require.True(t, ok)
	r.ctl = NewController(a, slot, r.tx, Options{
		StaleAfter:  time.Second,
		AutoRefresh: true,
		Clock:       func() time.Time { return r.now },
		Log:         zerolog.Nop(),
	})
	return r
}

func (r *rig) apply(t *testing.T, line string) {
	t.Helper()
	ev, err := protocol.Decode([]byte(line))
	require.NoError(t, err)
	r.store.Apply(ev, r.now)
}

func (r *rig) initialized(t *testing.T) *rig {
	t.Helper()
	require.NoError(t, r.ctl.Init())
	r.apply(t, `{"status":"stepper_initialized","id":0}`)
	r.tx.reset()
	return r
}

func TestOperationsRequireInit(t *testing.T) {
	r := newRig(t, nil)

	_, err := r.ctl.Jog(10)
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	_, err = r.ctl.Home()
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	assert.Empty(t, r.tx.requests())
}

func TestInitSendsConfiguration(t *testing.T) {
	r := newRig(t, func(a *config.Axis) {
		a.Acceleration = 100
		a.Deceleration = 50
	})
	require.NoError(t, r.ctl.Init())

	reqs := r.tx.requests()
	require.Len(t, reqs, 4)
	initReq := reqs[0].(protocol.InitStepper)
	assert.Equal(t, 25, initReq.StepPin)
	assert.Equal(t, 21, *initReq.Home)
	assert.EqualValues(t, -1000, initReq.MinLimit)
	assert.Equal(t, protocol.SetSpeedLimits{ID: 0, MinDelay: 500, MaxDelay: 5000}, reqs[1])
	assert.Equal(t, protocol.SetAcceleration{ID: 0, Acceleration: 100}, reqs[2])
	assert.Equal(t, protocol.SetDeceleration{ID: 0, Deceleration: 50}, reqs[3])
	assert.True(t, r.ctl.Configured())
}

func TestMoveToSendsAbsoluteTarget(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	p, err := r.ctl.MoveTo(-300)
	require.NoError(t, err)
	assert.True(t, p.Moving)
	assert.False(t, p.Confirmed)
	assert.EqualValues(t, -300, p.Target)

	move := r.tx.last().(protocol.MoveStepper)
	assert.EqualValues(t, 300, move.Steps)
	assert.Equal(t, protocol.DirCCW, move.Dir)
	assert.Equal(t, config.DefaultSpeed, move.Speed)
	require.NotNil(t, move.Target)
	assert.EqualValues(t, -300, *move.Target)

	r.apply(t, `{"event":"stepper_done","id":0,"position":-300}`)
	p = r.ctl.GetPosition()
	assert.True(t, p.Confirmed)
	assert.False(t, p.Moving)
	assert.EqualValues(t, -300, p.Steps)
}

func TestMoveToRejectsOutOfRange(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	_, err := r.ctl.MoveTo(1001)
	var rejected *mcu.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, rejected.Axis)
	assert.Empty(t, r.tx.requests())
}

func TestJogClampsToBounds(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.apply(t, `{"event":"stepper_done","id":0,"position":990}`)

	p, err := r.ctl.Jog(50)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, p.Target)

	move := r.tx.last().(protocol.MoveStepper)
	assert.EqualValues(t, 10, move.Steps)
	assert.Equal(t, protocol.DirCW, move.Dir)

	// a second jog while moving builds on the destination
	p, err = r.ctl.Jog(-30)
	require.NoError(t, err)
	assert.EqualValues(t, 970, p.Target)
}

func TestIndex(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	p, err := r.ctl.Index(3)
	require.NoError(t, err)
	assert.EqualValues(t, 300, p.Target)

	_, err = r.ctl.Index(8)
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)

	r2 := newRig(t, func(a *config.Axis) { a.IndexDistance = 0 }).initialized(t)
	_, err = r2.ctl.Index(1)
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
}

func TestHome(t *testing.T) {
	r := newRig(t, func(a *config.Axis) { a.HomeMaxSteps = 5000 }).initialized(t)

	p, err := r.ctl.Home()
	require.NoError(t, err)
	assert.True(t, p.Homing)

	home := r.tx.last().(protocol.HomeStepper)
	assert.Equal(t, config.DefaultHomeSpeed, home.Speed)
	assert.Equal(t, protocol.DirCCW, *home.Dir)
	assert.EqualValues(t, 5000, home.MaxSteps)

	r.apply(t, `{"event":"stepper_done","id":0,"position":0,"homed":true}`)
	p = r.ctl.Status()
	assert.True(t, p.Homed)
	assert.False(t, p.Homing)

	noSwitch := newRig(t, func(a *config.Axis) { a.Home = nil }).initialized(t)
	_, err = noSwitch.ctl.Home()
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
}

func TestStopPauseResumeAreDispatched(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	_, err := r.ctl.Pause()
	require.NoError(t, err)
	_, err = r.ctl.Resume()
	require.NoError(t, err)
	_, err = r.ctl.Stop()
	require.NoError(t, err)

	assert.Equal(t, []protocol.Request{
		protocol.PauseStepper{ID: 0},
		protocol.ResumeStepper{ID: 0},
		protocol.StopStepper{ID: 0},
	}, r.tx.requests())
}

func TestDisableStopsAndRefusesMoves(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	_, err := r.ctl.MoveTo(200)
	require.NoError(t, err)
	r.tx.reset()

	_, err = r.ctl.Disable()
	require.NoError(t, err)
	assert.Equal(t, []protocol.Request{protocol.StopStepper{ID: 0}}, r.tx.requests())
	assert.False(t, r.ctl.Enabled())

	r.apply(t, `{"status":"ok","message":"stopped","id":0,"position":40}`)
	r.tx.reset()

	_, err = r.ctl.MoveTo(10)
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	_, err = r.ctl.Jog(5)
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	_, err = r.ctl.Home()
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	_, err = r.ctl.Resume()
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	assert.Empty(t, r.tx.requests())

	// queries still go out while disabled
	require.NoError(t, r.ctl.Refresh())
	assert.Len(t, r.tx.requests(), 1)

	require.NoError(t, r.ctl.Enable())
	assert.True(t, r.ctl.Enabled())
	_, err = r.ctl.MoveTo(10)
	require.NoError(t, err)
}

func TestDisableWhileIdleSendsNothing(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	_, err := r.ctl.Disable()
	require.NoError(t, err)
	assert.Empty(t, r.tx.requests())

	idle := newRig(t, nil)
	_, err = idle.ctl.Disable()
	assert.ErrorIs(t, err, mcu.ErrCommandRejected)
	assert.ErrorIs(t, idle.ctl.Enable(), mcu.ErrCommandRejected)
}

func TestSetSpeedAppliesToMoveAndIndex(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	assert.Equal(t, config.DefaultSpeed, r.ctl.Speed())

	assert.ErrorIs(t, r.ctl.SetSpeed(0), mcu.ErrCommandRejected)
	assert.ErrorIs(t, r.ctl.SetSpeed(-5), mcu.ErrCommandRejected)
	assert.Equal(t, config.DefaultSpeed, r.ctl.Speed())

	require.NoError(t, r.ctl.SetSpeed(250))
	_, err := r.ctl.MoveTo(100)
	require.NoError(t, err)
	assert.Equal(t, 250, r.tx.last().(protocol.MoveStepper).Speed)

	_, err = r.ctl.Index(1)
	require.NoError(t, err)
	assert.Equal(t, 250, r.tx.last().(protocol.MoveStepper).Speed)

	_, err = r.ctl.Jog(1)
	require.NoError(t, err)
	assert.Equal(t, r.ctl.Config().JogSpeed, r.tx.last().(protocol.MoveStepper).Speed)
}

func TestGetPositionStaleness(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	p := r.ctl.GetPosition()
	assert.False(t, p.Stale)
	assert.Empty(t, r.tx.requests())

	r.now = r.now.Add(2 * time.Second)
	p = r.ctl.GetPosition()
	assert.True(t, p.Stale)
	assert.Equal(t, 2*time.Second, p.Age)
	assert.Equal(t, protocol.GetStatus{ID: 0}, r.tx.last())

	// Status never queries
	r.tx.reset()
	assert.True(t, r.ctl.Status().Stale)
	assert.Empty(t, r.tx.requests())
}

func TestGetPositionRefreshesOncePerWindow(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.now = r.now.Add(2 * time.Second)

	for i := 0; i < 50; i++ {
		assert.True(t, r.ctl.GetPosition().Stale)
	}
	assert.Len(t, r.tx.requests(), 1)

	r.now = r.now.Add(500 * time.Millisecond)
	r.ctl.GetPosition()
	assert.Len(t, r.tx.requests(), 1)

	r.now = r.now.Add(600 * time.Millisecond)
	r.ctl.GetPosition()
	assert.Len(t, r.tx.requests(), 2)
}

func TestGetPositionRetriesAfterBusy(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.now = r.now.Add(2 * time.Second)

	r.tx.err = mcu.ErrTransportBusy
	r.ctl.GetPosition()
	r.tx.err = nil
	r.ctl.GetPosition()
	assert.Equal(t, []protocol.Request{protocol.GetStatus{ID: 0}}, r.tx.requests())
}

func TestGetPinStatesIsIdempotent(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.apply(t, `{"event":"stepper_done","id":0,"position":42}`)

	for i := 0; i < 5; i++ {
		p, err := r.ctl.GetPinStates()
		require.NoError(t, err)
		assert.EqualValues(t, 42, p.Steps)
		r.apply(t, `{"status":{"stepper_0":{"limit_a":false,"limit_b":false,"home":true,"position":42,"moving":false}},"id":0}`)
	}
	p := r.ctl.Status()
	assert.EqualValues(t, 42, p.Steps)
	assert.True(t, p.Limits.Home)
	assert.True(t, p.Limits.Known)
}

func TestTransportErrorsSurface(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.tx.err = mcu.ErrTransportBusy

	p, err := r.ctl.MoveTo(10)
	assert.True(t, mcu.IsRetryable(err))
	assert.False(t, p.Moving, "failed send must not record a move")

	r.tx.err = mcu.ErrTransportDisconnected
	_, err = r.ctl.Stop()
	assert.ErrorIs(t, err, mcu.ErrTransportDisconnected)
	assert.False(t, mcu.IsRetryable(err))
}

func TestClosedController(t *testing.T) {
	r := newRig(t, nil).initialized(t)
	r.ctl.Close()

	_, err := r.ctl.Jog(1)
	assert.ErrorIs(t, err, mcu.ErrClosed)
	assert.ErrorIs(t, r.ctl.Init(), mcu.ErrClosed)
	assert.ErrorIs(t, r.ctl.Refresh(), mcu.ErrClosed)

	r.now = r.now.Add(time.Hour)
	r.ctl.GetPosition()
	assert.Empty(t, r.tx.requests())
}

func TestConcurrentOperationsDoNotDeadlock(t *testing.T) {
	r := newRig(t, nil).initialized(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// feedback arriving concurrently, as from the listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		lines := []string{
			`{"event":"stepper_done","id":0,"position":10}`,
			`{"status":{"stepper_0":{"limit_a":false,"limit_b":false,"home":false,"position":20,"moving":true}},"id":0}`,
			`{"event":"limit_hit","limit":"limit_b","position":-5,"id":0}`,
		}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ev, _ := protocol.Decode([]byte(lines[i%len(lines)]))
			r.store.Apply(ev, time.Now())
		}
	}()

	done := make(chan struct{})
	var callers sync.WaitGroup
	for g := 0; g < 8; g++ {
		callers.Add(1)
		go func(g int) {
			defer callers.Done()
			for i := 0; i < 200; i++ {
				switch (g + i) % 6 {
				case 0:
					r.ctl.Jog(int64(i%7) - 3)
				case 1:
					r.ctl.Index(1)
				case 2:
					r.ctl.Home()
				case 3:
					r.ctl.GetPosition()
				case 4:
					r.ctl.Stop()
				case 5:
					r.ctl.MoveTo(int64(i))
				}
			}
		}(g)
	}
	go func() {
		callers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent axis operations did not complete")
	}
	close(stop)
	wg.Wait()
}
