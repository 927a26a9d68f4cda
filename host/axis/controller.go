// Package axis implements the host-side axis controllers. Every operation
// is submit-then-poll: it queues a command and returns the last known
// position without waiting for the firmware.
package axis

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"motionctl/host/config"
	"motionctl/host/logging"
	"motionctl/host/mcu"
	"motionctl/protocol"
)

// Sender queues requests for the firmware without waiting for a reply
type Sender interface {
	Send(req protocol.Request) error
}

// minRefreshInterval bounds auto-refresh when StaleAfter is very short
const minRefreshInterval = 50 * time.Millisecond

// Options tunes controller behavior
type Options struct {
	StaleAfter  time.Duration // positions older than this are reported stale
	AutoRefresh bool          // GetPosition queues get_status when stale
	Clock       func() time.Time
	Log         zerolog.Logger
}

// Controller drives one axis.
//
// All of its state, the controller intent below and the feedback written by
// the listener, is guarded by the axis slot lock. Each public method takes
// that lock exactly once; the unexported helpers assume it is held.
type Controller struct {
	cfg   config.Axis
	slot  *mcu.AxisSlot
	tx    Sender
	stale time.Duration
	auto  bool
	clock func() time.Time
	log   zerolog.Logger

	// guarded by slot
	configured  bool
	closed      bool
	disabled    bool      // moves are refused until Enable
	speed       int       // move and index speed, starts at cfg.Speed
	lastRefresh time.Time // when GetPosition last queued a status query
}

// NewController creates a controller for cfg using the given slot
func NewController(cfg config.Axis, slot *mcu.AxisSlot, tx Sender, opts Options) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		cfg:   cfg,
		slot:  slot,
		tx:    tx,
		stale: opts.StaleAfter,
		auto:  opts.AutoRefresh,
		clock: clock,
		log:   logging.Axis(logging.Component(opts.Log, "axis"), cfg.ID),
		speed: cfg.Speed,
	}
}

// ID returns the axis id
func (c *Controller) ID() int { return c.cfg.ID }

// Config returns the axis configuration
func (c *Controller) Config() config.Axis { return c.cfg }

// Init sends the axis configuration: pins and bounds, then the ramp and
// delay limits. The firmware resets the position to zero.
func (c *Controller) Init() error {
	c.slot.Lock()
	defer c.slot.Unlock()
	if c.closed {
		return mcu.ErrClosed
	}
	return c.init()
}

func (c *Controller) init() error {
	a := c.cfg
	reqs := []protocol.Request{
		protocol.InitStepper{
			ID:        a.ID,
			StepPin:   a.StepPin,
			DirPin:    a.DirPin,
			LimitA:    a.LimitA,
			LimitB:    a.LimitB,
			Home:      a.Home,
			EnablePin: a.EnablePin,
			MinLimit:  a.MinLimit,
			MaxLimit:  a.MaxLimit,
		},
		protocol.SetSpeedLimits{ID: a.ID, MinDelay: a.MinDelay, MaxDelay: a.MaxDelay},
		protocol.SetAcceleration{ID: a.ID, Acceleration: a.Acceleration},
		protocol.SetDeceleration{ID: a.ID, Deceleration: a.Deceleration},
	}
	for _, req := range reqs {
		if err := c.tx.Send(req); err != nil {
			return fmt.Errorf("axis %d: %s: %w", a.ID, req.Command(), err)
		}
	}
	c.configured = true
	c.slot.State().BeginInit()
	c.log.Debug().Msg("init sent")
	return nil
}

// Reinit re-sends the configuration when the firmware has lost it, after a
// restart or an uninitialized-axis error. It reports whether it sent.
func (c *Controller) Reinit() (bool, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if c.closed || !c.configured || c.slot.State().Initialized {
		return false, nil
	}
	return true, c.init()
}

// Configured reports whether Init has been sent
func (c *Controller) Configured() bool {
	c.slot.Lock()
	defer c.slot.Unlock()
	return c.configured
}

// Jog moves by steps relative to the current destination, clamped into
// the travel bounds
func (c *Controller) Jog(steps int64) (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.movable(); err != nil {
		return c.snapshot(), err
	}
	target := c.cfg.Clamp(c.base() + steps)
	return c.moveTo(target, c.cfg.JogSpeed)
}

// MoveTo moves to an absolute position. Targets outside the travel bounds
// are rejected.
func (c *Controller) MoveTo(target int64) (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.movable(); err != nil {
		return c.snapshot(), err
	}
	if !c.cfg.InBounds(target) {
		return c.snapshot(), mcu.Reject(c.cfg.ID, "target %d outside [%d, %d]", target, c.cfg.MinLimit, c.cfg.MaxLimit)
	}
	return c.moveTo(target, c.speed)
}

// Index moves n index positions from the current destination
func (c *Controller) Index(n int64) (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.movable(); err != nil {
		return c.snapshot(), err
	}
	if c.cfg.IndexDistance <= 0 {
		return c.snapshot(), mcu.Reject(c.cfg.ID, "index_distance is not configured")
	}
	target := c.base() + n*c.cfg.IndexDistance
	if !c.cfg.InBounds(target) {
		return c.snapshot(), mcu.Reject(c.cfg.ID, "index target %d outside [%d, %d]", target, c.cfg.MinLimit, c.cfg.MaxLimit)
	}
	return c.moveTo(target, c.speed)
}

// Home starts a homing run toward the home switch
func (c *Controller) Home() (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.movable(); err != nil {
		return c.snapshot(), err
	}
	if c.cfg.Home == nil {
		return c.snapshot(), mcu.Reject(c.cfg.ID, "no home switch configured")
	}
	dir := c.cfg.HomeDir
	err := c.tx.Send(protocol.HomeStepper{
		ID:       c.cfg.ID,
		Speed:    c.cfg.HomeSpeed,
		Dir:      &dir,
		MaxSteps: c.cfg.HomeMaxSteps,
	})
	if err != nil {
		return c.snapshot(), fmt.Errorf("axis %d: home: %w", c.cfg.ID, err)
	}
	c.slot.State().BeginHoming()
	return c.snapshot(), nil
}

// Pause holds the axis in place
func (c *Controller) Pause() (Position, error) {
	return c.command(protocol.PauseStepper{ID: c.cfg.ID})
}

// Resume continues a paused move
func (c *Controller) Resume() (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.movable(); err != nil {
		return c.snapshot(), err
	}
	return c.send(protocol.ResumeStepper{ID: c.cfg.ID})
}

// Stop halts the axis. The firmware acknowledges with the final position.
func (c *Controller) Stop() (Position, error) {
	return c.command(protocol.StopStepper{ID: c.cfg.ID})
}

// Enable allows motion again after Disable. The firmware energizes the
// driver when the next move starts.
func (c *Controller) Enable() error {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.ready(); err != nil {
		return err
	}
	if c.disabled {
		c.disabled = false
		c.log.Info().Msg("axis enabled")
	}
	return nil
}

// Disable refuses further moves until Enable. Motion in progress is
// stopped; the firmware releases the driver once the axis is idle.
func (c *Controller) Disable() (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.ready(); err != nil {
		return c.snapshot(), err
	}
	c.disabled = true
	c.log.Info().Msg("axis disabled")
	fb := c.slot.State()
	if !fb.Moving && !fb.Paused && !fb.Homing {
		return c.snapshot(), nil
	}
	return c.send(protocol.StopStepper{ID: c.cfg.ID})
}

// Enabled reports whether moves are accepted
func (c *Controller) Enabled() bool {
	c.slot.Lock()
	defer c.slot.Unlock()
	return !c.disabled
}

// SetSpeed changes the speed used by MoveTo and Index. Jog and Home keep
// their configured speeds.
func (c *Controller) SetSpeed(speed int) error {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.ready(); err != nil {
		return err
	}
	if speed <= 0 {
		return mcu.Reject(c.cfg.ID, "speed must be positive, got %d", speed)
	}
	c.speed = speed
	c.log.Info().Int("speed", speed).Msg("speed set")
	return nil
}

// Speed returns the speed used by MoveTo and Index
func (c *Controller) Speed() int {
	c.slot.Lock()
	defer c.slot.Unlock()
	return c.speed
}

// GetPosition returns the last known position immediately. When the
// position is stale and auto-refresh is on, a status query is queued, at
// most one per stale window.
func (c *Controller) GetPosition() Position {
	c.slot.Lock()
	defer c.slot.Unlock()
	p := c.snapshot()
	if p.Stale && c.auto && c.configured && !c.closed {
		c.autoRefresh()
	}
	return p
}

// GetPinStates queues a pin state query and returns the last known states
func (c *Controller) GetPinStates() (Position, error) {
	return c.command(protocol.GetPinStates{ID: c.cfg.ID})
}

// Refresh queues a status query
func (c *Controller) Refresh() error {
	_, err := c.command(protocol.GetStatus{ID: c.cfg.ID})
	return err
}

// Status returns the last known position without touching the transport
func (c *Controller) Status() Position {
	c.slot.Lock()
	defer c.slot.Unlock()
	return c.snapshot()
}

// Close makes every further operation fail with ErrClosed
func (c *Controller) Close() {
	c.slot.Lock()
	defer c.slot.Unlock()
	c.closed = true
}

func (c *Controller) command(req protocol.Request) (Position, error) {
	c.slot.Lock()
	defer c.slot.Unlock()
	if err := c.ready(); err != nil {
		return c.snapshot(), err
	}
	return c.send(req)
}

func (c *Controller) send(req protocol.Request) (Position, error) {
	if err := c.tx.Send(req); err != nil {
		return c.snapshot(), fmt.Errorf("axis %d: %s: %w", c.cfg.ID, req.Command(), err)
	}
	return c.snapshot(), nil
}

func (c *Controller) moveTo(target int64, speed int) (Position, error) {
	fb := c.slot.State()
	delta := target - fb.Position
	dir := protocol.DirCW
	if delta < 0 {
		dir = protocol.DirCCW
		delta = -delta
	}
	err := c.tx.Send(protocol.MoveStepper{
		ID:     c.cfg.ID,
		Steps:  delta,
		Dir:    dir,
		Speed:  speed,
		Target: &target,
	})
	if err != nil {
		return c.snapshot(), fmt.Errorf("axis %d: move: %w", c.cfg.ID, err)
	}
	fb.BeginMove(target)
	return c.snapshot(), nil
}

func (c *Controller) autoRefresh() {
	now := c.clock()
	if !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < max(c.stale, minRefreshInterval) {
		return
	}
	if err := c.tx.Send(protocol.GetStatus{ID: c.cfg.ID}); err != nil {
		c.log.Debug().Err(err).Msg("refresh not queued")
		return
	}
	c.lastRefresh = now
}

// base is where relative moves start from: the destination of a move in
// progress, otherwise the last reported position
func (c *Controller) base() int64 {
	fb := c.slot.State()
	if fb.Moving || fb.Paused {
		return fb.Target
	}
	return fb.Position
}

func (c *Controller) ready() error {
	if c.closed {
		return mcu.ErrClosed
	}
	if !c.configured {
		return mcu.Reject(c.cfg.ID, "axis not initialized")
	}
	return nil
}

// movable is ready plus the operator enable
func (c *Controller) movable() error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.disabled {
		return mcu.Reject(c.cfg.ID, "axis disabled")
	}
	return nil
}

func (c *Controller) snapshot() Position {
	return snapshot(c.cfg.ID, c.slot.State(), c.clock(), c.stale)
}
