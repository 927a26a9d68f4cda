package axis

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"motionctl/host/config"
	"motionctl/host/logging"
	"motionctl/host/mcu"
	"motionctl/protocol"
)

// Bank is the set of axes driven over one MCU connection. After a
// reconnect it queries every axis; when the firmware reports a restart or
// an uninitialized axis it re-sends that axis's configuration.
type Bank struct {
	mcu   *mcu.MCU
	axes  map[int]*Controller
	ids   []int
	log   zerolog.Logger
	wg    sync.WaitGroup
	unsub func()
}

// NewBank creates one controller per configured axis
func NewBank(m *mcu.MCU, cfg config.Config, log zerolog.Logger) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bank{
		mcu:  m,
		axes: make(map[int]*Controller, len(cfg.Axes)),
		log:  logging.Component(log, "bank"),
	}
	opts := Options{StaleAfter: cfg.StaleAfter, AutoRefresh: cfg.AutoRefresh, Log: log}
	for _, a := range cfg.Axes {
		slot, _ := m.Feedback().Slot(a.ID)
		b.axes[a.ID] = NewController(a, slot, m, opts)
		b.ids = append(b.ids, a.ID)
	}
	sort.Ints(b.ids)

	events, unsub := m.Subscribe(16)
	b.unsub = unsub
	b.wg.Add(1)
	go b.watch(events)
	m.OnConnect(b.refresh)
	return b, nil
}

// Axis returns the controller for an axis id
func (b *Bank) Axis(id int) (*Controller, error) {
	c, ok := b.axes[id]
	if !ok {
		return nil, mcu.Reject(id, "no such axis")
	}
	return c, nil
}

// IDs returns the configured axis ids in order
func (b *Bank) IDs() []int {
	return append([]int(nil), b.ids...)
}

// MCU returns the underlying connection
func (b *Bank) MCU() *mcu.MCU {
	return b.mcu
}

// InitAll initializes every axis
func (b *Bank) InitAll() error {
	var err error
	for _, id := range b.ids {
		err = multierr.Append(err, b.axes[id].Init())
	}
	return err
}

// SetDebug toggles the firmware's debug lines
func (b *Bank) SetDebug(enable bool) error {
	return b.mcu.Send(protocol.SetDebug{Enable: enable})
}

// Close closes every controller and the connection
func (b *Bank) Close() error {
	for _, id := range b.ids {
		b.axes[id].Close()
	}
	err := b.mcu.Close()
	b.unsub()
	b.wg.Wait()
	return err
}

func (b *Bank) watch(events <-chan protocol.Event) {
	defer b.wg.Done()
	for ev := range events {
		switch {
		case ev.Kind == protocol.KindEvent && ev.Name == protocol.EventFirmwareReady:
			b.log.Info().Str("version", ev.Version).Msg("firmware restarted")
			for _, id := range b.ids {
				b.reinit(id)
			}
		case ev.Kind == protocol.KindError && ev.HasAxis && ev.Name == protocol.MsgStepperNotInitialized:
			b.reinit(ev.AxisID)
		case ev.Kind == protocol.KindError && ev.HasAxis && ev.Name == protocol.MsgInvalidParameter:
			// the rejected command is unknown; ask the axis where it stands
			b.refreshAxis(ev.AxisID)
		}
	}
}

func (b *Bank) reinit(id int) {
	c, ok := b.axes[id]
	if !ok {
		return
	}
	sent, err := c.Reinit()
	if err != nil {
		b.log.Warn().Err(err).Int("axis", id).Msg("re-init failed")
		return
	}
	if sent {
		b.log.Info().Int("axis", id).Msg("axis re-initialized")
	}
}

func (b *Bank) refreshAxis(id int) {
	c, ok := b.axes[id]
	if !ok || !c.Configured() {
		return
	}
	if err := c.Refresh(); err != nil {
		b.log.Warn().Err(err).Int("axis", id).Msg("refresh after rejection failed")
	}
}

// refresh queries every initialized axis after a reconnect
func (b *Bank) refresh() {
	for _, id := range b.ids {
		c := b.axes[id]
		if !c.Configured() {
			continue
		}
		if err := c.Refresh(); err != nil {
			b.log.Warn().Err(err).Int("axis", id).Msg("refresh after reconnect failed")
		}
	}
}
