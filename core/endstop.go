package core

// Endstop is a switch input wired active low with a pull-up: a closed
// switch reads low. An unconfigured endstop never triggers.
type Endstop struct {
	Pin        GPIOPin
	Configured bool
}

// Configure sets the pin up as a pulled-up input. A nil pin leaves the
// endstop unconfigured.
func (e *Endstop) Configure(gpio GPIODriver, pin *int) error {
	if pin == nil {
		*e = Endstop{}
		return nil
	}
	e.Pin = GPIOPin(*pin)
	e.Configured = true
	return gpio.ConfigureInputPullUp(e.Pin)
}

// Triggered samples the switch
func (e *Endstop) Triggered(gpio GPIODriver) bool {
	return e.Configured && !gpio.ReadPin(e.Pin)
}
