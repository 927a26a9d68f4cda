//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	"motionctl/core"
	"motionctl/targets/pio"
)

var (
	fw  *core.Firmware
	out = &usbWriter{}
)

func main() {
	// clear any watchdog state left from before a reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	InitUSB()

	fw = core.NewFirmware(NewRPGPIODriver(), out, core.WithBackendFactory(pio.BackendFactory))
	fw.Boot(GetHardwareTime())

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				// a bad command must not take the step loop down
				_ = recover()
			}()
			fw.Poll(GetHardwareTime())
		}()

		// yield to the reader goroutine
		time.Sleep(10 * time.Microsecond)
	}
}

// usbReaderLoop moves received bytes into the firmware receive ring
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	var buf [64]byte
	for {
		n := 0
		for n < len(buf) && USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				break
			}
			buf[n] = b
			n++
		}
		if n > 0 {
			out.reconnected()
			fw.Receive(buf[:n])
		}
		time.Sleep(100 * time.Microsecond)
	}
}
