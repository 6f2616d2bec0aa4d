// Package gpiopins drives the eight servo output pins as real GPIO pulses, the same
// way the pack's own GPIO bit-bang example (gpio.PinOut's Out(gpio.High)/Out(gpio.Low))
// toggles a pin directly from software rather than a hardware PWM peripheral.
package gpiopins

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"

	"github.com/EbpController/LocoNet-Driver/servo"
)

// Bank adapts servo.NumChannels GPIO output pins to servo.PinSetter.
type Bank struct {
	pins [servo.NumChannels]gpio.PinOut
}

// Open resolves pinNames (one per servo channel, Bank index order) and configures each
// as a low output. len(pinNames) must equal servo.NumChannels.
func Open(pinNames [servo.NumChannels]string) (*Bank, error) {
	b := &Bank{}
	for i, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("gpiopins: no such pin %q", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("gpiopins: configure pin %q: %w", name, err)
		}
		b.pins[i] = pin
	}
	return b, nil
}

// Set implements servo.PinSetter.
func (b *Bank) Set(channel int, high bool) {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	// Out errors here would mean the pin was ripped out from under us after Open
	// succeeded; there is no sensible per-pulse recovery, so it is dropped the way a
	// single bad bit-bang edge would be in the pack's own gpio-write example.
	_ = b.pins[channel].Out(level)
}
