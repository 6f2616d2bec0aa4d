// Package gpioaddr reads the unit's LocoNet-compatible bus address from an 8-pin DIP
// switch bank wired to GPIO input pins, and optionally senses the bus wire's idle state
// from a dedicated sense pin, using periph.io/x/periph the way the radio gateway reads
// its interrupt pin.
package gpioaddr

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Init must be called once before ByName resolves any pin, to register the host's GPIO
// drivers with periph's registry.
func Init() error {
	_, err := host.Init()
	return err
}

// ReadAddress resolves pinNames (least-significant pin first, exactly 8 names) and
// returns the address assembled from their levels: a high pin contributes a 1 bit at its
// position, and bit 7 (the eighth pin) is then masked off to give a 7-bit address.
func ReadAddress(pinNames [8]string) (byte, error) {
	var addr byte
	for i, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return 0, fmt.Errorf("gpioaddr: no such pin %q", name)
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return 0, fmt.Errorf("gpioaddr: configure pin %q: %w", name, err)
		}
		if pin.Read() == gpio.High {
			addr |= 1 << uint(i)
		}
	}
	return addr & 0x7F, nil
}

// LineSense adapts a single GPIO input pin to bus.LineIdle: the wire is idle when the
// sense pin reads high, matching isLnFree()'s composite of "RX line high".
type LineSense struct {
	pin gpio.PinIO
}

// NewLineSense resolves pinName and configures it as an input.
func NewLineSense(pinName string) (*LineSense, error) {
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpioaddr: no such pin %q", pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpioaddr: configure pin %q: %w", pinName, err)
	}
	return &LineSense{pin: pin}, nil
}

// Idle implements bus.LineIdle.
func (l *LineSense) Idle() bool {
	return l.pin.Read() == gpio.High
}
