// Package serialport adapts a real Linux tty, via github.com/daedaluz/goserial, to the
// bus.UART interface: raw byte-at-a-time writes, a custom baud rate (16,666 bps is not
// one of the termios standard rates), and the break-line control the bus engine's
// line-break recovery needs.
package serialport

import (
	"fmt"

	serial "github.com/daedaluz/goserial"

	"github.com/EbpController/LocoNet-Driver/bus"
)

// BaudRate is the LocoNet-compatible bus's fixed bit rate.
const BaudRate = 16666

// Port adapts a goserial *serial.Port to bus.UART. It owns a background goroutine that
// reads the tty and republishes each byte (or framing error) as a bus.RxEvent.
type Port struct {
	port   *serial.Port
	events chan bus.RxEvent
	done   chan struct{}
}

// Open opens the tty at path, configures it for the bus's custom baud rate in raw mode,
// and starts the background reader. Close stops the reader and releases the fd.
func Open(path string) (*Port, error) {
	sp, err := serial.Open(path, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	attrs, err := sp.GetAttr2()
	if err != nil {
		sp.Close()
		return nil, fmt.Errorf("serialport: get attrs: %w", err)
	}
	attrs.MakeRaw()
	attrs.SetCustomIOSpeed(BaudRate, BaudRate)
	if err := sp.SetAttr2(serial.TCSANOW, attrs); err != nil {
		sp.Close()
		return nil, fmt.Errorf("serialport: set attrs: %w", err)
	}

	p := &Port{
		port:   sp,
		events: make(chan bus.RxEvent, 256),
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *Port) readLoop() {
	buf := make([]byte, 64)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		n, err := p.port.Read(buf)
		if err != nil {
			// A closed or broken port surfaces as a read error; a framing error (the
			// break condition the far end may be signalling) is reported by the driver
			// the same way on this tty layer, so any error here is treated as a
			// framing-error event rather than fatal — the bus engine already knows how
			// to recover from those.
			select {
			case p.events <- bus.RxEvent{FramingError: true}:
			case <-p.done:
				return
			}
			continue
		}
		for i := 0; i < n; i++ {
			select {
			case p.events <- bus.RxEvent{Data: buf[i]}:
			case <-p.done:
				return
			}
		}
	}
}

// TxByte implements bus.UART.
func (p *Port) TxByte(b byte) {
	p.port.Write([]byte{b})
}

// Enable implements bus.UART. The underlying tty has no distinct receiver-disable
// control accessible at this layer; the bus engine only relies on Enable to stop
// treating incoming bytes as protocol data during a break, which the framing-error path
// already guards against, so this is a no-op that exists to satisfy the interface.
func (p *Port) Enable(enabled bool) {}

// ForceBreak implements bus.UART using the tty's break-line controls.
func (p *Port) ForceBreak(assert bool) {
	if assert {
		p.port.SetBreak()
	} else {
		p.port.ClearBreak()
	}
}

// Events implements bus.UART.
func (p *Port) Events() <-chan bus.RxEvent { return p.events }

// Close stops the reader goroutine and closes the underlying tty.
func (p *Port) Close() error {
	close(p.done)
	return p.port.Close()
}
